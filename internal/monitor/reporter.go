package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"resilience-gateway/internal/domain"
)

const recordTimeout = 2 * time.Second

// ReporterStats são os contadores do Reporter
type ReporterStats struct {
	Reported int64 `json:"reported"`
	Recorded int64 `json:"recorded"`
	Dropped  int64 `json:"dropped"`
	Failed   int64 `json:"failed"`
	Queued   int   `json:"queued"`
}

// Reporter entrega eventos ao Sink em background com um pool fixo de workers.
// Report nunca bloqueia: com a fila cheia o evento é descartado e contado.
type Reporter struct {
	sink   Sink
	logger domain.Logger
	queue  chan Event
	wg     conc.WaitGroup

	mu     sync.RWMutex
	closed bool

	reported atomic.Int64
	recorded atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
}

// NewReporter inicia workers goroutines consumindo uma fila de queueSize eventos
func NewReporter(sink Sink, logger domain.Logger, workers, queueSize int) *Reporter {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	r := &Reporter{
		sink:   sink,
		logger: logger,
		queue:  make(chan Event, queueSize),
	}

	for i := 0; i < workers; i++ {
		r.wg.Go(r.worker)
	}
	return r
}

// Report enfileira o evento; retorna false se foi descartado
func (r *Reporter) Report(event Event) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.dropped.Add(1)
		return false
	}

	select {
	case r.queue <- event:
		r.reported.Add(1)
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

func (r *Reporter) worker() {
	for event := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		err := r.sink.Record(ctx, event)
		cancel()

		if err != nil {
			r.failed.Add(1)
			r.logger.Debug("Failed to record rate limit event", map[string]interface{}{
				"key":   event.Key,
				"error": err.Error(),
			})
			continue
		}
		r.recorded.Add(1)
	}
}

// Close para de aceitar eventos e espera a fila esvaziar ou o contexto expirar
func (r *Reporter) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats retorna os contadores do Reporter
func (r *Reporter) Stats() ReporterStats {
	return ReporterStats{
		Reported: r.reported.Load(),
		Recorded: r.recorded.Load(),
		Dropped:  r.dropped.Load(),
		Failed:   r.failed.Load(),
		Queued:   len(r.queue),
	}
}
