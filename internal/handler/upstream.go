package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"resilience-gateway/internal/breaker"
	"resilience-gateway/internal/logger"
)

// maxUpstreamBody limita o corpo lido da resposta do upstream
const maxUpstreamBody = 10 << 20

// hopHeaders não são repassados entre cliente e upstream
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// idempotentMethods podem ser repetidos pelo retry do breaker
var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// UpstreamStatusError é uma resposta 5xx do upstream; conta como falha do breaker
type UpstreamStatusError struct {
	StatusCode int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream responded with status %d", e.StatusCode)
}

// UpstreamResponse é a resposta do upstream já lida em memória
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Upstream encaminha requisições para o serviço protegido pelo breaker
type Upstream struct {
	target *url.URL
	client *http.Client
	guard  breaker.Guard
}

// NewUpstream cria o proxy; client nil usa http.DefaultClient
func NewUpstream(rawURL string, guard breaker.Guard, client *http.Client) (*Upstream, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q: scheme and host are required", rawURL)
	}
	if client == nil {
		client = http.DefaultClient
	}

	return &Upstream{target: target, client: client, guard: guard}, nil
}

// Breaker retorna o nome do breaker que protege o upstream
func (u *Upstream) Breaker() string {
	return u.guard.Name()
}

// Do executa a requisição através do breaker; cada tentativa reenvia o corpo completo.
// Métodos não idempotentes (POST, PATCH...) são tentados uma única vez.
func (u *Upstream) Do(ctx context.Context, method, path, rawQuery string, header http.Header, body []byte) (*UpstreamResponse, error) {
	target := *u.target
	target.Path = strings.TrimSuffix(u.target.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	target.RawQuery = rawQuery

	if !idempotentMethods[method] {
		ctx = breaker.SingleAttempt(ctx)
	}

	return breaker.Execute(ctx, u.guard, func(ctx context.Context) (*UpstreamResponse, error) {
		req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header = cloneHeader(header)
		if requestID := logger.GetRequestID(ctx); requestID != "" {
			req.Header.Set("X-Request-ID", requestID)
		}

		resp, err := u.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, &UpstreamStatusError{StatusCode: resp.StatusCode}
		}

		return &UpstreamResponse{
			StatusCode: resp.StatusCode,
			Header:     cloneHeader(resp.Header),
			Body:       data,
		}, nil
	})
}

func cloneHeader(h http.Header) http.Header {
	cloned := h.Clone()
	if cloned == nil {
		cloned = make(http.Header)
	}
	for _, name := range hopHeaders {
		cloned.Del(name)
	}
	return cloned
}

// isUpstreamStatus informa se err é uma resposta 5xx do upstream
func isUpstreamStatus(err error) (*UpstreamStatusError, bool) {
	var statusErr *UpstreamStatusError
	ok := errors.As(err, &statusErr)
	return statusErr, ok
}
