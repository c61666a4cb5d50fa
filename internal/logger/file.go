package logger

import (
	"io"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotação do arquivo de log
const (
	logFileMaxSizeMB  = 100
	logFileMaxBackups = 5
	logFileMaxAgeDays = 28
)

// NewFileWriter retorna um writer com rotação por tamanho para path
func NewFileWriter(path string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    logFileMaxSizeMB,
		MaxBackups: logFileMaxBackups,
		MaxAge:     logFileMaxAgeDays,
		Compress:   true,
	}
}

// NewLoggerWithFile escreve em stdout e, se path não for vazio, também no arquivo.
// O closer retornado fecha o arquivo (no-op sem arquivo).
func NewLoggerWithFile(level, format, path string) (*StructuredLogger, io.Closer) {
	if path == "" {
		return NewLoggerWithOutput(level, format, os.Stdout).(*StructuredLogger), nopCloser{}
	}

	file := NewFileWriter(path)
	return NewLoggerWithOutput(level, format, io.MultiWriter(os.Stdout, file)).(*StructuredLogger), file
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
