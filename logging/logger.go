package logging

import (
	"io"

	"github.com/phuslu/log"
)

func CreateDebugLogger() *log.Logger {
	return &log.Logger{
		Level:  log.DebugLevel,
		Caller: 0,
		Writer: &log.ConsoleWriter{
			ColorOutput:    false,
			EndWithMessage: true,
		},
	}
}

// CreateDiscardLogger swallows everything, keeps test output readable
func CreateDiscardLogger() *log.Logger {
	return &log.Logger{
		Level:  log.ErrorLevel,
		Caller: 0,
		Writer: &log.IOWriter{Writer: io.Discard},
	}
}
