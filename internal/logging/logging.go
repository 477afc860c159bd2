// Package logging builds the zap loggers the rest of the module uses.
// CAPTUREBRIDGE_DEBUG=1 switches the env-derived logger to a development
// config at debug level.
package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	fromEnvOnce sync.Once
	fromEnvLog  *zap.Logger
)

// New builds a logger. With debug set it uses the development config at
// debug level, otherwise the production config.
func New(debug bool) *zap.Logger {
	var (
		log *zap.Logger
		err error
	)
	if debug {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// FromEnv builds the process-wide logger once, honoring
// CAPTUREBRIDGE_DEBUG. Components that are not handed a logger explicitly
// log through this one.
func FromEnv() *zap.Logger {
	fromEnvOnce.Do(func() {
		fromEnvLog = New(strings.TrimSpace(os.Getenv("CAPTUREBRIDGE_DEBUG")) == "1")
	})
	return fromEnvLog
}
