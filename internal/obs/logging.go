// Package obs contains observability utilities: logging and metrics.
package obs

import "go.uber.org/zap"

// Logger is the global structured logger used by the service. It defaults to
// a no-op logger so packages can log before InitLogger runs (tests, tools).
var Logger = zap.NewNop()

// InitLogger replaces the global Logger with a production JSON logger.
func InitLogger() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	Logger = l
}
