package logger

import (
	"sync"

	"go.uber.org/zap"
)

var (
	instance *zap.SugaredLogger
	once     sync.Once
)

type Config struct {
	// Env selects the encoder: "development" gets console output with
	// debug level, anything else gets production JSON.
	Env     string
	Service string
}

// New builds the process-wide sugared logger. Subsequent calls return the
// first instance regardless of config.
func New(cfg Config) (*zap.SugaredLogger, error) {
	var err error
	once.Do(func() {
		var l *zap.Logger
		if cfg.Env == "development" {
			l, err = zap.NewDevelopment()
		} else {
			l, err = zap.NewProduction()
		}
		if err != nil {
			return
		}
		if cfg.Service != "" {
			l = l.With(zap.String("service", cfg.Service))
		}
		instance = l.Sugar()
	})
	return instance, err
}
