package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process-wide logger. Production env gets JSON output at
// Info, everything else gets the console encoder at Debug.
func New(env string) (*zap.Logger, error) {
	var cfg zap.Config

	if env == "prod" {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	return cfg.Build()
}
