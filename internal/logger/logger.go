package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Log = zap.NewNop()

// Init replaces the no-op logger with a production logger at the given level.
// An unknown level falls back to info.
func Init(level string) {
	cfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	Log = zap.Must(cfg.Build())
}

func Sugar() *zap.SugaredLogger {
	return Log.Sugar()
}
