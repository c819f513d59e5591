package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a JSON logger for serviceName at the given level ("debug", "info",
// "warn", "error"). Unknown levels fall back to info.
func New(serviceName, level string) *zap.Logger {
	return NewWithSyncer(serviceName, level, zapcore.AddSync(os.Stdout))
}

// NewWithSyncer is New with an explicit destination.
func NewWithSyncer(serviceName, level string, out zapcore.WriteSyncer) *zap.Logger {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		zapLevel = zap.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	encoderConfig.MessageKey = "msg"
	encoderConfig.TimeKey = "ts"

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), out, zapLevel)
	log := zap.New(core, zap.AddCaller())
	if serviceName != "" {
		log = log.With(zap.String("service", serviceName))
	}
	return log
}

// Component returns a child logger tagged with the component name.
func Component(log *zap.Logger, name string) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log.With(zap.String("component", name))
}
