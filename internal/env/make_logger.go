package env

import (
	"fmt"

	zap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func MakeLogger(level, encoding string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("Invalid log level %q: %w", level, err)
	}

	if encoding != "json" && encoding != "console" {
		return nil, fmt.Errorf("Invalid log encoding %q, expected json or console", encoding)
	}

	logConfig := zap.NewProductionConfig()
	logConfig.Level = zap.NewAtomicLevelAt(zapLevel)
	logConfig.Encoding = encoding

	return logConfig.Build()
}
