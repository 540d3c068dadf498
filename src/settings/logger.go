package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// BuildLogger creates the process logger from the logging settings.
func BuildLogger(args *Arguments) (*zap.Logger, error) {
	var config zap.Config
	if args.Debug {
		// Development configuration with more verbose output
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		config.EncoderConfig.TimeKey = "timestamp"
		level, err := zapcore.ParseLevel(args.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid logging.level %q: %w", args.Logging.Level, err)
		}
		config.Level = zap.NewAtomicLevelAt(level)
	}

	config.OutputPaths = []string{"stdout"}
	if args.Logging.Directory != "" {
		if err := os.MkdirAll(args.Logging.Directory, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		timestamp := time.Now().Format("2006-01-02_15-04-05")
		logFile := filepath.Join(args.Logging.Directory, fmt.Sprintf("%s_kitedb.log", timestamp))
		if args.Logging.PrintToScreen {
			config.OutputPaths = []string{"stdout", logFile}
		} else {
			config.OutputPaths = []string{logFile}
		}
	}

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
