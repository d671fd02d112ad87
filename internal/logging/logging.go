// Package logging builds the service's zap logger.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config for the logger. When File is empty only the console is written to.
type Config struct {
	// debug, info, warn or error
	Level string
	// path of the rotating log file
	File string
	// rotate once the file reaches this size
	MaxSizeMB int
	// number of rotated files kept
	MaxBackups int
	// days a rotated file is kept
	MaxAgeDays int
	Compress   bool
}

// New returns a JSON logger writing to stderr and, optionally, to a rotating
// file. The returned logger must be synced by the caller on shutdown.
func New(c Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if c.Level != "" {
		if err := level.UnmarshalText([]byte(c.Level)); err != nil {
			return nil, fmt.Errorf("parsing log level %q: %w", c.Level, err)
		}
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderConfig)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level),
	}

	if c.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    orDefault(c.MaxSizeMB, 20),
			MaxBackups: c.MaxBackups,
			MaxAge:     orDefault(c.MaxAgeDays, 14),
			Compress:   c.Compress,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
