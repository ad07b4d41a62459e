package log

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	EnvLogLevel = "DSTOR_LOG_LEVEL"
	EnvLogFile  = "DSTOR_LOG_FILE"
)

var (
	mlog  *zap.Logger
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	once  sync.Once
)

// Logger returns a sugared logger named for the given subsystem.
func Logger(name string) *zap.SugaredLogger {
	once.Do(setup)
	return mlog.Named(name).Sugar()
}

// SetLogLevel changes the level of every logger created by this package.
func SetLogLevel(l string) error {
	return level.UnmarshalText([]byte(strings.ToLower(l)))
}

func setup() {
	if l := os.Getenv(EnvLogLevel); l != "" {
		_ = SetLogLevel(l)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level),
	}

	// rotated json log file
	if fn := os.Getenv(EnvLogFile); fn != "" {
		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		w := zapcore.AddSync(&lumberjack.Logger{
			Filename:   fn,
			MaxSize:    100, // MB
			MaxBackups: 7,
			MaxAge:     28, // days
			Compress:   true,
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), w, level))
	}

	mlog = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}
