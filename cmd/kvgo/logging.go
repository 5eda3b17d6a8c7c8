package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hupe1980/kvgo"
	"github.com/hupe1980/kvgo/config"
)

// loggers bundles the CLI logger and the engine logger. Both write through
// the same sink, rotated by lumberjack when a log file is configured.
type loggers struct {
	zap    *zap.Logger
	engine *kvgo.Logger
	sink   io.Writer
	closer io.Closer
}

func (l *loggers) Close() error {
	_ = l.zap.Sync()
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

func setupLoggers(cfg config.LogConfig, stderr io.Writer) (*loggers, error) {
	out := &loggers{sink: stderr}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, err
		}
		logFile := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB, // MB
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays, // days
			Compress:   cfg.Compress,
			LocalTime:  true,
		}
		out.sink = logFile
		out.closer = logFile
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var encoder zapcore.Encoder
	if strings.EqualFold(cfg.Format, "text") {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}
	core := zapcore.NewCore(encoder, zapcore.AddSync(out.sink), level)
	out.zap = zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)).Named("kvgo")

	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(cfg.Level)); err != nil {
		slogLevel = slog.LevelInfo
	}
	if strings.EqualFold(cfg.Format, "text") {
		out.engine = kvgo.NewTextLogger(out.sink, slogLevel)
	} else {
		out.engine = kvgo.NewJSONLogger(out.sink, slogLevel)
	}
	return out, nil
}
