package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// Setup sends log output to stdout and, when dir is set, to a dated file in dir.
func Setup(dir, level string) (io.Closer, error) {
	log.SetLevel(parseLevel(level))
	if dir == "" {
		log.SetOutput(os.Stdout)
		return io.NopCloser(nil), nil
	}
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	name := filepath.Join(dir, fmt.Sprintf("passkeeper_%s.log", time.Now().Format("02-01-2006")))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stdout, f))
	return f, nil
}

func parseLevel(level string) log.Level {
	switch strings.ToLower(level) {
	case "debug":
		return log.LevelDebug
	case "warn", "warning":
		return log.LevelWarn
	case "error":
		return log.LevelError
	default:
		return log.LevelInfo
	}
}

func Info(msg string, kv ...interface{}) {
	log.Infow(msg, kv...)
}

func Success(msg string, kv ...interface{}) {
	log.Infow("ok: "+msg, kv...)
}

func Warning(msg string, kv ...interface{}) {
	log.Warnw(msg, kv...)
}

func Debug(msg string, kv ...interface{}) {
	log.Debugw(msg, kv...)
}

func Error(msg string, err error, kv ...interface{}) {
	if err != nil {
		kv = append(kv, "error", err.Error())
	}
	log.Errorw(msg, kv...)
}

func Fatal(msg string, err error) {
	if err != nil {
		log.Errorw(msg, "error", err.Error())
	} else {
		log.Errorw(msg)
	}
	os.Exit(1)
}
