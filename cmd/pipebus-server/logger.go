package main

import (
	"log/slog"
	"os"

	"github.com/pipebus/pipebus/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "pipebus-server")
	logging.Set(l)
	return l
}
