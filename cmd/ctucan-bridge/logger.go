package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/go-ctucan/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "ctucan-bridge")
	logging.Set(l)
	return l
}
