package main

import (
	"log/slog"
	"os"

	"github.com/ruuf/ruuf/cmd/ruuf-secureboot/commands"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
