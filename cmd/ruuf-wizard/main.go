package main

import (
	"log/slog"
	"os"

	"github.com/ruuf/ruuf/cmd/ruuf-wizard/commands"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
