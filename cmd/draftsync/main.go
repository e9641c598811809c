package main

import (
	"log/slog"
	"os"

	"draftsync/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		slog.Error("draftsync.exit", "err", err)
		os.Exit(1)
	}
}
