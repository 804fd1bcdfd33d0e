package main

import (
	"log/slog"
	"os"

	"github.com/clambin/nabtag/internal/cmd/cli"
)

var (
	// overridden during build
	version = "change-me"
)

func main() {
	cli.RootCmd.Version = version
	if err := cli.RootCmd.Execute(); err != nil {
		slog.Error("failed to start", "err", err)
		os.Exit(1)
	}
}
