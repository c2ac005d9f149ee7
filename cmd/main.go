package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Shugur-Network/peergate/internal/config"
	"github.com/Shugur-Network/peergate/internal/logger"
	"github.com/joho/godotenv"
)

// Set at build time: -ldflags "-X main.version=... -X main.commit=... -X main.date=..."
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	// PEERGATE_* variables may come from a local .env file; a missing file is fine.
	_ = godotenv.Load()

	config.SetVersion(resolveVersion())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	Execute(ctx)
	_ = logger.Shutdown()
}
