package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/marketlens/core/internal/mcpserver"
	"github.com/marketlens/core/pkg/logger"
)

func main() {
	logger.SetupLogger()
	log := logger.New("mcp-service")

	cfg := mcpserver.Load()
	srv := mcpserver.New(cfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Fatal().
			Err(err).
			Str("action", "server_failed").
			Msg("MCP server failed")
	}
}
