package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cfg "github.com/ferrygo/ferry/internal/config"
	"github.com/ferrygo/ferry/internal/forward"
	"github.com/ferrygo/ferry/internal/handler"
	"github.com/ferrygo/ferry/internal/logging"
	"github.com/ferrygo/ferry/internal/router"
	"github.com/ferrygo/ferry/internal/server"
	"github.com/ferrygo/ferry/internal/version"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to YAML config")
	flag.Parse()

	c, err := cfg.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ferry: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(os.Stderr, c.LogLevel)

	tbl := router.New(c)
	reg := forward.NewDefaultRegistry()
	gw := handler.New(tbl, reg, log, c)

	srv := server.New(c, gw, log)
	if gw.Metrics != nil {
		srv.OnConnOpen = gw.Metrics.IncActiveConns
		srv.OnConnClose = gw.Metrics.DecActiveConns
	}

	log.Info().
		Str("version", version.Value).
		Str("addr", c.Listen).
		Int("upstreams", len(c.Upstreams)).
		Int("static_mounts", len(c.Statics)).
		Msg("ferry starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("ferry failed")
		reg.CloseIdle()
		os.Exit(1)
	}
	reg.CloseIdle()
	log.Info().Msg("ferry stopped")
}
