// README: Entry point; loads config, wires ingest, heatmap and realtime services, and serves the HTTP API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ridepulse/internal/config"
	httptransport "ridepulse/internal/http"
	"ridepulse/internal/infra"
	"ridepulse/internal/modules/heatmap"
	"ridepulse/internal/modules/location"
	"ridepulse/internal/modules/realtime"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "ridepulse-api",
		Short:         "Driver ping ingest, heatmap and realtime position API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml, json or toml)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serveAPI(ctx, cfg)
		},
	}
	root.AddCommand(serve)
	root.RunE = serve.RunE
	return root
}

func serveAPI(ctx context.Context, cfg config.Config) error {
	log := infra.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	locationStore := location.NewStore(dbPool)
	locationSvc := location.NewService(locationStore,
		location.WithGrid(location.Grid{Step: cfg.Ingest.TileStep}),
		location.WithPolicy(location.Policy{DedupWindow: cfg.Ingest.DedupWindow, RateLimit: cfg.Ingest.RateLimit}),
		location.WithLogger(log),
	)
	heatmapSvc := heatmap.NewService(locationStore, cfg.Heatmap.RowLimit, nil, log)

	deps := httptransport.RouterDeps{
		Location:      locationSvc,
		Heatmap:       heatmapSvc,
		DefaultWindow: cfg.Heatmap.DefaultLookbackSeconds,
		Log:           log,
	}

	if cfg.Realtime.Enabled {
		redisClient := infra.NewRedis(cfg.Redis.Addr)
		defer redisClient.Close()

		// realtime is best effort; ingest and heatmap keep serving without Redis
		if err := infra.PingRedis(ctx, redisClient); err != nil {
			log.Warn("redis unavailable, realtime points will be empty until it recovers", "addr", cfg.Redis.Addr, "error", err)
		}

		board := realtime.NewBoard(cfg.Realtime.PointTTL,
			realtime.WithGeoIndex(realtime.NewRedisGeoIndex(redisClient, cfg.Realtime.GeoKey)),
			realtime.WithBoardLogger(log),
		)
		hub := realtime.NewHub(board, log)
		defer hub.Close()

		bus := realtime.NewRedisBus(redisClient, cfg.Realtime.Channel, log)
		go runBoard(ctx, board, bus, log)

		deps.RealtimeBoard = board
		deps.RealtimeStream = hub
	}

	server := httptransport.NewServer(cfg.HTTP.Addr, httptransport.NewRouter(deps), log)
	return server.Run(ctx)
}

const resubscribeDelay = 2 * time.Second

// runBoard keeps the board subscribed, retrying while Redis is unreachable.
func runBoard(ctx context.Context, board *realtime.Board, bus realtime.Bus, log *slog.Logger) {
	for {
		err := board.Run(ctx, bus)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn("realtime subscribe failed", "error", err, "retry_in", resubscribeDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
	}
}
