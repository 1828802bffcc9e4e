package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ultrastream/work/client"
	"ultrastream/work/config"
	"ultrastream/work/database"
	"ultrastream/work/engine"
	"ultrastream/work/handlers"
	"ultrastream/work/logger"
	"ultrastream/work/player"
	"ultrastream/work/relay"
	"ultrastream/work/utils"
)

const shutdownGrace = 10 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay and the playlist/player API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, *configPath)
		},
	}
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg := config.LoadConfig(configPath)
	logger.SetLogLevel(cfg.LogLevel)

	// only the log level applies live, everything else is read at startup
	watcher, err := config.Watch(configPath, func(c *config.Config) {
		logger.SetLogLevel(c.LogLevel)
		logger.Info("{main/serve - runServe} Log level now %s", c.LogLevel)
	})
	if err != nil {
		logger.Warn("{main/serve - runServe} Config hot reload disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	httpClient := client.NewBrowserClient(cfg)
	rl := relay.New(cfg, httpClient)

	players, err := player.NewRegistry(player.Deps{
		Config:   cfg,
		Factory:  engine.NewFactory(cfg, httpClient),
		Rewrite:  relay.NewRewriter(cfg.RelayEndpoint()),
		Recorder: db,
	})
	if err != nil {
		return err
	}
	defer players.Close()

	srv, err := handlers.New(cfg, rl, players, db)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("{main/serve - runServe} Starting ultrastream %s", Version)
	logger.Info("{main/serve - runServe} Server configuration:")
	logger.Info("{main/serve - runServe}   - Listen: %s", cfg.ListenAddr)
	logger.Info("{main/serve - runServe}   - Relay endpoint: %s", cfg.RelayEndpoint())
	logger.Info("{main/serve - runServe}   - Relay timeout: %s", cfg.RelayTimeout)
	logger.Info("{main/serve - runServe}   - Max. retries: %d x %s", cfg.MaxNetworkRetries, cfg.RetryBaseDelay)
	logger.Info("{main/serve - runServe}   - Segment workers: %d", cfg.SegmentWorkers)
	logger.Info("{main/serve - runServe}   - Sink buffer: %s", utils.FormatBytes(cfg.SinkBufferSize*1024*1024))
	logger.Info("{main/serve - runServe}   - Max. players: %d (idle %s)", cfg.MaxPlayers, cfg.PlayerIdleTimeout)
	logger.Info("{main/serve - runServe}   - Database: %s", cfg.DatabasePath)
	logger.Info("{main/serve - runServe}   - URL obfuscation: %v", cfg.ObfuscateUrls)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("{main/serve - runServe} Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("{main/serve - runServe} Graceful shutdown incomplete: %v", err)
	}
	return nil
}
