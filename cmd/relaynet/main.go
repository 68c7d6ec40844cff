package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/luciancaetano/relaynet/internal/config"
	"github.com/luciancaetano/relaynet/relay"
)

// doMain runs the relay until ctx is done. stop releases the signal handlers
// so a second interrupt during the drain terminates the process.
func doMain(ctx context.Context, stop context.CancelFunc, args []string, level *slog.LevelVar, logger *slog.Logger) error {
	cfg, err := config.Load(ctx, args, nil)
	if err != nil {
		return err
	}
	level.Set(cfg.LogLevel())

	logger.Info("starting relay",
		slog.String("addr", cfg.Addr()),
		slog.Bool("mirror", cfg.Mirror),
		slog.Int("max_players", cfg.MaxPlayers),
		slog.Int("max_rate", cfg.MaxRate),
		slog.Float64("accept_rate", cfg.AcceptRate),
		slog.String("http_addr", cfg.HTTPAddr),
	)

	r, err := relay.New(relay.Options{
		Config:      cfg,
		Logger:      logger,
		CheckOrigin: relay.AllOrigins(),
	})
	if err != nil {
		return err
	}

	if err := r.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	stop()
	logger.Warn("shutdown signal, interrupt again to exit immediately",
		slog.Duration("timeout", cfg.ShutdownTimeout))

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return r.Stop(stopCtx)
}

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := doMain(ctx, stop, os.Args[1:], level, logger); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		logger.Error("relay failed", slog.Any("error", err))
		stop()
		os.Exit(1)
	}
}
