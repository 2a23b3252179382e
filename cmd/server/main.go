// Command server is the process entrypoint: it loads configuration, wires
// every collaborator together, and runs the HTTP/websocket listener until
// signaled to shut down, via signal.Notify + context cancellation +
// http.Server.Shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/unmanageable-talk/internal/callreg"
	"github.com/adred-codev/unmanageable-talk/internal/clock"
	"github.com/adred-codev/unmanageable-talk/internal/config"
	"github.com/adred-codev/unmanageable-talk/internal/handlers"
	"github.com/adred-codev/unmanageable-talk/internal/metrics"
	"github.com/adred-codev/unmanageable-talk/internal/router"
	"github.com/adred-codev/unmanageable-talk/internal/scheduler"
	"github.com/adred-codev/unmanageable-talk/internal/social"
	"github.com/adred-codev/unmanageable-talk/internal/store"
	"github.com/adred-codev/unmanageable-talk/internal/store/memstore"
	"github.com/adred-codev/unmanageable-talk/internal/store/pgstore"
	"github.com/adred-codev/unmanageable-talk/internal/transport"
)

func main() {
	bootstrapLogger := config.NewLogger("info", "console")

	cfg, err := config.Load(&bootstrapLogger)
	if err != nil {
		bootstrapLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Str("environment", cfg.Environment).Msg("starting server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer closeStore()

	m := metrics.New()
	tasks := clock.NewTaskSet(logger)
	r := router.New(st, tasks, cfg.XDHReplayDelay, logger, cfg.MaxBroadcastRate)
	calls := callreg.New()
	sched := scheduler.New(tasks, st, r, cfg.ScheduleWarnBefore).WithMetrics(m)
	sg := social.New(st)

	dispatcher := handlers.NewDispatcher(st, r, sg, calls, sched, logger, cfg.LoginLockoutFails, cfg.LoginLockoutWindow, cfg.ScheduleWarnBefore).WithMetrics(m)

	wsServer := transport.NewServer(dispatcher, r, calls, m, logger, cfg.MaxConnections)

	mux := http.NewServeMux()
	mux.Handle("/ws", wsServer)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listener failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	cancel()
	logger.Info().Msg("shutdown complete")
}

// openStore picks pgstore when DATABASE_URL is configured, otherwise the
// in-memory store, and returns a cleanup func.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		return memstore.New(), func() {}, nil
	}
	st, err := pgstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return st, func() { st.Close() }, nil
}
