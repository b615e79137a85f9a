package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flitsinc/agent-broker/internal/agentexec"
	"github.com/flitsinc/agent-broker/internal/api"
	"github.com/flitsinc/agent-broker/internal/config"
	"github.com/flitsinc/agent-broker/internal/contextopt"
	"github.com/flitsinc/agent-broker/internal/eventbus"
	"github.com/flitsinc/agent-broker/internal/pool"
	"github.com/flitsinc/agent-broker/internal/progress"
	"github.com/flitsinc/agent-broker/internal/state"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.WithError(err).Fatal("create data dir")
	}

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		logger.WithError(err).Fatal("open db")
	}
	defer db.Close()

	store := state.NewStore(db)
	bus := eventbus.NewBus(db)

	executor := &agentexec.Client{BaseURL: cfg.RunnerURL}
	poolManager := pool.NewManager(executor, bus, pool.Config{
		PoolSize:      cfg.PoolSize,
		MaxSessionAge: cfg.MaxSessionAge,
		WarmupTimeout: cfg.WarmupTimeout,
		WarmupCommand: cfg.WarmupCommand,
	}, pool.WithLogger(logger), pool.WithStore(store))

	tracker := progress.NewTracker(bus, progress.WithLogger(logger), progress.WithStore(store))
	optimizer := contextopt.NewOptimizer(
		contextopt.WithLogger(logger),
		contextopt.WithDefaultMaxTokens(cfg.ContextMaxTokens),
	)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	go poolManager.Initialize(runCtx)
	go poolManager.Run(runCtx, cfg.CleanupInterval)
	go tracker.Run(runCtx, 10*time.Minute)

	apiServer := &api.Server{
		Pool:      poolManager,
		Tracker:   tracker,
		Optimizer: optimizer,
		Bus:       bus,
		StartedAt: time.Now().UTC(),
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer.Handler())

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		logger.WithError(err).Fatal("listen")
	}

	httpServer := &http.Server{
		Handler:           loggingMiddleware(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return runCtx
		},
	}

	go func() {
		logger.WithField("addr", listener.Addr().String()).Info("brokerd listening")
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("http server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancelRun()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("server shutdown error")
	}
	_ = httpServer.Close()
}

func loggingMiddleware(logger *logrus.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Debug("http request")
	})
}
