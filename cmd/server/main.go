package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geostash/geostash/internal/config"
	"github.com/geostash/geostash/internal/events"
	"github.com/geostash/geostash/internal/kmz"
	"github.com/geostash/geostash/internal/logger"
	"github.com/geostash/geostash/internal/metrics"
	"github.com/geostash/geostash/internal/pipeline"
	"github.com/geostash/geostash/internal/queue"
	"github.com/geostash/geostash/internal/server"
	"github.com/geostash/geostash/internal/spatial"
	"github.com/geostash/geostash/internal/worker"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		Component: "geostash",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	appLog.Info("starting geostash",
		"addr", cfg.Addr,
		"version", Version,
		"redis", cfg.RedisAddr,
		"cell_res", cfg.CellRes)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cells, err := spatial.New(cfg.CellRes)
	if err != nil {
		appLog.Error("spatial index setup failed", "err", err)
		return 1
	}

	store, err := queue.New(ctx, cfg.RedisAddr, cells, cfg.MaxAttempts)
	if err != nil {
		appLog.Error("redis connect failed", "err", err, "addr", cfg.RedisAddr)
		return 1
	}
	defer store.Close()

	conv := pipeline.New(pipeline.Options{
		Limits: kmz.Limits{
			MaxEntryBytes:   cfg.MaxEntryBytes,
			MaxArchiveBytes: cfg.MaxArchiveBytes,
		},
		HashCacheSize: cfg.HashCacheSize,
	})

	var pub events.Publisher = events.Nop{}
	if cfg.Events.Enabled {
		pub, err = events.NewKafka(cfg.Events.Brokers, cfg.Events.Topic, appLog)
		if err != nil {
			appLog.Error("kafka connect failed", "err", err, "brokers", cfg.Events.Brokers)
			return 1
		}
	}
	defer pub.Close()

	p := metrics.Init(metrics.Config{
		Build: metrics.BuildInfo{
			Version:   os.Getenv("BUILD_VERSION"),
			Revision:  os.Getenv("BUILD_REVISION"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})

	if cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.MetricsPath, p.Handler())

		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		}

		go func() {
			log.Printf("metrics: listening on %s%s", cfg.MetricsAddr, cfg.MetricsPath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server exited: %v", err)
			}
		}()

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("metrics: shutdown error: %v", err)
			}
		}()
	}

	runner := worker.New(store, conv, worker.Options{
		Logger:       appLog,
		Register:     p.Registerer(),
		Events:       pub,
		PollInterval: cfg.PollInterval,
	})
	runner.Start(ctx)
	defer runner.Stop()

	deps := server.Deps{
		Store:   store,
		Conv:    conv,
		Metrics: p,
		Ready:   runner,
	}
	if err := server.Run(ctx, cfg, appLog, deps); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
