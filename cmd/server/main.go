package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradeflow-ai/tradeflow/internal/api"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/config"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/infra"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/logger"
	"github.com/tradeflow-ai/tradeflow/internal/pkg/metrics"
	"github.com/tradeflow-ai/tradeflow/internal/scheduler"
	"github.com/tradeflow-ai/tradeflow/internal/workflow"
	"github.com/tradeflow-ai/tradeflow/internal/workflow/builtin"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.Init(cfg.Log.Format, cfg.Log.Level)

	log.Info().
		Str("env", cfg.Environment).
		Str("state_backend", cfg.State.Backend).
		Str("events_backend", cfg.Events.Backend).
		Msg("Starting tradeflow server")

	ctx := context.Background()
	inf := infra.New(cfg)
	if err := inf.Initialize(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to initialize infrastructure")
		os.Exit(2)
	}

	registry := workflow.NewRegistry()
	builtin.Register(registry)

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Handler()}
		go func() {
			log.Info().Str("addr", cfg.Metrics.Addr).Msg("Starting metrics listener")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics listener error")
			}
		}()
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(inf.Emergency)
		loaded, err := loadStrategies("configs/strategies", inf, registry, sched)
		if err != nil {
			log.Error().Err(err).Msg("Failed to load strategies")
			shutdown(inf, nil, nil, metricsSrv)
			os.Exit(2)
		}
		log.Info().Int("strategies", loaded).Msg("Scheduling strategies")
		sched.Start()
	}

	srv := api.NewServer(cfg, inf)
	serveErr, err := srv.Start()
	if err != nil {
		log.Error().Err(err).Msg("Failed to start server")
		shutdown(inf, nil, nil, metricsSrv)
		os.Exit(2)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}

	shutdown(inf, srv, sched, metricsSrv)
	log.Info().Msg("Server stopped")
}

// shutdown tears components down in reverse start order.
func shutdown(inf *infra.Infrastructure, srv *api.Server, sched *scheduler.Scheduler, metricsSrv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}
	if sched != nil {
		sched.Stop()
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Metrics listener shutdown error")
		}
	}
	if err := inf.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Infrastructure shutdown error")
	}
}
