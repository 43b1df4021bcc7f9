// Package trackerservice assembles and runs the shard tracker HTTP service.
package trackerservice

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mycelian/shardtracker/internal/api"
	"github.com/mycelian/shardtracker/internal/config"
	"github.com/mycelian/shardtracker/internal/factory"
	"github.com/mycelian/shardtracker/internal/health"
	"github.com/mycelian/shardtracker/internal/logger"
	"github.com/mycelian/shardtracker/internal/registry"
	"github.com/mycelian/shardtracker/internal/services"
	"github.com/mycelian/shardtracker/internal/shardstate"
	"github.com/mycelian/shardtracker/internal/store/sqlstore"
	"github.com/mycelian/shardtracker/internal/writebehind"
)

const serviceName = "shard-tracker"

// Run starts the shard tracker HTTP server and blocks until shutdown or error.
func Run() error {
	cfg, err := config.New()
	if err != nil {
		bootLog := logger.New(serviceName)
		bootLog.Error().Err(err).Msg("Failed to load configuration")
		return err
	}
	log := logger.NewWithWriter(os.Stdout, serviceName, cfg.LogLevel)

	log.Info().
		Str("environment", string(cfg.Environment)).
		Str("db_driver", cfg.DBDriver).
		Int("http_port", cfg.HTTPPort).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("Shard tracker starting")

	// Create cancellable root context bound to SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := factory.NewStore(ctx, cfg, log)
	if err != nil {
		log.Error().Stack().Err(err).Msg("Store unavailable")
		return err
	}
	if st != nil {
		defer func() {
			if err := st.Close(); err != nil {
				log.Warn().Err(err).Msg("store close failed")
			}
		}()
	}

	tracker, exec, err := newTracker(ctx, cfg, st, log)
	if err != nil {
		return err
	}
	if exec != nil {
		// runs before the store closes so queued writes drain into it
		defer exec.Stop()
	}

	svcHealth := startHealthCheckers(ctx, cfg, log, st)
	router := api.NewRouter(tracker, svcHealth, log)

	server := newHTTPServer(ctx, cfg, router)
	errCh := serveHTTP(server, log, cfg)

	// Graceful shutdown on context cancel or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctxShutdown); err != nil {
			log.Error().Stack().Err(err).Msg("Server forced to shutdown")
			return err
		}
		log.Info().Msg("Server exited")
		return nil
	case err := <-errCh:
		log.Error().Stack().Err(err).Msg("HTTP server failed")
		return err
	}
}

// newTracker builds the tracker and, when a store is configured, its
// write-behind pipeline. The registry is restored before any request is served.
func newTracker(ctx context.Context, cfg *config.Config, st *sqlstore.Store, log zerolog.Logger) (*services.Tracker, *writebehind.Executor, error) {
	machine := shardstate.NewMachine(shardstate.RetryPolicy{MaxAttempts: cfg.MaxAttempts})
	if st == nil {
		return services.NewTracker(registry.New(), machine, log), nil, nil
	}

	wbCfg, err := writebehind.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("write-behind config: %w", err)
	}
	wbCfg.Logger = log.With().Str("component", "writebehind").Logger()
	wbCfg.ErrorHandler = func(err error) {
		log.Error().Stack().Err(err).Msg("write-behind gave up; store is behind memory until the next write of that shard")
	}
	exec := writebehind.New(wbCfg)

	tracker := services.NewTracker(registry.New(), machine, log,
		services.WithPersister(services.NewPersister(st, exec, log)))
	if err := tracker.Restore(ctx); err != nil {
		exec.Stop()
		log.Error().Stack().Err(err).Msg("Restore failed")
		return nil, nil, err
	}
	return tracker, exec, nil
}

// startHealthCheckers starts the store ping checker and the service-level aggregator.
func startHealthCheckers(ctx context.Context, cfg *config.Config, log zerolog.Logger, st *sqlstore.Store) *health.ServiceHealthChecker {
	pingTimeout := time.Duration(cfg.HealthPingTimeoutSeconds) * time.Second
	interval := time.Duration(cfg.HealthIntervalSeconds) * time.Second

	var checkers []health.HealthChecker
	if st != nil {
		checkers = append(checkers, health.NewPingChecker("store", st, log, pingTimeout))
	}
	svcHealth := health.NewServiceHealthChecker(log, checkers...)
	go svcHealth.Start(ctx, interval)
	return svcHealth
}

func newHTTPServer(ctx context.Context, cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.GetHTTPAddr(),
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}

func serveHTTP(server *http.Server, log zerolog.Logger, cfg *config.Config) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}
