package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rendis/flowmaster/internal/command"
	"github.com/rendis/flowmaster/internal/dispatch"
	"github.com/rendis/flowmaster/internal/engine"
	"github.com/rendis/flowmaster/internal/logging"
	"github.com/rendis/flowmaster/internal/metrics"
	"github.com/rendis/flowmaster/internal/rpc"
	"github.com/rendis/flowmaster/internal/scheduler"
	"github.com/rendis/flowmaster/internal/store"
	"github.com/rendis/flowmaster/internal/streaming"
	"github.com/rendis/flowmaster/internal/validation"
	"github.com/rendis/flowmaster/pkg/mcp"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "flowmaster: %v\n", err)
		os.Exit(1)
	}
}

// serve runs the master until SIGINT or SIGTERM.
func serve(opts serveOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	opts.apply(&cfg)
	if err := cfg.validate(); err != nil {
		return err
	}

	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.New(level, cfg.LogFormat).With(slog.String("master", cfg.Host))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Store ---
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	m := metrics.New("flowmaster", cfg.Host)

	// --- Workers and dispatch ---
	workers, err := newWorkerSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer workers.Close()

	breakers := dispatch.NewBreakers(dispatch.DefaultBreakerConfig())
	balancer, err := dispatch.NewLoadBalancer(workers, cfg.LoadBalancer, dispatch.WithBreakers(breakers))
	if err != nil {
		return err
	}

	clients := rpc.NewRegistry(
		rpc.WithLogger(logger),
		rpc.WithCallTimeout(time.Duration(cfg.DispatchTimeout)),
		rpc.WithClientInfo("flowmaster", version),
	)
	defer clients.Close()

	policy := dispatch.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.DispatchRetries
	dispatcher := dispatch.NewDispatcher(balancer, clients, cfg.Host,
		dispatch.WithDispatchBreakers(breakers),
		dispatch.WithDispatchTimeout(time.Duration(cfg.DispatchTimeout)),
		dispatch.WithRetryPolicy(policy),
		dispatch.WithDispatchObserver(m),
		dispatch.WithDispatchLogger(logger),
	)
	controller := dispatch.NewController(clients, time.Duration(cfg.DispatchTimeout))

	// --- Engine ---
	hub := streaming.NewMemoryHub(0)
	eng := engine.New(st, dispatcher, controller, engine.Config{
		Host:                   cfg.Host,
		PoolSize:               cfg.PoolSize,
		DispatchPoolSize:       cfg.DispatchPoolSize,
		RetryIntervalUnit:      time.Duration(cfg.RetryIntervalUnit),
		RedispatchDelay:        time.Duration(cfg.RedispatchDelay),
		DependentCheckInterval: time.Duration(cfg.DependentCheckInterval),
		LogBase:                cfg.LogBase,
		ExecuteBase:            cfg.ExecuteBase,
	},
		engine.WithLogger(logger),
		engine.WithHub(hub),
		engine.WithObserver(m),
	)
	defer eng.Shutdown()

	validator, err := validation.NewWorkflowValidator()
	if err != nil {
		return fmt.Errorf("create validator: %w", err)
	}

	consumer := command.NewConsumer(command.Deps{
		Store:     st,
		Engine:    eng,
		Validator: validator,
		Defaults: command.Defaults{
			Host:            cfg.Host,
			WorkerGroup:     cfg.DefaultWorkerGroup,
			EnvironmentCode: cfg.DefaultEnvironmentCode,
		},
		Logger: logger,
	},
		command.WithPollInterval(time.Duration(cfg.CommandPollInterval)),
		command.WithBatchSize(cfg.CommandBatchSize),
		command.WithObserver(m),
	)

	sched := scheduler.NewScheduler(st, logger, scheduler.WithInterval(time.Duration(cfg.SchedulerInterval)))

	// --- RPC server ---
	master := mcp.NewMasterServer(mcp.MasterServerDeps{
		Controller: eng,
		Hub:        hub,
		Logger:     logger,
		BaseURL:    "http://" + cfg.Host,
		OnWorkerGone: func(host string) {
			clients.Evict(host)
			breakers.Forget(host)
		},
	})

	swapper := newHandlerSwapper(buildMux(cfg, master, m, eng))
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           swapper,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("master listening", slog.String("addr", cfg.ListenAddr), slog.Bool("metrics", cfg.Metrics))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	go func() {
		if err := master.ForwardWorkflowStates(ctx); err != nil {
			logger.Error("workflow state forwarding stopped", slog.String("error", err.Error()))
		}
	}()

	// --- Background loops ---
	if n, err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("missed schedule recovery failed", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("missed schedules submitted", slog.Int("count", n))
	}
	if err := consumer.Start(ctx); err != nil {
		return err
	}
	defer consumer.Stop()
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case err, ok := <-serveErr:
			if ok && err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		case <-hup:
			cfg = reload(opts, cfg, level, workers, swapper, master, m, eng, logger)
		case <-ctx.Done():
			logger.Info("shutting down", slog.Int("running_workflows", eng.Running()))
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := master.Shutdown(shutdownCtx); err != nil {
				logger.Warn("sse shutdown", slog.String("error", err.Error()))
			}
			return srv.Shutdown(shutdownCtx)
		}
	}
}

// buildMux mounts the worker-facing SSE endpoints, health and, when enabled, /metrics.
func buildMux(cfg Config, master *mcp.MasterServer, m *metrics.Metrics, eng *engine.Engine) http.Handler {
	mux := http.NewServeMux()
	master.Register(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "ok %d\n", eng.Running())
	})
	if cfg.Metrics {
		mux.Handle("/metrics", m.Handler())
	}
	return mux
}

// reload re-reads the configuration and applies what can change live.
func reload(opts serveOptions, old Config, level *slog.LevelVar, workers *workerSource, swapper *handlerSwapper,
	master *mcp.MasterServer, m *metrics.Metrics, eng *engine.Engine, logger *slog.Logger) Config {
	next, err := loadConfig(opts.configPath)
	if err == nil {
		opts.apply(&next)
		err = next.validate()
	}
	if err != nil {
		logger.Error("config reload failed", slog.String("error", err.Error()))
		return old
	}
	d := diffConfigs(old, next)

	if d.LogLevelChanged {
		level.Set(logging.ParseLevel(next.LogLevel))
		logger.Info("log level changed", slog.String("level", next.LogLevel))
	}
	if d.WorkersChanged {
		if err := workers.Replace(next.Workers); err != nil {
			logger.Error("worker list not reloaded", slog.String("error", err.Error()))
			next.Workers = old.Workers
		}
	}
	if d.MetricsChanged {
		swapper.Swap(buildMux(next, master, m, eng))
		logger.Info("metrics endpoint toggled", slog.Bool("metrics", next.Metrics))
	}
	if len(d.RestartNeeded) > 0 {
		logger.Warn("config changes need a restart", slog.Any("fields", d.RestartNeeded))
	}
	return next
}
