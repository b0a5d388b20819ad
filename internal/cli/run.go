package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/linkflow/funcrt/internal/admin"
	"github.com/linkflow/funcrt/internal/config"
	"github.com/linkflow/funcrt/internal/function"
	"github.com/linkflow/funcrt/internal/function/provider"
	"github.com/linkflow/funcrt/internal/observability/metrics"
	"github.com/linkflow/funcrt/internal/observability/tracing"
	"github.com/linkflow/funcrt/internal/runner"
	"github.com/linkflow/funcrt/internal/store"
	"github.com/linkflow/funcrt/internal/version"
)

func newRunCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the poll-execute loop",
		Long: `Acquire the configured handler and poll the input key until interrupted
or until the failure budget is exhausted.

Exit codes: 0 on interrupt, 1 when the failure budget is exhausted,
2 on configuration or handler acquisition failure.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.run(ctx)
		},
	}

	f := cmd.Flags()
	f.String("handler", "", "handler source: script, .so plugin, .zip bundle or builtin:<module> (HANDLER_SOURCE)")
	f.String("entry", "", "handler entry point (HANDLER_ENTRY)")
	f.String("module", "", "module name inside a zip bundle (HANDLER_MODULE)")
	f.String("interval", "", "polling interval, e.g. 5s (POLL_INTERVAL)")
	f.Int("failure-budget", 0, "consecutive failures tolerated (FAILURE_BUDGET)")
	f.String("output-key-mode", "", "strict or permissive (OUTPUT_KEY_MODE)")
	f.String("admin-addr", "", "admin HTTP listen address, empty disables (ADMIN_ADDR)")
	f.String("grpc-addr", "", "gRPC health listen address, empty disables (GRPC_ADDR)")
	f.String("otlp-endpoint", "", "OTLP/HTTP trace collector host:port (OTLP_ENDPOINT)")

	a.bind(f, map[string]string{
		"handler":         config.KeyHandlerSource,
		"entry":           config.KeyHandlerEntry,
		"module":          config.KeyHandlerModule,
		"interval":        config.KeyPollInterval,
		"failure-budget":  config.KeyFailureBudget,
		"output-key-mode": config.KeyOutputKeyMode,
		"admin-addr":      config.KeyAdminAddr,
		"grpc-addr":       config.KeyGRPCAddr,
		"otlp-endpoint":   config.KeyOTLPEndpoint,
	})
	return cmd
}

func (a *app) run(ctx context.Context) error {
	logger := a.logger
	printBanner(logger)

	cfg, err := a.load()
	if err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return err
	}

	resolved, err := provider.Resolve(ctx, provider.Options{
		Source:   cfg.HandlerSource,
		Entry:    cfg.HandlerEntry,
		Module:   cfg.HandlerModule,
		Timeout:  cfg.HandlerTimeout,
		Registry: a.registry,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to acquire handler",
			slog.String("source", cfg.HandlerSource),
			slog.String("entry", cfg.HandlerEntry),
			slog.String("error", err.Error()),
		)
		return startupErr(err)
	}
	defer func() {
		if err := resolved.Close(); err != nil {
			logger.Warn("failed to release handler", slog.String("error", err.Error()))
		}
	}()

	gateway, err := store.Open(ctx, cfg.Store)
	if err != nil {
		logger.Error("failed to open store", slog.String("error", err.Error()))
		return startupErr(err)
	}
	defer gateway.Close()

	identity := uuid.New().String()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    "funcrt",
		ServiceVersion: version.Version,
		InstanceID:     identity,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		return startupErr(err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to flush traces", slog.String("error", err.Error()))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	fc := function.NewContext(function.ContextConfig{
		Host:                    cfg.Host,
		Port:                    cfg.Port,
		InputKey:                cfg.InputKey,
		OutputKey:               cfg.OutputKey,
		Handler:                 resolved.Name,
		FunctionSourceTimestamp: resolved.SourceTimestamp,
		FunctionSourceDigest:    resolved.SourceDigest,
	})

	r := runner.New(runner.Config{
		Gateway:       gateway,
		Handler:       resolved.Handler,
		Context:       fc,
		Interval:      cfg.PollInterval,
		FailureBudget: cfg.FailureBudget,
		Identity:      identity,
		Logger:        logger,
		Metrics:       m,
		Tracer:        tp.Tracer(),
	})

	serveCtx, cancelServe := context.WithCancel(context.Background())
	defer cancelServe()
	stopped, err := a.startAdmin(serveCtx, cfg, r, reg)
	if err != nil {
		return startupErr(err)
	}
	defer func() {
		cancelServe()
		<-stopped
	}()

	err = r.Run(ctx)
	switch {
	case err == nil:
		logger.Info("shut down on interrupt")
		return nil
	case errors.Is(err, runner.ErrBudgetExhausted):
		return &ExitError{Code: ExitExhausted, Err: err}
	default:
		return &ExitError{Code: ExitExhausted, Err: fmt.Errorf("runner failed: %w", err)}
	}
}

// startAdmin starts the configured admin listeners. The returned channel
// closes once every listener has stopped.
func (a *app) startAdmin(ctx context.Context, cfg *config.Config, r *runner.Runner, reg *prometheus.Registry) (<-chan struct{}, error) {
	var (
		servers   []func() error
		listeners []net.Listener
	)
	listen := func(addr string) (net.Listener, error) {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		listeners = append(listeners, lis)
		return lis, nil
	}

	if cfg.AdminAddr != "" {
		lis, err := listen(cfg.AdminAddr)
		if err != nil {
			return nil, err
		}
		srv := admin.NewServer(admin.Config{Source: r, Gatherer: reg, Logger: a.logger})
		servers = append(servers, func() error { return srv.Serve(ctx, lis) })
	}
	if cfg.GRPCAddr != "" {
		lis, err := listen(cfg.GRPCAddr)
		if err != nil {
			return nil, err
		}
		hs := admin.NewHealthServer(r, a.logger)
		servers = append(servers, func() error { return hs.Serve(ctx, lis) })
	}

	done := make(chan struct{})
	finished := make(chan struct{}, len(servers))
	for _, serve := range servers {
		go func() {
			if err := serve(); err != nil {
				a.logger.Error("admin listener failed", slog.String("error", err.Error()))
			}
			finished <- struct{}{}
		}()
	}
	go func() {
		for range servers {
			<-finished
		}
		close(done)
	}()
	return done, nil
}
