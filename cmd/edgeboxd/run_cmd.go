package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/overtonx/edgebox"
	"github.com/overtonx/edgebox/config"
)

const adminShutdownTimeout = 5 * time.Second

func newRunCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.ConfigPath, root.EnvFiles...)
			if err != nil {
				return err
			}

			logger, err := cfg.Log.Logger()
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) (err error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	node, err := edgebox.NewNode(ctx, store, nil, cfg.Node(),
		edgebox.WithNodeLogger(logger),
		edgebox.WithNodeMetrics(edgebox.NewPrometheusMetricsCollector(reg)),
		edgebox.WithSinkFactory(newSinkFactory(cfg.Sink, logger)),
		edgebox.WithNodeEscalationHandler(func(ev edgebox.HealthEvent) {
			logger.Error("Health event",
				zap.Stringer("kind", ev.Kind),
				zap.String("worker", ev.Worker),
				zap.Bool("fatal", ev.Fatal),
				zap.Error(ev.Err),
			)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	defer func() {
		err = multierr.Append(err, node.Close())
	}()

	var ln net.Listener
	if cfg.Admin.Listen != "" {
		ln, err = net.Listen("tcp", cfg.Admin.Listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Admin.Listen, err)
		}
		logger.Info("Admin API listening", zap.String("address", ln.Addr().String()))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return node.Run(gctx)
	})

	if ln != nil {
		admin := NewAdminController(node, reg, cfg.Admin.MaxBodySize, logger.Named("admin"))
		srv := &http.Server{
			Handler:           admin.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if err != nil {
		logger.Error("Node stopped", zap.Error(err))
		return err
	}
	logger.Info("Node stopped")
	return nil
}
