package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/user/sluice"
	"github.com/user/sluice/internal/api"
	"github.com/user/sluice/internal/config"
	"github.com/user/sluice/internal/observability"
	"github.com/user/sluice/internal/pipeline"
	"github.com/user/sluice/pkg/driver"
	"github.com/user/sluice/pkg/engine"
	"github.com/user/sluice/pkg/stats"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon; SIGHUP reloads the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath())
		if err != nil {
			return err
		}
		level := viper.GetString("log-level")
		if level == "" {
			level = cfg.Options.LogLevel
		}
		logger, err := engine.NewLogger(os.Stderr, level)
		if err != nil {
			return err
		}

		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(signals)

		return runDaemon(cmd.Context(), cfg, logger, signals)
	},
}

type daemon struct {
	path    string
	logger  sluice.Logger
	factory *pipeline.Factory
	running atomic.Bool
}

func runDaemon(ctx context.Context, cfg *config.Config, logger sluice.Logger, signals <-chan os.Signal) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTracing, err := observability.InitOTLP(ctx, cfg.Options.OTLP)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("Failed to flush traces", "error", err)
		}
	}()

	reg := stats.NewRegistry()
	d := &daemon{
		path:   configPath(),
		logger: logger,
		factory: &pipeline.Factory{
			Options: cfg.Options,
			Stats:   reg,
			Queues:  driver.NewQueueRegistry(),
			Logger:  logger,
		},
	}
	defer d.factory.Queues.Close()

	p, err := pipeline.New(cfg, d.factory)
	if err != nil {
		return err
	}
	if err := p.Start(); err != nil {
		return err
	}
	d.running.Store(true)

	if addr := cfg.Options.StatsListen(); addr != "" {
		if err := d.serveStatus(ctx, addr, reg); err != nil {
			_ = p.Stop()
			return err
		}
	}

	logger.Info("sluiced started", "config", d.path, "version", version)
	for {
		select {
		case <-ctx.Done():
			return d.shutdown(p)
		case sig := <-signals:
			if sig != syscall.SIGHUP {
				logger.Info("Received signal, shutting down", "signal", sig.String())
				return d.shutdown(p)
			}
			next, err := d.reload(p)
			if next == nil {
				d.running.Store(false)
				return err
			}
			p = next
		}
	}
}

func (d *daemon) serveStatus(ctx context.Context, addr string, reg *stats.Registry) error {
	srv, err := api.NewServer(reg, d.health, d.logger)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("status server listen on %s: %w", addr, err)
	}
	go func() {
		if err := srv.Serve(ctx, ln); err != nil {
			d.logger.Error("Status server stopped", "error", err)
		}
	}()
	return nil
}

func (d *daemon) health() error {
	if !d.running.Load() {
		return errors.New("pipeline is not running")
	}
	return nil
}

func (d *daemon) reload(p *pipeline.Pipeline) (*pipeline.Pipeline, error) {
	d.logger.Info("Reloading configuration", "config", d.path)
	cfg, err := config.LoadConfig(d.path)
	if err != nil {
		d.logger.Error("Configuration rejected, keeping the running one", "error", err)
		return p, err
	}
	next, err := pipeline.Reload(p, cfg, d.factory)
	if err != nil {
		d.logger.Error("Reload failed", "error", err)
		return next, err
	}
	d.logger.Info("Configuration reloaded")
	return next, nil
}

func (d *daemon) shutdown(p *pipeline.Pipeline) error {
	d.running.Store(false)
	err := p.Stop()
	d.logger.Info("sluiced stopped")
	return err
}
