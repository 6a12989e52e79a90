package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nickyhof/ForkDB"
	"github.com/nickyhof/ForkDB/config"
	"github.com/nickyhof/ForkDB/core"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Version is set at build time via -ldflags
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath  string
		dataDir     string
		addr        string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:           "forkdb-server",
		Short:         "Serve ForkDB worlds and experiments over TCP",
		Version:       Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if metricsAddr != "" {
				cfg.Server.MetricsAddr = metricsAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (overrides the config)")
	cmd.Flags().StringVar(&addr, "addr", "", "TCP address to listen on (overrides the config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "HTTP address for /metrics (overrides the config)")
	return cmd
}

// serve runs the TCP server and the metrics endpoint until ctx is done.
func serve(ctx context.Context, cfg *config.Config) error {
	instance, err := ForkDB.Open(cfg)
	if err != nil {
		return err
	}
	defer instance.Close()

	logger := instance.Logger

	var server *Server
	if auth := AuthConfigFromServer(cfg.Server); auth != nil {
		server = NewServerWithAuth(instance, auth)
	} else {
		server = NewServer(instance, core.Identity{Name: cfg.Identity.Name, Email: cfg.Identity.Email})
	}

	if cfg.Server.TLSCert != "" {
		err = server.StartTLS(cfg.Server.Addr, cfg.Server.TLSCert, cfg.Server.TLSKey)
	} else {
		err = server.Start(cfg.Server.Addr)
	}
	if err != nil {
		return err
	}

	logger.Info("ForkDB server started",
		zap.String("version", Version),
		zap.String("addr", server.Addr()),
		zap.Bool("tls", server.TLSEnabled()),
		zap.Bool("auth", server.authRequired()))

	group, ctx := errgroup.WithContext(ctx)

	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", instance.Metrics.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		group.Go(func() error {
			logger.Info("Metrics listening", zap.String("addr", cfg.Server.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")

		var errs []error
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			errs = append(errs, metricsServer.Shutdown(shutdownCtx))
		}
		errs = append(errs, server.Stop())
		return errors.Join(errs...)
	})

	return group.Wait()
}
