package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/moqd/certs"
	"github.com/zsiec/moqd/config"
	"github.com/zsiec/moqd/coordinator"
	"github.com/zsiec/moqd/relay"
)

func serveCmd() *cobra.Command {
	var (
		configPath      string
		listenAddr      string
		coordinatorFile string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if coordinatorFile != "" {
				cfg.Coordinator.Backend = "file"
				cfg.Coordinator.Path = coordinatorFile
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to moqd.toml")
	cmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "QUIC listen address, overrides the config file")
	cmd.Flags().StringVar(&coordinatorFile, "coordinator-file", "", "shared registry file, selects the file coordinator backend")
	return cmd
}

func serve(cfg config.Config) error {
	level := slog.LevelInfo
	if cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	tlsConf, err := buildTLS(cfg.TLS)
	if err != nil {
		return err
	}

	coord, err := buildCoordinator(cfg.Coordinator)
	if err != nil {
		return err
	}
	defer coord.Close()

	self := coordinator.Owner{ID: cfg.RelayID, URL: cfg.RelayURL}
	table := relay.NewTable(coord, self, slog.Default())
	relay.RegisterMetrics()

	srv := relay.NewServer(relay.ServerConfig{
		Addr:  cfg.ListenAddr,
		TLS:   tlsConf,
		Table: table,
		Log:   slog.Default(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("moqd starting",
		"version", version,
		"addr", cfg.ListenAddr,
		"relay", cfg.RelayID,
		"coordinator", cfg.Coordinator.Backend,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Serve(ctx)
	})

	if cfg.MetricsAddr != "" {
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
		g.Go(func() error {
			slog.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildTLS(cfg config.TLSConfig) (*tls.Config, error) {
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load certificate: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)
	return cert.TLSConfig(), nil
}

func buildCoordinator(cfg config.CoordinatorConfig) (coordinator.Coordinator, error) {
	switch cfg.Backend {
	case "file":
		return coordinator.NewFile(cfg.Path, slog.Default())
	default:
		return coordinator.NewMemory(slog.Default()), nil
	}
}
