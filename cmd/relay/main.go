// Command relay runs the netem Relay: a single-threaded UDP packet
// router between one or more hosts and their clients.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	_ "go.uber.org/automaxprocs"

	"github.com/netem/netem/internal/config"
	"github.com/netem/netem/internal/logging"
	"github.com/netem/netem/internal/metrics"
	"github.com/netem/netem/internal/relay"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr        string
		metricsAddr string
		logLevel    string
		logFormat   string
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the netem relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRelayConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.LogFormat = logFormat
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("validate config: %w", err)
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "UDP address to listen on (overrides NETEM_RELAY_ADDR)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "HTTP address for /metrics and /healthz")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "log format: json, pretty")

	return cmd
}

func run(cfg *config.RelayConfig) error {
	logger := logging.New(logging.Config{
		Level:     logging.Level(cfg.LogLevel),
		Format:    logging.Format(cfg.LogFormat),
		Component: "relay",
	})
	m := metrics.New("relay")

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	defer conn.Close()

	r := relay.New(cfg, conn, logger, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpSrv := newMetricsServer(cfg.MetricsAddr, m)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.Run(gCtx)
	})

	g.Go(func() error {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("relay: metrics server listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	if cfg.SessionStateExportPath != "" {
		g.Go(func() error {
			dumpCh := make(chan os.Signal, 1)
			signal.Notify(dumpCh, syscall.SIGUSR1)
			defer signal.Stop(dumpCh)
			for {
				select {
				case <-gCtx.Done():
					return nil
				case <-dumpCh:
					if err := r.ExportSessionState(cfg.SessionStateExportPath); err != nil {
						logging.LogError(logger, err, "relay: session state export failed", nil)
					}
				}
			}
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		r.Close()
		if cfg.SessionStateExportPath != "" {
			if err := r.ExportSessionState(cfg.SessionStateExportPath); err != nil {
				logging.LogError(logger, err, "relay: session state export on shutdown failed", nil)
			}
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gCtx), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func newMetricsServer(addr string, m *metrics.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
