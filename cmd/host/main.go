// Command host runs a netem Host: the session authority for one game
// session, registering with a Relay and admitting clients.
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
	"github.com/netem/netem/internal/host"
	"github.com/netem/netem/internal/logging"
	"github.com/netem/netem/internal/metrics"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		relayAddr   string
		sessionID   uint32
		gameID      uint32
		metricsAddr string
		logLevel    string
		logFormat   string
	)

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run a netem host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadHostConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("relay-addr") {
				cfg.RelayAddr = relayAddr
			}
			if cmd.Flags().Changed("session-id") {
				cfg.SessionID = sessionID
			}
			if cmd.Flags().Changed("game-id") {
				cfg.GameID = gameID
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

	cmd.Flags().StringVar(&relayAddr, "relay-addr", "", "Relay UDP address (overrides NETEM_HOST_RELAY_ADDR)")
	cmd.Flags().Uint32Var(&sessionID, "session-id", 0, "session id to register with the relay")
	cmd.Flags().Uint32Var(&gameID, "game-id", 0, "game identifier admitted clients must match (0 = any)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "HTTP address for /metrics and /healthz")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "log format: json, pretty")

	return cmd
}

func run(cfg *config.HostConfig) error {
	logger := logging.New(logging.Config{
		Level:     logging.Level(cfg.LogLevel),
		Format:    logging.Format(cfg.LogFormat),
		Component: "host",
	})
	m := metrics.New("host")

	relayAddr, err := net.ResolveUDPAddr("udp", cfg.RelayAddr)
	if err != nil {
		return fmt.Errorf("resolve relay addr %s: %w", cfg.RelayAddr, err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("open socket: %w", err)
	}
	defer conn.Close()

	h := host.New(cfg, conn, relayAddr, logger, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpSrv := newMetricsServer(cfg.MetricsAddr, m, h)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return h.Run(gCtx)
	})

	g.Go(func() error {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("host: metrics server listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		h.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gCtx), cfg.HostGracefulShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func newMetricsServer(addr string, m *metrics.Registry, h *host.Host) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if h.State() == host.StateFailed {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(h.State().String()))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(h.State().String()))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
