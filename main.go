package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/relaykit/broker/httpapi"
	"github.com/relaykit/broker/internals/config"
	"github.com/relaykit/broker/internals/log"
	"github.com/relaykit/broker/internals/metrics"
	"github.com/relaykit/broker/internals/registry"
	"github.com/relaykit/broker/internals/session"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "broker",
	Short: "relaykit-broker is an in-process pub/sub kernel with a WebSocket gateway",
	Long: `relaykit-broker serves a bounded, in-memory publish/subscribe topic space
over a framed JSON WebSocket protocol, alongside an administrative HTTP
surface for topic management and health/stats reporting.`,
	RunE: runServe,
}

func init() {
	// Flag names match config.Config's koanf keys exactly: posflag.Provider
	// uses the flag name as the koanf key verbatim, so "host" must stay
	// "host" rather than some CLI-conventional alias.
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "optional .env file to load before reading configuration")
	rootCmd.PersistentFlags().String("host", "", "bind host (overrides config file / env)")
	rootCmd.PersistentFlags().Int("port", 0, "bind port (overrides config file / env)")
	rootCmd.PersistentFlags().Int("max_queue_size", 0, "per-subscriber outbound queue capacity")
	rootCmd.PersistentFlags().Int("ring_buffer_size", 0, "per-topic replay buffer capacity")
	rootCmd.PersistentFlags().String("backpressure_policy", "", "DROP_OLDEST or DISCONNECT")
	rootCmd.PersistentFlags().String("log_level", "", "debug, info, warn, or error")
	rootCmd.PersistentFlags().Bool("log_json", false, "emit logs as JSON instead of console-formatted text")
	rootCmd.PersistentFlags().Bool("dev_errors", false, "include internal error detail in admin HTTP 500 responses")
	rootCmd.PersistentFlags().Bool("metrics_enabled", false, "expose a Prometheus /metrics endpoint")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if envFile == "" {
		envFile = ".env"
	}
	_ = godotenv.Load(envFile)

	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log.Init(log.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON})
	logger := log.WithComponent("main")

	m := metrics.NewMetrics()
	reg := registry.New(cfg, m)
	ctrl := session.New(reg, cfg)

	admin := httpapi.NewAdminHandler(reg, cfg)
	gateway := httpapi.NewGatewayHandler(ctrl, cfg)

	router := chi.NewRouter()
	admin.RegisterRoutes(router)
	router.Handle("/ws", gateway)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("http server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-quit:
	}

	logger.Info().Msg("shutdown signal received, draining connections")

	// spec.md §5 graceful shutdown: stop accepting new connections first.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDrain)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown did not complete cleanly")
	}

	// Registry.Shutdown closes every live subscriber transport with code
	// 1001, which unblocks each session's read loop and drives it through
	// its own CLOSING -> CLOSED transition (internals/session.Serve).
	reg.Shutdown()

	<-serveErr
	logger.Info().Msg("shutdown complete")
	return nil
}
