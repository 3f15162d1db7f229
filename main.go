package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/keshucs12345/dialogturn/internal/config"
	"github.com/keshucs12345/dialogturn/internal/logging"
	"github.com/keshucs12345/dialogturn/internal/metrics"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:          "dialogturn",
	Short:        "Voice and text client for a conversational dialogue service",
	SilenceUsage: true,
	Long: `dialogturn connects to a dialogue service over a websocket session, shows
the conversation as a transcript on the terminal and plays synthesized speech
and media through the default audio devices.

Run "dialogturn serve" for a local development service.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.dialogturn/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.AddCommand(voiceCmd, textCmd, serveCmd)
}

func main() {
	// .env may carry tokens and API keys.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env is what every command needs: settings, a logger and metrics.
type env struct {
	store   *config.Store
	cfg     config.Config
	logger  zerolog.Logger
	closer  io.Closer
	metrics *metrics.Metrics
}

func setup() (*env, error) {
	store, err := config.Load(configPath, zerolog.Nop())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg := store.Config()
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, closer, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	store.SetLogger(logger)
	return &env{store: store, cfg: cfg, logger: logger, closer: closer, metrics: metrics.New()}, nil
}

func (e *env) Close() {
	_ = e.closer.Close()
}

// serveMetrics exposes Prometheus metrics until ctx is done.
func (e *env) serveMetrics(ctx context.Context) {
	addr := e.cfg.Metrics.Listen
	if addr == "" {
		return
	}
	srv := &http.Server{Addr: addr, Handler: e.metrics.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		e.logger.Info().Str("addr", addr).Msg("metrics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// watchTokens reloads the config file on edits so a pasted access token is
// used by the next session.
func (e *env) watchTokens() {
	current := e.store.AccessToken()
	e.store.Watch(func(cfg config.Config) {
		if cfg.Auth.AccessToken != current {
			current = cfg.Auth.AccessToken
			e.logger.Info().Msg("access token changed")
		}
	})
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
