package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soaringjerry/surveyengine/internal/api"
	"github.com/soaringjerry/surveyengine/internal/config"
	"github.com/soaringjerry/surveyengine/internal/logging"
	"github.com/soaringjerry/surveyengine/internal/middleware"
	"github.com/soaringjerry/surveyengine/internal/services"
	"github.com/soaringjerry/surveyengine/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireSecret(); err != nil {
		return err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogJSON)

	var traceOut io.Writer
	if cfg.TraceStdout {
		traceOut = os.Stdout
	}
	shutdownTracing, err := tracing.Setup(traceOut, "surveyengine", cfg.Commit)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("tracing shutdown", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closer, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closer.Close(); cerr != nil {
			logger.Warn("failed to close store", "err", cerr)
		}
	}()
	if _, err := seedDefinitions(ctx, store, cfg.DefinitionsDir, logger); err != nil {
		return err
	}

	handler, err := newHandler(cfg, store, logger)
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("survey server listening", "addr", cfg.Addr, "store", cfg.Store, "commit", cfg.Commit)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

// newHandler assembles the services and the HTTP surface over store.
func newHandler(cfg *config.Config, store services.Store, logger *slog.Logger) (http.Handler, error) {
	policy, err := services.ParseRegrowPolicy(cfg.RegrowPolicy)
	if err != nil {
		return nil, err
	}
	sessions, err := middleware.NewSessions(cfg.JWTSecret)
	if err != nil {
		return nil, err
	}

	defs := services.NewDefinitionCache(store)
	opts := services.SurveyOptions{
		Notifier:    services.NewHTTPNotifier(cfg.NotifyTimeout),
		Retry:       services.DefaultRetryPolicy(),
		NotifyTries: cfg.NotifyTries,
		Logger:      logger,
	}
	opts.Retry.MaxTries = cfg.RetryMaxTries
	if cfg.ReportDir != "" {
		opts.Reports = services.CSVReportSink{Dir: cfg.ReportDir}
	}
	engine := services.NewEngine(policy, logger)
	logger.Info("survey engine configured", "regrow_policy", engine.Policy().String(), "notify_tries", cfg.NotifyTries)
	surveys := services.NewSurveyService(store, defs, engine, opts)
	tokens := services.NewTokenService(store, defs, sessions.SignToken, cfg.SessionTTL, logger)

	mux := http.NewServeMux()
	api.NewRouter(surveys, tokens, sessions, api.Options{
		AdminUser:         cfg.AdminUser,
		AdminPasswordHash: cfg.AdminPasswordHash,
		LoginLimiter:      middleware.NewRateLimiter(cfg.LoginRate, cfg.LoginBurst),
		Logger:            logger,
	}).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"commit":     cfg.Commit,
			"build_time": cfg.BuildTime,
		})
	})
	return middleware.Chain(mux, middleware.SecureHeaders, middleware.NoStore), nil
}
