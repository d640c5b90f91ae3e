// X402 Payment Gateway - A reverse proxy that protects any backend with
// ledger credits and HTTP 402
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/siddimore/x402-credits-paywall/internal/config"
	"github.com/siddimore/x402-credits-paywall/pkg/ledger"
	"github.com/siddimore/x402-credits-paywall/pkg/paywall"
	"github.com/siddimore/x402-credits-paywall/pkg/x402"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, listenAddr, backendURL, ledgerURL string

	flagSet := pflag.NewFlagSet("x402-gateway", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flagSet.StringVar(&listenAddr, "listen", "", "gateway listen address (overrides config)")
	flagSet.StringVar(&backendURL, "backend", "", "backend URL to proxy to, e.g. http://localhost:3000 (overrides config)")
	flagSet.StringVar(&ledgerURL, "ledger", "", "ledger service URL (overrides config)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.ListenAddress = listenAddr
	}
	if backendURL != "" {
		cfg.Upstream = backendURL
	}
	if ledgerURL != "" {
		cfg.Ledger.Endpoint = ledgerURL
	}
	if cfg.Upstream == "" {
		return errors.New("backend URL is required: use --backend, upstream in the config or X402_BACKEND_URL")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	zerolog.SetGlobalLevel(cfg.Level())
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	target, err := url.Parse(cfg.Upstream)
	if err != nil {
		return fmt.Errorf("invalid backend URL: %w", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Header.Set("X-Forwarded-Host", req.Host)
		req.Header.Set("X-Origin-Host", target.Host)
		// The backend never sees the caller's credential
		req.Header.Del(paywall.HeaderAuthorization)
		req.Header.Del(paywall.HeaderPaymentSignature)
	}

	l := ledger.WithTracing(ledger.NewHTTPClient(ledger.ClientConfig{
		Endpoint: cfg.Ledger.Endpoint,
		APIKey:   cfg.Ledger.APIKey,
		Timeout:  cfg.Ledger.Timeout,
		Logger:   &logger,
	}), nil)

	store := x402.NewInMemoryMeteringStore(0)
	pw := paywall.New(paywall.Config{
		ResourceID:     cfg.ResourceID,
		ServerName:     cfg.ServerName,
		Ledger:         l,
		Policy:         cfg.Policy(),
		Logger:         &logger,
		Recorder:       x402.NewMeteringRecorder(store, &logger),
		DisableTrailer: cfg.DisableTrailer,
	})

	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	if cfg.MetricsPath != "" {
		router.Get(cfg.MetricsPath, x402.MetricsHandler(store))
	}
	router.Handle("/*", x402.Middleware(proxy, pw, x402.RouteConfig{
		Credits:     cfg.CallCredits(),
		ExemptPaths: cfg.ExemptPaths,
		Document:    cfg.PaymentDocument(),
	}))

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("listen", cfg.ListenAddress).
			Str("backend", cfg.Upstream).
			Str("ledger", cfg.Ledger.Endpoint).
			Str("resource_id", cfg.ResourceID).
			Int64("credits", cfg.Credits).
			Strs("exempt", cfg.ExemptPaths).
			Msg("x402 payment gateway starting")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
