// Example paid agent server: a weather MCP server (tools, a resource and a
// prompt) and an A2A task endpoint, all billed in ledger credits
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/siddimore/x402-credits-paywall/internal/config"
	"github.com/siddimore/x402-credits-paywall/pkg/a2a"
	"github.com/siddimore/x402-credits-paywall/pkg/ledger"
	"github.com/siddimore/x402-credits-paywall/pkg/mcp"
	"github.com/siddimore/x402-credits-paywall/pkg/paywall"
	"github.com/siddimore/x402-credits-paywall/pkg/reqctx"
	"github.com/siddimore/x402-credits-paywall/pkg/x402"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var stdio bool

	flagSet := pflag.NewFlagSet("mcpserver", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flagSet.BoolVar(&stdio, "stdio", false, "serve MCP on stdin/stdout; the credential comes from X402_CREDENTIAL")
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
	if cfg.ServerName == "" {
		cfg.ServerName = "weather"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// stdout belongs to the protocol in stdio mode
	zerolog.SetGlobalLevel(cfg.Level())
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

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

	server := mcp.NewServer(mcp.ServerConfig{
		Name:     cfg.ServerName,
		Paywall:  pw,
		Document: cfg.PaymentDocument(),
		Logger:   &logger,
	})
	registerWeather(server)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if stdio {
		credential := os.Getenv("X402_CREDENTIAL")
		if credential != "" {
			release := server.BindSession(mcp.StdioSession, reqctx.Request{
				Headers: http.Header{paywall.HeaderAuthorization: []string{"Bearer " + credential}},
				Method:  http.MethodPost,
			})
			defer release()
		}
		logger.Info().Bool("credential", credential != "").Msg("mcp server on stdio")
		return server.ListenStdio(ctx)
	}

	agent := a2a.NewRequestHandler(a2a.HandlerConfig{
		Paywall:  pw,
		Executor: a2a.ExecutorFunc(forecastAgent),
		Configs:  a2a.StaticRedemptionConfigs(cfg.Redemption),
		Logger:   &logger,
	})

	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	router.Post("/mcp", server.ServeHTTP)
	router.Post("/a2a", agent.ServeHTTP)
	if cfg.MetricsPath != "" {
		router.Get(cfg.MetricsPath, x402.MetricsHandler(store))
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("listen", cfg.ListenAddress).
			Str("resource_id", cfg.ResourceID).
			Str("server", cfg.ServerName).
			Msg("mcp and a2a server starting")
		errCh <- httpServer.ListenAndServe()
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
	err = httpServer.Shutdown(shutdownCtx)
	// Running tasks still settle after the listener is gone
	agent.Wait()
	return err
}

func registerWeather(server *mcp.Server) {
	server.AddTool(mcp.Tool{
		Name:        "forecast",
		Description: "Three day forecast for a city",
		InputSchema: mcp.InputSchema{
			Properties: map[string]mcp.Property{
				"city": {Type: "string", Description: "City name"},
				"days": {Type: "number", Description: "Days ahead (1-3)", Default: 1},
			},
			Required: []string{"city"},
		},
	}, paywall.Dynamic(func(c paywall.CreditsContext) int64 {
		// One credit per day requested
		if days, ok := c.Args["days"].(float64); ok && days > 1 {
			return int64(min(days, 3))
		}
		return 1
	}), func(ctx context.Context, call paywall.Call, pc paywall.Context) (*paywall.Response, error) {
		city, _ := call.Args["city"].(string)
		if city == "" {
			return nil, errors.New("city is required")
		}
		return &paywall.Response{Value: fmt.Sprintf("Forecast for %s: sunny, 24°C", city)}, nil
	})

	server.AddTool(mcp.Tool{
		Name:        "hourly",
		Description: "Streams the next hours, billed per hour delivered",
		InputSchema: mcp.InputSchema{
			Properties: map[string]mcp.Property{"city": {Type: "string"}},
			Required:   []string{"city"},
		},
	}, paywall.Dynamic(func(c paywall.CreditsContext) int64 {
		items, _ := c.Result.([]any)
		return int64(len(items))
	}), func(ctx context.Context, call paywall.Call, pc paywall.Context) (*paywall.Response, error) {
		city, _ := call.Args["city"].(string)
		return &paywall.Response{Stream: func(yield func(any, error) bool) {
			for hour := 1; hour <= 6; hour++ {
				if !yield(fmt.Sprintf("%s +%dh: %d°C", city, hour, 18+hour), nil) {
					return
				}
			}
		}}, nil
	})

	server.AddResource(mcp.Resource{
		URI:         "weather://{city}/current",
		Name:        "current-conditions",
		Description: "Current conditions for a city",
		MimeType:    "application/json",
	}, paywall.Fixed(1), func(ctx context.Context, call paywall.Call, pc paywall.Context) (*paywall.Response, error) {
		return &paywall.Response{Value: map[string]any{
			"city":        call.Variables["city"],
			"temperature": 21,
			"conditions":  "clear",
		}}, nil
	})

	server.AddPrompt(mcp.Prompt{
		Name:        "packing-list",
		Description: "Packing list for a trip",
		Arguments:   []mcp.PromptArgument{{Name: "city", Required: true}, {Name: "days"}},
	}, paywall.Fixed(2), func(ctx context.Context, call paywall.Call, pc paywall.Context) (*paywall.Response, error) {
		days := "a few"
		if d, ok := call.Args["days"].(string); ok && d != "" {
			days = d
		}
		return &paywall.Response{Value: fmt.Sprintf(
			"Write a packing list for %s days in %v given the current forecast.", days, call.Args["city"])}, nil
	})
}

// forecastAgent answers A2A messages with one artifact per city mentioned
// and reports the credits used on its final status event.
func forecastAgent(ctx context.Context, req a2a.RequestContext, queue *a2a.EventQueue) error {
	if err := queue.Enqueue(ctx, a2a.StatusUpdate(req.TaskID, req.ContextID, a2a.TaskStateWorking, false, nil)); err != nil {
		return err
	}

	var cities []string
	for _, part := range req.Message.Parts {
		for _, field := range strings.Split(part.Text, ",") {
			if city := strings.TrimSpace(field); city != "" {
				cities = append(cities, city)
			}
		}
	}

	for _, city := range cities {
		err := queue.Enqueue(ctx, &a2a.TaskArtifactUpdateEvent{
			TaskID:    req.TaskID,
			ContextID: req.ContextID,
			Artifact: a2a.Artifact{
				ArtifactID: uuid.NewString(),
				Name:       city,
				Parts:      []a2a.Part{a2a.TextPart(fmt.Sprintf("Forecast for %s: sunny", city))},
			},
			Kind: "artifact-update",
		})
		if err != nil {
			return err
		}
	}

	return queue.Enqueue(ctx, a2a.StatusUpdate(req.TaskID, req.ContextID, a2a.TaskStateCompleted, true, map[string]any{
		a2a.MetaCreditsUsed: len(cities),
	}))
}
