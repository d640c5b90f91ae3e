// Demo upstream for the gateway. It has a free endpoint, paid endpoints and
// endpoints that fail so the gateway can be seen not billing them.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var listen string
	flagSet := pflag.NewFlagSet("testbackend", pflag.ContinueOnError)
	flagSet.StringVar(&listen, "listen", ":3000", "address to listen on")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "server": "test-backend"})
	})

	// Listed in the gateway's exempt_paths
	router.Get("/api/public", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"message":   "public endpoint, no credits needed",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	router.Get("/api/data", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"message":          "paid data",
			"timestamp":        time.Now().Format(time.RFC3339),
			"headers_received": relevantHeaders(r),
		})
	})

	// Priced per row when the gateway routes /api/report to a dynamic cost
	router.Get("/api/report", func(w http.ResponseWriter, r *http.Request) {
		rows, err := strconv.Atoi(r.URL.Query().Get("rows"))
		if err != nil || rows <= 0 {
			rows = 10
		}
		data := make([]map[string]any, rows)
		for i := range data {
			data[i] = map[string]any{"row": i + 1, "value": (i + 1) * 7}
		}
		writeJSON(w, http.StatusOK, map[string]any{"rows": data})
	})

	// The gateway passes these through without settling
	router.Get("/api/missing", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
	router.Get("/api/broken", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "backend failure"})
	})

	router.HandleFunc("/api/echo", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"method":  r.Method,
			"path":    r.URL.Path,
			"query":   r.URL.Query(),
			"headers": relevantHeaders(r),
		})
	})

	logger.Info().Str("listen", listen).Msg("test backend starting; reach it through the gateway")
	server := &http.Server{Addr: listen, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	return server.ListenAndServe()
}

// relevantHeaders shows what the gateway forwards. Credentials never arrive.
func relevantHeaders(r *http.Request) map[string]string {
	relevant := map[string]string{}
	keys := []string{
		"Authorization",
		"Payment-Signature",
		"X-Forwarded-Host",
		"X-Forwarded-For",
		"X-Origin-Host",
	}
	for _, key := range keys {
		if val := r.Header.Get(key); val != "" {
			relevant[key] = val
		}
	}
	return relevant
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
