// In-memory credit ledger for local development and end-to-end tests of the
// gateway and the MCP server
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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/siddimore/x402-credits-paywall/pkg/ledger"
)

// seed is the YAML file describing the accounts and grants to start with
type seed struct {
	Accounts []struct {
		Credential        string   `yaml:"credential"`
		SubscriberAddress string   `yaml:"subscriber_address"`
		PlanID            string   `yaml:"plan_id"`
		Credits           int64    `yaml:"credits"`
		Resources         []string `yaml:"resources"`
	} `yaml:"accounts"`
	Grants map[string][]ledger.Grant `yaml:"grants"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var listenAddr, apiKey, seedPath string
	var batchSize int
	var verbose bool

	flagSet := pflag.NewFlagSet("ledgerd", pflag.ContinueOnError)
	flagSet.StringVar(&listenAddr, "listen", ":8500", "listen address")
	flagSet.StringVar(&apiKey, "api-key", os.Getenv("X402_LEDGER_API_KEY"), "API key required from clients")
	flagSet.StringVar(&seedPath, "seed", "", "YAML file with accounts and grants (default: one demo account)")
	flagSet.IntVar(&batchSize, "batch-size", 10, "batched settlements per flush")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	m := ledger.NewMemory()
	m.SetBatchSize(batchSize)
	if err := loadSeed(m, seedPath); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           ledger.NewHTTPHandler(m, apiKey),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", listenAddr).Bool("auth", apiKey != "").Msg("ledger starting")
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

	// Close the open batch so its settlements are not lost from the log
	_ = m.Flush(context.Background())
	logger.Info().Strs("flushed_batches", m.Flushed()).Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func loadSeed(m *ledger.Memory, path string) error {
	if path == "" {
		m.AddAccount(ledger.Account{
			Credential:        "valid_token",
			SubscriberAddress: "0x0000000000000000000000000000000000000001",
			PlanID:            "plan_demo",
			Credits:           100,
		})
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}
	var s seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}

	for i, a := range s.Accounts {
		if a.Credential == "" {
			return fmt.Errorf("account %d: credential is required", i)
		}
		m.AddAccount(ledger.Account{
			Credential:        a.Credential,
			SubscriberAddress: a.SubscriberAddress,
			PlanID:            a.PlanID,
			Credits:           a.Credits,
			Resources:         a.Resources,
		})
	}
	for resourceID, grants := range s.Grants {
		for _, g := range grants {
			m.AddGrant(resourceID, g)
		}
	}
	return nil
}
