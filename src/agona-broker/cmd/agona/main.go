// Command agona runs broker queries from the terminal against the providers
// configured in the environment. It reads the same variables as the server.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mhiscox/agona/src/agona-broker/internal/config"
	"github.com/mhiscox/agona/src/agona-broker/internal/pricing"
	"github.com/mhiscox/agona/src/agona-broker/internal/providers"
	"github.com/mhiscox/agona/src/agona-broker/internal/service"
	"github.com/mhiscox/agona/src/agona-broker/internal/store"
)

var (
	verbose     bool
	timeout     time.Duration
	pricingFile string
	bulkFile    string
	logLimit    int
)

var rootCmd = &cobra.Command{
	Use:   "agona",
	Short: "Agona - real-time LLM bidding broker",
	Long: `Agona fans a prompt out to competing LLM providers and picks the best
answer on price, latency and quality.

Available commands:
  query    - Ask every provider and print the winning answer
  bulk     - Run one sealed-bid auction per prompt
  classify - Show the complexity tier of a prompt
  price    - Estimate the USD cost of a call
  env      - Show which integrations are configured
  logs     - Print recent query log entries from the configured backend

Examples:
  agona query "What is the capital of France?"
  agona bulk -f prompts.txt
  agona classify "hi"
  agona price openai:gpt-4o-mini 1000 2000
  QUERY_LOG_BACKEND=mongo agona logs -n 5`,
	SilenceUsage: true,
}

var queryCmd = &cobra.Command{
	Use:   "query <prompt>",
	Short: "Fan a prompt out to every provider",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		broker, err := newBroker()
		if err != nil {
			return err
		}
		defer broker.Wait()

		resp, err := broker.Query(cmd.Context(), uuid.NewString(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), resp)
	},
}

var bulkCmd = &cobra.Command{
	Use:   "bulk [prompts...]",
	Short: "Run a bulk auction, one prompt per argument or per line of --file",
	RunE: func(cmd *cobra.Command, args []string) error {
		prompts := args
		if bulkFile != "" {
			fromFile, err := readPrompts(bulkFile)
			if err != nil {
				return err
			}
			prompts = append(fromFile, prompts...)
		}

		broker, err := newBroker()
		if err != nil {
			return err
		}
		defer broker.Wait()

		resp, err := broker.BulkQuery(cmd.Context(), uuid.NewString(), prompts)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), resp)
	},
}

var classifyCmd = &cobra.Command{
	Use:   "classify <prompt>",
	Short: "Show the complexity tier of a prompt",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := strings.Join(args, " ")
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"tier":   pricing.ClassifyTier(prompt),
			"chars":  pricing.CharCount(prompt),
			"tokens": pricing.ApproxTokens(prompt),
		})
	},
}

var priceCmd = &cobra.Command{
	Use:   "price <model-id> <input-tokens> <output-tokens>",
	Short: "Estimate the USD cost of a call",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("input tokens: %w", err)
		}
		out, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("output tokens: %w", err)
		}
		table, err := loadTable()
		if err != nil {
			return err
		}
		if _, ok := table.Lookup(args[0]); !ok {
			return fmt.Errorf("no rate for %q", args[0])
		}
		fmt.Fprintln(cmd.OutOrStdout(), strconv.FormatFloat(pricing.Round6(table.Estimate(args[0], in, out)), 'f', -1, 64))
		return nil
	},
}

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Show which integrations the environment configures",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), service.EnvReport{
			HasOpenAI:     cfg.HasOpenAI(),
			HasCloudflare: cfg.HasCloudflare(),
			HasQueryLog:   cfg.QueryLogBackend != store.BackendNone,
		})
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print recent query log entries, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		// A fresh process has nothing in memory to read back.
		if b := cfg.QueryLogBackend; b == store.BackendMemory || b == store.BackendNone {
			return fmt.Errorf("query log backend %q keeps nothing the CLI can read; set QUERY_LOG_BACKEND to mongo, firestore or postgres", b)
		}

		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		if verbose {
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		}
		sink, closeSink, err := store.Open(cmd.Context(), cfg.StoreSettings(), logger)
		if err != nil {
			return err
		}
		defer closeSink()

		reader, ok := sink.(store.Reader)
		if !ok {
			return fmt.Errorf("query log backend %q cannot read entries back", cfg.QueryLogBackend)
		}
		logs, err := reader.Recent(cmd.Context(), logLimit)
		if err != nil {
			return fmt.Errorf("read query log: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), logs)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log provider calls to stderr")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Per-provider timeout (default: PROVIDER_TIMEOUT_MS)")
	rootCmd.PersistentFlags().StringVar(&pricingFile, "pricing", "", "Pricing YAML (default: PRICING_FILE or built-in rates)")
	bulkCmd.Flags().StringVarP(&bulkFile, "file", "f", "", "Read prompts from a file, one per line")
	logsCmd.Flags().IntVarP(&logLimit, "limit", "n", 20, "Number of entries to print")

	rootCmd.AddCommand(queryCmd, bulkCmd, classifyCmd, priceCmd, envCmd, logsCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newBroker wires a broker from the environment. The CLI keeps no telemetry.
func newBroker() (*service.Broker, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	table, err := loadTableFrom(cfg.PricingFile)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		cfg.ProviderTimeout = timeout
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	roster := providers.DefaultRoster(providers.RosterConfig{
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		CFAccountID:   cfg.CFAccountID,
		CFAPIToken:    cfg.CFAPIToken,
		CFBaseURL:     cfg.CFBaseURL,
		CFModel:       cfg.CFModel,
		CFAltModel:    cfg.CFAltModel,
		Timeout:       cfg.ProviderTimeout,
	}, logger)

	return service.NewBroker(service.Options{
		Roster:          roster,
		Table:           table,
		Store:           store.Discard{},
		Logger:          logger,
		BulkConcurrency: cfg.BulkConcurrency,
	}), nil
}

func loadTable() (*pricing.Table, error) {
	return loadTableFrom(os.Getenv("PRICING_FILE"))
}

func loadTableFrom(envPath string) (*pricing.Table, error) {
	path := pricingFile
	if path == "" {
		path = envPath
	}
	if path == "" {
		return pricing.DefaultTable(), nil
	}
	return pricing.LoadFile(path)
}

func readPrompts(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open prompts file: %w", err)
	}
	defer f.Close()

	var prompts []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			prompts = append(prompts, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	return prompts, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
