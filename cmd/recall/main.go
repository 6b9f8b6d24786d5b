// Package main is the entry point for the Recall memory service: a
// persistent structured-memory engine for a conversational assistant,
// exposed over HTTP.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite" // SQLite driver for database/sql

	"github.com/normanking/recall/internal/config"
	"github.com/normanking/recall/internal/embedding"
	"github.com/normanking/recall/internal/extract"
	"github.com/normanking/recall/internal/llm"
	"github.com/normanking/recall/internal/logging"
	"github.com/normanking/recall/internal/memory"
	"github.com/normanking/recall/internal/orchestrator"
	"github.com/normanking/recall/internal/server"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "recall",
		Short: "Recall is a persistent structured-memory service for conversational assistants",
		Long: `Recall retrieves learned facts and preferences for each user utterance,
streams the assistant's reply, and extracts, classifies, reconciles, and
stores new information for future turns. Every memory carries a confidence
tier, ages under exponential decay with access-based reinforcement, and is
checked against prior memories for contradiction.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default ~/.recall/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd(), decayCmd(), statsCmd(), reindexCmd(), initCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration, installs logging, opens the database, and
// builds the store.
func setup() (*config.Config, *memory.Store, *sql.DB, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, err
	}

	logCfg := logging.Config{
		Level:    cfg.Logging.Level,
		Pretty:   cfg.Logging.Pretty,
		FilePath: cfg.Logging.FilePath,
	}
	if verbose {
		logCfg.Level = "debug"
	}
	if err := logging.Setup(logCfg); err != nil {
		return nil, nil, nil, fmt.Errorf("setup logging: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Server.DBPath), 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", cfg.Server.DBPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := memory.Migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, nil, nil, err
	}

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}

	store := memory.NewStore(db, embedder, memory.ParamsFromConfig(cfg.Memory))
	return cfg, store, db, nil
}

func buildEmbedder(cfg *config.Config) (embedding.Embedder, error) {
	var base embedding.Embedder
	if cfg.Embedding.Model == "mock" {
		base = embedding.NewMockEmbedder(cfg.Embedding.Dimension)
	} else {
		base = embedding.NewOllamaEmbedder(cfg.Embedding.Endpoint, cfg.Embedding.Model, cfg.Embedding.Dimension)
	}
	return embedding.NewCachedEmbedder(base, cfg.Embedding.CacheSize)
}

// pickExtractorProvider selects the deep-extractor provider: the local model
// when preferred and reachable, the cloud model otherwise.
func pickExtractorProvider(ctx context.Context, cfg *config.Config) (llm.StreamingProvider, error) {
	name := cfg.LLM.ExtractorProvider
	if name == "" {
		name = "openai"
		if cfg.LLM.UseLocalExtractor {
			name = "ollama"
		}
	}

	provider, err := llm.New(name, cfg.ProviderFor(name))
	if err != nil {
		return nil, err
	}
	if name == "ollama" && !provider.Available(ctx) {
		log.Warn().Msg("local extractor unreachable, falling back to openai")
		return llm.New("openai", cfg.ProviderFor("openai"))
	}
	return provider, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service and the periodic decay sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, db, err := setup()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			responder, err := llm.New(cfg.LLM.ResponseProvider, cfg.ProviderFor(cfg.LLM.ResponseProvider))
			if err != nil {
				return err
			}
			extractorProvider, err := pickExtractorProvider(ctx, cfg)
			if err != nil {
				return err
			}

			engine := orchestrator.NewEngine(store, responder, extract.NewDeepExtractor(extractorProvider))
			srv := server.New(engine, store)

			go store.RunDecayLoop(ctx, cfg.DecayInterval())

			httpSrv := &http.Server{
				Addr:    cfg.Server.ListenAddr,
				Handler: srv.Handler(),
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = httpSrv.Shutdown(shutdownCtx)
			}()

			log.Info().Str("addr", cfg.Server.ListenAddr).Str("db", cfg.Server.DBPath).
				Str("responder", cfg.LLM.ResponseProvider).Msg("recall listening")

			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			// Let detached extract+store tasks finish before exiting.
			engine.Wait()
			return nil
		},
	}
}

func decayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decay",
		Short: "Run one decay sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, db, err := setup()
			if err != nil {
				return err
			}
			defer db.Close()

			updated, err := store.RunDecayUpdate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("updated %d memories\n", updated)
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print engine totals as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, db, err := setup()
			if err != nil {
				return err
			}
			defer db.Close()

			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}
}

func reindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the embedding bucket index",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, db, err := setup()
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := store.RebuildVectorIndex(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("indexed %d memories\n", n)
			return nil
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteDefault(cfgPath)
			if err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("recall", version)
		},
	}
}
