// Command shelfwise-reindex recomputes book embeddings from the command
// line, either for the whole catalog or only for books that have none yet.
// Jobs run inline in this process; the server does not need to be running.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrWong99/shelfwise/internal/config"
	"github.com/MrWong99/shelfwise/internal/indexer"
	"github.com/MrWong99/shelfwise/pkg/catalog"
	"github.com/MrWong99/shelfwise/pkg/catalog/postgres"
	"github.com/MrWong99/shelfwise/pkg/dispatch/inproc"
	"github.com/MrWong99/shelfwise/pkg/provider/embeddings"
	ollamaembed "github.com/MrWong99/shelfwise/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/shelfwise/pkg/provider/embeddings/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	missingOnly := flag.Bool("missing-only", false, "re-index only books without an embedding")
	batchSize := flag.Int("batch-size", 0, "books per batch (default from config or 50)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shelfwise-reindex: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dims := cfg.Database.EmbeddingDimensions
	if dims <= 0 {
		dims = catalog.EmbeddingDimensions
	}
	store, err := postgres.NewStore(ctx, cfg.Database.PostgresDSN, dims)
	if err != nil {
		slog.Error("failed to open catalog store", "err", err)
		return 1
	}
	defer store.Close()

	encoder, err := buildEncoder(cfg.Providers.Embeddings)
	if err != nil {
		slog.Error("failed to create embeddings provider", "err", err)
		return 1
	}

	// Synchronous in-process dispatch: each batch is embedded before the
	// next one is planned, so Ctrl+C leaves no queued work behind.
	jobs := inproc.New()
	jobs.Synchronous = true
	ix := indexer.New(store, encoder, jobs, nil)
	ix.Register(jobs)

	size := *batchSize
	if size <= 0 {
		size = cfg.Dispatch.BatchSize
	}

	count, err := ix.Reindex(ctx, *missingOnly, size)
	if err != nil {
		slog.Error("reindex failed", "err", err)
		return 1
	}

	slog.Info("reindex complete", "books", count, "missing_only", *missingOnly)
	return 0
}

func buildEncoder(entry config.ProviderEntry) (embeddings.Provider, error) {
	switch entry.Name {
	case "openai":
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	case "ollama":
		return ollamaembed.New(entry.BaseURL, entry.Model)
	default:
		return nil, fmt.Errorf("unsupported embeddings provider %q", entry.Name)
	}
}
