// Command shelfwise is the recommendation service server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/shelfwise/internal/cache"
	"github.com/MrWong99/shelfwise/internal/config"
	"github.com/MrWong99/shelfwise/internal/health"
	"github.com/MrWong99/shelfwise/internal/httpapi"
	"github.com/MrWong99/shelfwise/internal/indexer"
	"github.com/MrWong99/shelfwise/internal/observe"
	"github.com/MrWong99/shelfwise/internal/recommend"
	"github.com/MrWong99/shelfwise/pkg/catalog"
	"github.com/MrWong99/shelfwise/pkg/catalog/postgres"
	"github.com/MrWong99/shelfwise/pkg/dispatch"
	"github.com/MrWong99/shelfwise/pkg/dispatch/inproc"
	"github.com/MrWong99/shelfwise/pkg/dispatch/natsdispatch"
	"github.com/MrWong99/shelfwise/pkg/provider/embeddings"
	ollamaembed "github.com/MrWong99/shelfwise/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/shelfwise/pkg/provider/embeddings/openai"
	"github.com/MrWong99/shelfwise/pkg/provider/llm"
	"github.com/MrWong99/shelfwise/pkg/provider/llm/anyllm"
	"github.com/MrWong99/shelfwise/pkg/provider/reranker"
	"github.com/MrWong99/shelfwise/pkg/provider/reranker/tei"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// Logger first, with a swappable level so config reloads can adjust
	// verbosity without a restart.
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.RestartRequired {
			slog.Warn("configuration changed in a way that needs a restart to take effect")
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "shelfwise: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "shelfwise: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()

	cfg := watcher.Current()
	level.Set(slogLevel(cfg.Server.LogLevel))

	slog.Info("shelfwise starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "shelfwise"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	// The default instance binds to the global meter provider installed by
	// InitProvider above.
	metrics := observe.DefaultMetrics()

	// Catalog store. NewStore pings and migrates, so a bad DSN fails here.
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

	// Providers.
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	model, err := buildLLM(cfg, reg)
	if err != nil {
		slog.Error("failed to create llm provider", "err", err)
		return 1
	}
	encoder, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
	if err != nil {
		slog.Error("failed to create embeddings provider", "err", err)
		return 1
	}
	slog.Info("provider created", "kind", "embeddings", "name", cfg.Providers.Embeddings.Name)

	scorer := buildScorer(cfg, reg)

	// Ephemeral result cache.
	var results *cache.Cache
	if cfg.Cache.Dir != "" {
		results, err = cache.Open(cfg.Cache.Dir, cfg.Cache.TTL.Std())
		if err != nil {
			slog.Error("failed to open result cache", "dir", cfg.Cache.Dir, "err", err)
			return 1
		}
		defer func() {
			if err := results.Close(); err != nil {
				slog.Warn("result cache close error", "err", err)
			}
		}()
	} else {
		slog.Warn("cache.dir is empty; recommendation results will not be cached")
	}

	// Job dispatcher + embedding maintenance pipeline.
	jobs, worker, natsConn, err := buildDispatcher(cfg)
	if err != nil {
		slog.Error("failed to connect dispatcher", "err", err)
		return 1
	}
	if natsConn != nil {
		defer natsConn.Close()
	}

	ix := indexer.New(store, encoder, jobs, metrics)
	switch w := worker.(type) {
	case *natsdispatch.Worker:
		ix.Register(w)
		if err := w.Start(ctx); err != nil {
			slog.Error("failed to start dispatch worker", "err", err)
			return 1
		}
		defer func() {
			if err := w.Stop(); err != nil {
				slog.Warn("dispatch worker stop error", "err", err)
			}
		}()
	case *inproc.Dispatcher:
		ix.Register(w)
		defer w.Wait()
	}
	store.SetContentChangeHook(ix.ContentChangeHook())

	// Recommendation engine.
	engine, err := recommend.New(recommend.Deps{
		Books:   store,
		Queries: store,
		Results: results,
		Model:   model,
		Encoder: func() (embeddings.Provider, error) { return encoder, nil },
		Scorer:  scorer,
		Metrics: metrics,
	},
		recommend.WithTopK(cfg.Retrieval.TopK),
		recommend.WithCandidateBudget(cfg.Retrieval.Candidates),
		recommend.WithProfilePool(cfg.Retrieval.ProfilePool),
		recommend.WithExpansions(cfg.Retrieval.Expansions),
		recommend.WithTimeouts(recommend.Timeouts{
			Encode:   cfg.Timeouts.Encode.Std(),
			Retrieve: cfg.Timeouts.Retrieve.Std(),
			Rerank:   cfg.Timeouts.Rerank.Std(),
			Generate: cfg.Timeouts.Generate.Std(),
		}),
	)
	if err != nil {
		slog.Error("failed to build recommendation engine", "err", err)
		return 1
	}

	// HTTP surface.
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(observe.Middleware(metrics))
	httpapi.New(engine, store, logger).Register(r)
	checkers := []health.Checker{
		health.DatabaseChecker(store),
		health.ProviderChecker("llm", model),
		health.ProviderChecker("embeddings", encoder),
	}
	if scorer != nil {
		checkers = append(checkers, health.Checker{Name: "reranker", Check: func(context.Context) error {
			_, err := scorer()
			return err
		}})
	}
	health.New(checkers...).Register(r)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if tls := cfg.Server.TLS; tls != nil {
			errCh <- srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	case <-ctx.Done():
	}

	slog.Info("shutdown signal received, stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildLLM creates the generative backend.
func buildLLM(cfg *config.Config, reg *config.Registry) (llm.Provider, error) {
	name := cfg.Providers.LLM.Name
	p, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm provider %q: %w", name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", name)
	return p, nil
}

// buildScorer returns the lazy reranker factory, or nil when no reranker is
// configured so the engine keeps distance order.
func buildScorer(cfg *config.Config, reg *config.Registry) func() (reranker.Provider, error) {
	entry := cfg.Providers.Reranker
	if entry.Name == "" {
		return nil
	}
	return func() (reranker.Provider, error) {
		p, err := reg.CreateReranker(entry)
		if err != nil {
			return nil, fmt.Errorf("reranker provider %q: %w", entry.Name, err)
		}
		slog.Info("provider created", "kind", "reranker", "name", entry.Name)
		return p, nil
	}
}

// buildDispatcher selects the job transport: NATS when an URL is configured,
// the in-process dispatcher otherwise. worker is the handler registration
// target for the chosen transport.
func buildDispatcher(cfg *config.Config) (jobs dispatch.Dispatcher, worker any, conn *nats.Conn, err error) {
	if url := cfg.Dispatch.NATSURL; url != "" {
		conn, err = nats.Connect(url, nats.Name("shelfwise"))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect nats %q: %w", url, err)
		}
		slog.Info("dispatcher connected", "transport", "nats", "url", url)
		return natsdispatch.New(conn, ""), natsdispatch.NewWorker(conn, ""), conn, nil
	}
	slog.Info("dispatcher running in-process", "transport", "inproc")
	d := inproc.New()
	return d, d, nil, nil
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// openai, anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile
	// all share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model)
	})

	reg.RegisterReranker("tei", func(entry config.ProviderEntry) (reranker.Provider, error) {
		var opts []tei.Option
		if entry.APIKey != "" {
			opts = append(opts, tei.WithAPIKey(entry.APIKey))
		}
		return tei.New(entry.BaseURL, entry.Model, opts...)
	})
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
