package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per capability.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
	"reranker":   {"tei"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Database.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("database.embedding_dimensions %d must not be negative", cfg.Database.EmbeddingDimensions))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("reranker", cfg.Providers.Reranker.Name)

	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required; reformulation, reasons, and streaming all need a generative model"))
	}
	if cfg.Providers.Embeddings.Name == "" {
		errs = append(errs, errors.New("providers.embeddings.name is required; retrieval cannot run without an encoder"))
	}
	if cfg.Providers.Reranker.Name == "" {
		slog.Warn("no reranker configured; results will be ordered by retrieval distance only")
	}

	ret := cfg.Retrieval
	for _, knob := range []struct {
		name  string
		value int
	}{
		{"retrieval.top_k", ret.TopK},
		{"retrieval.candidates", ret.Candidates},
		{"retrieval.profile_pool", ret.ProfilePool},
	} {
		if knob.value < 0 {
			errs = append(errs, fmt.Errorf("%s %d must not be negative", knob.name, knob.value))
		}
	}
	if ret.Expansions < 0 || ret.Expansions > 5 {
		errs = append(errs, fmt.Errorf("retrieval.expansions %d is out of range [0, 5]", ret.Expansions))
	}
	if ret.TopK > 0 && ret.Candidates > 0 && ret.Candidates < ret.TopK {
		errs = append(errs, fmt.Errorf("retrieval.candidates %d must be at least retrieval.top_k %d", ret.Candidates, ret.TopK))
	}

	for _, tmo := range []struct {
		name  string
		value Duration
	}{
		{"timeouts.encode", cfg.Timeouts.Encode},
		{"timeouts.retrieve", cfg.Timeouts.Retrieve},
		{"timeouts.rerank", cfg.Timeouts.Rerank},
		{"timeouts.generate", cfg.Timeouts.Generate},
	} {
		if tmo.value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", tmo.name))
		}
	}

	if cfg.Cache.TTL < 0 {
		errs = append(errs, errors.New("cache.ttl must not be negative"))
	}
	if cfg.Dispatch.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("dispatch.batch_size %d must not be negative", cfg.Dispatch.BatchSize))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
