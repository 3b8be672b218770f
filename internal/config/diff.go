package config

// ConfigDiff describes what changed between two configs. Only log verbosity
// can be hot-applied; everything else needs a process restart, which the
// server logs so operators notice a stale runtime.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired is true when a field that cannot be hot-applied
	// (database, providers, cache, retrieval knobs, timeouts, dispatch)
	// differs between the two configs.
	RestartRequired bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Database != new.Database ||
		old.Cache != new.Cache ||
		old.Retrieval != new.Retrieval ||
		old.Timeouts != new.Timeouts ||
		old.Dispatch != new.Dispatch {
		d.RestartRequired = true
	}
	if providerChanged(old.Providers.LLM, new.Providers.LLM) ||
		providerChanged(old.Providers.Embeddings, new.Providers.Embeddings) ||
		providerChanged(old.Providers.Reranker, new.Providers.Reranker) {
		d.RestartRequired = true
	}

	return d
}

// providerChanged compares the scalar fields of two provider entries. The
// free-form Options map is ignored; option-only edits are rare and still
// covered by a restart.
func providerChanged(old, new ProviderEntry) bool {
	return old.Name != new.Name ||
		old.APIKey != new.APIKey ||
		old.BaseURL != new.BaseURL ||
		old.Model != new.Model
}
