package config

// BusConfig configures the durable message bus.
type BusConfig struct {
	// Database file name under the data directory
	DatabaseFile string `yaml:"database_file"`

	// How often subscribers poll for new messages when idle
	PollInterval string `yaml:"poll_interval"`

	// How long fully acknowledged messages are kept before purge
	AckRetention string `yaml:"ack_retention"`
}

// StoreConfig configures the pattern store.
type StoreConfig struct {
	// Database file name under the data directory
	DatabaseFile string `yaml:"database_file"`

	// Result cap applied when a search does not specify a limit
	DefaultSearchLimit int `yaml:"default_search_limit"`
}

// ValidEmbeddingProviders lists all supported embedding providers.
var ValidEmbeddingProviders = []string{"ollama", "gemini", "none"}

// EmbeddingConfig configures the embedding engine used for semantic
// pattern search. Provider "none" disables the semantic index; search
// degrades to keyword matching.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // ollama, gemini, none
	OllamaHost string `yaml:"ollama_host"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	Dimensions int    `yaml:"dimensions"`
	Timeout    string `yaml:"timeout"`
}

func validEmbeddingProvider(p string) bool {
	for _, v := range ValidEmbeddingProviders {
		if p == v {
			return true
		}
	}
	return false
}

// ValidInferenceProviders lists all supported inference providers.
var ValidInferenceProviders = []string{"ollama", "gemini", "static"}

// InferenceConfig configures the text generation backend that powers
// inference delegates. Provider "static" returns canned responses and
// needs no network, which keeps the pipeline runnable offline.
type InferenceConfig struct {
	Provider   string `yaml:"provider"` // ollama, gemini, static
	OllamaHost string `yaml:"ollama_host"`
	Model      string `yaml:"model"` // fallback when the router supplies none
	APIKey     string `yaml:"api_key"`
	Timeout    string `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"`
}

func validInferenceProvider(p string) bool {
	for _, v := range ValidInferenceProviders {
		if p == v {
			return true
		}
	}
	return false
}
