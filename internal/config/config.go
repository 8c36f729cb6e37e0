package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App      App      `mapstructure:"app"`
	AI       AI       `mapstructure:"ai"`
	Search   Search   `mapstructure:"search"`
	Research Research `mapstructure:"research"`
	HTTP     HTTP     `mapstructure:"http"`
	Logging  Logging  `mapstructure:"logging"`
}

// App holds general application configuration
type App struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// AI holds AI/LLM configuration
type AI struct {
	Gemini GeminiConfig `mapstructure:"gemini"`
}

// GeminiConfig holds Google Gemini configuration
type GeminiConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Timeout     string  `mapstructure:"timeout"`
	MaxTokens   int32   `mapstructure:"max_tokens"`
	Temperature float32 `mapstructure:"temperature"`
}

// Search holds search provider configuration
type Search struct {
	DefaultProvider string            `mapstructure:"default_provider"`
	APIKeys         map[string]string `mapstructure:"api_keys"` // provider id -> API key
	MaxResults      int               `mapstructure:"max_results"`
	Providers       SearchProviders   `mapstructure:"providers"`
}

// SearchProviders holds per-provider configuration
type SearchProviders struct {
	Google GoogleSearchConfig `mapstructure:"google"`
}

// GoogleSearchConfig holds Google Custom Search configuration
type GoogleSearchConfig struct {
	SearchID string `mapstructure:"search_id"`
}

// Research holds the orchestrator's budgets and thresholds
type Research struct {
	MaxIterations           int     `mapstructure:"max_iterations"`
	MaxSourcesPerIteration  int     `mapstructure:"max_sources_per_iteration"`
	MaxBudget               float64 `mapstructure:"max_budget"`
	SufficiencyThreshold    float64 `mapstructure:"sufficiency_threshold"`
	MaxParallelSearches     int     `mapstructure:"max_parallel_searches"`
	MaxParallelExtractions  int     `mapstructure:"max_parallel_extractions"`
	MaxExpandedQueries      int     `mapstructure:"max_expanded_queries"`
	MaxSourcesToAnalyze     int     `mapstructure:"max_sources_to_analyze"`
	MaxSections             int     `mapstructure:"max_sections"`
	AnalysisModel           string  `mapstructure:"analysis_model"`
	SynthesisModel          string  `mapstructure:"synthesis_model"`
	UseSmallModelForAnalysis bool   `mapstructure:"use_small_model_for_analysis"`
	SessionExpiration       string  `mapstructure:"session_expiration"`
}

// HTTP holds outbound HTTP client configuration
type HTTP struct {
	Timeout    string `mapstructure:"timeout"`
	MaxRetries int    `mapstructure:"max_retries"`
}

// Logging holds logging configuration
type Logging struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var globalConfig *Config

// Load loads the configuration from various sources
func Load(configFile string) (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	// Load .env file if it exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			fmt.Printf("Warning: Error loading .env file: %v\n", err)
		}
	}

	// Configure viper
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME")
		viper.SetConfigName(".fathom")
		viper.SetConfigType("yaml")
	}

	setDefaults()
	bindEnvironmentVariables()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	globalConfig = config
	return config, nil
}

// Get returns the global configuration, loading it if necessary
func Get() *Config {
	if globalConfig == nil {
		config, err := Load("")
		if err != nil {
			panic(fmt.Sprintf("Failed to load configuration: %v", err))
		}
		return config
	}
	return globalConfig
}

// Reset clears the cached global config. Used by tests.
func Reset() {
	globalConfig = nil
	viper.Reset()
}

// setDefaults sets default configuration values
func setDefaults() {
	// App defaults
	viper.SetDefault("app.debug", false)
	viper.SetDefault("app.log_level", "info")

	// AI defaults
	viper.SetDefault("ai.gemini.model", "gemini-2.5-flash")
	viper.SetDefault("ai.gemini.timeout", "60s")
	viper.SetDefault("ai.gemini.max_tokens", 8192)
	viper.SetDefault("ai.gemini.temperature", 0.7)

	// Search defaults
	viper.SetDefault("search.default_provider", "tavily")
	viper.SetDefault("search.max_results", 10)

	// Research defaults
	viper.SetDefault("research.max_iterations", 5)
	viper.SetDefault("research.max_sources_per_iteration", 10)
	viper.SetDefault("research.max_budget", 0.0)
	viper.SetDefault("research.sufficiency_threshold", 0.8)
	viper.SetDefault("research.max_parallel_searches", 5)
	viper.SetDefault("research.max_parallel_extractions", 10)
	viper.SetDefault("research.max_expanded_queries", 8)
	viper.SetDefault("research.max_sources_to_analyze", 20)
	viper.SetDefault("research.max_sections", 6)
	viper.SetDefault("research.analysis_model", "gemini-2.5-flash")
	viper.SetDefault("research.synthesis_model", "gemini-2.5-pro")
	viper.SetDefault("research.use_small_model_for_analysis", true)
	viper.SetDefault("research.session_expiration", "24h")

	// HTTP defaults
	viper.SetDefault("http.timeout", "30s")
	viper.SetDefault("http.max_retries", 3)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
}

// bindEnvironmentVariables sets up flexible environment variable binding
func bindEnvironmentVariables() {
	// Gemini API key - support multiple formats
	bindEnvKeys("ai.gemini.api_key", []string{
		"GEMINI_API_KEY",
		"GOOGLE_GEMINI_API_KEY",
		"GOOGLE_AI_API_KEY",
	})

	// Search provider keys land in the provider key map
	bindEnvKeys("search.api_keys.tavily", []string{
		"TAVILY_API_KEY",
	})

	bindEnvKeys("search.api_keys.google", []string{
		"GOOGLE_CUSTOM_SEARCH_API_KEY",
		"GOOGLE_CSE_API_KEY",
		"GOOGLE_SEARCH_API_KEY",
	})

	bindEnvKeys("search.providers.google.search_id", []string{
		"GOOGLE_CUSTOM_SEARCH_ID",
		"GOOGLE_CSE_ID",
		"GOOGLE_SEARCH_ENGINE_ID",
	})

	// General settings
	bindEnvKeys("app.debug", []string{
		"DEBUG",
		"FATHOM_DEBUG",
	})

	bindEnvKeys("search.default_provider", []string{
		"SEARCH_PROVIDER",
		"DEFAULT_SEARCH_PROVIDER",
	})
}

// bindEnvKeys binds the first found environment variable to a viper key
func bindEnvKeys(viperKey string, envKeys []string) {
	for _, envKey := range envKeys {
		if value := os.Getenv(envKey); value != "" {
			viper.Set(viperKey, value)
			return
		}
	}
}

// validateConfig checks values that would otherwise fail deep inside the pipeline
func validateConfig(config *Config) error {
	if config.Research.SufficiencyThreshold < 0 || config.Research.SufficiencyThreshold > 1 {
		return fmt.Errorf("research.sufficiency_threshold must be in [0,1], got %f", config.Research.SufficiencyThreshold)
	}
	if config.Research.MaxIterations < 0 {
		return fmt.Errorf("research.max_iterations must not be negative, got %d", config.Research.MaxIterations)
	}
	if _, err := time.ParseDuration(config.HTTP.Timeout); err != nil {
		return fmt.Errorf("http.timeout is not a valid duration: %w", err)
	}
	return nil
}

// HTTPTimeout returns the parsed per-request timeout.
func (c *Config) HTTPTimeout() time.Duration {
	d, err := time.ParseDuration(c.HTTP.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// SessionExpiration returns the parsed session retention duration.
func (c *Config) SessionExpiration() time.Duration {
	d, err := time.ParseDuration(c.Research.SessionExpiration)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// Convenience accessors for commonly used sections
func GetSearch() Search     { return Get().Search }
func GetResearch() Research { return Get().Research }
