// Package config loads the minimal settings bag convcore needs to
// construct its components: model ids and thresholds, timeouts, the
// Mongo connection string, and embedding dimensionality. It follows the
// teacher's cmd/kodelet init() style (viper defaults, env prefix,
// optional config file) but only carries the knobs a constructor
// actually needs, not an HTTP-facing settings surface.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/scoopai/convcore/pkg/hybrid"
	"github.com/scoopai/convcore/pkg/loop"
	"github.com/scoopai/convcore/pkg/memory/extractor"
)

// Config is the full set of constructor parameters for one convcore
// process.
type Config struct {
	PrimaryModel  string
	FallbackModel string
	ExtendedModel string

	CircuitFailureThreshold int
	CircuitRecoverySeconds  float64

	ExtendedContextThreshold int
	SafetyMultiplier         float64
	MaxRetries               int

	MaxRounds        int
	RoundTimeout     time.Duration
	MaxUniqueQueries int
	EnableRetry      bool

	ExtractorAttempts     uint
	ExtractorInitialDelay time.Duration
	ExtractorMaxDelay     time.Duration

	MongoURI      string
	MongoDatabase string

	EmbeddingDims int

	LogLevel  string
	LogFormat string
}

// init registers the package's defaults the way the teacher's
// cmd/kodelet init() populates viper before any config file or
// environment variable is read.
func init() {
	viper.SetDefault("primary_model", "gemini-3-flash-preview")
	viper.SetDefault("fallback_model", "gemini-2.5-flash")
	viper.SetDefault("extended_model", "gemini-2.5-pro")

	viper.SetDefault("circuit_failure_threshold", 5)
	viper.SetDefault("circuit_recovery_seconds", 60.0)

	viper.SetDefault("extended_context_threshold", 150_000)
	viper.SetDefault("safety_multiplier", 1.1)
	viper.SetDefault("max_retries", 2)

	viper.SetDefault("max_rounds", 8)
	viper.SetDefault("round_timeout", "30s")
	viper.SetDefault("max_unique_queries", 3)
	viper.SetDefault("enable_retry", true)

	viper.SetDefault("extractor_attempts", 3)
	viper.SetDefault("extractor_initial_delay", "500ms")
	viper.SetDefault("extractor_max_delay", "5s")

	viper.SetDefault("mongo_uri", "mongodb://localhost:27017")
	viper.SetDefault("mongo_database", "convcore")

	viper.SetDefault("embedding_dims", 768)

	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "fmt")

	viper.SetEnvPrefix("SCOOP")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.convcore")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig()
}

// Load reads the current viper state into a Config. Call it once after
// cobra has parsed flags and bound them to viper, so flag overrides take
// effect.
func Load() Config {
	return Config{
		PrimaryModel:  viper.GetString("primary_model"),
		FallbackModel: viper.GetString("fallback_model"),
		ExtendedModel: viper.GetString("extended_model"),

		CircuitFailureThreshold: viper.GetInt("circuit_failure_threshold"),
		CircuitRecoverySeconds:  viper.GetFloat64("circuit_recovery_seconds"),

		ExtendedContextThreshold: viper.GetInt("extended_context_threshold"),
		SafetyMultiplier:         viper.GetFloat64("safety_multiplier"),
		MaxRetries:               viper.GetInt("max_retries"),

		MaxRounds:        viper.GetInt("max_rounds"),
		RoundTimeout:      viper.GetDuration("round_timeout"),
		MaxUniqueQueries: viper.GetInt("max_unique_queries"),
		EnableRetry:      viper.GetBool("enable_retry"),

		ExtractorAttempts:     uint(viper.GetInt("extractor_attempts")),
		ExtractorInitialDelay: viper.GetDuration("extractor_initial_delay"),
		ExtractorMaxDelay:     viper.GetDuration("extractor_max_delay"),

		MongoURI:      viper.GetString("mongo_uri"),
		MongoDatabase: viper.GetString("mongo_database"),

		EmbeddingDims: viper.GetInt("embedding_dims"),

		LogLevel:  viper.GetString("log_level"),
		LogFormat: viper.GetString("log_format"),
	}
}

// HybridConfig projects the relevant fields into a hybrid.Config.
func (c Config) HybridConfig() hybrid.Config {
	return hybrid.Config{
		PrimaryModel:             c.PrimaryModel,
		FallbackModel:            c.FallbackModel,
		ExtendedModel:            c.ExtendedModel,
		CircuitFailureThreshold:  c.CircuitFailureThreshold,
		CircuitRecoverySeconds:   c.CircuitRecoverySeconds,
		ExtendedContextThreshold: c.ExtendedContextThreshold,
		SafetyMultiplier:         c.SafetyMultiplier,
		MaxRetries:               c.MaxRetries,
	}
}

// LoopConfig projects the relevant fields into a loop.Config.
func (c Config) LoopConfig() loop.Config {
	return loop.Config{
		MaxRounds:        c.MaxRounds,
		RoundTimeout:     c.RoundTimeout,
		MaxUniqueQueries: c.MaxUniqueQueries,
		EnableRetry:      c.EnableRetry,
	}
}

// ExtractorConfig projects the relevant fields into an extractor.Config.
func (c Config) ExtractorConfig() extractor.Config {
	return extractor.Config{
		Attempts:     c.ExtractorAttempts,
		InitialDelay: c.ExtractorInitialDelay,
		MaxDelay:     c.ExtractorMaxDelay,
	}
}
