package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration. It is loaded once at
// startup, validated, and treated as read-only afterwards.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Search     SearchConfig     `yaml:"search" mapstructure:"search"`
	Providers  ProvidersConfig  `yaml:"providers" mapstructure:"providers"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Dedup      DedupConfig      `yaml:"dedup" mapstructure:"dedup"`
	Ranking    RankingConfig    `yaml:"ranking" mapstructure:"ranking"`
	Priority   PriorityConfig   `yaml:"priority" mapstructure:"priority"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the durable cache tier.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// SearchConfig configures query fan-out.
type SearchConfig struct {
	TimeBudgetMs      int    `yaml:"time_budget_ms" mapstructure:"time_budget_ms"`
	MaxResults        int    `yaml:"max_results" mapstructure:"max_results"`
	MaxConcurrency    int    `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	ProviderTimeoutMs int    `yaml:"provider_timeout_ms" mapstructure:"provider_timeout_ms"`
	ChainFile         string `yaml:"chain_file" mapstructure:"chain_file"`
}

// TimeBudget returns the default global deadline for a query.
func (c SearchConfig) TimeBudget() time.Duration {
	return time.Duration(c.TimeBudgetMs) * time.Millisecond
}

// ProviderTimeout returns the default per-provider deadline.
func (c SearchConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutMs) * time.Millisecond
}

// ProvidersConfig holds per-provider settings.
type ProvidersConfig struct {
	YouTube  ProviderConfig `yaml:"youtube" mapstructure:"youtube"`
	PeerTube ProviderConfig `yaml:"peertube" mapstructure:"peertube"`
	Odysee   ProviderConfig `yaml:"odysee" mapstructure:"odysee"`
	Rumble   ProviderConfig `yaml:"rumble" mapstructure:"rumble"`
}

// ByID returns the provider settings keyed by provider id.
func (c ProvidersConfig) ByID() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"youtube":  c.YouTube,
		"peertube": c.PeerTube,
		"odysee":   c.Odysee,
		"rumble":   c.Rumble,
	}
}

// ProviderConfig configures one media provider.
type ProviderConfig struct {
	Enabled    bool    `yaml:"enabled" mapstructure:"enabled"`
	TimeoutMs  int     `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	RatePerSec float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst      int     `yaml:"burst" mapstructure:"burst"`
	BaseURL    string  `yaml:"base_url" mapstructure:"base_url"`
	// SecondaryURLs lists fallback hosts: Invidious instances for youtube,
	// PeerTube instances whose feeds are read for peertube.
	SecondaryURLs []string `yaml:"secondary_urls" mapstructure:"secondary_urls"`
	APIKey        string   `yaml:"api_key" mapstructure:"api_key"`
	Strategies    []string `yaml:"strategies" mapstructure:"strategies"`
}

// Timeout returns the provider's own deadline, or 0 to use the search default.
func (c ProviderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// CircuitConfig configures per-provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold    int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	RecoveryTimeoutSecs int `yaml:"recovery_timeout_secs" mapstructure:"recovery_timeout_secs"`
	SuccessThreshold    int `yaml:"success_threshold" mapstructure:"success_threshold"`
}

// RetryConfig configures the retry policy applied to each strategy attempt.
type RetryConfig struct {
	MaxAttempts  int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelayMs  int     `yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMs   int     `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	Multiplier   float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFactor float64 `yaml:"jitter_factor" mapstructure:"jitter_factor"`
}

// CacheConfig configures result caching.
type CacheConfig struct {
	TTLSecs             int `yaml:"ttl_secs" mapstructure:"ttl_secs"`
	StaleSecs           int `yaml:"stale_secs" mapstructure:"stale_secs"`
	RefreshTimeoutSecs  int `yaml:"refresh_timeout_secs" mapstructure:"refresh_timeout_secs"`
	JanitorIntervalSecs int `yaml:"janitor_interval_secs" mapstructure:"janitor_interval_secs"`
}

// DedupConfig configures near-duplicate grouping.
type DedupConfig struct {
	TitleWeight           float64 `yaml:"title_weight" mapstructure:"title_weight"`
	DurationWeight        float64 `yaml:"duration_weight" mapstructure:"duration_weight"`
	ChannelWeight         float64 `yaml:"channel_weight" mapstructure:"channel_weight"`
	OverallThreshold      float64 `yaml:"overall_threshold" mapstructure:"overall_threshold"`
	DurationToleranceSecs int     `yaml:"duration_tolerance_secs" mapstructure:"duration_tolerance_secs"`
	MaxComparisonPairs    int     `yaml:"max_comparison_pairs" mapstructure:"max_comparison_pairs"`
	MaxDuplicatesPerGroup int     `yaml:"max_duplicates_per_group" mapstructure:"max_duplicates_per_group"`
}

// RankingConfig configures composite quality scoring.
type RankingConfig struct {
	Weights               RankingWeights     `yaml:"weights" mapstructure:"weights"`
	PlatformWeights       map[string]float64 `yaml:"platform_weights" mapstructure:"platform_weights"`
	FreshnessHalfLifeDays float64            `yaml:"freshness_half_life_days" mapstructure:"freshness_half_life_days"`
}

// RankingWeights are the per-feature weights of the composite score.
type RankingWeights struct {
	Platform   float64 `yaml:"platform" mapstructure:"platform"`
	Metadata   float64 `yaml:"metadata" mapstructure:"metadata"`
	Content    float64 `yaml:"content" mapstructure:"content"`
	Author     float64 `yaml:"author" mapstructure:"author"`
	Engagement float64 `yaml:"engagement" mapstructure:"engagement"`
	Freshness  float64 `yaml:"freshness" mapstructure:"freshness"`
}

// PriorityConfig configures provider ordering.
type PriorityConfig struct {
	Strategy           string             `yaml:"strategy" mapstructure:"strategy"`
	DefaultOrder       []string           `yaml:"default_order" mapstructure:"default_order"`
	WindowSize         int                `yaml:"window_size" mapstructure:"window_size"`
	MinSamples         int                `yaml:"min_samples" mapstructure:"min_samples"`
	DemotionWindowSecs int                `yaml:"demotion_window_secs" mapstructure:"demotion_window_secs"`
	LatencyReferenceMs int                `yaml:"latency_reference_ms" mapstructure:"latency_reference_ms"`
	SuccessWeight      float64            `yaml:"success_weight" mapstructure:"success_weight"`
	LatencyWeight      float64            `yaml:"latency_weight" mapstructure:"latency_weight"`
	BaseWeights        map[string]float64 `yaml:"base_weights" mapstructure:"base_weights"`
	RedisURL           string             `yaml:"redis_url" mapstructure:"redis_url"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures provider health alerting in serve mode.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	SuccessRateThreshold float64 `yaml:"success_rate_threshold" mapstructure:"success_rate_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Priority strategies accepted in priority.strategy.
var validStrategies = map[string]bool{
	"weighted":     true,
	"static":       true,
	"success_rate": true,
	"latency":      true,
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ROBUSTTY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.database_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.success_rate_threshold", 0.5)

	v.SetDefault("search.time_budget_ms", 2000)
	v.SetDefault("search.max_results", 10)
	v.SetDefault("search.max_concurrency", 4)
	v.SetDefault("search.provider_timeout_ms", 2000)
	v.SetDefault("search.chain_file", "")

	v.SetDefault("providers.youtube.enabled", true)
	v.SetDefault("providers.youtube.rate_per_sec", 5)
	v.SetDefault("providers.youtube.burst", 5)
	v.SetDefault("providers.youtube.base_url", "https://www.googleapis.com/youtube/v3")
	v.SetDefault("providers.youtube.secondary_urls", []string{"https://yewtu.be"})
	v.SetDefault("providers.youtube.api_key", "")
	v.SetDefault("providers.youtube.strategies", []string{"primary-api", "secondary-scrape", "cached-only"})

	v.SetDefault("providers.peertube.enabled", true)
	v.SetDefault("providers.peertube.rate_per_sec", 5)
	v.SetDefault("providers.peertube.burst", 5)
	v.SetDefault("providers.peertube.base_url", "https://sepiasearch.org")
	v.SetDefault("providers.peertube.secondary_urls", []string{"https://framatube.org", "https://tilvids.com"})
	v.SetDefault("providers.peertube.strategies", []string{"primary-api", "secondary-feed", "cached-only"})

	v.SetDefault("providers.odysee.enabled", true)
	v.SetDefault("providers.odysee.rate_per_sec", 5)
	v.SetDefault("providers.odysee.burst", 5)
	v.SetDefault("providers.odysee.base_url", "https://lighthouse.odysee.tv")
	v.SetDefault("providers.odysee.strategies", []string{"primary-api", "cached-only"})

	v.SetDefault("providers.rumble.enabled", true)
	v.SetDefault("providers.rumble.rate_per_sec", 2)
	v.SetDefault("providers.rumble.burst", 2)
	v.SetDefault("providers.rumble.base_url", "https://rumble.com")
	v.SetDefault("providers.rumble.strategies", []string{"secondary-scrape", "cached-only"})

	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.recovery_timeout_secs", 120)
	v.SetDefault("circuit.success_threshold", 2)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 250)
	v.SetDefault("retry.max_delay_ms", 4000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_factor", 0.2)

	v.SetDefault("cache.ttl_secs", 900)
	v.SetDefault("cache.stale_secs", 3600)
	v.SetDefault("cache.refresh_timeout_secs", 10)
	v.SetDefault("cache.janitor_interval_secs", 60)

	v.SetDefault("dedup.title_weight", 0.6)
	v.SetDefault("dedup.duration_weight", 0.25)
	v.SetDefault("dedup.channel_weight", 0.15)
	v.SetDefault("dedup.overall_threshold", 0.8)
	v.SetDefault("dedup.duration_tolerance_secs", 10)
	v.SetDefault("dedup.max_comparison_pairs", 5000)
	v.SetDefault("dedup.max_duplicates_per_group", 3)

	v.SetDefault("ranking.weights.platform", 0.15)
	v.SetDefault("ranking.weights.metadata", 0.15)
	v.SetDefault("ranking.weights.content", 0.30)
	v.SetDefault("ranking.weights.author", 0.15)
	v.SetDefault("ranking.weights.engagement", 0.15)
	v.SetDefault("ranking.weights.freshness", 0.10)
	v.SetDefault("ranking.platform_weights", map[string]float64{
		"youtube":  1.0,
		"odysee":   0.85,
		"peertube": 0.8,
		"rumble":   0.75,
	})
	v.SetDefault("ranking.freshness_half_life_days", 365)

	v.SetDefault("priority.strategy", "weighted")
	v.SetDefault("priority.default_order", []string{"youtube", "peertube", "odysee", "rumble"})
	v.SetDefault("priority.window_size", 50)
	v.SetDefault("priority.min_samples", 5)
	v.SetDefault("priority.demotion_window_secs", 60)
	v.SetDefault("priority.latency_reference_ms", 1000)
	v.SetDefault("priority.success_weight", 0.7)
	v.SetDefault("priority.latency_weight", 0.3)
	v.SetDefault("priority.base_weights", map[string]float64{
		"youtube":  1.0,
		"peertube": 0.9,
		"odysee":   0.9,
		"rumble":   0.8,
	})
	v.SetDefault("priority.redis_url", "")
}

// Validate checks the configuration for values the engine cannot run with.
// Mode is the command being run: "search", "serve", or "cache".
func (c *Config) Validate(mode string) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, eris.Errorf(format, args...).Error())
	}

	switch mode {
	case "search":
	case "serve":
		if c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
	case "cache":
		if strings.EqualFold(c.Store.Driver, "memory") {
			add("cache commands need a durable store.driver (sqlite or postgres)")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch strings.ToLower(c.Store.Driver) {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required for the postgres driver")
		}
	default:
		add("store.driver %q is not one of memory, sqlite, postgres", c.Store.Driver)
	}

	if c.Search.TimeBudgetMs <= 0 {
		add("search.time_budget_ms must be positive")
	}
	if c.Search.MaxResults <= 0 {
		add("search.max_results must be positive")
	}
	if c.Search.MaxConcurrency <= 0 {
		add("search.max_concurrency must be positive")
	}
	if c.Search.ProviderTimeoutMs <= 0 {
		add("search.provider_timeout_ms must be positive")
	}

	enabled := 0
	for id, p := range c.Providers.ByID() {
		if !p.Enabled {
			continue
		}
		enabled++
		if p.RatePerSec < 0 || p.Burst < 0 {
			add("providers.%s rate limits must not be negative", id)
		}
		if len(p.Strategies) == 0 {
			add("providers.%s.strategies must not be empty", id)
		}
	}
	if enabled == 0 {
		add("at least one provider must be enabled")
	}

	if c.Circuit.FailureThreshold < 3 || c.Circuit.FailureThreshold > 8 {
		add("circuit.failure_threshold %d must be within [3, 8]", c.Circuit.FailureThreshold)
	}
	if c.Circuit.RecoveryTimeoutSecs < 60 || c.Circuit.RecoveryTimeoutSecs > 180 {
		add("circuit.recovery_timeout_secs %d must be within [60, 180]", c.Circuit.RecoveryTimeoutSecs)
	}
	if c.Circuit.SuccessThreshold < 2 || c.Circuit.SuccessThreshold > 3 {
		add("circuit.success_threshold %d must be within [2, 3]", c.Circuit.SuccessThreshold)
	}
	if c.Retry.MaxAttempts <= 0 {
		add("retry.max_attempts must be positive")
	}
	if c.Retry.BaseDelayMs <= 0 || c.Retry.MaxDelayMs < c.Retry.BaseDelayMs {
		add("retry delays must satisfy 0 < base_delay_ms <= max_delay_ms")
	}
	if c.Retry.Multiplier < 1 {
		add("retry.multiplier must be at least 1")
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor > 1 {
		add("retry.jitter_factor must be within [0, 1]")
	}

	if c.Cache.TTLSecs <= 0 || c.Cache.StaleSecs < 0 {
		add("cache.ttl_secs must be positive and cache.stale_secs not negative")
	}

	if c.Dedup.OverallThreshold <= 0 || c.Dedup.OverallThreshold > 1 {
		add("dedup.overall_threshold must be within (0, 1]")
	}
	if c.Dedup.TitleWeight < 0 || c.Dedup.DurationWeight < 0 || c.Dedup.ChannelWeight < 0 ||
		c.Dedup.TitleWeight+c.Dedup.DurationWeight+c.Dedup.ChannelWeight <= 0 {
		add("dedup weights must be non-negative with a positive sum")
	}
	if c.Dedup.MaxDuplicatesPerGroup <= 0 {
		add("dedup.max_duplicates_per_group must be positive")
	}

	w := c.Ranking.Weights
	if w.Platform < 0 || w.Metadata < 0 || w.Content < 0 || w.Author < 0 || w.Engagement < 0 || w.Freshness < 0 {
		add("ranking weights must not be negative")
	}

	if !validStrategies[strings.ToLower(c.Priority.Strategy)] {
		add("priority.strategy %q is not one of weighted, static, success_rate, latency", c.Priority.Strategy)
	}
	if c.Priority.WindowSize <= 0 {
		add("priority.window_size must be positive")
	}
	if c.Priority.MinSamples < 0 || c.Priority.MinSamples > c.Priority.WindowSize {
		add("priority.min_samples must be within [0, window_size]")
	}

	if c.Monitoring.SuccessRateThreshold < 0 || c.Monitoring.SuccessRateThreshold > 1 {
		add("monitoring.success_rate_threshold must be within [0, 1]")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
