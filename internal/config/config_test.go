package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
	assert.InDelta(t, 0.5, cfg.Monitoring.SuccessRateThreshold, 0.001)
	assert.Empty(t, cfg.Monitoring.WebhookURL)

	assert.Equal(t, 2000, cfg.Search.TimeBudgetMs)
	assert.Equal(t, 2*time.Second, cfg.Search.TimeBudget())
	assert.Equal(t, 10, cfg.Search.MaxResults)
	assert.Equal(t, 4, cfg.Search.MaxConcurrency)
	assert.Equal(t, 2*time.Second, cfg.Search.ProviderTimeout())

	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, 120, cfg.Circuit.RecoveryTimeoutSecs)
	assert.Equal(t, 2, cfg.Circuit.SuccessThreshold)

	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250, cfg.Retry.BaseDelayMs)
	assert.Equal(t, 4000, cfg.Retry.MaxDelayMs)
	assert.InDelta(t, 2.0, cfg.Retry.Multiplier, 0.001)
	assert.InDelta(t, 0.2, cfg.Retry.JitterFactor, 0.001)

	assert.Equal(t, 900, cfg.Cache.TTLSecs)
	assert.Equal(t, 3600, cfg.Cache.StaleSecs)

	assert.InDelta(t, 0.6, cfg.Dedup.TitleWeight, 0.001)
	assert.InDelta(t, 0.25, cfg.Dedup.DurationWeight, 0.001)
	assert.InDelta(t, 0.15, cfg.Dedup.ChannelWeight, 0.001)
	assert.InDelta(t, 0.8, cfg.Dedup.OverallThreshold, 0.001)
	assert.Equal(t, 10, cfg.Dedup.DurationToleranceSecs)
	assert.Equal(t, 5000, cfg.Dedup.MaxComparisonPairs)
	assert.Equal(t, 3, cfg.Dedup.MaxDuplicatesPerGroup)

	assert.InDelta(t, 0.30, cfg.Ranking.Weights.Content, 0.001)
	assert.InDelta(t, 1.0, cfg.Ranking.PlatformWeights["youtube"], 0.001)
	assert.InDelta(t, 365, cfg.Ranking.FreshnessHalfLifeDays, 0.001)

	assert.Equal(t, "weighted", cfg.Priority.Strategy)
	assert.Equal(t, []string{"youtube", "peertube", "odysee", "rumble"}, cfg.Priority.DefaultOrder)
	assert.Equal(t, 50, cfg.Priority.WindowSize)
	assert.Equal(t, 5, cfg.Priority.MinSamples)
	assert.InDelta(t, 0.7, cfg.Priority.SuccessWeight, 0.001)

	assert.True(t, cfg.Providers.YouTube.Enabled)
	assert.Equal(t, "https://www.googleapis.com/youtube/v3", cfg.Providers.YouTube.BaseURL)
	assert.Equal(t, []string{"primary-api", "secondary-scrape", "cached-only"}, cfg.Providers.YouTube.Strategies)
	assert.Equal(t, []string{"https://framatube.org", "https://tilvids.com"}, cfg.Providers.PeerTube.SecondaryURLs)
	assert.Equal(t, []string{"secondary-scrape", "cached-only"}, cfg.Providers.Rumble.Strategies)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
  format: console
server:
  port: 9090
search:
  max_results: 25
providers:
  rumble:
    enabled: false
  youtube:
    api_key: yt-key
dedup:
  overall_threshold: 0.9
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 25, cfg.Search.MaxResults)
	assert.False(t, cfg.Providers.Rumble.Enabled)
	assert.Equal(t, "yt-key", cfg.Providers.YouTube.APIKey)
	assert.InDelta(t, 0.9, cfg.Dedup.OverallThreshold, 0.001)
	// Defaults still apply for unset values
	assert.Equal(t, 4, cfg.Search.MaxConcurrency)
	assert.Equal(t, "https://rumble.com", cfg.Providers.Rumble.BaseURL)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("ROBUSTTY_STORE_DRIVER", "postgres")
	t.Setenv("ROBUSTTY_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("ROBUSTTY_SERVER_PORT", "3000")
	t.Setenv("ROBUSTTY_PROVIDERS_YOUTUBE_API_KEY", "env-key")
	t.Setenv("ROBUSTTY_CIRCUIT_FAILURE_THRESHOLD", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "env-key", cfg.Providers.YouTube.APIKey)
	assert.Equal(t, 3, cfg.Circuit.FailureThreshold)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("search: [unclosed"), 0644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestProvidersByID(t *testing.T) {
	chdirTemp(t)
	cfg, err := Load()
	require.NoError(t, err)

	byID := cfg.Providers.ByID()
	assert.Len(t, byID, 4)
	assert.Equal(t, cfg.Providers.Odysee, byID["odysee"])
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns the loaded defaults for validation tests.
func validDefaults(t *testing.T) *Config {
	t.Helper()
	chdirTemp(t)
	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func TestValidateDefaults(t *testing.T) {
	cfg := validDefaults(t)
	assert.NoError(t, cfg.Validate("search"))
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults(t)
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
	assert.NoError(t, cfg.Validate("search"))
}

func TestValidateCache_NeedsDurableStore(t *testing.T) {
	cfg := validDefaults(t)
	err := cfg.Validate("cache")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "durable store.driver")

	cfg.Store.Driver = "sqlite"
	assert.NoError(t, cfg.Validate("cache"))
}

func TestValidatePostgresNeedsURL(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Store.Driver = "postgres"

	err := cfg.Validate("search")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/robustty"
	assert.NoError(t, cfg.Validate("search"))
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Store.Driver = "mongo"
	cfg.Dedup.OverallThreshold = 1.5
	cfg.Priority.Strategy = "random"
	cfg.Retry.JitterFactor = 2
	cfg.Monitoring.SuccessRateThreshold = -1

	err := cfg.Validate("search")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `store.driver "mongo"`)
	assert.Contains(t, err.Error(), "dedup.overall_threshold")
	assert.Contains(t, err.Error(), `priority.strategy "random"`)
	assert.Contains(t, err.Error(), "retry.jitter_factor")
	assert.Contains(t, err.Error(), "monitoring.success_rate_threshold")
}

func TestValidateNoProvidersEnabled(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Providers.YouTube.Enabled = false
	cfg.Providers.PeerTube.Enabled = false
	cfg.Providers.Odysee.Enabled = false
	cfg.Providers.Rumble.Enabled = false

	err := cfg.Validate("search")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "at least one provider must be enabled")
}

func TestValidateDedupWeights(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Dedup.TitleWeight = 0
	cfg.Dedup.DurationWeight = 0
	cfg.Dedup.ChannelWeight = 0

	err := cfg.Validate("search")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "dedup weights")
}

func TestValidateMinSamplesWithinWindow(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Priority.MinSamples = cfg.Priority.WindowSize + 1

	err := cfg.Validate("search")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "priority.min_samples")
}

func TestValidateCircuitRanges(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Circuit.FailureThreshold = 3
	cfg.Circuit.RecoveryTimeoutSecs = 180
	cfg.Circuit.SuccessThreshold = 3
	assert.NoError(t, cfg.Validate("search"))

	cfg.Circuit.FailureThreshold = 9
	cfg.Circuit.RecoveryTimeoutSecs = 30
	cfg.Circuit.SuccessThreshold = 1

	err := cfg.Validate("search")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit.failure_threshold 9 must be within [3, 8]")
	assert.Contains(t, err.Error(), "circuit.recovery_timeout_secs 30 must be within [60, 180]")
	assert.Contains(t, err.Error(), "circuit.success_threshold 1 must be within [2, 3]")
}
