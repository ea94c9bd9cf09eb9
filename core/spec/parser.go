package spec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"run-reporter/core/models"

	"gopkg.in/yaml.v3"
)

// FingerprintLength is the number of hex characters kept from the config hash
const FingerprintLength = 6

// RunConfig represents the YAML collection configuration a run was started with
type RunConfig struct {
	Snapshot       SnapshotConfig       `yaml:"snapshot"`
	Search         SearchConfig         `yaml:"search"`
	VolumeStrategy VolumeStrategyConfig `yaml:"volume_strategy"`
	Collection     CollectionConfig     `yaml:"collection"`
	Privacy        PrivacyConfig        `yaml:"privacy"`
}

// SnapshotConfig fixes the reference instant the collected data describes
type SnapshotConfig struct {
	Timezone           string `yaml:"timezone"`
	ReferenceTime      string `yaml:"reference_time"` // start | manual
	ManualSnapshotTime string `yaml:"manual_snapshot_time,omitempty"`
}

// SearchConfig represents the data sources of the run
type SearchConfig struct {
	Keywords              []string        `yaml:"keywords"`
	MaxArticlesPerKeyword int             `yaml:"max_articles_per_keyword"`
	DateRange             DateRangeConfig `yaml:"date_range"`
	Sort                  string          `yaml:"sort"`
}

// DateRangeConfig bounds the publication dates searched
type DateRangeConfig struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// VolumeStrategyConfig sets the collection targets used for tier grading
type VolumeStrategyConfig struct {
	TargetComments        int `yaml:"target_comments"`
	MinAcceptableComments int `yaml:"min_acceptable_comments"`
	MaxTotalArticles      int `yaml:"max_total_articles"`
}

// CollectionConfig represents the traffic shape and resilience policy
type CollectionConfig struct {
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Retry        RetryConfig        `yaml:"retry"`
	Timeout      TimeoutConfig      `yaml:"timeout"`
	AutoThrottle AutoThrottleConfig `yaml:"auto_throttle"`
}

// RateLimitConfig bounds the delay between requests, in seconds
type RateLimitConfig struct {
	MinDelay      float64 `yaml:"min_delay"`
	MaxDelay      float64 `yaml:"max_delay"`
	MaxConcurrent int     `yaml:"max_concurrent"`
}

// RetryConfig controls retries of transient failures
type RetryConfig struct {
	MaxAttempts   int      `yaml:"max_attempts"`
	BackoffFactor float64  `yaml:"backoff_factor"`
	On            []string `yaml:"on"` // e.g. ["429", "5xx"]
}

// TimeoutConfig holds connect/read timeouts in seconds
type TimeoutConfig struct {
	Connect float64 `yaml:"connect"`
	Read    float64 `yaml:"read"`
}

// AutoThrottleConfig controls delay adjustment on 429 bursts
type AutoThrottleConfig struct {
	Window            int     `yaml:"window"`
	Ratio429Threshold float64 `yaml:"ratio_429_threshold"`
	MinDelayStepUp    float64 `yaml:"min_delay_step_up"`
	StopOn403         bool    `yaml:"stop_on_403"`
}

// PrivacyConfig controls whether author identifiers are stored raw
type PrivacyConfig struct {
	AllowPII      bool   `yaml:"allow_pii"`
	HashAlgorithm string `yaml:"hash_algorithm"`
	Mode          string `yaml:"mode"` // ephemeral | longitudinal
}

// ParseRunConfig parses a YAML run configuration, fills defaults and validates it
func ParseRunConfig(configYAML string) (*RunConfig, error) {
	var cfg RunConfig
	if err := yaml.Unmarshal([]byte(configYAML), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *RunConfig) applyDefaults() {
	if c.Snapshot.Timezone == "" {
		c.Snapshot.Timezone = "Asia/Seoul"
	}
	if c.Snapshot.ReferenceTime == "" {
		c.Snapshot.ReferenceTime = "start"
	}
	if c.Search.MaxArticlesPerKeyword == 0 {
		c.Search.MaxArticlesPerKeyword = 300
	}
	if c.Search.Sort == "" {
		c.Search.Sort = "rel"
	}
	if c.VolumeStrategy.TargetComments == 0 {
		c.VolumeStrategy.TargetComments = 50000
	}
	if c.VolumeStrategy.MinAcceptableComments == 0 {
		c.VolumeStrategy.MinAcceptableComments = 30000
	}
	if c.VolumeStrategy.MaxTotalArticles == 0 {
		c.VolumeStrategy.MaxTotalArticles = 2000
	}

	rl := &c.Collection.RateLimit
	if rl.MinDelay == 0 {
		rl.MinDelay = 1.0
	}
	if rl.MaxDelay == 0 {
		rl.MaxDelay = 3.0
	}
	if rl.MaxConcurrent == 0 {
		rl.MaxConcurrent = 1
	}

	retry := &c.Collection.Retry
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = 3
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = 2.0
	}
	if len(retry.On) == 0 {
		retry.On = []string{"429", "5xx"}
	}

	if c.Collection.Timeout.Connect == 0 {
		c.Collection.Timeout.Connect = 10
	}
	if c.Collection.Timeout.Read == 0 {
		c.Collection.Timeout.Read = 30
	}

	at := &c.Collection.AutoThrottle
	if at.Window == 0 {
		at.Window = 50
	}
	if at.Ratio429Threshold == 0 {
		at.Ratio429Threshold = 0.05
	}
	if at.MinDelayStepUp == 0 {
		at.MinDelayStepUp = 0.5
	}

	if c.Privacy.HashAlgorithm == "" {
		c.Privacy.HashAlgorithm = "sha256"
	}
	if c.Privacy.Mode == "" {
		c.Privacy.Mode = "ephemeral"
	}
}

func (c *RunConfig) validate() error {
	if len(c.Search.Keywords) == 0 {
		return fmt.Errorf("search.keywords must not be empty")
	}
	if _, err := time.LoadLocation(c.Snapshot.Timezone); err != nil {
		return fmt.Errorf("invalid snapshot.timezone: %w", err)
	}
	switch c.Snapshot.ReferenceTime {
	case "start":
	case "manual":
		if _, err := time.Parse(time.RFC3339, c.Snapshot.ManualSnapshotTime); err != nil {
			return fmt.Errorf("invalid snapshot.manual_snapshot_time: %w", err)
		}
	default:
		return fmt.Errorf("snapshot.reference_time must be start or manual, got %q", c.Snapshot.ReferenceTime)
	}
	if c.Collection.RateLimit.MinDelay > c.Collection.RateLimit.MaxDelay {
		return fmt.Errorf("collection.rate_limit.min_delay exceeds max_delay")
	}
	if c.Privacy.Mode != "ephemeral" && c.Privacy.Mode != "longitudinal" {
		return fmt.Errorf("unsupported privacy.mode %q", c.Privacy.Mode)
	}
	return nil
}

// Location returns the snapshot timezone
func (c *RunConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Snapshot.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SnapshotAt returns the instant the run's data describes
func (c *RunConfig) SnapshotAt(startedAt time.Time) time.Time {
	if c.Snapshot.ReferenceTime == "manual" {
		if t, err := time.Parse(time.RFC3339, c.Snapshot.ManualSnapshotTime); err == nil {
			return t.In(c.Location())
		}
	}
	return startedAt.In(c.Location())
}

// Fingerprint hashes the effective configuration, defaults included.
// Two runs with equal fingerprints were started with the same settings.
func (c *RunConfig) Fingerprint() (string, error) {
	canonical, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:FingerprintLength], nil
}

// Entries renders the configuration snapshot shown next to a run
func (c *RunConfig) Entries(startedAt time.Time) []models.ConfigEntry {
	entries := []models.ConfigEntry{
		{Label: "Keywords", Value: strings.Join(c.Search.Keywords, ", ")},
	}
	if c.Search.DateRange.Start != "" || c.Search.DateRange.End != "" {
		entries = append(entries, models.ConfigEntry{
			Label: "Date Range",
			Value: fmt.Sprintf("%s ~ %s", c.Search.DateRange.Start, c.Search.DateRange.End),
		})
	}

	rl := c.Collection.RateLimit
	retry := c.Collection.Retry
	backoff := "fixed"
	if retry.BackoffFactor > 1 {
		backoff = "exponential"
	}
	at := c.Collection.AutoThrottle

	pii := "Hashed (allow_pii=false)"
	if c.Privacy.AllowPII {
		pii = "Raw (allow_pii=true)"
	}

	entries = append(entries,
		models.ConfigEntry{Label: "Snapshot", Value: c.SnapshotAt(startedAt).Format(time.RFC3339)},
		models.ConfigEntry{Label: "Rate Limit", Value: fmt.Sprintf("min %ss / max %ss", formatSeconds(rl.MinDelay), formatSeconds(rl.MaxDelay))},
		models.ConfigEntry{Label: "Retry", Value: fmt.Sprintf("%s x%d %s", strings.Join(retry.On, "/"), retry.MaxAttempts, backoff)},
		models.ConfigEntry{Label: "Auto-Throttle", Value: fmt.Sprintf("Window %d, %s%% threshold", at.Window, formatSeconds(at.Ratio429Threshold*100))},
		models.ConfigEntry{Label: "PII", Value: pii},
	)
	return entries
}

// formatSeconds drops a trailing ".0" so 1.0 renders as "1" and 1.5 as "1.5"
func formatSeconds(v float64) string {
	return strings.TrimSuffix(fmt.Sprintf("%.1f", v), ".0")
}
