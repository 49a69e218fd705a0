// Package config loads the read-only rules that drive triage, scoring,
// planning, and delivery. Rules come from a YAML file overlaid on built-in
// defaults; secrets (database URL, backend tokens, webhook secrets) come
// from the environment. Config is immutable for the process lifetime.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TaskType holds per-type defaults and classification keywords.
type TaskType struct {
	DefaultEffortHours float64  `yaml:"default_effort_hours"`
	DefaultImportance  int      `yaml:"default_importance"`
	Labels             []string `yaml:"labels"`
	ChecklistTemplate  []string `yaml:"checklist_template"`
	SubtasksTemplate   []string `yaml:"subtasks_template"`
	ClassifyKeywords   []string `yaml:"classify_keywords"`
}

// Client holds per-client SLA and planning knobs.
type Client struct {
	SLAHours             float64 `yaml:"sla_hours"`
	DailyCapacityHours   float64 `yaml:"daily_capacity_hours"`
	ImportanceBias       float64 `yaml:"importance_bias"`
	TargetShare          float64 `yaml:"target_share"`
	UrgencyThreshold     float64 `yaml:"urgency_threshold"`     // ensemble input only
	ComplexityPreference string  `yaml:"complexity_preference"` // ensemble input only
}

// Weights are the baseline scoring factor weights.
type Weights struct {
	Urgency    float64 `yaml:"urgency"`
	Importance float64 `yaml:"importance"`
	Effort     float64 `yaml:"effort"`
	Freshness  float64 `yaml:"freshness"`
	SLA        float64 `yaml:"sla"`
	Progress   float64 `yaml:"progress"`
}

// Scoring configures the scoring pipeline.
type Scoring struct {
	Weights             Weights   `yaml:"weights"`
	UrgencyHorizonHours float64   `yaml:"urgency_horizon_hours"`
	EffortCapHours      float64   `yaml:"effort_cap_hours"`
	FreshnessTauHours   float64   `yaml:"freshness_tau_hours"`
	Mode                string    `yaml:"mode"` // "baseline" | "ensemble"
	EnsembleWeights     []float64 `yaml:"ensemble_weights"`
}

// Outbox configures the delivery engine.
type Outbox struct {
	BatchSize           int     `yaml:"batch_size"`
	MaxRetries          int     `yaml:"max_retries"`
	BackoffBaseMs       int     `yaml:"backoff_base_ms"`
	BackoffCapMs        int     `yaml:"backoff_cap_ms"`
	Jitter              float64 `yaml:"jitter"`
	InflightLeaseSecs   int     `yaml:"inflight_lease_seconds"`
	CleanupRetainDays   int     `yaml:"cleanup_retain_days"`
	RequestTimeoutSecs  int     `yaml:"request_timeout_seconds"`
	ListTimeoutSecs     int     `yaml:"list_timeout_seconds"`
}

// Scheduler configures periodic job cadences.
type Scheduler struct {
	OutboxTickMs        int     `yaml:"outbox_tick_ms"`
	RescoreIntervalSecs int     `yaml:"rescore_interval_s"`
	StaleThresholdHours float64 `yaml:"stale_threshold_hours"`
	NudgeIntervalSecs   int     `yaml:"nudge_interval_s"`
	AgingBoostPerDay    float64 `yaml:"aging_boost_per_day"`
	RebalanceCron       string  `yaml:"rebalance_cron"` // empty disables the scheduled run
	RebalanceHours      float64 `yaml:"rebalance_hours"`
	LedgerTTLDays       int     `yaml:"ledger_ttl_days"`
	Workers             int     `yaml:"workers"`
}

// Advisor configures the optional remote refinement service.
type Advisor struct {
	Enabled         bool   `yaml:"enabled"`
	URL             string `yaml:"url"`
	TimeoutMs       int    `yaml:"timeout_ms"`
	BreakerFailures int    `yaml:"breaker_failures"`
	BreakerCooldown int    `yaml:"breaker_cooldown_s"`
}

// SignatureScheme names a webhook signature algorithm.
type SignatureScheme string

const (
	SchemeHMACSHA256Hex    SignatureScheme = "hmac-sha256-hex"
	SchemeHMACSHA1Hex      SignatureScheme = "hmac-sha1-hex"
	SchemeHMACSHA256Base64 SignatureScheme = "hmac-sha256-base64"
)

// BackendConf describes one third-party backend. Token and webhook secret
// are read from the environment variables named here, never from YAML.
type BackendConf struct {
	Name             string          `yaml:"name"`
	BaseURL          string          `yaml:"base_url"`
	TokenEnv         string          `yaml:"token_env"`
	WebhookSecretEnv string          `yaml:"webhook_secret_env"`
	SignatureScheme  SignatureScheme `yaml:"signature_scheme"`
	SignatureHeader  string          `yaml:"signature_header"`
	DeliveryIDFields []string        `yaml:"delivery_id_fields"`
	ExternalIDFields []string        `yaml:"external_id_fields"`
	RatePerSec       float64         `yaml:"rate_per_sec"`
	Burst            int             `yaml:"burst"`
}

// Token resolves the backend API token from the environment.
func (b BackendConf) Token() string { return os.Getenv(b.TokenEnv) }

// WebhookSecret resolves the webhook secret from the environment.
func (b BackendConf) WebhookSecret() string { return os.Getenv(b.WebhookSecretEnv) }

// Config is the full rule set.
type Config struct {
	TaskTypes map[string]TaskType `yaml:"task_types"`
	Clients   map[string]Client   `yaml:"clients"`
	Scoring   Scoring             `yaml:"scoring"`
	Outbox    Outbox              `yaml:"outbox"`
	Scheduler Scheduler           `yaml:"scheduler"`
	Advisor   Advisor             `yaml:"advisor"`
	Backends  []BackendConf       `yaml:"backends"`

	// ListenAddr is the HTTP bind address; DatabaseURL/RedisURL select the
	// store and ledger. All three may be overridden by env in cmd.
	ListenAddr  string `yaml:"listen_addr"`
	DatabaseURL string `yaml:"-"`
	RedisURL    string `yaml:"-"`
}

// TaskTypeOr returns the config for name, falling back to general.
func (c *Config) TaskTypeOr(name string) TaskType {
	if tt, ok := c.TaskTypes[name]; ok {
		return tt
	}
	return c.TaskTypes["general"]
}

// ClientOr returns the config for name, falling back to unknown.
func (c *Config) ClientOr(name string) Client {
	if cc, ok := c.Clients[name]; ok {
		return cc
	}
	return c.Clients["unknown"]
}

// BackendConfFor returns the backend config by name.
func (c *Config) BackendConfFor(name string) (BackendConf, bool) {
	for _, b := range c.Backends {
		if b.Name == name {
			return b, true
		}
	}
	return BackendConf{}, false
}

// RequestTimeout returns the per-call timeout for mutating backend calls.
func (o Outbox) RequestTimeout() time.Duration {
	return time.Duration(o.RequestTimeoutSecs) * time.Second
}

// ListTimeout returns the timeout for backend list calls, which page
// through larger responses than a single mutation.
func (o Outbox) ListTimeout() time.Duration {
	return time.Duration(o.ListTimeoutSecs) * time.Second
}

// InflightLease returns how long a row may sit inflight before reclaim.
func (o Outbox) InflightLease() time.Duration {
	return time.Duration(o.InflightLeaseSecs) * time.Second
}

// Default returns the built-in rules. The keyword tables and type defaults
// mirror the shipped rule set; deployments overlay a YAML file on top.
func Default() *Config {
	return &Config{
		TaskTypes: map[string]TaskType{
			"bugfix": {
				DefaultEffortHours: 2,
				DefaultImportance:  4,
				Labels:             []string{"bug"},
				ChecklistTemplate:  []string{"Reproduce the issue", "Identify root cause", "Write regression test", "Fix and verify for {client}"},
				SubtasksTemplate:   []string{"Investigate {title}", "Implement fix", "Verify in staging"},
				ClassifyKeywords:   []string{"fix", "error", "fail", "bug", "500", "broken", "crash"},
			},
			"report": {
				DefaultEffortHours: 3,
				DefaultImportance:  3,
				Labels:             []string{"reporting"},
				ChecklistTemplate:  []string{"Confirm metrics with {client}", "Pull data", "Draft report", "Review numbers"},
				SubtasksTemplate:   []string{"Gather data for {title}", "Build report"},
				ClassifyKeywords:   []string{"report", "analysis", "dashboard", "metrics", "data"},
			},
			"onboarding": {
				DefaultEffortHours: 4,
				DefaultImportance:  3,
				Labels:             []string{"onboarding"},
				ChecklistTemplate:  []string{"Collect access requirements from {client}", "Provision accounts", "Confirm access"},
				SubtasksTemplate:   []string{"Set up environment for {client}", "Walk through {title}"},
				ClassifyKeywords:   []string{"setup", "onboard", "access", "provision", "install", "configure"},
			},
			"general": {
				DefaultEffortHours: 2,
				DefaultImportance:  3,
				Labels:             nil,
				ChecklistTemplate:  []string{"Clarify scope with {client}", "Do the work", "Confirm done"},
				SubtasksTemplate:   nil,
				ClassifyKeywords:   nil,
			},
		},
		Clients: map[string]Client{
			"unknown": {
				SLAHours:           72,
				DailyCapacityHours: 2,
				ImportanceBias:     1.0,
				TargetShare:        0.2,
				UrgencyThreshold:   0.5,
			},
		},
		Scoring: Scoring{
			Weights: Weights{
				Urgency:    0.30,
				Importance: 0.25,
				Effort:     0.15,
				Freshness:  0.10,
				SLA:        0.15,
				Progress:   0.05,
			},
			UrgencyHorizonHours: 336,
			EffortCapHours:      8,
			FreshnessTauHours:   72,
			Mode:                "baseline",
			EnsembleWeights:     []float64{0.40, 0.35, 0.25},
		},
		Outbox: Outbox{
			BatchSize:          10,
			MaxRetries:         5,
			BackoffBaseMs:      1000,
			BackoffCapMs:       60000,
			Jitter:             0.2,
			InflightLeaseSecs:  60,
			CleanupRetainDays:  7,
			RequestTimeoutSecs: 30,
			ListTimeoutSecs:    60,
		},
		Scheduler: Scheduler{
			OutboxTickMs:        2000,
			RescoreIntervalSecs: 300,
			StaleThresholdHours: 72,
			NudgeIntervalSecs:   3600,
			AgingBoostPerDay:    2,
			RebalanceHours:      5,
			LedgerTTLDays:       30,
			Workers:             2,
		},
		Advisor: Advisor{
			Enabled:         false,
			TimeoutMs:       20000,
			BreakerFailures: 5,
			BreakerCooldown: 60,
		},
		ListenAddr: ":8080",
	}
}

// Load reads a YAML rules file overlaid on Default. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read rules: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse rules: %w", err)
		}
	}
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.RedisURL = os.Getenv("REDIS_URL")
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects rule sets that would break scoring or delivery
// invariants before the process starts serving.
func (c *Config) Validate() error {
	if _, ok := c.TaskTypes["general"]; !ok {
		return fmt.Errorf("task_types must include the general fallback")
	}
	if _, ok := c.Clients["unknown"]; !ok {
		return fmt.Errorf("clients must include the unknown fallback")
	}
	for name, tt := range c.TaskTypes {
		if tt.DefaultEffortHours <= 0 {
			return fmt.Errorf("task type %q: default_effort_hours must be > 0", name)
		}
		if tt.DefaultImportance < 1 || tt.DefaultImportance > 5 {
			return fmt.Errorf("task type %q: default_importance must be in [1,5]", name)
		}
	}
	for name, cl := range c.Clients {
		if cl.SLAHours <= 0 {
			return fmt.Errorf("client %q: sla_hours must be > 0", name)
		}
		if cl.DailyCapacityHours < 0 {
			return fmt.Errorf("client %q: daily_capacity_hours must be >= 0", name)
		}
	}
	w := c.Scoring.Weights
	for _, v := range []float64{w.Urgency, w.Importance, w.Effort, w.Freshness, w.SLA, w.Progress} {
		if v < 0 {
			return fmt.Errorf("scoring weights must be non-negative")
		}
	}
	if c.Scoring.Mode != "baseline" && c.Scoring.Mode != "ensemble" {
		return fmt.Errorf("scoring.mode must be baseline or ensemble, got %q", c.Scoring.Mode)
	}
	if len(c.Scoring.EnsembleWeights) != 3 {
		return fmt.Errorf("scoring.ensemble_weights must have exactly 3 entries")
	}
	if c.Outbox.MaxRetries < 1 || c.Outbox.MaxRetries > 10 {
		return fmt.Errorf("outbox.max_retries must be in [1,10]")
	}
	if c.Outbox.BatchSize < 1 {
		return fmt.Errorf("outbox.batch_size must be >= 1")
	}
	for _, b := range c.Backends {
		switch b.SignatureScheme {
		case SchemeHMACSHA256Hex, SchemeHMACSHA1Hex, SchemeHMACSHA256Base64:
		default:
			return fmt.Errorf("backend %q: unknown signature scheme %q", b.Name, b.SignatureScheme)
		}
		if b.SignatureHeader == "" {
			return fmt.Errorf("backend %q: signature_header is required", b.Name)
		}
	}
	return nil
}
