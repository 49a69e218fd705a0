package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault_PassesValidation(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default rules invalid: %v", err)
	}
}

func TestLoad_OverlaysYAMLOnDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	rules := `
clients:
  acme:
    sla_hours: 24
    daily_capacity_hours: 4
    target_share: 0.4
scoring:
  weights:
    urgency: 0.5
outbox:
  max_retries: 3
`
	if err := os.WriteFile(path, []byte(rules), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Clients["acme"].SLAHours != 24 {
		t.Fatalf("acme sla = %v", cfg.Clients["acme"].SLAHours)
	}
	// Overlay keeps untouched defaults.
	if _, ok := cfg.Clients["unknown"]; !ok {
		t.Fatal("unknown fallback lost in overlay")
	}
	if cfg.Scoring.Weights.Urgency != 0.5 {
		t.Fatalf("urgency weight = %v", cfg.Scoring.Weights.Urgency)
	}
	if cfg.Outbox.MaxRetries != 3 {
		t.Fatalf("max retries = %d", cfg.Outbox.MaxRetries)
	}
	if cfg.Outbox.BatchSize != 10 {
		t.Fatalf("batch size = %d, want default preserved", cfg.Outbox.BatchSize)
	}
}

func TestValidate_RejectsBrokenRules(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"missing general type", func(c *Config) { delete(c.TaskTypes, "general") }},
		{"missing unknown client", func(c *Config) { delete(c.Clients, "unknown") }},
		{"zero effort default", func(c *Config) {
			tt := c.TaskTypes["bugfix"]
			tt.DefaultEffortHours = 0
			c.TaskTypes["bugfix"] = tt
		}},
		{"importance out of range", func(c *Config) {
			tt := c.TaskTypes["bugfix"]
			tt.DefaultImportance = 6
			c.TaskTypes["bugfix"] = tt
		}},
		{"negative weight", func(c *Config) { c.Scoring.Weights.SLA = -0.1 }},
		{"bad scoring mode", func(c *Config) { c.Scoring.Mode = "neural" }},
		{"wrong ensemble arity", func(c *Config) { c.Scoring.EnsembleWeights = []float64{1} }},
		{"retries out of range", func(c *Config) { c.Outbox.MaxRetries = 11 }},
		{"unknown signature scheme", func(c *Config) {
			c.Backends = []BackendConf{{Name: "x", SignatureScheme: "md5", SignatureHeader: "X-Sig"}}
		}},
		{"missing signature header", func(c *Config) {
			c.Backends = []BackendConf{{Name: "x", SignatureScheme: SchemeHMACSHA256Hex}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mut(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("broken rules passed validation")
			}
		})
	}
}

func TestBackendConf_SecretsComeFromEnv(t *testing.T) {
	t.Setenv("TEST_BE_TOKEN", "tok-123")
	t.Setenv("TEST_BE_WHSEC", "sec-456")
	b := BackendConf{TokenEnv: "TEST_BE_TOKEN", WebhookSecretEnv: "TEST_BE_WHSEC"}
	if b.Token() != "tok-123" || b.WebhookSecret() != "sec-456" {
		t.Fatalf("token=%q secret=%q", b.Token(), b.WebhookSecret())
	}
}

func TestTaskTypeOr_FallsBackToGeneral(t *testing.T) {
	cfg := Default()
	if got := cfg.TaskTypeOr("nonexistent"); got.DefaultEffortHours != cfg.TaskTypes["general"].DefaultEffortHours {
		t.Fatalf("fallback = %+v", got)
	}
}
