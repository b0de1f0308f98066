package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Settlement.MaxBatchSize != 100 {
		t.Fatalf("max batch size = %d, want default 100", cfg.Settlement.MaxBatchSize)
	}
}

func TestLoadYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
settlement:
  max_batch_size: 50
  cut_interval: 10s
  max_retries: 5
  base_delay: 2s
  max_delay: 20s
reconciliation:
  interval: 5s
  threshold: 0.001
risk:
  tiers:
    VIP:
      max_orders_per_min: 200
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Settlement.MaxBatchSize != 50 || cfg.Settlement.CutInterval != 10*time.Second {
		t.Fatalf("settlement = %+v", cfg.Settlement)
	}
	if cfg.Reconciliation.Interval != 5*time.Second || cfg.Reconciliation.Threshold != 0.001 {
		t.Fatalf("reconciliation = %+v", cfg.Reconciliation)
	}
	if cfg.Risk.Tiers["VIP"].MaxOrdersPerMin != 200 {
		t.Fatalf("tier override lost: %+v", cfg.Risk.Tiers)
	}
	// Untouched sections keep defaults.
	if cfg.Server.ListenAddr != ":8080" {
		t.Fatalf("listen addr = %q, want default", cfg.Server.ListenAddr)
	}
}

func TestValidateRejectsBadKnobs(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Settlement.MaxBatchSize = 0 },
		func(c *Config) { c.Settlement.MaxBatchSize = 101 },
		func(c *Config) { c.Reconciliation.Interval = 500 * time.Millisecond },
		func(c *Config) { c.Reconciliation.Threshold = 0 },
		func(c *Config) { c.Reconciliation.Threshold = 1.5 },
		func(c *Config) { c.Broadcast.SweepInterval = 0 },
		func(c *Config) { c.Risk.Tiers = map[string]TierLimitsConfig{"GOLD": {}} },
	}
	for i, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: invalid config accepted", i)
		}
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CLOB_LISTEN_ADDR", ":9999")
	t.Setenv("CLOB_VERIFYING_CONTRACT", "0x1111111111111111111111111111111111111111")

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9999" {
		t.Fatalf("listen addr = %q, want env override", cfg.Server.ListenAddr)
	}
	if cfg.Domain.VerifyingContract != "0x1111111111111111111111111111111111111111" {
		t.Fatalf("verifying contract = %q", cfg.Domain.VerifyingContract)
	}
}
