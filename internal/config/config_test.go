package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "blossom.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"routing":{"enabled":true}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected server address %q", cfg.Server.Address)
	}
	if cfg.Routing.MaxPerTxUSD != 1000 {
		t.Fatalf("unexpected ceiling %v", cfg.Routing.MaxPerTxUSD)
	}
	if cfg.Routing.SourceChain != "solana_devnet" {
		t.Fatalf("unexpected source chain %q", cfg.Routing.SourceChain)
	}
	if cfg.Policy.HighValueThresholdUSD != 10000 {
		t.Fatalf("unexpected threshold %v", cfg.Policy.HighValueThresholdUSD)
	}
	if cfg.Web3.ChainConfig != filepath.Join(filepath.Dir(path), "chain.yaml") {
		t.Fatalf("chain config should resolve relative to config dir, got %q", cfg.Web3.ChainConfig)
	}
	if cfg.Routing.ReceiptTimeout() != 20*time.Second {
		t.Fatalf("unexpected receipt timeout %v", cfg.Routing.ReceiptTimeout())
	}
	if cfg.Storage.Sessions.TTL() != 24*time.Hour {
		t.Fatalf("unexpected session ttl %v", cfg.Storage.Sessions.TTL())
	}
}

func TestLoadResolvesSecretsFromEnv(t *testing.T) {
	t.Setenv("BLOSSOM_TEST_DSN", "user:pass@tcp(localhost:3306)/blossom")
	path := writeConfig(t, `{"storage":{"ledger":{"driver":"mysql","dsn_env":"BLOSSOM_TEST_DSN"}}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Ledger.DSN != "user:pass@tcp(localhost:3306)/blossom" {
		t.Fatalf("dsn not resolved: %q", cfg.Storage.Ledger.DSN)
	}
}

func TestLoadRejectsInvalidDrivers(t *testing.T) {
	cases := map[string]string{
		"mysql without dsn":   `{"storage":{"ledger":{"driver":"mysql"}}}`,
		"unknown queue":       `{"queue":{"driver":"kafka"}}`,
		"redis without addr":  `{"storage":{"sessions":{"driver":"redis"}}}`,
		"unknown ledger type": `{"storage":{"ledger":{"driver":"sqlite"}}}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
