package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_History(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "h.toml")
	data := `
[history]
enabled = true
dsn = "clickhouse://localhost:9000?table=sentryd_history"
`
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.History == nil || !cfg.History.Enabled {
		t.Fatalf("unexpected history config: %#v", cfg.History)
	}
	if cfg.History.DSN == "" {
		t.Fatalf("missing DSN in history config: %#v", cfg.History)
	}
}
