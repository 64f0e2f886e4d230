package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"storyline/internal/config"
)

func TestFromYAMLValid(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
capabilities:
  agent:
    provider: cli
    settings:
      binary: opencode
  scm:
    provider: github
    health_interval_seconds: 60
engine:
  reuse_unchanged: true
  branch_prefix: feat
server:
  addr: :9090
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Capabilities["agent"].Provider != "cli" {
		t.Fatalf("agent provider = %q, want cli", cfg.Capabilities["agent"].Provider)
	}
	if cfg.Capabilities["agent"].Settings["binary"] != "opencode" {
		t.Fatalf("agent settings = %v", cfg.Capabilities["agent"].Settings)
	}
	if cfg.Capabilities["scm"].HealthIntervalSeconds != 60 {
		t.Fatalf("scm interval = %d, want 60", cfg.Capabilities["scm"].HealthIntervalSeconds)
	}
	if !cfg.Engine.ReuseUnchanged || cfg.Engine.BranchPrefix != "feat" {
		t.Fatalf("engine = %+v", cfg.Engine)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("addr = %q, want :9090", cfg.Server.Addr)
	}
}

func TestValidateRejectsUnknownCapability(t *testing.T) {
	_, err := config.FromYAML([]byte(`
capabilities:
  telemetry:
    provider: x
`))
	if err == nil || !strings.Contains(err.Error(), "unknown capability") {
		t.Fatalf("err = %v, want unknown capability", err)
	}
}

func TestValidateRequiresProvider(t *testing.T) {
	_, err := config.FromYAML([]byte(`
capabilities:
  agent:
    settings:
      binary: opencode
`))
	if err == nil || !strings.Contains(err.Error(), "provider is required") {
		t.Fatalf("err = %v, want provider required", err)
	}
}

func TestValidateRejectsNegativeInterval(t *testing.T) {
	_, err := config.FromYAML([]byte(`
capabilities:
  agent:
    provider: cli
    health_interval_seconds: -1
`))
	if err == nil || !strings.Contains(err.Error(), "health_interval_seconds") {
		t.Fatalf("err = %v, want interval error", err)
	}
}

func TestValidateDefaultsBranchPrefix(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`capabilities: {}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Engine.BranchPrefix != "sl" {
		t.Fatalf("branch prefix = %q, want sl", cfg.Engine.BranchPrefix)
	}
}

func TestDefaultBindings(t *testing.T) {
	cfg := config.Default()
	if cfg.Capabilities["agent"].Provider != "cli" {
		t.Fatalf("agent provider = %q, want cli", cfg.Capabilities["agent"].Provider)
	}
	if cfg.Capabilities["scm"].Provider != "github" {
		t.Fatalf("scm provider = %q, want github", cfg.Capabilities["scm"].Provider)
	}
	if cfg.Capabilities["ci"].Settings["workflow"] != "ci.yml" {
		t.Fatalf("ci settings = %v", cfg.Capabilities["ci"].Settings)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("addr = %q, want :8080", cfg.Server.Addr)
	}
	// The shipped template must itself be valid.
	if _, err := config.FromYAML([]byte(config.GenerateDefault())); err != nil {
		t.Fatalf("default template invalid: %v", err)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Capabilities["agent"].Provider != "cli" {
		t.Fatal("missing file should yield the default config")
	}

	if err := os.WriteFile(config.Path(dir), []byte("capabilities:\n  agent:\n    provider: custom\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err = config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Capabilities["agent"].Provider != "custom" {
		t.Fatalf("agent provider = %q, want custom from file", cfg.Capabilities["agent"].Provider)
	}
}

func TestPath(t *testing.T) {
	if got := config.Path("/tmp/ws"); got != filepath.Join("/tmp/ws", "storyline.yml") {
		t.Fatalf("path = %q", got)
	}
	if got := config.Path(""); got != filepath.Join(".", "storyline.yml") {
		t.Fatalf("path = %q", got)
	}
}
