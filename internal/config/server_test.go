package config

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("subrelay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "none.yaml"))
	c, err := Load(newFlagSet(), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Port != 8080 || c.MetricsAddr != ":8080" {
		t.Fatalf("port %d metrics %q", c.Port, c.MetricsAddr)
	}
	if c.LivenessWindow != 5*time.Second || c.SweepInterval != time.Second {
		t.Fatalf("registry timing %v %v", c.LivenessWindow, c.SweepInterval)
	}
	if c.FindAttempts != 5 || c.FindInterval != time.Second || c.ResponseTimeout != 30*time.Second {
		t.Fatalf("find %d %v response %v", c.FindAttempts, c.FindInterval, c.ResponseTimeout)
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	yml := "port: 9000\nplayer_url: https://file.example/player\nliveness_window: 7s\nfind_attempts: 2\nlauncher: [xdg-open]\nsettings:\n  miningDestination: player\n"
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PLAYER_URL", "https://env.example/player")
	t.Setenv("FIND_ATTEMPTS", "3")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")

	c, err := Load(newFlagSet(), []string{"--find-attempts", "4"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Port != 9000 {
		t.Fatalf("port = %d; want file value", c.Port)
	}
	if c.MetricsAddr != ":9000" {
		t.Fatalf("metrics addr = %q; want port default", c.MetricsAddr)
	}
	if c.LivenessWindow != 7*time.Second {
		t.Fatalf("liveness = %v; want file value", c.LivenessWindow)
	}
	if c.PlayerURL != "https://env.example/player" {
		t.Fatalf("player url = %q; want env value", c.PlayerURL)
	}
	if c.FindAttempts != 4 {
		t.Fatalf("find attempts = %d; want flag value", c.FindAttempts)
	}
	if !reflect.DeepEqual(c.AllowedOrigins, []string{"https://a.example", "https://b.example"}) {
		t.Fatalf("origins = %v", c.AllowedOrigins)
	}
	if !reflect.DeepEqual(c.Launcher, []string{"xdg-open"}) {
		t.Fatalf("launcher = %v", c.Launcher)
	}
	if c.Settings["miningDestination"] != "player" {
		t.Fatalf("settings = %v", c.Settings)
	}
}

func TestLoadMissingFile(t *testing.T) {
	c, err := Load(newFlagSet(), []string{"--config=" + filepath.Join(t.TempDir(), "absent.yaml"), "--port", "8181", "--metrics-port", "9100"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Port != 8181 || c.MetricsAddr != ":9100" {
		t.Fatalf("port = %d metrics = %q", c.Port, c.MetricsAddr)
	}
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "soon")
	if _, err := Load(newFlagSet(), nil); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
}
