package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("PETPHRASE_HOME", tmpDir)

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HomeDir != tmpDir {
		t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, tmpDir)
	}
	if cfg.Pool.MinSize != 5 || cfg.Pool.MaxSize != 10 {
		t.Errorf("Pool = %d..%d, want 5..10", cfg.Pool.MinSize, cfg.Pool.MaxSize)
	}
	if cfg.Pool.AcquireTimeout.Duration != 3*time.Second {
		t.Errorf("Pool.AcquireTimeout = %v, want 3s", cfg.Pool.AcquireTimeout)
	}
	if cfg.Archive.Driver != "sqlite3" {
		t.Errorf("Archive.Driver = %q, want sqlite3", cfg.Archive.Driver)
	}
	if want := filepath.Join(tmpDir, "reports"); cfg.Output.Dir != want {
		t.Errorf("Output.Dir = %q, want %q", cfg.Output.Dir, want)
	}
	if cfg.Pipeline.OnTableError != "skip" {
		t.Errorf("Pipeline.OnTableError = %q, want skip", cfg.Pipeline.OnTableError)
	}
}

func TestLoadWithConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("PETPHRASE_HOME", tmpDir)
	writeConfig(t, tmpDir, `
[archive]
message_db = "db/message_0.db"
contact_db = "/abs/contact.db"
driver = "sqlite"

[pool]
min_size = 2
max_size = 4
acquire_timeout = "750ms"

[mode]
type = "target_to_self"
targets = ["Alice", "Bob"]

[phrases]
list = [" 哈哈 ", "ok", "哈哈", ""]
match = "exact"
case_sensitive = true

[output]
format = "yaml"
`)

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if want := filepath.Join(tmpDir, "db", "message_0.db"); cfg.Archive.MessageDB != want {
		t.Errorf("Archive.MessageDB = %q, want %q", cfg.Archive.MessageDB, want)
	}
	if cfg.Archive.ContactDB != "/abs/contact.db" {
		t.Errorf("Archive.ContactDB = %q, want /abs/contact.db", cfg.Archive.ContactDB)
	}
	if cfg.Pool.AcquireTimeout.Duration != 750*time.Millisecond {
		t.Errorf("Pool.AcquireTimeout = %v, want 750ms", cfg.Pool.AcquireTimeout)
	}
	if cfg.Mode.Type != "target_to_self" || len(cfg.Mode.Targets) != 2 {
		t.Errorf("Mode = %+v", cfg.Mode)
	}
	if got := cfg.PhraseList(); strings.Join(got, "|") != "哈哈|ok" {
		t.Errorf("PhraseList() = %q, want [哈哈 ok]", got)
	}
	// Unset sections keep their defaults.
	if cfg.Phrases.ContextBefore != 2 || cfg.Time.Dimension != "month" {
		t.Errorf("defaults lost: context_before=%d dimension=%q", cfg.Phrases.ContextBefore, cfg.Time.Dimension)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadExplicitPathNotFound(t *testing.T) {
	// When --config explicitly specifies a file that doesn't exist, Load should error
	_, err := Load("/nonexistent/path/config.toml", "")
	if err == nil {
		t.Fatal("Load with explicit nonexistent path should return error")
	}
	if got := err.Error(); !strings.Contains(got, "config file not found") {
		t.Errorf("error = %q, want it to contain %q", got, "config file not found")
	}
}

func TestLoadExplicitPathDerivedHomeDir(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfig(t, tmpDir, `
[archive]
message_db = "message_0.db"
`)

	cfg, err := Load(configPath, "")
	if err != nil {
		t.Fatalf("Load(%q) failed: %v", configPath, err)
	}
	if cfg.HomeDir != tmpDir {
		t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, tmpDir)
	}
	if want := filepath.Join(tmpDir, "message_0.db"); cfg.Archive.MessageDB != want {
		t.Errorf("Archive.MessageDB = %q, want %q", cfg.Archive.MessageDB, want)
	}
}

func TestLoadWithHomeDirExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("failed to get user home dir: %v", err)
	}

	cfg, err := Load("", "~/custom-petphrase")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if want := filepath.Join(home, "custom-petphrase"); cfg.HomeDir != want {
		t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, want)
	}
}

func TestLoadBackslashErrorHint(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("PETPHRASE_HOME", tmpDir)
	// \G is not a valid TOML escape
	writeConfig(t, tmpDir, "[archive]\nmessage_db = \"C:\\Games\\message_0.db\"\n")

	_, err := Load("", "")
	if err == nil {
		t.Fatal("Load should fail on TOML backslash error")
	}
	for _, want := range []string{"hint:", "forward slashes", "single quotes"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %s", want, err)
		}
	}
}

func TestLoadBadDuration(t *testing.T) {
	tmpDir := t.TempDir()
	writeConfig(t, tmpDir, "[pool]\nacquire_timeout = \"soon\"\n")

	if _, err := Load("", tmpDir); err == nil {
		t.Fatal("Load should fail on an unparseable duration")
	}
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg := newDefaultConfig(t.TempDir())
	cfg.Archive.MessageDB = "/data/message_0.db"
	cfg.Archive.ContactDB = "/data/contact.db"
	cfg.Mode.Targets = []string{"Alice"}
	cfg.Phrases.List = []string{"哈哈"}
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing message db", func(c *Config) { c.Archive.MessageDB = "" }, "archive.message_db"},
		{"unknown driver", func(c *Config) { c.Archive.Driver = "postgres" }, "archive.driver"},
		{"zero min size", func(c *Config) { c.Pool.MinSize = 0 }, "pool.min_size"},
		{"max below min", func(c *Config) { c.Pool.MaxSize = 2 }, "pool.max_size"},
		{"zero timeout", func(c *Config) { c.Pool.AcquireTimeout = Duration{} }, "pool.acquire_timeout"},
		{"unknown mode", func(c *Config) { c.Mode.Type = "everyone" }, "mode.type"},
		{"targets required", func(c *Config) { c.Mode.Targets = []string{" "} }, "mode.targets"},
		{"unknown dimension", func(c *Config) { c.Time.Dimension = "year" }, "time.dimension"},
		{"recent below one", func(c *Config) { c.Time.Recent = 0 }, "time.recent"},
		{"custom start after end", func(c *Config) {
			c.Time.Range = RangeCustom
			c.Time.Start = "2025-03-01"
			c.Time.End = "2025-02-01"
		}, "time.start"},
		{"custom bad date", func(c *Config) {
			c.Time.Range = RangeCustom
			c.Time.Start = "2025-03-01"
			c.Time.End = "March"
		}, "time.end"},
		{"no phrases", func(c *Config) { c.Phrases.List = []string{""} }, "phrases.list"},
		{"unknown match", func(c *Config) { c.Phrases.Match = "regex" }, "phrases.match"},
		{"unknown policy", func(c *Config) { c.Pipeline.OnTableError = "retry" }, "pipeline.on_table_error"},
		{"unknown format", func(c *Config) { c.Output.Format = "csv" }, "output.format"},
		{"bad cron", func(c *Config) { c.Schedule.Cron = "every day" }, "schedule.cron"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Validate() = %v, want ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %q, want %q (err: %v)", ve.Field, tt.field, err)
			}
		})
	}
}

func TestValidateSelfAllNeedsNoTargets(t *testing.T) {
	cfg := validConfig(t)
	cfg.Mode.Type = "self_all"
	cfg.Mode.Targets = nil
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestTimeWindow(t *testing.T) {
	now := time.Date(2025, 3, 15, 10, 30, 0, 0, time.UTC)
	tests := []struct {
		name       string
		time       TimeConfig
		start, end time.Time
	}{
		{"recent days", TimeConfig{Dimension: "day", Range: RangeRecent, Recent: 3},
			time.Date(2025, 3, 12, 10, 30, 0, 0, time.UTC), now},
		{"recent weeks", TimeConfig{Dimension: "week", Range: RangeRecent, Recent: 2},
			time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC), now},
		{"recent month is 30 days", TimeConfig{Dimension: "month", Range: RangeRecent, Recent: 1},
			time.Date(2025, 2, 13, 10, 30, 0, 0, time.UTC), now},
		{"recent months", TimeConfig{Dimension: "month", Range: RangeRecent, Recent: 3},
			time.Date(2024, 12, 15, 10, 30, 0, 0, time.UTC), now},
		{"custom includes end day", TimeConfig{Dimension: "day", Range: RangeCustom, Start: "2025-01-01", End: "2025-01-31"},
			time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 31, 23, 59, 59, 0, time.UTC)},
		{"all", TimeConfig{Range: RangeAll}, time.Time{}, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Time: tt.time}
			start, end, err := cfg.TimeWindow(now)
			if err != nil {
				t.Fatalf("TimeWindow() error = %v", err)
			}
			if !start.Equal(tt.start) || !end.Equal(tt.end) {
				t.Errorf("TimeWindow() = %v..%v, want %v..%v", start, end, tt.start, tt.end)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("failed to get user home dir: %v", err)
	}
	tests := []struct {
		input    string
		expected string
	}{
		{"", ""},
		{"~", home},
		{"~/foo", filepath.Join(home, "foo")},
		{"~user", "~user"},
		{"/abs/path", "/abs/path"},
		{"relative/path", "relative/path"},
	}
	for _, tt := range tests {
		if got := expandPath(tt.input); got != tt.expected {
			t.Errorf("expandPath(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
