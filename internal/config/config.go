// Package config handles loading and validating petphrase configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/wesm/petphrase/internal/scheduler"
)

// Config represents the petphrase configuration.
type Config struct {
	Archive  ArchiveConfig  `toml:"archive"`
	Pool     PoolConfig     `toml:"pool"`
	Mode     ModeConfig     `toml:"mode"`
	Time     TimeConfig     `toml:"time"`
	Phrases  PhrasesConfig  `toml:"phrases"`
	Filter   FilterConfig   `toml:"filter"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Output   OutputConfig   `toml:"output"`
	Schedule ScheduleConfig `toml:"schedule"`

	// Computed paths (not from config file)
	HomeDir    string `toml:"-"`
	ConfigPath string `toml:"-"`
}

// ArchiveConfig locates the decrypted archive.
type ArchiveConfig struct {
	MessageDB    string `toml:"message_db"`     // Database holding the Msg_ tables
	ContactDB    string `toml:"contact_db"`     // Database holding the contact table
	Driver       string `toml:"driver"`         // "sqlite3" (cgo) or "sqlite" (pure Go)
	SelfSenderID int64  `toml:"self_sender_id"` // real_sender_id of the archive owner
}

// PoolConfig sizes the message database handle pool.
type PoolConfig struct {
	MinSize        int      `toml:"min_size"`
	MaxSize        int      `toml:"max_size"`
	AcquireTimeout Duration `toml:"acquire_timeout"`
	AcquireRate    float64  `toml:"acquire_rate"` // acquires per second, 0 = unlimited
	RetryAttempts  int      `toml:"retry_attempts"`
}

// ModeConfig selects whose messages are analyzed.
type ModeConfig struct {
	Type    string   `toml:"type"` // self_all, self_to_target, target_to_self
	Targets []string `toml:"targets"`
}

// TimeConfig selects the analyzed period.
type TimeConfig struct {
	Dimension string `toml:"dimension"` // day, week, month
	Range     string `toml:"range"`     // recent, custom, all
	Recent    int    `toml:"recent"`    // number of dimension units back from now
	Start     string `toml:"start"`     // YYYY-MM-DD, custom range only
	End       string `toml:"end"`       // YYYY-MM-DD inclusive, custom range only
}

// PhrasesConfig lists the phrases and how they match.
type PhrasesConfig struct {
	List          []string `toml:"list"`
	Match         string   `toml:"match"` // contains, exact
	CaseSensitive bool     `toml:"case_sensitive"`
	ContextBefore int      `toml:"context_before"`
	ContextAfter  int      `toml:"context_after"`
}

// FilterConfig narrows the contacts considered.
type FilterConfig struct {
	ExcludeGroups bool `toml:"exclude_groups"`
}

// PipelineConfig controls failure handling.
type PipelineConfig struct {
	OnTableError string `toml:"on_table_error"` // skip, abort
}

// OutputConfig controls where reports go.
type OutputConfig struct {
	Dir    string `toml:"dir"`
	Format string `toml:"format"` // json, yaml
}

// ScheduleConfig drives `petphrase watch`.
type ScheduleConfig struct {
	Cron string `toml:"cron"` // Cron expression (e.g., "0 2 * * *" for 2am daily)
}

// Time range kinds.
const (
	RangeRecent = "recent"
	RangeCustom = "custom"
	RangeAll    = "all"
)

const dateLayout = "2006-01-02"

// Duration is a time.Duration that decodes from TOML strings like "3s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ValidationError reports one invalid setting.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// DefaultHome returns the default petphrase home directory.
// Respects PETPHRASE_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("PETPHRASE_HOME"); h != "" {
		return expandPath(h)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".petphrase"
	}
	return filepath.Join(home, ".petphrase")
}

// NewDefaultConfig returns a configuration with default values, rooted at
// DefaultHome.
func NewDefaultConfig() *Config {
	return newDefaultConfig(DefaultHome())
}

func newDefaultConfig(homeDir string) *Config {
	return &Config{
		HomeDir: homeDir,
		Archive: ArchiveConfig{
			Driver:       "sqlite3",
			SelfSenderID: 1,
		},
		Pool: PoolConfig{
			MinSize:        5,
			MaxSize:        10,
			AcquireTimeout: Duration{3 * time.Second},
			RetryAttempts:  3,
		},
		Mode: ModeConfig{Type: "self_to_target"},
		Time: TimeConfig{
			Dimension: "month",
			Range:     RangeRecent,
			Recent:    7,
		},
		Phrases: PhrasesConfig{
			Match:         "contains",
			ContextBefore: 2,
			ContextAfter:  2,
		},
		Filter:   FilterConfig{ExcludeGroups: true},
		Pipeline: PipelineConfig{OnTableError: "skip"},
		Output: OutputConfig{
			Dir:    filepath.Join(homeDir, "reports"),
			Format: "json",
		},
	}
}

// Load reads the configuration from the specified file.
// If path is empty, uses config.toml in the home directory, which is
// optional. An explicit path must exist, and its directory becomes the
// home directory unless homeDir is given.
func Load(path, homeDir string) (*Config, error) {
	explicit := path != ""
	switch {
	case homeDir != "":
		homeDir = expandPath(homeDir)
	case explicit:
		abs, err := filepath.Abs(expandPath(path))
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		homeDir = filepath.Dir(abs)
	default:
		homeDir = DefaultHome()
	}
	if !explicit {
		path = filepath.Join(homeDir, "config.toml")
	}
	path = expandPath(path)

	cfg := newDefaultConfig(homeDir)
	cfg.ConfigPath = path

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if explicit {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		// Config file is optional - use defaults if not present
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, decodeError(err)
	}

	cfg.Archive.MessageDB = cfg.resolvePath(cfg.Archive.MessageDB)
	cfg.Archive.ContactDB = cfg.resolvePath(cfg.Archive.ContactDB)
	cfg.Output.Dir = cfg.resolvePath(cfg.Output.Dir)
	return cfg, nil
}

// decodeError adds a hint for the most common mistake: Windows paths in
// double-quoted TOML strings, where backslashes are escapes.
func decodeError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "invalid escape") || strings.Contains(msg, "hexadecimal digits") {
		return fmt.Errorf("decode config: %w\nhint: use forward slashes (C:/Users/me/msg.db) or single quotes ('C:\\Users\\me\\msg.db') for paths", err)
	}
	return fmt.Errorf("decode config: %w", err)
}

// resolvePath expands ~ and makes relative paths relative to HomeDir.
func (c *Config) resolvePath(p string) string {
	p = expandPath(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.HomeDir, p)
}

// PhraseList returns the configured phrases, trimmed and deduplicated, in
// their configured order.
func (c *Config) PhraseList() []string {
	var out []string
	for _, p := range c.Phrases.List {
		if p = strings.TrimSpace(p); p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

// TimeWindow returns the analyzed period relative to now. A zero bound is
// open. Custom end dates include the whole end day.
func (c *Config) TimeWindow(now time.Time) (start, end time.Time, err error) {
	switch c.Time.Range {
	case RangeAll:
		return time.Time{}, time.Time{}, nil
	case RangeCustom:
		loc := now.Location()
		start, err = time.ParseInLocation(dateLayout, c.Time.Start, loc)
		if err != nil {
			return time.Time{}, time.Time{}, &ValidationError{"time.start", "want YYYY-MM-DD"}
		}
		endDay, endErr := time.ParseInLocation(dateLayout, c.Time.End, loc)
		if endErr != nil {
			return time.Time{}, time.Time{}, &ValidationError{"time.end", "want YYYY-MM-DD"}
		}
		return start, endDay.AddDate(0, 0, 1).Add(-time.Second), nil
	default:
		// A recent month is a fixed 30 days, not a calendar month.
		n := c.Time.Recent
		switch c.Time.Dimension {
		case "day":
			start = now.AddDate(0, 0, -n)
		case "week":
			start = now.AddDate(0, 0, -7*n)
		default:
			start = now.AddDate(0, 0, -30*n)
		}
		return start, now, nil
	}
}

// Validate checks every setting and returns all problems joined. Each is a
// *ValidationError.
func (c *Config) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if c.Archive.MessageDB == "" {
		bad("archive.message_db", "required")
	}
	if c.Archive.ContactDB == "" {
		bad("archive.contact_db", "required")
	}
	if !slices.Contains([]string{"sqlite3", "sqlite"}, c.Archive.Driver) {
		bad("archive.driver", "%q is not sqlite3 or sqlite", c.Archive.Driver)
	}

	if c.Pool.MinSize < 1 {
		bad("pool.min_size", "must be at least 1")
	}
	if c.Pool.MaxSize < c.Pool.MinSize {
		bad("pool.max_size", "must be at least min_size (%d)", c.Pool.MinSize)
	}
	if c.Pool.AcquireTimeout.Duration <= 0 {
		bad("pool.acquire_timeout", "must be positive")
	}
	if c.Pool.AcquireRate < 0 {
		bad("pool.acquire_rate", "must not be negative")
	}
	if c.Pool.RetryAttempts < 0 {
		bad("pool.retry_attempts", "must not be negative")
	}

	switch c.Mode.Type {
	case "self_all":
	case "self_to_target", "target_to_self":
		if len(nonEmpty(c.Mode.Targets)) == 0 {
			bad("mode.targets", "required for mode %s", c.Mode.Type)
		}
	default:
		bad("mode.type", "%q is not self_all, self_to_target or target_to_self", c.Mode.Type)
	}

	if !slices.Contains([]string{"day", "week", "month"}, c.Time.Dimension) {
		bad("time.dimension", "%q is not day, week or month", c.Time.Dimension)
	}
	switch c.Time.Range {
	case RangeAll:
	case RangeRecent:
		if c.Time.Recent < 1 {
			bad("time.recent", "must be at least 1")
		}
	case RangeCustom:
		start, startErr := time.Parse(dateLayout, c.Time.Start)
		end, endErr := time.Parse(dateLayout, c.Time.End)
		if startErr != nil {
			bad("time.start", "want YYYY-MM-DD, got %q", c.Time.Start)
		}
		if endErr != nil {
			bad("time.end", "want YYYY-MM-DD, got %q", c.Time.End)
		}
		if startErr == nil && endErr == nil && start.After(end) {
			bad("time.start", "%s is after end %s", c.Time.Start, c.Time.End)
		}
	default:
		bad("time.range", "%q is not recent, custom or all", c.Time.Range)
	}

	if len(c.PhraseList()) == 0 {
		bad("phrases.list", "at least one phrase is required")
	}
	if !slices.Contains([]string{"contains", "exact"}, c.Phrases.Match) {
		bad("phrases.match", "%q is not contains or exact", c.Phrases.Match)
	}
	if c.Phrases.ContextBefore < 0 || c.Phrases.ContextAfter < 0 {
		bad("phrases.context_before", "context sizes must not be negative")
	}

	if !slices.Contains([]string{"skip", "abort"}, c.Pipeline.OnTableError) {
		bad("pipeline.on_table_error", "%q is not skip or abort", c.Pipeline.OnTableError)
	}
	if !slices.Contains([]string{"json", "yaml"}, c.Output.Format) {
		bad("output.format", "%q is not json or yaml", c.Output.Format)
	}
	if c.Schedule.Cron != "" {
		if err := scheduler.ValidateCronExpr(c.Schedule.Cron); err != nil {
			bad("schedule.cron", "%v", err)
		}
	}
	return errors.Join(errs...)
}

func nonEmpty(items []string) []string {
	var out []string
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path == "~" || strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
