package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/matheus3301/chatmerge/internal/gateway"
	"github.com/matheus3301/chatmerge/internal/live"
	"github.com/matheus3301/chatmerge/internal/match"
	"github.com/matheus3301/chatmerge/internal/reconcile"
)

// Config represents the global ~/.chatmerge/config.toml.
type Config struct {
	DefaultProfile string    `toml:"default_profile"`
	LogLevel       string    `toml:"log_level"`
	Match          Match     `toml:"match"`
	Reconcile      Reconcile `toml:"reconcile"`
	Live           Live      `toml:"live"`
	Watch          Watch     `toml:"watch"`
}

// Match holds the timestamp matching thresholds.
type Match struct {
	Leeway     Duration `toml:"leeway"`
	MaxSkew    Duration `toml:"max_skew"`
	OffsetStep Duration `toml:"offset_step"`
}

// Reconcile holds the row cadences of diff and merge jobs.
type Reconcile struct {
	YieldEvery    int `toml:"yield_every"`
	PostbackEvery int `toml:"postback_every"`
	CheckEvery    int `toml:"check_every"`
}

// Live holds the remote gateway limits and paging of live syncs.
type Live struct {
	RateLimit      int      `toml:"rate_limit"`
	RateWindow     Duration `toml:"rate_window"`
	RetryLimit     int      `toml:"retry_limit"`
	RetryDelay     Duration `toml:"retry_delay"`
	RateLimitDelay Duration `toml:"rate_limit_delay"`
	PageLimit      int      `toml:"page_limit"`
}

// Watch names the archives the daemon keeps merged. Both must be set for
// watching to start.
type Watch struct {
	Source   string   `toml:"source"`
	Target   string   `toml:"target"`
	Debounce Duration `toml:"debounce"`
}

// Enabled reports whether a source and target are configured.
func (w Watch) Enabled() bool {
	return w.Source != "" && w.Target != ""
}

// Duration is a time.Duration written as a string such as "3m" or "20s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// Defaults returns the configuration used when no file is present.
func Defaults() *Config {
	m := match.DefaultConfig()
	r := reconcile.DefaultOptions()
	g := gateway.DefaultConfig()
	return &Config{
		DefaultProfile: "main",
		LogLevel:       "info",
		Match: Match{
			Leeway:     Duration{m.Leeway},
			MaxSkew:    Duration{m.MaxSkew},
			OffsetStep: Duration{m.OffsetStep},
		},
		Reconcile: Reconcile{
			YieldEvery:    r.YieldEvery,
			PostbackEvery: r.PostbackEvery,
			CheckEvery:    r.CheckEvery,
		},
		Live: Live{
			RateLimit:      g.Burst,
			RateWindow:     Duration{g.Window},
			RetryLimit:     g.RetryLimit,
			RetryDelay:     Duration{g.RetryDelay},
			RateLimitDelay: Duration{g.RateLimitDelay},
		},
		Watch: Watch{Debounce: Duration{2 * time.Second}},
	}
}

// Load reads config from the given path on top of Defaults. Returns error if file missing.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault reads config from path, falling back to Defaults when the
// file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Defaults(), nil
	}
	return cfg, err
}

// LoadWithEnv loads envFile into the environment when it exists, reads the
// config file, then applies CHATMERGE_* overrides.
func LoadWithEnv(path, envFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("load %s: %w", envFile, err)
			}
		}
	}
	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"CHATMERGE_PROFILE":      &c.DefaultProfile,
		"CHATMERGE_LOG_LEVEL":    &c.LogLevel,
		"CHATMERGE_WATCH_SOURCE": &c.Watch.Source,
		"CHATMERGE_WATCH_TARGET": &c.Watch.Target,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	ints := map[string]*int{
		"CHATMERGE_RATE_LIMIT":  &c.Live.RateLimit,
		"CHATMERGE_RETRY_LIMIT": &c.Live.RetryLimit,
		"CHATMERGE_PAGE_LIMIT":  &c.Live.PageLimit,
	}
	for name, dst := range ints {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
	}
	durs := map[string]*Duration{
		"CHATMERGE_RATE_WINDOW":    &c.Live.RateWindow,
		"CHATMERGE_RETRY_DELAY":    &c.Live.RetryDelay,
		"CHATMERGE_WATCH_DEBOUNCE": &c.Watch.Debounce,
	}
	for name, dst := range durs {
		if v := os.Getenv(name); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// MatchConfig returns the matcher thresholds.
func (c *Config) MatchConfig() match.Config {
	return match.Config{
		Leeway:     c.Match.Leeway.Duration,
		MaxSkew:    c.Match.MaxSkew.Duration,
		OffsetStep: c.Match.OffsetStep.Duration,
	}
}

// ReconcileOptions returns the differ and applier options.
func (c *Config) ReconcileOptions() reconcile.Options {
	return reconcile.Options{
		Match:         c.MatchConfig(),
		CheckEvery:    c.Reconcile.CheckEvery,
		PostbackEvery: c.Reconcile.PostbackEvery,
		YieldEvery:    c.Reconcile.YieldEvery,
	}
}

// GatewayConfig returns the remote call limits.
func (c *Config) GatewayConfig() gateway.Config {
	return gateway.Config{
		Burst:          c.Live.RateLimit,
		Window:         c.Live.RateWindow.Duration,
		RetryLimit:     c.Live.RetryLimit,
		RetryDelay:     c.Live.RetryDelay.Duration,
		RateLimitDelay: c.Live.RateLimitDelay.Duration,
	}
}

// LiveConfig returns the ingestor configuration for a target guarded by lockPath.
func (c *Config) LiveConfig(lockPath string) live.Config {
	return live.Config{
		Match:     c.MatchConfig(),
		PageLimit: c.Live.PageLimit,
		LockPath:  lockPath,
	}
}
