// Package config loads the user configuration from ~/.lanedeck/config.toml.
package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// FileName is the config file inside the data directory.
	FileName = "config.toml"

	// HomeEnv overrides the data directory.
	HomeEnv = "LANEDECK_HOME"
)

// UserConfig is the decoded config.toml. Zero values mean "use the default";
// callers read sections through the getters, which apply defaults.
type UserConfig struct {
	Logs     LogSettings      `toml:"logs"`
	Bus      BusSettings      `toml:"bus"`
	Audit    AuditSettings    `toml:"audit"`
	Buffers  BufferSettings   `toml:"buffers"`
	PTY      PTYSettings      `toml:"pty"`
	Watchdog WatchdogSettings `toml:"watchdog"`
	Web      WebSettings      `toml:"web"`
	Storage  StorageSettings  `toml:"storage"`
}

// LogSettings configures internal/logging.
type LogSettings struct {
	// Level is "debug", "info", "warn" or "error". Default: "info"
	Level string `toml:"level"`

	// Format is "json" (default) or "text"
	Format string `toml:"format"`

	// MaxSizeMB before lanedeck.log is rotated. Default: 10
	MaxSizeMB int `toml:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep. Default: 5
	MaxBackups int `toml:"max_backups"`

	// RetentionDays for rotated files. Default: 10
	RetentionDays int `toml:"retention_days"`

	Compress bool `toml:"compress"`

	// RingBufferMB is the in-memory crash dump size. Default: 10
	RingBufferMB int `toml:"ring_buffer_mb"`

	// AggregateIntervalSecs between event_summary flushes. Default: 30
	AggregateIntervalSecs int `toml:"aggregate_interval_secs"`

	// Pprof starts the profiler endpoints on PprofAddr
	Pprof bool `toml:"pprof"`

	// PprofAddr must be a loopback address. Default: localhost:6060
	PprofAddr string `toml:"pprof_addr"`
}

// BusSettings configures the local bus.
type BusSettings struct {
	// EventLogSize caps the in-memory event log. Default: 10000
	EventLogSize int `toml:"event_log_size"`

	// SubscriberBuffer is the channel size per subscriber. Default: 256
	SubscriberBuffer int `toml:"subscriber_buffer"`
}

// AuditSettings configures the audit sink.
type AuditSettings struct {
	// MaxRecords retained in memory. Default: 50000
	MaxRecords int `toml:"max_records"`

	// MaxAgeHours retained in memory. Default: 24
	MaxAgeHours int `toml:"max_age_hours"`

	// RedactFields are payload keys masked on export (case-insensitive).
	// Default: token, secret, password, api_key, authorization
	RedactFields []string `toml:"redact_fields"`

	// Durable mirrors every record into the state database.
	Durable bool `toml:"durable"`

	// StoreQueue bounds records waiting for the durable writer. Default: 4096
	StoreQueue int `toml:"store_queue"`
}

// BufferSettings configures per-terminal line buffers.
type BufferSettings struct {
	// TerminalBytes is the line buffer cap. Default: 262144
	TerminalBytes int `toml:"terminal_bytes"`
}

// PTYSettings configures the PTY process manager.
type PTYSettings struct {
	// Capacity is the maximum number of live PTYs. Default: 300
	Capacity int `toml:"capacity"`

	// SignalHistory per PTY. Default: 50
	SignalHistory int `toml:"signal_history"`

	// GraceMs between SIGTERM and SIGKILL. Default: 5000
	GraceMs int `toml:"grace_ms"`

	// KillWaitMs after SIGKILL. Default: 1000
	KillWaitMs int `toml:"kill_wait_ms"`

	// RingBytes is the per-PTY output ring. Default: 65536
	RingBytes int `toml:"ring_bytes"`

	// BackpressureThreshold as a fraction of RingBytes. Default: 0.75
	BackpressureThreshold float64 `toml:"backpressure_threshold"`

	// Hysteresis below the threshold before backpressure clears. Default: 0.1
	Hysteresis float64 `toml:"hysteresis"`

	// OverflowWindowMs debounces overflow events. Default: 1000
	OverflowWindowMs int `toml:"overflow_window_ms"`

	// HealthIntervalSecs between liveness checks. Default: 15
	HealthIntervalSecs int `toml:"health_interval_secs"`

	// StaleAfterSecs without heartbeat before forced termination. Default: 30
	StaleAfterSecs int `toml:"stale_after_secs"`

	// IdleAfterSecs without output before an active PTY goes idle. Default: 60
	IdleAfterSecs int `toml:"idle_after_secs"`

	// Shell launched for terminal.spawn. Default: $SHELL, then /bin/sh
	Shell string `toml:"shell"`
}

// WatchdogSettings configures the drift watchdog.
type WatchdogSettings struct {
	// IntervalSecs between scans. Default: 30
	IntervalSecs int `toml:"interval_secs"`
}

// WebSettings configures the HTTP surface.
type WebSettings struct {
	// Listen address. Default: 127.0.0.1:7420
	Listen string `toml:"listen"`

	// Token required as a bearer token or ?token= when set.
	Token string `toml:"token"`
}

// StorageSettings configures the state database.
type StorageSettings struct {
	// DBPath defaults to <data dir>/state.db
	DBPath string `toml:"db_path"`
}

var (
	cache   *UserConfig
	cacheMu sync.RWMutex
)

// Dir returns the data directory: $LANEDECK_HOME or ~/.lanedeck.
func Dir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".lanedeck"), nil
}

// Path returns the config file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load returns the cached config, reading it on first use. A missing file is
// not an error. On a parse error the defaults are cached and the error returned.
func Load() (*UserConfig, error) {
	cacheMu.RLock()
	if cache != nil {
		defer cacheMu.RUnlock()
		return cache, nil
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cache != nil {
		return cache, nil
	}

	path, err := Path()
	if err != nil {
		cache = &UserConfig{}
		return cache, nil
	}
	cfg, err := LoadFile(path)
	if err != nil {
		cache = &UserConfig{}
		return cache, err
	}
	cache = cfg
	return cache, nil
}

// Reload drops the cache and reads the file again.
func Reload() (*UserConfig, error) {
	ClearCache()
	return Load()
}

// ClearCache forgets the cached config.
func ClearCache() {
	cacheMu.Lock()
	cache = nil
	cacheMu.Unlock()
}

// LoadFile decodes a config file without touching the cache.
func LoadFile(path string) (*UserConfig, error) {
	var cfg UserConfig
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &cfg, nil
	}
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config.toml parse error: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		log.Warn("config_unknown_keys", slog.String("keys", fmt.Sprint(undecoded)))
	}
	return &cfg, nil
}

// Save writes cfg to path atomically and clears the cache.
func Save(path string, cfg *UserConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# lanedeck configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize config save: %w", err)
	}
	ClearCache()
	return nil
}

// DefaultRedactFields are masked on audit export when none are configured.
var DefaultRedactFields = []string{"token", "secret", "password", "api_key", "authorization"}

// LogSettings returns [logs] with defaults applied.
func (c *UserConfig) LogSettings() LogSettings {
	s := c.Logs
	if s.Level == "" {
		s.Level = "info"
	}
	if s.Format == "" {
		s.Format = "json"
	}
	if s.MaxSizeMB <= 0 {
		s.MaxSizeMB = 10
	}
	if s.MaxBackups <= 0 {
		s.MaxBackups = 5
	}
	if s.RetentionDays <= 0 {
		s.RetentionDays = 10
	}
	if s.RingBufferMB <= 0 {
		s.RingBufferMB = 10
	}
	if s.AggregateIntervalSecs <= 0 {
		s.AggregateIntervalSecs = 30
	}
	if s.PprofAddr == "" {
		s.PprofAddr = "localhost:6060"
	}
	return s
}

// BusSettings returns [bus] with defaults applied.
func (c *UserConfig) BusSettings() BusSettings {
	s := c.Bus
	if s.EventLogSize <= 0 {
		s.EventLogSize = 10000
	}
	if s.SubscriberBuffer <= 0 {
		s.SubscriberBuffer = 256
	}
	return s
}

// AuditSettings returns [audit] with defaults applied.
func (c *UserConfig) AuditSettings() AuditSettings {
	s := c.Audit
	if s.MaxRecords <= 0 {
		s.MaxRecords = 50000
	}
	if s.MaxAgeHours <= 0 {
		s.MaxAgeHours = 24
	}
	if len(s.RedactFields) == 0 {
		s.RedactFields = append([]string(nil), DefaultRedactFields...)
	}
	if s.StoreQueue <= 0 {
		s.StoreQueue = 4096
	}
	return s
}

// MaxAge is MaxAgeHours as a duration.
func (s AuditSettings) MaxAge() time.Duration {
	return time.Duration(s.MaxAgeHours) * time.Hour
}

// BufferSettings returns [buffers] with defaults applied.
func (c *UserConfig) BufferSettings() BufferSettings {
	s := c.Buffers
	if s.TerminalBytes <= 0 {
		s.TerminalBytes = 256 * 1024
	}
	return s
}

// PTYSettings returns [pty] with defaults applied.
func (c *UserConfig) PTYSettings() PTYSettings {
	s := c.PTY
	if s.Capacity <= 0 {
		s.Capacity = 300
	}
	if s.SignalHistory <= 0 {
		s.SignalHistory = 50
	}
	if s.GraceMs <= 0 {
		s.GraceMs = 5000
	}
	if s.KillWaitMs <= 0 {
		s.KillWaitMs = 1000
	}
	if s.RingBytes <= 0 {
		s.RingBytes = 64 * 1024
	}
	if s.BackpressureThreshold <= 0 || s.BackpressureThreshold > 1 {
		s.BackpressureThreshold = 0.75
	}
	if s.Hysteresis <= 0 || s.Hysteresis >= s.BackpressureThreshold {
		s.Hysteresis = 0.1
	}
	if s.OverflowWindowMs <= 0 {
		s.OverflowWindowMs = 1000
	}
	if s.HealthIntervalSecs <= 0 {
		s.HealthIntervalSecs = 15
	}
	if s.StaleAfterSecs <= 0 {
		s.StaleAfterSecs = 30
	}
	if s.IdleAfterSecs <= 0 {
		s.IdleAfterSecs = 60
	}
	if s.Shell == "" {
		s.Shell = os.Getenv("SHELL")
	}
	if s.Shell == "" {
		s.Shell = "/bin/sh"
	}
	return s
}

// WatchdogSettings returns [watchdog] with defaults applied.
func (c *UserConfig) WatchdogSettings() WatchdogSettings {
	s := c.Watchdog
	if s.IntervalSecs <= 0 {
		s.IntervalSecs = 30
	}
	return s
}

// WebSettings returns [web] with defaults applied.
func (c *UserConfig) WebSettings() WebSettings {
	s := c.Web
	if s.Listen == "" {
		s.Listen = "127.0.0.1:7420"
	}
	return s
}

// StorageSettings returns [storage] with the db path resolved.
func (c *UserConfig) StorageSettings() (StorageSettings, error) {
	s := c.Storage
	if s.DBPath == "" {
		dir, err := Dir()
		if err != nil {
			return s, err
		}
		s.DBPath = filepath.Join(dir, "state.db")
	}
	return s, nil
}
