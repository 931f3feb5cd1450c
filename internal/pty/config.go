package pty

import (
	"time"

	"github.com/asheshgoplani/lanedeck/internal/config"
)

// Config tunes the manager.
type Config struct {
	Capacity       int
	SignalHistory  int
	Grace          time.Duration
	KillWait       time.Duration
	RingBytes      int
	Threshold      float64
	Hysteresis     float64
	OverflowWindow time.Duration
	HealthInterval time.Duration
	StaleAfter     time.Duration
	IdleAfter      time.Duration
	Shell          string
}

// ConfigFrom converts the [pty] settings.
func ConfigFrom(s config.PTYSettings) Config {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	secs := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return Config{
		Capacity:       s.Capacity,
		SignalHistory:  s.SignalHistory,
		Grace:          ms(s.GraceMs),
		KillWait:       ms(s.KillWaitMs),
		RingBytes:      s.RingBytes,
		Threshold:      s.BackpressureThreshold,
		Hysteresis:     s.Hysteresis,
		OverflowWindow: ms(s.OverflowWindowMs),
		HealthInterval: secs(s.HealthIntervalSecs),
		StaleAfter:     secs(s.StaleAfterSecs),
		IdleAfter:      secs(s.IdleAfterSecs),
		Shell:          s.Shell,
	}
}

// DefaultConfig is ConfigFrom applied to an empty [pty] section.
func DefaultConfig() Config {
	return ConfigFrom((&config.UserConfig{}).PTYSettings())
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.SignalHistory <= 0 {
		c.SignalHistory = d.SignalHistory
	}
	if c.Grace <= 0 {
		c.Grace = d.Grace
	}
	if c.KillWait <= 0 {
		c.KillWait = d.KillWait
	}
	if c.RingBytes <= 0 {
		c.RingBytes = d.RingBytes
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = d.Threshold
	}
	if c.Hysteresis <= 0 || c.Hysteresis >= c.Threshold {
		c.Hysteresis = d.Hysteresis
	}
	if c.OverflowWindow <= 0 {
		c.OverflowWindow = d.OverflowWindow
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.IdleAfter <= 0 {
		c.IdleAfter = d.IdleAfter
	}
	if c.Shell == "" {
		c.Shell = d.Shell
	}
	return c
}
