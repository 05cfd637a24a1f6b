// Package config provides configuration for the engram STM module.
// Precedence: defaults, then values from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete engram configuration.
type Config struct {
	// Redis backing store connection.
	Redis RedisConfig `yaml:"redis"`

	// Store holds append-log and slot-store behavior.
	Store StoreConfig `yaml:"store"`

	// Salience holds ranking parameters.
	Salience SalienceConfig `yaml:"salience"`

	// Threads holds open-thread tracking parameters.
	Threads ThreadConfig `yaml:"threads"`

	// Pipeline holds background extraction parameters.
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// RedisConfig configures the Redis client.
type RedisConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	PoolSize     int    `yaml:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns"`
}

// StoreConfig configures the per-thread append log and slots document.
type StoreConfig struct {
	// KeyPrefix namespaces all thread keys.
	KeyPrefix string `yaml:"key_prefix"`
	// TTL applied to log, seen set, and slots; refreshed on every write.
	TTL time.Duration `yaml:"ttl"`
	// MaxMessages caps the log; the tail is kept after every append.
	MaxMessages int `yaml:"max_messages"`
}

// SalienceConfig configures fact ranking.
type SalienceConfig struct {
	// RecentWindowTurns is the size of the recent window.
	RecentWindowTurns int `yaml:"recent_window_turns"`
	// TurnHalfLife is the half-life, in turns, for recency decay inside
	// the recent window.
	TurnHalfLife float64 `yaml:"turn_half_life"`
	// DayHalfLife is the half-life, in days, for wall-clock recency decay
	// outside the recent window.
	DayHalfLife float64 `yaml:"day_half_life"`
	// MaxSupport saturates the normalized support term.
	MaxSupport int `yaml:"max_support"`
	// DefaultTopK is used when the caller passes k <= 0.
	DefaultTopK int `yaml:"default_top_k"`
}

// ThreadConfig configures the open-thread tracker.
type ThreadConfig struct {
	// StaleAfterTurns marks open threads stale at this age.
	StaleAfterTurns int `yaml:"stale_after_turns"`
	// TitleMaxLen truncates derived thread titles.
	TitleMaxLen int `yaml:"title_max_len"`
}

// PipelineConfig configures the background extraction pipeline.
type PipelineConfig struct {
	// Workers is the size of the worker pool.
	Workers int `yaml:"workers"`
	// QueueSize bounds the job queue.
	QueueSize int `yaml:"queue_size"`
	// SubmitRate limits extraction submissions per second; 0 disables.
	SubmitRate float64 `yaml:"submit_rate"`
	// SubmitBurst is the limiter burst.
	SubmitBurst int `yaml:"submit_burst"`
	// JobTimeout bounds a single extraction job.
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// DefaultConfig returns the defaults from the STM design: 24h TTL,
// 200-message cap, 8-turn recent window, 12-turn staleness.
func DefaultConfig() Config {
	return Config{
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
		},
		Store: StoreConfig{
			KeyPrefix:   "stm:",
			TTL:         24 * time.Hour,
			MaxMessages: 200,
		},
		Salience: SalienceConfig{
			RecentWindowTurns: 8,
			TurnHalfLife:      6,
			DayHalfLife:       14,
			MaxSupport:        5,
			DefaultTopK:       10,
		},
		Threads: ThreadConfig{
			StaleAfterTurns: 12,
			TitleMaxLen:     140,
		},
		Pipeline: PipelineConfig{
			Workers:     2,
			QueueSize:   64,
			SubmitRate:  1,
			SubmitBurst: 4,
			JobTimeout:  2 * time.Minute,
		},
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks invariants the rest of the module relies on.
func (c Config) Validate() error {
	if c.Store.MaxMessages < 0 {
		return fmt.Errorf("store.max_messages must be >= 0, got %d", c.Store.MaxMessages)
	}
	if c.Store.TTL < 0 {
		return fmt.Errorf("store.ttl must be >= 0, got %s", c.Store.TTL)
	}
	if c.Salience.RecentWindowTurns <= 0 {
		return fmt.Errorf("salience.recent_window_turns must be > 0, got %d", c.Salience.RecentWindowTurns)
	}
	if c.Salience.TurnHalfLife <= 0 || c.Salience.DayHalfLife <= 0 {
		return fmt.Errorf("salience half-lives must be > 0")
	}
	if c.Threads.StaleAfterTurns <= 0 {
		return fmt.Errorf("threads.stale_after_turns must be > 0, got %d", c.Threads.StaleAfterTurns)
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be > 0, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("pipeline.queue_size must be > 0, got %d", c.Pipeline.QueueSize)
	}
	return nil
}
