// Package config turns viper settings into the immutable Config value that is
// passed explicitly to plan construction, the coordinator and the server.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/joescharf/gauntlet/internal/models"
)

// Logging controls the slog handler.
type Logging struct {
	Level  string
	Format string // "text" or "json"
}

// Server holds HTTP listener settings.
type Server struct {
	Port           int
	BaseURL        string
	AllowedOrigins []string
	RateLimit      float64 // requests per second per client; 0 disables
	RateBurst      int
}

// Coordinator bounds job and stage concurrency.
type Coordinator struct {
	MaxConcurrentJobs int
	ParallelPool      int
	NotifyTimeout     time.Duration
	StageTimeout      time.Duration
	MaxAttempts       int
	Backoff           time.Duration
	MaxBackoff        time.Duration
}

// Escalation configures policy triggers.
type Escalation struct {
	Keywords        []string
	Target          string
	ManagerTarget   string
	MaxResponseTime time.Duration
}

// Anthropic configures the model-backed stage tool.
type Anthropic struct {
	APIKey string
	Model  string
}

// Notify configures notification sinks.
type Notify struct {
	WebhookURLs []string
	NATSURL     string
	NATSSubject string
	Events      []string
}

// Cache configures the serialized results cache.
type Cache struct {
	MaxEntries int64
	TTL        time.Duration
}

// Config is the process-wide configuration, loaded once at startup.
type Config struct {
	StateDir    string
	DBPath      string
	PlanFile    string
	Log         Logging
	Server      Server
	Coordinator Coordinator
	Thresholds  models.Thresholds
	Overrides   map[models.JobType]models.Thresholds
	Escalation  Escalation
	Commands    map[string][]string
	Anthropic   Anthropic
	Notify      Notify
	Cache       Cache
}

// DefaultStateDir returns ~/.config/gauntlet.
func DefaultStateDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "gauntlet")
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	stateDir := DefaultStateDir()

	v.SetDefault("state_dir", stateDir)
	v.SetDefault("db_path", filepath.Join(stateDir, "gauntlet.db"))
	v.SetDefault("plan_file", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("server.port", 8420)
	v.SetDefault("server.base_url", "")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000", "http://localhost:8000"})
	v.SetDefault("server.rate_limit", 1.0)
	v.SetDefault("server.rate_burst", 20)

	v.SetDefault("coordinator.max_concurrent_jobs", 8)
	v.SetDefault("coordinator.parallel_pool", 4)
	v.SetDefault("coordinator.notify_timeout", "10s")
	v.SetDefault("coordinator.stage_timeout", "30s")
	v.SetDefault("coordinator.max_attempts", 3)
	v.SetDefault("coordinator.backoff", "500ms")
	v.SetDefault("coordinator.max_backoff", "10s")

	v.SetDefault("thresholds.auto_approve", 85.0)
	v.SetDefault("thresholds.hard_reject", 40.0)

	v.SetDefault("escalation.keywords", []string{
		"manager", "supervisor", "human", "person",
		"escalate", "complaint", "refund", "cancel",
	})
	v.SetDefault("escalation.target", "human-review")
	v.SetDefault("escalation.manager_target", "support-manager")
	v.SetDefault("escalation.max_response_time", "300s")

	v.SetDefault("commands", map[string][]string{
		"go":     {"go vet ./..."},
		"python": {"ruff check ."},
	})

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")

	v.SetDefault("notify.webhook_urls", []string{})
	v.SetDefault("notify.nats_url", "")
	v.SetDefault("notify.nats_subject", "gauntlet.jobs")
	v.SetDefault("notify.events", []string{})

	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("cache.ttl", "1h")
}

// FromViper builds a Config from v. Missing keys fall back to the defaults
// registered by SetDefaults.
func FromViper(v *viper.Viper) Config {
	cfg := Config{
		StateDir: v.GetString("state_dir"),
		DBPath:   v.GetString("db_path"),
		PlanFile: v.GetString("plan_file"),
		Log: Logging{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Server: Server{
			Port:           v.GetInt("server.port"),
			BaseURL:        v.GetString("server.base_url"),
			AllowedOrigins: v.GetStringSlice("server.allowed_origins"),
			RateLimit:      v.GetFloat64("server.rate_limit"),
			RateBurst:      v.GetInt("server.rate_burst"),
		},
		Coordinator: Coordinator{
			MaxConcurrentJobs: v.GetInt("coordinator.max_concurrent_jobs"),
			ParallelPool:      v.GetInt("coordinator.parallel_pool"),
			NotifyTimeout:     v.GetDuration("coordinator.notify_timeout"),
			StageTimeout:      v.GetDuration("coordinator.stage_timeout"),
			MaxAttempts:       v.GetInt("coordinator.max_attempts"),
			Backoff:           v.GetDuration("coordinator.backoff"),
			MaxBackoff:        v.GetDuration("coordinator.max_backoff"),
		},
		Thresholds: models.Thresholds{
			AutoApprove: v.GetFloat64("thresholds.auto_approve"),
			HardReject:  v.GetFloat64("thresholds.hard_reject"),
		},
		Overrides: make(map[models.JobType]models.Thresholds),
		Escalation: Escalation{
			Keywords:        v.GetStringSlice("escalation.keywords"),
			Target:          v.GetString("escalation.target"),
			ManagerTarget:   v.GetString("escalation.manager_target"),
			MaxResponseTime: v.GetDuration("escalation.max_response_time"),
		},
		Commands: v.GetStringMapStringSlice("commands"),
		Anthropic: Anthropic{
			APIKey: v.GetString("anthropic.api_key"),
			Model:  v.GetString("anthropic.model"),
		},
		Notify: Notify{
			WebhookURLs: v.GetStringSlice("notify.webhook_urls"),
			NATSURL:     v.GetString("notify.nats_url"),
			NATSSubject: v.GetString("notify.nats_subject"),
			Events:      v.GetStringSlice("notify.events"),
		},
		Cache: Cache{
			MaxEntries: v.GetInt64("cache.max_entries"),
			TTL:        v.GetDuration("cache.ttl"),
		},
	}

	for _, jt := range models.JobTypes {
		key := "thresholds.overrides." + string(jt)
		if !v.IsSet(key) {
			continue
		}
		t := cfg.Thresholds
		if v.IsSet(key + ".auto_approve") {
			t.AutoApprove = v.GetFloat64(key + ".auto_approve")
		}
		if v.IsSet(key + ".hard_reject") {
			t.HardReject = v.GetFloat64(key + ".hard_reject")
		}
		cfg.Overrides[jt] = t
	}

	if cfg.Coordinator.ParallelPool < 1 {
		cfg.Coordinator.ParallelPool = 1
	}
	if cfg.Coordinator.MaxAttempts < 1 {
		cfg.Coordinator.MaxAttempts = 1
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	return cfg
}

// Default returns the configuration produced by the defaults alone.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	return FromViper(v)
}

// ThresholdsFor returns the thresholds for a job type, honouring overrides.
func (c Config) ThresholdsFor(jt models.JobType) models.Thresholds {
	if t, ok := c.Overrides[jt]; ok {
		return t
	}
	return c.Thresholds
}

// EventEnabled reports whether the named notification event should be sent.
// An empty event list enables every event.
func (c Config) EventEnabled(event string) bool {
	if len(c.Notify.Events) == 0 {
		return true
	}
	for _, e := range c.Notify.Events {
		if e == event {
			return true
		}
	}
	return false
}
