package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"civicroute/internal/domain"
)

// Config models civic.yml.
type Config struct {
	Database    DatabaseConfig     `yaml:"database"`
	Server      ServerConfig       `yaml:"server"`
	Log         LogConfig          `yaml:"log"`
	Routing     RoutingConfig      `yaml:"routing"`
	Lifecycle   LifecycleConfig    `yaml:"lifecycle"`
	Directory   DirectoryConfig    `yaml:"directory"`
	Escalation  EscalationConfig   `yaml:"escalation"`
	Notify      NotifyConfig       `yaml:"notify"`
	Redis       RedisConfig        `yaml:"redis"`
	Authorities []domain.Authority `yaml:"authorities"`
}

type DatabaseConfig struct {
	// Path overrides the workspace database location when set.
	Path string `yaml:"path"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	BasePath       string   `yaml:"base_path"`
	JWTSecret      string   `yaml:"jwt_secret"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RoutingConfig struct {
	DefaultAuthorityID string  `yaml:"default_authority_id"`
	DefaultTimezone    string  `yaml:"default_timezone"`
	Weights            Weights `yaml:"weights"`
}

// Weights are the scoring policy knobs.
type Weights struct {
	Base               float64 `yaml:"base"`
	Load               float64 `yaml:"load"`
	Specialization     float64 `yaml:"specialization"`
	UrgentAlwaysOpen   float64 `yaml:"urgent_always_open"`
	UrgentFastResolver float64 `yaml:"urgent_fast_resolver"`
	FastResolverDays   float64 `yaml:"fast_resolver_days"`
	DistancePerKm      float64 `yaml:"distance_per_km"`
	AfterHours         float64 `yaml:"after_hours"`
}

type LifecycleConfig struct {
	UrgentKeywords      []string                            `yaml:"urgent_keywords"`
	HighKeywords        []string                            `yaml:"high_keywords"`
	DefaultPriority     map[domain.Category]domain.Priority `yaml:"default_priority"`
	BaseDays            map[domain.Category]float64         `yaml:"base_days"`
	BaseConfidence      map[domain.Category]float64         `yaml:"base_confidence"`
	PriorityMultipliers map[domain.Priority]float64         `yaml:"priority_multipliers"`
}

type DirectoryConfig struct {
	MaxRetries            int     `yaml:"max_retries"`
	AvailabilityThreshold float64 `yaml:"availability_threshold"`
}

type EscalationConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Interval             time.Duration `yaml:"interval"`
	ReassignToSupervisor bool          `yaml:"reassign_to_supervisor"`
	RepeatAfter          time.Duration `yaml:"repeat_after"`
	RedisLock            bool          `yaml:"redis_lock"`
	LockTTL              time.Duration `yaml:"lock_ttl"`
}

type NotifyConfig struct {
	PollInterval time.Duration   `yaml:"poll_interval"`
	BatchSize    int             `yaml:"batch_size"`
	Log          bool            `yaml:"log"`
	RedisChannel string          `yaml:"redis_channel"`
	WebSocket    bool            `yaml:"websocket"`
	Webhooks     []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with civic config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "civic.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	// Seeded authorities are replaced wholesale, not merged element-wise.
	cfg.Authorities = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Routing.DefaultAuthorityID == "" {
		return fmt.Errorf("config.routing.default_authority_id is required")
	}
	if c.Routing.DefaultTimezone != "" {
		if _, err := time.LoadLocation(c.Routing.DefaultTimezone); err != nil {
			return fmt.Errorf("config.routing.default_timezone: %w", err)
		}
	}
	w := c.Routing.Weights
	for name, v := range map[string]float64{
		"base": w.Base, "load": w.Load, "specialization": w.Specialization,
		"urgent_always_open": w.UrgentAlwaysOpen, "urgent_fast_resolver": w.UrgentFastResolver,
		"fast_resolver_days": w.FastResolverDays, "distance_per_km": w.DistancePerKm, "after_hours": w.AfterHours,
	} {
		if v < 0 {
			return fmt.Errorf("config.routing.weights.%s must not be negative", name)
		}
	}
	for cat, p := range c.Lifecycle.DefaultPriority {
		if !cat.Valid() {
			return fmt.Errorf("config.lifecycle.default_priority has unknown category %s", cat)
		}
		if !p.Valid() {
			return fmt.Errorf("config.lifecycle.default_priority.%s has unknown priority %s", cat, p)
		}
	}
	for cat, days := range c.Lifecycle.BaseDays {
		if !cat.Valid() {
			return fmt.Errorf("config.lifecycle.base_days has unknown category %s", cat)
		}
		if days <= 0 {
			return fmt.Errorf("config.lifecycle.base_days.%s must be positive", cat)
		}
	}
	for cat, conf := range c.Lifecycle.BaseConfidence {
		if !cat.Valid() {
			return fmt.Errorf("config.lifecycle.base_confidence has unknown category %s", cat)
		}
		if conf <= 0 || conf > 1 {
			return fmt.Errorf("config.lifecycle.base_confidence.%s must be in (0,1]", cat)
		}
	}
	for p, m := range c.Lifecycle.PriorityMultipliers {
		if !p.Valid() {
			return fmt.Errorf("config.lifecycle.priority_multipliers has unknown priority %s", p)
		}
		if m <= 0 {
			return fmt.Errorf("config.lifecycle.priority_multipliers.%s must be positive", p)
		}
	}
	if c.Directory.MaxRetries < 1 {
		return fmt.Errorf("config.directory.max_retries must be at least 1")
	}
	if c.Directory.AvailabilityThreshold <= 0 || c.Directory.AvailabilityThreshold > 1 {
		return fmt.Errorf("config.directory.availability_threshold must be in (0,1]")
	}
	if c.Escalation.Interval <= 0 {
		return fmt.Errorf("config.escalation.interval must be positive")
	}
	if c.Escalation.RedisLock && c.Redis.Addr == "" {
		return fmt.Errorf("config.escalation.redis_lock requires config.redis.addr")
	}
	if c.Notify.PollInterval <= 0 {
		return fmt.Errorf("config.notify.poll_interval must be positive")
	}
	if c.Notify.RedisChannel != "" && c.Redis.Addr == "" {
		return fmt.Errorf("config.notify.redis_channel requires config.redis.addr")
	}
	for i, hook := range c.Notify.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url is required", i)
		}
	}
	seen := map[string]bool{}
	for i, a := range c.Authorities {
		if err := validateAuthority(a); err != nil {
			return fmt.Errorf("config.authorities[%d]: %w", i, err)
		}
		if seen[a.ID] {
			return fmt.Errorf("config.authorities[%d]: duplicate id %s", i, a.ID)
		}
		seen[a.ID] = true
		if a.ID == c.Routing.DefaultAuthorityID && (!a.Jurisdiction.Unbounded || !a.Hours.AlwaysOpen) {
			return fmt.Errorf("default authority %s must be unbounded and always open", a.ID)
		}
	}
	return nil
}

func validateAuthority(a domain.Authority) error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if a.Name == "" {
		return fmt.Errorf("authority %s: name is required", a.ID)
	}
	if a.MaxCapacity <= 0 {
		return fmt.Errorf("authority %s: max_capacity must be positive", a.ID)
	}
	if !a.Jurisdiction.Unbounded && a.Jurisdiction.RadiusKm <= 0 {
		return fmt.Errorf("authority %s: jurisdiction radius_km must be positive unless unbounded", a.ID)
	}
	for _, cat := range a.Specializations {
		if !cat.Valid() {
			return fmt.Errorf("authority %s: unknown specialization %s", a.ID, cat)
		}
	}
	if !a.Hours.AlwaysOpen {
		if _, _, err := a.Hours.Window(); err != nil {
			return fmt.Errorf("authority %s: hours: %w", a.ID, err)
		}
	}
	if a.Timezone != "" {
		if _, err := time.LoadLocation(a.Timezone); err != nil {
			return fmt.Errorf("authority %s: timezone: %w", a.ID, err)
		}
	}
	return nil
}

const defaultTemplate = `database:
  path: ""

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  allowed_origins: ["*"]

log:
  level: info
  format: text

routing:
  default_authority_id: central-helpdesk
  default_timezone: UTC
  weights:
    base: 100
    load: 50
    specialization: 20
    urgent_always_open: 15
    urgent_fast_resolver: 10
    fast_resolver_days: 2
    distance_per_km: 0.1
    after_hours: 30

lifecycle:
  urgent_keywords: [emergency, danger, dangerous, hazard, hazardous, gas leak, fire, explosion, electrocution, live wire, collapse, collapsed, injury, injured, accident]
  high_keywords: [broken, blocked, unsafe, overflow, overflowing, flood, flooding, leak, leaking, outage, burst, sewage, pothole]
  default_priority:
    public_safety: high
    health: high
    electricity: medium
    water: medium
    sanitation: medium
    traffic: medium
    infrastructure: medium
    environment: low
    other: low
  base_days:
    infrastructure: 14
    water: 2
    electricity: 1
    sanitation: 3
    traffic: 5
    public_safety: 1
    environment: 10
    health: 2
    other: 7
  base_confidence:
    infrastructure: 0.6
    water: 0.8
    electricity: 0.9
    sanitation: 0.75
    traffic: 0.7
    public_safety: 0.85
    environment: 0.5
    health: 0.8
    other: 0.4
  priority_multipliers:
    urgent: 0.5
    high: 0.7
    medium: 1.0
    low: 1.5

directory:
  max_retries: 3
  availability_threshold: 0.9

escalation:
  enabled: true
  interval: 15m
  reassign_to_supervisor: true
  repeat_after: 0s
  redis_lock: false
  lock_ttl: 5m

notify:
  poll_interval: 2s
  batch_size: 100
  log: true
  redis_channel: ""
  websocket: true
  webhooks: []

redis:
  addr: ""
  password: ""
  db: 0

authorities:
  - id: central-helpdesk
    name: Central Grievance Helpdesk
    type: municipal
    jurisdiction:
      unbounded: true
    hours:
      always_open: true
    specializations: [infrastructure, water, electricity, sanitation, traffic, public_safety, environment, health, other]
    max_capacity: 500
    avg_resolution_days: 5
    active: true
`
