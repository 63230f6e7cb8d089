package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultPollInterval    = 30 * time.Second
	DefaultQueryWindow     = 30 * time.Second
	DefaultDedupWindow     = 5 * time.Minute
	DefaultStateTTL        = 30 * time.Minute
	DefaultStateMaxEntries = 10000
	DefaultBackoffInitial  = 1 * time.Second
	DefaultBackoffMax      = 60 * time.Second
	DefaultIndex           = "heartbeat-*"
	DefaultServiceField    = "monitor.name"
	DefaultHostField       = "monitor.ip"
	DefaultStatusField     = "monitor.status"
	DefaultTimestampField  = "@timestamp"
	DefaultTopN            = 50
	DefaultMetric          = "probe_success"
	DefaultServiceLabel    = "service"
	DefaultHostLabel       = "instance"
	DefaultRedisKeyPrefix  = "heartwatch:host:"
)

// Config is the top-level configuration parsed from config.yaml.
type Config struct {
	Watchdog WatchdogConfig `yaml:"watchdog"`
}

// WatchdogConfig holds every setting of the watchdog binary.
type WatchdogConfig struct {
	// PollInterval is the sleep between two successful poll cycles.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Backoff bounds the reconnect delay after a failed connection attempt.
	Backoff BackoffConfig `yaml:"backoff"`

	// Source describes the monitoring data store that is polled.
	Source SourceConfig `yaml:"source"`

	// Dedup controls the per-host alert deduplication window.
	Dedup DedupConfig `yaml:"dedup"`

	// State selects where per-host alert state is kept.
	State StateConfig `yaml:"state"`

	// Endpoints is the ordered list of notification destinations.
	Endpoints []Endpoint `yaml:"endpoints"`

	// CredentialsFile optionally points at a JSON list of {"KEY", "CHAT_ID"}
	// objects. Each entry becomes a telegram endpoint appended after Endpoints.
	CredentialsFile string `yaml:"credentials_file"`

	// DefaultEndpoint is the id of the endpoint that receives alerts for
	// services in the default category. When empty, the second endpoint is
	// used if there is one, otherwise the first.
	DefaultEndpoint string `yaml:"default_endpoint"`

	// Categories tag services by name so routing is decided here rather than
	// inferred at alert time. When empty, BuiltinCategories is used.
	Categories []Category `yaml:"categories"`
}

// BackoffConfig is a capped exponential backoff.
type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
}

// SourceConfig describes the data store holding heartbeat events.
type SourceConfig struct {
	// Type is one of: elasticsearch | prometheus.
	Type string `yaml:"type"`

	// Addresses lists the cluster nodes (elasticsearch) or the single
	// exposition URL (prometheus).
	Addresses []string `yaml:"addresses"`

	// QueryWindow is the trailing time span searched for down events.
	QueryWindow time.Duration `yaml:"query_window"`

	// Elasticsearch settings.
	Index          string `yaml:"index"`
	ServiceField   string `yaml:"service_field"`
	HostField      string `yaml:"host_field"`
	StatusField    string `yaml:"status_field"`
	TimestampField string `yaml:"timestamp_field"`
	TopServices    int    `yaml:"top_services"`
	TopHosts       int    `yaml:"top_hosts"`

	// Prometheus settings. A sample of Metric with value 0 is a down event.
	Metric       string `yaml:"metric"`
	ServiceLabel string `yaml:"service_label"`
	HostLabel    string `yaml:"host_label"`

	Auth AuthConfig `yaml:"auth"`
	TLS  TLSConfig  `yaml:"tls"`
}

// AuthConfig specifies how the watchdog authenticates to the data source.
type AuthConfig struct {
	// Mode is one of: apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// Header is the HTTP header carrying the API key (prometheus only;
	// elasticsearch always uses its native ApiKey scheme).
	Header string `yaml:"header"`
	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	// TokenEnv is the name of the environment variable that holds the bearer token.
	TokenEnv string `yaml:"token_env"`

	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key value resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string {
	if a.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(a.PasswordEnv)
}

// TLSConfig holds TLS dial options for the data source.
type TLSConfig struct {
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// DedupConfig controls the alert deduplication state machine.
type DedupConfig struct {
	// Window is the span within which a second sighting of a host raises an alert.
	Window time.Duration `yaml:"window"`
}

// StateConfig selects and bounds the per-host alert state store.
type StateConfig struct {
	// Backend is one of: memory | redis.
	Backend string `yaml:"backend"`

	// TTL is how long an untouched host entry is kept. Must be >= Dedup.Window.
	TTL time.Duration `yaml:"ttl"`

	// MaxEntries caps the in-memory store; least recently used hosts go first.
	MaxEntries int `yaml:"max_entries"`

	RedisAddr        string `yaml:"redis_addr"`
	RedisPasswordEnv string `yaml:"redis_password_env"`
	RedisDB          int    `yaml:"redis_db"`
	KeyPrefix        string `yaml:"key_prefix"`
}

// RedisPassword returns the Redis password resolved from the environment.
func (s StateConfig) RedisPassword() string {
	if s.RedisPasswordEnv == "" {
		return ""
	}
	return os.Getenv(s.RedisPasswordEnv)
}

// Endpoint is one notification destination.
type Endpoint struct {
	// ID is a unique, human-readable identifier used by routing rules.
	ID string `yaml:"id"`

	// Type is one of: telegram | webhook | slack | kafka.
	Type string `yaml:"type"`

	// Telegram fields. Key holds a literal bot key loaded from the
	// credentials file; KeyEnv names an environment variable instead.
	Key     string `yaml:"-"`
	KeyEnv  string `yaml:"key_env"`
	ChatID  string `yaml:"chat_id"`
	BaseURL string `yaml:"base_url"`

	// Webhook and slack fields.
	URLEnv string `yaml:"url_env"`

	// Kafka fields.
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// BotKey returns the telegram bot key, preferring a literal key.
func (e Endpoint) BotKey() string {
	if e.Key != "" {
		return e.Key
	}
	if e.KeyEnv == "" {
		return ""
	}
	return os.Getenv(e.KeyEnv)
}

// URL returns the webhook URL resolved from the environment.
func (e Endpoint) URL() string {
	if e.URLEnv == "" {
		return ""
	}
	return os.Getenv(e.URLEnv)
}

// Category groups services that share a routing rule.
type Category struct {
	Name string `yaml:"name"`

	// Services are exact service names; Prefixes match the start of a name.
	Services []string `yaml:"services"`
	Prefixes []string `yaml:"prefixes"`

	// Broadcast sends alerts to every endpoint. Otherwise Endpoints lists
	// the destination ids.
	Broadcast bool     `yaml:"broadcast"`
	Endpoints []string `yaml:"endpoints"`
}

// BuiltinCategories is the routing used when no category is configured:
// services whose name starts with "[REDIS]" are broadcast to all endpoints.
func BuiltinCategories() []Category {
	return []Category{{Name: "redis", Prefixes: []string{"[REDIS]"}, Broadcast: true}}
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	w := &cfg.Watchdog
	if w.CredentialsFile != "" {
		credPath := w.CredentialsFile
		if !filepath.IsAbs(credPath) {
			credPath = filepath.Join(filepath.Dir(path), credPath)
		}
		eps, err := LoadCredentials(credPath)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		w.Endpoints = append(w.Endpoints, eps...)
	}
	if len(w.Categories) == 0 {
		w.Categories = BuiltinCategories()
	}
	if w.DefaultEndpoint == "" {
		switch {
		case len(w.Endpoints) >= 2:
			w.DefaultEndpoint = w.Endpoints[1].ID
		case len(w.Endpoints) == 1:
			w.DefaultEndpoint = w.Endpoints[0].ID
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Watchdog: WatchdogConfig{
			PollInterval: DefaultPollInterval,
			Backoff: BackoffConfig{
				Initial: DefaultBackoffInitial,
				Max:     DefaultBackoffMax,
			},
			Source: SourceConfig{
				Type:           "elasticsearch",
				QueryWindow:    DefaultQueryWindow,
				Index:          DefaultIndex,
				ServiceField:   DefaultServiceField,
				HostField:      DefaultHostField,
				StatusField:    DefaultStatusField,
				TimestampField: DefaultTimestampField,
				TopServices:    DefaultTopN,
				TopHosts:       DefaultTopN,
				Metric:         DefaultMetric,
				ServiceLabel:   DefaultServiceLabel,
				HostLabel:      DefaultHostLabel,
			},
			Dedup: DedupConfig{Window: DefaultDedupWindow},
			State: StateConfig{
				Backend:    "memory",
				TTL:        DefaultStateTTL,
				MaxEntries: DefaultStateMaxEntries,
				KeyPrefix:  DefaultRedisKeyPrefix,
			},
		},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	w := cfg.Watchdog
	if w.PollInterval <= 0 {
		return fmt.Errorf("watchdog.poll_interval must be positive")
	}
	if w.Backoff.Initial <= 0 || w.Backoff.Max < w.Backoff.Initial {
		return fmt.Errorf("watchdog.backoff: need 0 < initial <= max, got %v..%v", w.Backoff.Initial, w.Backoff.Max)
	}

	src := w.Source
	switch src.Type {
	case "elasticsearch", "prometheus":
	default:
		return fmt.Errorf("source: unknown type %q", src.Type)
	}
	if len(src.Addresses) == 0 {
		return fmt.Errorf("source.addresses is required")
	}
	if src.QueryWindow <= 0 {
		return fmt.Errorf("source.query_window must be positive")
	}
	if src.TopServices <= 0 || src.TopHosts <= 0 {
		return fmt.Errorf("source.top_services and source.top_hosts must be positive")
	}
	switch src.Auth.Mode {
	case "apikey", "bearer", "basic", "none", "":
	default:
		return fmt.Errorf("source: unknown auth mode %q", src.Auth.Mode)
	}

	if w.Dedup.Window <= 0 {
		return fmt.Errorf("dedup.window must be positive")
	}
	switch w.State.Backend {
	case "memory":
		if w.State.MaxEntries <= 0 {
			return fmt.Errorf("state.max_entries must be positive")
		}
	case "redis":
		if w.State.RedisAddr == "" {
			return fmt.Errorf("state.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("state: unknown backend %q", w.State.Backend)
	}
	if w.State.TTL < w.Dedup.Window {
		return fmt.Errorf("state.ttl %v must not be shorter than dedup.window %v", w.State.TTL, w.Dedup.Window)
	}

	if len(w.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required")
	}
	ids := make(map[string]bool, len(w.Endpoints))
	for i, ep := range w.Endpoints {
		if ep.ID == "" {
			return fmt.Errorf("endpoints[%d]: id is required", i)
		}
		if ids[ep.ID] {
			return fmt.Errorf("endpoints[%d]: duplicate id %q", i, ep.ID)
		}
		ids[ep.ID] = true
		switch ep.Type {
		case "telegram":
			if ep.ChatID == "" {
				return fmt.Errorf("endpoints[%d] %q: chat_id is required", i, ep.ID)
			}
		case "webhook", "slack":
			if ep.URLEnv == "" {
				return fmt.Errorf("endpoints[%d] %q: url_env is required", i, ep.ID)
			}
		case "kafka":
			if len(ep.Brokers) == 0 || ep.Topic == "" {
				return fmt.Errorf("endpoints[%d] %q: brokers and topic are required", i, ep.ID)
			}
		default:
			return fmt.Errorf("endpoints[%d] %q: unknown type %q", i, ep.ID, ep.Type)
		}
	}
	if !ids[w.DefaultEndpoint] {
		return fmt.Errorf("default_endpoint %q is not a configured endpoint", w.DefaultEndpoint)
	}

	names := make(map[string]bool, len(w.Categories))
	for i, c := range w.Categories {
		if c.Name == "" || c.Name == "default" {
			return fmt.Errorf("categories[%d]: name must be set and not %q", i, "default")
		}
		if names[c.Name] {
			return fmt.Errorf("categories[%d]: duplicate name %q", i, c.Name)
		}
		names[c.Name] = true
		if !c.Broadcast && len(c.Endpoints) == 0 {
			return fmt.Errorf("categories[%d] %q: needs broadcast or endpoints", i, c.Name)
		}
		for _, id := range c.Endpoints {
			if !ids[id] {
				return fmt.Errorf("categories[%d] %q: unknown endpoint %q", i, c.Name, id)
			}
		}
	}
	return nil
}
