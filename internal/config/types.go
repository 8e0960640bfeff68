package config

// Config is the on-disk configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m"). A zero
// or omitted duration means "use the default".
type Config struct {
	Server        ServerConfig        `json:"server"`
	Auth          AuthConfig          `json:"auth"`
	Limiters      LimitersConfig      `json:"limiters"`
	Presence      PresenceConfig      `json:"presence"`
	Session       SessionConfig       `json:"session"`
	Delivery      DeliveryConfig      `json:"delivery"`
	Notifications NotificationsConfig `json:"notifications"`
	Storage       StorageConfig       `json:"storage"`
	Backplane     BackplaneConfig     `json:"backplane"`
	Logging       LoggingConfig       `json:"logging"`
	Metrics       MetricsConfig       `json:"metrics"`
}

// ServerConfig controls the HTTP listener.
//
// Pprof mounts /debug/* on the same listener. Prefer binding to localhost
// when it is enabled.
type ServerConfig struct {
	Addr            string   `json:"addr"` // default: "127.0.0.1:8080"
	ReadTimeout     string   `json:"read_timeout,omitempty"`
	WriteTimeout    string   `json:"write_timeout,omitempty"`
	IdleTimeout     string   `json:"idle_timeout,omitempty"`
	ShutdownTimeout string   `json:"shutdown_timeout,omitempty"` // default: "10s"
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`  // empty: any origin
	Pprof           bool     `json:"pprof,omitempty"`
}

// AuthConfig configures token verification. Either Secret (HMAC) or JWKSURL
// must be set. Secret is never logged.
type AuthConfig struct {
	Secret      string `json:"secret,omitempty"`
	Issuer      string `json:"issuer,omitempty"`
	Leeway      string `json:"leeway,omitempty"`
	JWKSURL     string `json:"jwks_url,omitempty"`
	JWKSRefresh string `json:"jwks_refresh,omitempty"` // default: "1h"
}

// LimiterConfig tunes one backoff limiter. Zero fields take the limiter
// defaults.
type LimiterConfig struct {
	MaxAttempts  int     `json:"max_attempts,omitempty"`
	InitialDelay string  `json:"initial_delay,omitempty"`
	Factor       float64 `json:"factor,omitempty"`
	MaxDelay     string  `json:"max_delay,omitempty"`
	Jitter       float64 `json:"jitter,omitempty"`
	Cooldown     string  `json:"cooldown,omitempty"`
	Window       string  `json:"window,omitempty"`
	MaxKeys      int     `json:"max_keys,omitempty"`
}

type LimitersConfig struct {
	Connection LimiterConfig `json:"connection"`
	Message    LimiterConfig `json:"message"`
	Call       LimiterConfig `json:"call"`
	Typing     LimiterConfig `json:"typing"`
}

// PresenceConfig defaults:
//   - reconcile_interval: "5m"
//   - stale_after: "10m"
//   - activity_flush_interval: "1m"
//   - max_connections: 100000
type PresenceConfig struct {
	ReconcileInterval     string `json:"reconcile_interval,omitempty"`
	StaleAfter            string `json:"stale_after,omitempty"`
	ActivityFlushInterval string `json:"activity_flush_interval,omitempty"`
	IdleTTL               string `json:"idle_ttl,omitempty"`
	MaxConnections        int    `json:"max_connections,omitempty"`
}

// SessionConfig controls per-connection behavior.
type SessionConfig struct {
	InactivityTimeout string  `json:"inactivity_timeout,omitempty"` // default: "5m"
	SweepInterval     string  `json:"sweep_interval,omitempty"`     // default: "1m"
	PingInterval      string  `json:"ping_interval,omitempty"`      // default: "25s"
	WriteTimeout      string  `json:"write_timeout,omitempty"`      // default: "10s"
	SendBuffer        int     `json:"send_buffer,omitempty"`        // default: 64
	EventRate         float64 `json:"event_rate,omitempty"`         // inbound events/sec, default: 20
	EventBurst        int     `json:"event_burst,omitempty"`        // default: 40
	MaxFrameBytes     int64   `json:"max_frame_bytes,omitempty"`    // default: 65536
}

// DeliveryConfig controls the pending-message queue.
//
// RedisURL enables cross-node delivery dedup; when empty dedup is
// process-local.
type DeliveryConfig struct {
	Capacity    int    `json:"capacity,omitempty"`     // per recipient, default: 1000
	BatchSize   int    `json:"batch_size,omitempty"`   // default: 10
	MaxAttempts int    `json:"max_attempts,omitempty"` // default: 3
	BatchDelay  string `json:"batch_delay,omitempty"`  // default: "100ms"
	StatusGrace string `json:"status_grace,omitempty"` // default: "5m"
	DedupTTL    string `json:"dedup_ttl,omitempty"`    // default: "10m"
	RedisURL    string `json:"redis_url,omitempty"`
}

type NotificationsConfig struct {
	BundleWindow string `json:"bundle_window,omitempty"` // default: "1h"
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./pulse.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // memory|sqlite
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	Instrument  bool   `json:"instrument,omitempty"`
}

// BackplaneConfig fans events out across nodes. Driver "none" (or empty)
// keeps delivery in-process.
type BackplaneConfig struct {
	Driver string `json:"driver,omitempty"` // none|nats
	URL    string `json:"url,omitempty"`
	Prefix string `json:"prefix,omitempty"` // default: "pulse"
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Sampling LoggingSampling `json:"sampling,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingSampling limits debug/trace volume to Burst events per Period.
// Burst=0 disables sampling.
type LoggingSampling struct {
	Burst  int    `json:"burst,omitempty"`
	Period string `json:"period,omitempty"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"` // snapshot log interval, default: "1m"
}
