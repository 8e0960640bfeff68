package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks fields that would otherwise fail late at wiring time.
// It reports every problem found, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	dur("server.read_timeout", cfg.Server.ReadTimeout)
	dur("server.write_timeout", cfg.Server.WriteTimeout)
	dur("server.idle_timeout", cfg.Server.IdleTimeout)
	dur("server.shutdown_timeout", cfg.Server.ShutdownTimeout)

	if strings.TrimSpace(cfg.Auth.Secret) == "" && strings.TrimSpace(cfg.Auth.JWKSURL) == "" {
		errs = append(errs, errors.New("auth: secret or jwks_url is required"))
	}
	if u := strings.TrimSpace(cfg.Auth.JWKSURL); u != "" {
		if p, err := url.Parse(u); err != nil || p.Scheme == "" || p.Host == "" {
			errs = append(errs, fmt.Errorf("auth.jwks_url: invalid url %q", u))
		}
	}
	dur("auth.leeway", cfg.Auth.Leeway)
	dur("auth.jwks_refresh", cfg.Auth.JWKSRefresh)

	for name, l := range map[string]LimiterConfig{
		"connection": cfg.Limiters.Connection,
		"message":    cfg.Limiters.Message,
		"call":       cfg.Limiters.Call,
		"typing":     cfg.Limiters.Typing,
	} {
		p := "limiters." + name
		if l.MaxAttempts < 0 || l.MaxKeys < 0 {
			errs = append(errs, fmt.Errorf("%s: max_attempts and max_keys must be >= 0", p))
		}
		if l.Factor != 0 && l.Factor < 1 {
			errs = append(errs, fmt.Errorf("%s.factor: must be >= 1", p))
		}
		if l.Jitter < 0 || l.Jitter > 1 {
			errs = append(errs, fmt.Errorf("%s.jitter: must be within [0,1]", p))
		}
		dur(p+".initial_delay", l.InitialDelay)
		dur(p+".max_delay", l.MaxDelay)
		dur(p+".cooldown", l.Cooldown)
		dur(p+".window", l.Window)
	}

	dur("presence.reconcile_interval", cfg.Presence.ReconcileInterval)
	dur("presence.stale_after", cfg.Presence.StaleAfter)
	dur("presence.activity_flush_interval", cfg.Presence.ActivityFlushInterval)
	dur("presence.idle_ttl", cfg.Presence.IdleTTL)

	dur("session.inactivity_timeout", cfg.Session.InactivityTimeout)
	dur("session.sweep_interval", cfg.Session.SweepInterval)
	dur("session.ping_interval", cfg.Session.PingInterval)
	dur("session.write_timeout", cfg.Session.WriteTimeout)
	if cfg.Session.EventRate < 0 || cfg.Session.EventBurst < 0 || cfg.Session.SendBuffer < 0 || cfg.Session.MaxFrameBytes < 0 {
		errs = append(errs, errors.New("session: numeric limits must be >= 0"))
	}

	if cfg.Delivery.Capacity < 0 || cfg.Delivery.BatchSize < 0 || cfg.Delivery.MaxAttempts < 0 {
		errs = append(errs, errors.New("delivery: numeric limits must be >= 0"))
	}
	dur("delivery.batch_delay", cfg.Delivery.BatchDelay)
	dur("delivery.status_grace", cfg.Delivery.StatusGrace)
	dur("delivery.dedup_ttl", cfg.Delivery.DedupTTL)

	dur("notifications.bundle_window", cfg.Notifications.BundleWindow)

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory":
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path: required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Backplane.Driver)) {
	case "", "none":
	case "nats":
		if strings.TrimSpace(cfg.Backplane.URL) == "" {
			errs = append(errs, errors.New("backplane.url: required for nats"))
		}
	default:
		errs = append(errs, fmt.Errorf("backplane.driver: unknown driver %q", cfg.Backplane.Driver))
	}

	if cfg.Logging.Sampling.Burst < 0 {
		errs = append(errs, errors.New("logging.sampling.burst: must be >= 0"))
	}
	dur("logging.sampling.period", cfg.Logging.Sampling.Period)
	dur("metrics.interval", cfg.Metrics.Interval)

	return errors.Join(errs...)
}
