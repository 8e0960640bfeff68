package config

import (
	"encoding/json"
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "pulse/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = map[string]bool{
	"server":    true,
	"auth":      true,
	"storage":   true,
	"backplane": true,
	"delivery":  true,
}

// SummarizeChange returns (1) a sorted list of changed sections, (2) safe
// structured fields for logging (never secrets), and (3) the changed sections
// that need a restart to apply.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)),
			logx.Bool("server.pprof", newCfg.Server.Pprof),
			logx.Int("server.allowed_origins", len(newCfg.Server.AllowedOrigins)),
		)
	}

	// Auth (never log the secret)
	oa, na := oldCfg.Auth, newCfg.Auth
	if oa.Issuer != na.Issuer || oa.Leeway != na.Leeway || oa.JWKSURL != na.JWKSURL ||
		oa.JWKSRefresh != na.JWKSRefresh || oa.Secret != na.Secret {
		changed = append(changed, "auth")
		attrs = append(attrs,
			logx.Bool("auth.secret_set", strings.TrimSpace(na.Secret) != ""),
			logx.Bool("auth.secret_changed", oa.Secret != na.Secret),
			logx.Bool("auth.jwks", strings.TrimSpace(na.JWKSURL) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Limiters, newCfg.Limiters) {
		changed = append(changed, "limiters")
		attrs = append(attrs,
			logx.Int("limiters.message.max_attempts", newCfg.Limiters.Message.MaxAttempts),
			logx.Int("limiters.connection.max_attempts", newCfg.Limiters.Connection.MaxAttempts),
		)
	}
	if oldCfg.Presence != newCfg.Presence {
		changed = append(changed, "presence")
		attrs = append(attrs,
			logx.String("presence.stale_after", newCfg.Presence.StaleAfter),
			logx.String("presence.reconcile_interval", newCfg.Presence.ReconcileInterval),
		)
	}
	if oldCfg.Session != newCfg.Session {
		changed = append(changed, "session")
		attrs = append(attrs, logx.String("session.inactivity_timeout", newCfg.Session.InactivityTimeout))
	}
	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Int("delivery.capacity", newCfg.Delivery.Capacity),
			logx.Bool("delivery.redis_dedup", strings.TrimSpace(newCfg.Delivery.RedisURL) != ""),
		)
	}
	if oldCfg.Notifications != newCfg.Notifications {
		changed = append(changed, "notifications")
		attrs = append(attrs, logx.String("notifications.bundle_window", newCfg.Notifications.BundleWindow))
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}
	if oldCfg.Backplane != newCfg.Backplane {
		changed = append(changed, "backplane")
		attrs = append(attrs, logx.String("backplane.driver", strings.TrimSpace(newCfg.Backplane.Driver)))
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}

	sort.Strings(changed)
	var restart []string
	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
