package app

import (
	"fmt"
	"strings"
	"time"

	"pulse/internal/auth"
	"pulse/internal/backoff"
	"pulse/internal/config"
	"pulse/internal/delivery"
	"pulse/internal/presence"
	"pulse/internal/server"
	"pulse/internal/socket"
	"pulse/internal/storage"
	logx "pulse/pkg/logx"
)

// Mapping from the on-disk config to component settings. Durations were
// checked by config.Validate, so DurationOr only supplies defaults here.

func loggingSettings(c config.LoggingConfig) logx.Config {
	burst := c.Sampling.Burst
	if burst < 0 {
		burst = 0
	}
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Sampling: logx.SamplingConfig{
			Burst:  uint32(burst),
			Period: config.DurationOr(c.Sampling.Period, time.Second),
		},
	}
}

func storageSettings(c config.StorageConfig) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	path := strings.TrimSpace(c.Path)
	if (driver == "sqlite" || driver == "sqlite3") && path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		BusyTimeout: config.DurationOr(c.BusyTimeout, time.Second),
		Instrument:  c.Instrument,
	}, nil
}

func authSettings(c config.AuthConfig) auth.Config {
	return auth.Config{
		Secret:      []byte(c.Secret),
		Issuer:      strings.TrimSpace(c.Issuer),
		Leeway:      config.DurationOr(c.Leeway, 0),
		JWKSURL:     strings.TrimSpace(c.JWKSURL),
		JWKSRefresh: config.DurationOr(c.JWKSRefresh, time.Hour),
	}
}

// limiterSettings leaves zero values in place; backoff.New fills defaults.
func limiterSettings(c config.LimiterConfig) backoff.Config {
	return backoff.Config{
		MaxAttempts:  c.MaxAttempts,
		InitialDelay: config.DurationOr(c.InitialDelay, 0),
		Factor:       c.Factor,
		MaxDelay:     config.DurationOr(c.MaxDelay, 0),
		Jitter:       c.Jitter,
		Cooldown:     config.DurationOr(c.Cooldown, 0),
		Window:       config.DurationOr(c.Window, 0),
		MaxKeys:      c.MaxKeys,
	}
}

func presenceSettings(c config.PresenceConfig) presence.Config {
	return presence.Config{
		StaleAfter:     config.DurationOr(c.StaleAfter, 0),
		MaxConnections: c.MaxConnections,
		IdleTTL:        config.DurationOr(c.IdleTTL, 0),
	}
}

func sessionSettings(c config.SessionConfig, origins []string) socket.Config {
	return socket.Config{
		PingInterval:      config.DurationOr(c.PingInterval, 0),
		WriteTimeout:      config.DurationOr(c.WriteTimeout, 0),
		SendBuffer:        c.SendBuffer,
		EventRate:         c.EventRate,
		EventBurst:        c.EventBurst,
		MaxFrameBytes:     c.MaxFrameBytes,
		InactivityTimeout: inactivityTimeout(c),
		AllowedOrigins:    origins,
	}
}

func inactivityTimeout(c config.SessionConfig) time.Duration {
	return config.DurationOr(c.InactivityTimeout, 5*time.Minute)
}

func deliverySettings(c config.DeliveryConfig) delivery.Config {
	cfg := delivery.Config{
		Capacity:    c.Capacity,
		BatchSize:   c.BatchSize,
		MaxAttempts: c.MaxAttempts,
		BatchDelay:  config.DurationOr(c.BatchDelay, 0),
		StatusGrace: config.DurationOr(c.StatusGrace, 0),
		DedupTTL:    config.DurationOr(c.DedupTTL, 0),
	}
	// "0s" in the file means no pause; DurationOr cannot tell it from unset.
	if strings.TrimSpace(c.BatchDelay) != "" && cfg.BatchDelay == 0 {
		cfg.BatchDelay = -1
	}
	return cfg
}

func serverSettings(c config.ServerConfig) server.Config {
	return server.Config{
		Addr:         strings.TrimSpace(c.Addr),
		ReadTimeout:  config.DurationOr(c.ReadTimeout, 0),
		WriteTimeout: config.DurationOr(c.WriteTimeout, 0),
		IdleTimeout:  config.DurationOr(c.IdleTimeout, 2*time.Minute),
		Pprof:        c.Pprof,
	}
}

func bundleWindow(c config.NotificationsConfig) time.Duration {
	return config.DurationOr(c.BundleWindow, time.Hour)
}

// interval returns the period for a sweep job.
func interval(raw string, def time.Duration) time.Duration {
	return config.DurationOr(raw, def)
}
