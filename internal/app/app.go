// Package app wires the configured components into one service and owns
// their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"pulse/internal/auth"
	"pulse/internal/backoff"
	"pulse/internal/backplane"
	"pulse/internal/config"
	"pulse/internal/delivery"
	"pulse/internal/eventbus"
	"pulse/internal/metrics"
	"pulse/internal/notification"
	"pulse/internal/presence"
	rtsup "pulse/internal/runtime/supervisor"
	"pulse/internal/server"
	"pulse/internal/socket"
	"pulse/internal/storage"
	"pulse/internal/sweep"
	logx "pulse/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store    storage.Store
	verifier *auth.Verifier
	limiters socket.Limiters
	presence *presence.Registry
	redis    *redis.Client
	queue    *delivery.Queue
	bundler  *notification.Bundler
	bp       backplane.Backplane
	hub      *socket.Hub
	srv      *server.Server
	sweeps   *sweep.Scheduler
	metrics  *metrics.Recorder

	shutdownTimeout time.Duration
	stopped         atomic.Bool
}

// New loads the config file and builds every component. Nothing is started
// and no listener is bound.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}
	logs, log := logx.New(loggingSettings(cfg.Logging))
	a := &App{cfgm: cfgm, logs: logs, log: log.With(logx.String("comp", "app"))}
	if err := a.build(ctx, cfg, log); err != nil {
		a.closeOpened()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }
	a.bus = eventbus.New()
	a.shutdownTimeout = config.DurationOr(cfg.Server.ShutdownTimeout, 10*time.Second)

	sc, err := storageSettings(cfg.Storage)
	if err != nil {
		return err
	}
	if a.store, err = storage.Open(sc, comp("storage")); err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	if a.verifier, err = auth.NewVerifier(authSettings(cfg.Auth), a.store, comp("auth")); err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	a.limiters = socket.Limiters{
		Connection: backoff.New("connection", limiterSettings(cfg.Limiters.Connection)),
		Message:    backoff.New("message", limiterSettings(cfg.Limiters.Message)),
		Call:       backoff.New("call", limiterSettings(cfg.Limiters.Call)),
		Typing:     backoff.New("typing", limiterSettings(cfg.Limiters.Typing)),
	}

	a.presence = presence.New(presenceSettings(cfg.Presence), a.store, nil, comp("presence"), presence.WithBus(a.bus))

	var dedup delivery.Dedup
	if url := strings.TrimSpace(cfg.Delivery.RedisURL); url != "" {
		if a.redis, err = delivery.ConnectRedis(ctx, url); err != nil {
			return err
		}
		dedup = delivery.NewRedisDedup(a.redis, "pulse:dedup:")
	} else {
		dedup = delivery.NewMemoryDedup(100000, time.Now)
	}
	a.queue = delivery.New(deliverySettings(cfg.Delivery), comp("delivery"),
		delivery.WithBus(a.bus),
		delivery.WithDedup(dedup),
		delivery.WithReachable(a.presence.IsOnline),
	)

	a.bundler = notification.New(a.store, bundleWindow(cfg.Notifications), comp("notification"), notification.WithBus(a.bus))

	if a.bp, err = openBackplane(cfg.Backplane, comp("backplane")); err != nil {
		return err
	}

	a.hub, err = socket.New(sessionSettings(cfg.Session, cfg.Server.AllowedOrigins), socket.Deps{
		Verifier:  a.verifier,
		Presence:  a.presence,
		Queue:     a.queue,
		Bundler:   a.bundler,
		Users:     a.store,
		Messages:  a.store,
		Limiters:  a.limiters,
		Backplane: a.bp,
		Bus:       a.bus,
	}, comp("socket"))
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		if a.metrics, err = metrics.New(nil, comp("metrics")); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		if err := a.metrics.Observe(a.gauges); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	a.sweeps = sweep.New(comp("sweep"))
	if err := a.addJobs(cfg); err != nil {
		return err
	}

	a.srv, err = server.New(serverSettings(cfg.Server), server.Deps{
		Socket: a.hub,
		Ready:  a.hub.Accepting,
		Status: a.status,
	}, comp("http"))
	return err
}

func openBackplane(c config.BackplaneConfig, log logx.Logger) (backplane.Backplane, error) {
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case "nats":
		id := backplane.NewNodeID()
		nc, err := backplane.ConnectNATS(c.URL, "pulse-"+id, log)
		if err != nil {
			return nil, fmt.Errorf("backplane: %w", err)
		}
		log.Info("backplane connected", logx.String("driver", "nats"), logx.String("node", id))
		return backplane.NewNATS(nc, c.Prefix, id, true, log), nil
	default:
		return nil, nil
	}
}

func (a *App) gauges() metrics.Gauges {
	ps := a.presence.Stats()
	qs := a.queue.Snapshot()
	return metrics.Gauges{
		Users:           ps.Users,
		Channels:        ps.Channels,
		Sessions:        a.hub.Sessions(),
		QueueRecipients: qs.Recipients,
		QueuePending:    qs.Pending,
		QueueProcessing: qs.Processing,
		Statuses:        qs.Statuses,
		BusDropped:      a.bus.Dropped(),
	}
}

// status is the readiness probe body.
func (a *App) status() any {
	st := map[string]any{
		"presence": a.presence.Stats(),
		"sessions": a.hub.Sessions(),
		"queue":    a.queue.Snapshot(),
		"sweeps":   a.sweeps.Snapshot(),
	}
	if a.sup != nil {
		st["supervisor"] = a.sup.Snapshot()
	}
	return st
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Addr is the bound HTTP address once started.
func (a *App) Addr() string { return a.srv.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.srv.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("http listen: %w", err)
	}
	a.sweeps.Start(a.sup.Context())

	if a.metrics != nil {
		a.sup.Go("metrics.count", func(c context.Context) error {
			return a.metrics.Run(c, a.bus)
		})
	}

	a.sup.Go0("eventbus.log", func(c context.Context) {
		events, unsub := a.bus.Subscribe(128)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	a.log.Info("app started", logx.String("addr", a.srv.Addr()))
	return nil
}

// Stop shuts components down in dependency order. Each step is bounded so
// one component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if a.sup == nil {
		a.closeOpened()
		return a.logs.Close()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.shutdownTimeout)
		defer cancel()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("http", 3*time.Second, a.srv.Stop)
	step("sessions", 3*time.Second, a.hub.Close)
	step("sweeps", time.Second, func(c context.Context) error { a.sweeps.Stop(c); return nil })
	step("delivery", 2*time.Second, a.queue.Stop)
	a.sup.Cancel()
	step("backplane", time.Second, func(context.Context) error { return a.closeBackplane() })
	step("storage", time.Second, func(context.Context) error { return a.closeStorage() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// closeOpened releases whatever build managed to open before failing.
func (a *App) closeOpened() {
	_ = a.closeBackplane()
	_ = a.closeStorage()
}

func (a *App) closeBackplane() error {
	var errs []error
	if a.bp != nil {
		errs = append(errs, a.bp.Close())
		a.bp = nil
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
		a.redis = nil
	}
	return errors.Join(errs...)
}

func (a *App) closeStorage() error {
	if a.verifier != nil {
		a.verifier.Close()
		a.verifier = nil
	}
	if a.metrics != nil {
		_ = a.metrics.Close()
		a.metrics = nil
	}
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}
