package app

import (
	"context"
	"strings"

	"pulse/internal/config"
	logx "pulse/pkg/logx"
)

// reloadLoop applies hot-reloadable settings. Sections that need a restart
// are only reported.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts.
			for drained := false; !drained; {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			if next == nil {
				continue
			}
			a.apply(last, next)
			last = next
		}
	}
}

func (a *App) apply(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(loggingSettings(next.Logging))

	a.limiters.Connection.Apply(limiterSettings(next.Limiters.Connection))
	a.limiters.Message.Apply(limiterSettings(next.Limiters.Message))
	a.limiters.Call.Apply(limiterSettings(next.Limiters.Call))
	a.limiters.Typing.Apply(limiterSettings(next.Limiters.Typing))

	a.bundler.SetWindow(bundleWindow(next.Notifications))
	a.hub.SetInactivityTimeout(inactivityTimeout(next.Session))

	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
