package app

import (
	"context"
	"strings"

	"relaybot/pkg/logx"
)

// reloadLoop applies validated config reloads. Owners are read live by the
// router, so only logging and maintenance need explicit work here.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}

			sections, fields := summarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}

			a.logs.Apply(logConfig(newCfg))
			for _, s := range sections {
				if s == "maintenance" {
					if err := a.applyMaintenance(c, newCfg); err != nil {
						a.log.Warn("maintenance reload failed", logx.Err(err))
					}
				}
			}
			if rr := restartRequired(sections); len(rr) > 0 {
				a.log.Warn("config sections changed; restart required for them to take effect",
					logx.String("sections", strings.Join(rr, ",")))
			}

			fields = append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)
			a.log.Info("config reloaded", fields...)
		}
	}
}
