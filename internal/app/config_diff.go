package app

import (
	"reflect"
	"sort"
	"strings"

	"relaybot/internal/config"
	"relaybot/pkg/logx"
)

// liveSections are applied without a restart.
var liveSections = map[string]bool{
	"logging":     true,
	"owners":      true,
	"maintenance": true,
}

// summarizeConfigChange returns the changed sections and safe log fields.
// Secrets (token, api hash, DSNs, keys) are never logged.
func summarizeConfigChange(oldCfg, newCfg *config.Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &config.Config{}
	}
	if newCfg == nil {
		newCfg = &config.Config{}
	}

	changed := make([]string, 0, 6)
	fields := make([]logx.Field, 0, 12)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if !reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		changed = append(changed, "owners")
		fields = append(fields, logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)))
	}
	ot.OwnerUserIDs, nt.OwnerUserIDs = nil, nil
	if !reflect.DeepEqual(ot, nt) {
		changed = append(changed, "telegram")
		fields = append(fields, logx.Bool("telegram.token_changed", strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token)))
	}
	if !reflect.DeepEqual(oldCfg.MTProto, newCfg.MTProto) {
		changed = append(changed, "mtproto")
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Limits, newCfg.Limits) {
		changed = append(changed, "limits")
	}
	if !reflect.DeepEqual(oldCfg.Relay, newCfg.Relay) {
		changed = append(changed, "relay")
	}
	if !reflect.DeepEqual(oldCfg.Session, newCfg.Session) {
		changed = append(changed, "session")
	}
	if !reflect.DeepEqual(oldCfg.Broadcast, newCfg.Broadcast) {
		changed = append(changed, "broadcast")
	}
	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		changed = append(changed, "maintenance")
		fields = append(fields,
			logx.Bool("maintenance.enabled", newCfg.Maintenance.Enabled),
			logx.String("maintenance.premium_sweep", newCfg.Maintenance.PremiumSweep),
			logx.String("maintenance.janitor", newCfg.Maintenance.Janitor),
		)
	}
	if !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops) {
		changed = append(changed, "ops")
	}
	if !reflect.DeepEqual(oldCfg.Plan, newCfg.Plan) {
		changed = append(changed, "plan")
	}

	sort.Strings(changed)
	return changed, fields
}

// restartRequired lists changed sections that only take effect after a restart.
func restartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !liveSections[s] {
			out = append(out, s)
		}
	}
	return out
}
