package handlers

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/samber/lo"

	"github.com/gaspardpetit/subrelay/core/logx"
	"github.com/gaspardpetit/subrelay/internal/dispatch"
	"github.com/gaspardpetit/subrelay/internal/platform"
	"github.com/gaspardpetit/subrelay/internal/protocol"
	"github.com/gaspardpetit/subrelay/internal/settings"
)

// GetSettingsMessage selects the keys to read; none means all.
type GetSettingsMessage struct {
	Keys []string `json:"keys"`
}

// SettingsUpdatedMessage lists the keys changed by a write.
type SettingsUpdatedMessage struct {
	Keys []string `json:"keys"`
}

// GetSettings answers the popup with the requested settings.
func GetSettings(store settings.Store) dispatch.Handler {
	return dispatch.Func([]string{protocol.SenderPopup}, protocol.CommandGetSettings,
		func(ctx context.Context, env protocol.Envelope, origin dispatch.Origin, respond dispatch.Respond) (dispatch.Handled, error) {
			var msg GetSettingsMessage
			if len(env.Message) > 0 {
				if err := json.Unmarshal(env.Message, &msg); err != nil {
					return dispatch.Sync, err
				}
			}
			vals, err := store.Get(ctx, msg.Keys...)
			if err != nil {
				return dispatch.Sync, err
			}
			if respond != nil {
				respond(vals)
			}
			return dispatch.Sync, nil
		})
}

// SetSettings writes settings from the popup and notifies every tab and
// extension page that they changed.
func SetSettings(store settings.Store, p platform.Platform) dispatch.Handler {
	return dispatch.Func([]string{protocol.SenderPopup}, protocol.CommandSetSettings,
		func(ctx context.Context, env protocol.Envelope, origin dispatch.Origin, respond dispatch.Respond) (dispatch.Handled, error) {
			var vals map[string]any
			if err := json.Unmarshal(env.Message, &vals); err != nil {
				return dispatch.Sync, err
			}
			if err := store.Set(ctx, vals); err != nil {
				return dispatch.Sync, err
			}
			keys := lo.Keys(vals)
			sort.Strings(keys)
			NotifySettingsUpdated(ctx, p, keys)
			if respond != nil {
				respond(SettingsUpdatedMessage{Keys: keys})
			}
			return dispatch.Sync, nil
		})
}

// NotifySettingsUpdated tells every open tab and extension page which keys
// changed. Delivery is best-effort.
func NotifySettingsUpdated(ctx context.Context, p platform.Platform, keys []string) {
	env, err := protocol.Envelope{Sender: protocol.SenderExtensionToVideo, Command: protocol.CommandSettingsUpdated}.WithMessage(SettingsUpdatedMessage{Keys: keys})
	if err != nil {
		return
	}
	open, err := p.QueryTabs(ctx)
	if err != nil {
		logx.Log.Warn().Err(err).Msg("settings broadcast: query tabs")
	}
	for _, t := range open {
		if _, err := p.SendToTab(ctx, t.ID, env, platform.SendOptions{}); err != nil {
			logx.Log.Debug().Err(err).Int("tab_id", t.ID).Msg("settings broadcast skipped tab")
		}
	}
	if err := p.SendToPages(ctx, env); err != nil {
		logx.Log.Debug().Err(err).Msg("settings broadcast to pages")
	}
}
