// Package handlers holds the non-forwarding handlers served by the
// background context.
package handlers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gaspardpetit/subrelay/internal/dispatch"
	"github.com/gaspardpetit/subrelay/internal/protocol"
	"github.com/gaspardpetit/subrelay/internal/tabs"
)

var errNoTab = errors.New("sender is not attached to a tab")

// VideoHeartbeat records liveness for the media element in the sender's tab.
func VideoHeartbeat(reg *tabs.Registry) dispatch.Handler {
	return dispatch.Func([]string{protocol.SenderVideo}, protocol.CommandHeartbeat,
		func(ctx context.Context, env protocol.Envelope, origin dispatch.Origin, respond dispatch.Respond) (dispatch.Handled, error) {
			if origin.TabID == 0 {
				return dispatch.Sync, errNoTab
			}
			reg.RecordVideoHeartbeat(origin.TabID, env.Src)
			return dispatch.Sync, nil
		})
}

// PlayerHeartbeat records liveness for a player UI.
func PlayerHeartbeat(reg *tabs.Registry) dispatch.Handler {
	return dispatch.Func([]string{protocol.SenderPlayer}, protocol.CommandHeartbeat,
		func(ctx context.Context, env protocol.Envelope, origin dispatch.Origin, respond dispatch.Respond) (dispatch.Handled, error) {
			var msg protocol.PlayerHeartbeat
			if len(env.Message) > 0 {
				if err := json.Unmarshal(env.Message, &msg); err != nil {
					return dispatch.Sync, err
				}
			}
			if origin.TabID == 0 && msg.ID == "" {
				return dispatch.Sync, errNoTab
			}
			reg.RecordPlayerHeartbeat(origin.TabID, msg.ID)
			return dispatch.Sync, nil
		})
}

// ListTabs answers a player with the live video set.
func ListTabs(reg *tabs.Registry) dispatch.Handler {
	return dispatch.Func([]string{protocol.SenderPlayer}, protocol.CommandListTabs,
		func(ctx context.Context, env protocol.Envelope, origin dispatch.Origin, respond dispatch.Respond) (dispatch.Handled, error) {
			videos, err := reg.VideoTabs(ctx)
			if err != nil {
				return dispatch.Sync, err
			}
			if respond != nil {
				respond(tabs.TabsMessage{Tabs: videos})
			}
			return dispatch.Sync, nil
		})
}
