package handlers

import (
	"context"
	"fmt"

	"github.com/gaspardpetit/subrelay/core/logx"
	"github.com/gaspardpetit/subrelay/internal/dispatch"
	"github.com/gaspardpetit/subrelay/internal/platform"
	"github.com/gaspardpetit/subrelay/internal/protocol"
	"github.com/gaspardpetit/subrelay/internal/settings"
	"github.com/gaspardpetit/subrelay/internal/tabs"
)

// MineReply tells the video where a mining request went.
type MineReply struct {
	Destination string `json:"destination"`
	TabID       int    `json:"tabId,omitempty"`
}

// Mine routes a mining request from a video to the configured destination.
// When that is the player, a player tab is found or opened next to the
// video and the request is forwarded to it.
func Mine(reg *tabs.Registry, store settings.Store, p platform.Platform) dispatch.Handler {
	return dispatch.Func([]string{protocol.SenderVideo}, protocol.CommandMine,
		func(ctx context.Context, env protocol.Envelope, origin dispatch.Origin, respond dispatch.Respond) (dispatch.Handled, error) {
			dest, err := settings.String(ctx, store, settings.KeyMiningDestination, settings.DestinationVideo)
			if err != nil {
				return dispatch.Sync, err
			}
			if dest != settings.DestinationPlayer {
				if respond != nil {
					respond(MineReply{Destination: settings.DestinationVideo})
				}
				return dispatch.Sync, nil
			}
			if origin.TabID == 0 {
				return dispatch.Sync, errNoTab
			}

			done := respond
			if done == nil {
				done = func(payload any) {
					if r, ok := payload.(protocol.ErrorReply); ok {
						logx.Log.Warn().Int("tab_id", origin.TabID).Str("error", r.Error).Msg("mine not delivered")
					}
				}
			}
			go func() {
				tabID, err := mineToPlayer(ctx, reg, p, env, origin)
				if err != nil {
					done(protocol.ErrorReply{Error: err.Error()})
					return
				}
				done(MineReply{Destination: settings.DestinationPlayer, TabID: tabID})
			}()
			if respond == nil {
				return dispatch.Sync, nil
			}
			return dispatch.Async, nil
		})
}

func mineToPlayer(ctx context.Context, reg *tabs.Registry, p platform.Platform, env protocol.Envelope, origin dispatch.Origin) (int, error) {
	requester := platform.Tab{ID: origin.TabID}
	open, err := p.QueryTabs(ctx)
	if err != nil {
		return 0, fmt.Errorf("query tabs: %w", err)
	}
	for _, t := range open {
		if t.ID == origin.TabID {
			requester = t
			break
		}
	}
	tabID, err := reg.FindOrCreatePlayerTab(ctx, requester)
	if err != nil {
		return 0, err
	}
	out := protocol.Envelope{
		Sender:  protocol.SenderExtensionToPlayer,
		Command: protocol.CommandMine,
		Message: env.Message,
		TabID:   origin.TabID,
		Src:     env.Src,
	}
	if _, err := p.SendToTab(ctx, tabID, out, platform.SendOptions{}); err != nil {
		return 0, fmt.Errorf("forward mine to tab %d: %w", tabID, err)
	}
	return tabID, nil
}
