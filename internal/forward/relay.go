// Package forward provides the handlers that re-address envelopes from one
// context to another without interpreting their payload.
package forward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gaspardpetit/subrelay/core/logx"
	"github.com/gaspardpetit/subrelay/internal/dispatch"
	"github.com/gaspardpetit/subrelay/internal/platform"
	"github.com/gaspardpetit/subrelay/internal/protocol"
)

// Destination selects where a relayed envelope goes.
type Destination int

const (
	// EnvelopeTab delivers to the tab named by the envelope's tabId.
	EnvelopeTab Destination = iota
	// OriginTab delivers to every frame of the sender's tab.
	OriginTab
	// OriginFrame delivers to the sender's own frame only.
	OriginFrame
	// AllTabs delivers to every open tab.
	AllTabs
	// Players delivers to every tab hosting a live player.
	Players
	// Pages delivers to extension pages that are not attached to a tab.
	Pages
)

func (d Destination) String() string {
	switch d {
	case EnvelopeTab:
		return "envelope-tab"
	case OriginTab:
		return "origin-tab"
	case OriginFrame:
		return "origin-frame"
	case AllTabs:
		return "all-tabs"
	case Players:
		return "players"
	case Pages:
		return "pages"
	}
	return fmt.Sprintf("destination(%d)", int(d))
}

// ErrMissingTab is returned when the destination tab cannot be determined.
var ErrMissingTab = errors.New("forward: no destination tab")

// PlayerLocator lists the tabs hosting a live player.
type PlayerLocator interface {
	PlayerTabIDs() []int
}

// Relay forwards envelopes from the From senders to Dest under the To sender
// tag. The message payload is passed through untouched.
type Relay struct {
	From []string
	// Cmd restricts the relay to one command; empty relays every command.
	Cmd   string
	To    string
	Dest  Destination
	Proxy bool
	// Stamp copies the sender's tab id and the envelope src into the
	// forwarded envelope so receivers know where it came from.
	Stamp bool

	Platform platform.Platform
	Players  PlayerLocator
}

func (r *Relay) Senders() []string { return r.From }
func (r *Relay) Command() string   { return r.Cmd }

func (r *Relay) Handle(ctx context.Context, env protocol.Envelope, origin dispatch.Origin, respond dispatch.Respond) (dispatch.Handled, error) {
	out := protocol.Envelope{Sender: r.To, Command: env.Command, Message: env.Message}
	if r.Stamp {
		out.TabID = origin.TabID
		out.Src = env.Src
	}

	switch r.Dest {
	case EnvelopeTab, OriginTab, OriginFrame:
		tabID, opts := r.target(env, origin)
		if tabID == 0 {
			return dispatch.Sync, fmt.Errorf("%w: %s from %s", ErrMissingTab, r.Dest, env.Sender)
		}
		if r.Proxy && respond != nil {
			opts.ExpectReply = true
			go r.proxy(ctx, tabID, out, opts, respond)
			return dispatch.Async, nil
		}
		if _, err := r.Platform.SendToTab(ctx, tabID, out, opts); err != nil {
			return dispatch.Sync, fmt.Errorf("forward to tab %d: %w", tabID, err)
		}
	case AllTabs:
		tabs, err := r.Platform.QueryTabs(ctx)
		if err != nil {
			return dispatch.Sync, fmt.Errorf("query tabs: %w", err)
		}
		for _, t := range tabs {
			r.sendBestEffort(ctx, t.ID, out)
		}
	case Players:
		if r.Players == nil {
			return dispatch.Sync, errors.New("forward: no player locator")
		}
		for _, id := range r.Players.PlayerTabIDs() {
			r.sendBestEffort(ctx, id, out)
		}
	case Pages:
		if err := r.Platform.SendToPages(ctx, out); err != nil {
			return dispatch.Sync, fmt.Errorf("forward to pages: %w", err)
		}
	default:
		return dispatch.Sync, fmt.Errorf("forward: unknown %s", r.Dest)
	}
	return dispatch.Sync, nil
}

func (r *Relay) target(env protocol.Envelope, origin dispatch.Origin) (int, platform.SendOptions) {
	switch r.Dest {
	case EnvelopeTab:
		return env.TabID, platform.SendOptions{FrameID: env.FrameID}
	case OriginFrame:
		return origin.TabID, platform.SendOptions{FrameID: origin.FrameID}
	default:
		return origin.TabID, platform.SendOptions{}
	}
}

func (r *Relay) proxy(ctx context.Context, tabID int, env protocol.Envelope, opts platform.SendOptions, respond dispatch.Respond) {
	reply, err := r.Platform.SendToTab(ctx, tabID, env, opts)
	if err != nil {
		respond(protocol.ErrorReply{Error: err.Error()})
		return
	}
	if len(reply) == 0 {
		reply = json.RawMessage("null")
	}
	respond(reply)
}

func (r *Relay) sendBestEffort(ctx context.Context, tabID int, env protocol.Envelope) {
	if _, err := r.Platform.SendToTab(ctx, tabID, env, platform.SendOptions{}); err != nil {
		logx.Log.Debug().Err(err).Int("tab_id", tabID).Str("sender", env.Sender).Msg("relay skipped tab")
	}
}
