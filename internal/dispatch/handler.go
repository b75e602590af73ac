// Package dispatch routes inbound envelopes to exactly one registered handler.
package dispatch

import (
	"context"

	"github.com/gaspardpetit/subrelay/internal/protocol"
)

// Handled tells the transport whether a response is still to come.
type Handled int

const (
	// Sync means the handler is done; no deferred response will be delivered.
	Sync Handled = iota
	// Async means respond will be invoked later and the reply channel must
	// stay open until then or until the transport's timeout elapses.
	Async
)

func (h Handled) String() string {
	if h == Async {
		return "async"
	}
	return "sync"
}

// Origin describes the context a message came from.
type Origin struct {
	TabID   int
	FrameID string
	URL     string
	Kind    string
}

// Respond delivers a reply to the sender. It is nil when the sender does not
// wait for a reply. Only the first call has an effect.
type Respond func(payload any)

// Handler handles envelopes from one or more senders. An empty Command matches
// any command from those senders and is only used when no exact handler exists.
type Handler interface {
	Senders() []string
	Command() string
	Handle(ctx context.Context, env protocol.Envelope, origin Origin, respond Respond) (Handled, error)
}

// HandleFunc is the signature of Handler.Handle.
type HandleFunc func(ctx context.Context, env protocol.Envelope, origin Origin, respond Respond) (Handled, error)

type funcHandler struct {
	senders []string
	command string
	fn      HandleFunc
}

func (h funcHandler) Senders() []string { return h.senders }
func (h funcHandler) Command() string   { return h.command }
func (h funcHandler) Handle(ctx context.Context, env protocol.Envelope, origin Origin, respond Respond) (Handled, error) {
	return h.fn(ctx, env, origin, respond)
}

// Func adapts fn to the Handler interface.
func Func(senders []string, command string, fn HandleFunc) Handler {
	return funcHandler{senders: senders, command: command, fn: fn}
}
