package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/gaspardpetit/subrelay/core/logx"
	"github.com/gaspardpetit/subrelay/internal/metrics"
	"github.com/gaspardpetit/subrelay/internal/protocol"
)

type key struct {
	sender  string
	command string
}

// Table maps (sender, command) pairs to handlers.
type Table struct {
	mu       sync.RWMutex
	exact    map[key]Handler
	fallback map[string]Handler
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{exact: map[key]Handler{}, fallback: map[string]Handler{}}
}

// Register adds h for every sender it declares. It panics when another
// handler already claims the same (sender, command) pair.
func (t *Table) Register(h Handler) {
	if h == nil {
		panic("dispatch: nil handler")
	}
	senders := h.Senders()
	if len(senders) == 0 {
		panic("dispatch: handler declares no sender")
	}
	cmd := h.Command()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range senders {
		if s == "" {
			panic("dispatch: empty sender tag")
		}
		if cmd == "" {
			if _, dup := t.fallback[s]; dup {
				panic(fmt.Sprintf("dispatch: fallback handler for sender %q already registered", s))
			}
			continue
		}
		if _, dup := t.exact[key{s, cmd}]; dup {
			panic(fmt.Sprintf("dispatch: handler for (%q, %q) already registered", s, cmd))
		}
	}
	for _, s := range senders {
		if cmd == "" {
			t.fallback[s] = h
		} else {
			t.exact[key{s, cmd}] = h
		}
	}
}

// Lookup returns the exact handler for (sender, command), falling back to the
// handler registered for sender with no command.
func (t *Table) Lookup(sender, command string) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if command != "" {
		if h, ok := t.exact[key{sender, command}]; ok {
			return h, true
		}
	}
	h, ok := t.fallback[sender]
	return h, ok
}

// Dispatch invokes the handler selected for env. Unrouted envelopes are
// dropped silently. Handler errors and panics are turned into an error reply
// when respond is non-nil and logged otherwise; in both cases Sync is
// returned because nothing else will be delivered.
func (t *Table) Dispatch(ctx context.Context, env protocol.Envelope, origin Origin, respond Respond) Handled {
	h, ok := t.Lookup(env.Sender, env.Command)
	if !ok {
		metrics.RecordDispatch(env.Sender, metrics.OutcomeDropped)
		logx.Log.Trace().Str("sender", env.Sender).Str("command", env.Command).Msg("no handler; dropped")
		return Sync
	}
	handled, err := invoke(ctx, h, env, origin, respond)
	if err != nil {
		metrics.RecordDispatch(env.Sender, metrics.OutcomeError)
		if respond != nil {
			respond(protocol.ErrorReply{Error: err.Error()})
		} else {
			logx.Log.Error().Err(err).Str("sender", env.Sender).Str("command", env.Command).Int("tab_id", origin.TabID).Msg("handler failed")
		}
		return Sync
	}
	if handled == Async {
		metrics.RecordDispatch(env.Sender, metrics.OutcomeAsync)
	} else {
		metrics.RecordDispatch(env.Sender, metrics.OutcomeHandled)
	}
	return handled
}

func invoke(ctx context.Context, h Handler, env protocol.Envelope, origin Origin, respond Respond) (handled Handled, err error) {
	defer func() {
		if r := recover(); r != nil {
			handled = Sync
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, env, origin, respond)
}

// Once wraps respond so only the first reply is delivered. It reports through
// the returned channel when that happens.
func Once(respond func(payload any)) (Respond, <-chan struct{}) {
	var once sync.Once
	done := make(chan struct{})
	return func(payload any) {
		once.Do(func() {
			respond(payload)
			close(done)
		})
	}, done
}
