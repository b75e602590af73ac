package framebridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/subrelay/internal/metrics"
)

type fetchResult struct {
	response json.RawMessage
	reason   string
	err      error
}

// Server is the frame side of a frame bridge.
type Server struct {
	win          Window
	fetchTimeout time.Duration

	mu      sync.Mutex
	id      string
	stop    func()
	pending map[string]chan fetchResult
	onState func(json.RawMessage)
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithFetchTimeout overrides how long Fetch waits for the host.
func WithFetchTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.fetchTimeout = d }
}

// NewServer returns a server posting to the host behind win.
func NewServer(win Window, opts ...ServerOption) *Server {
	s := &Server{win: win, fetchTimeout: DefaultFetchTimeout, pending: map[string]chan fetchResult{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Bind starts listening under a fresh session id and announces ready.
func (s *Server) Bind(ctx context.Context) error {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return nil
	}
	s.id = uuid.NewString()
	id := s.id
	s.stop = s.win.Listen(s.handle)
	s.mu.Unlock()
	return s.win.PostMessage(ctx, Message{Sender: senderServer, Command: CommandReady, ID: id})
}

// ID returns the current session id, empty when unbound.
func (s *Server) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// OnState sets the callback receiving state pushed by the host.
func (s *Server) OnState(fn func(json.RawMessage)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

// Finished signals completion to the host with an arbitrary payload.
func (s *Server) Finished(ctx context.Context, payload any) error {
	id := s.ID()
	if id == "" {
		return ErrNotBound
	}
	raw, err := marshal(payload)
	if err != nil {
		return err
	}
	return s.win.PostMessage(ctx, Message{Sender: senderServer, Command: CommandFinished, ID: id, Message: raw})
}

// Fetch asks the host to POST body to url and waits for its response.
func (s *Server) Fetch(ctx context.Context, url string, body any) (json.RawMessage, error) {
	raw, err := marshal(body)
	if err != nil {
		return nil, err
	}
	fetchID := uuid.NewString()
	ch := make(chan fetchResult, 1)
	s.mu.Lock()
	id := s.id
	if id == "" {
		s.mu.Unlock()
		return nil, ErrNotBound
	}
	s.pending[fetchID] = ch
	s.mu.Unlock()

	if err := s.win.PostMessage(ctx, Message{Sender: senderServer, Command: CommandFetch, ID: id, FetchID: fetchID, URL: url, Body: raw}); err != nil {
		s.forget(fetchID)
		return nil, err
	}

	timer := time.NewTimer(s.fetchTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.reason != "" {
			return nil, &FetchError{URL: url, Reason: r.reason}
		}
		return r.response, r.err
	case <-timer.C:
		s.forget(fetchID)
		metrics.RecordFrameFetch("timeout")
		return nil, fmt.Errorf("%w: %s", ErrFetchTimeout, url)
	case <-ctx.Done():
		s.forget(fetchID)
		return nil, ctx.Err()
	}
}

// Pending reports how many fetches await a response.
func (s *Server) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Unbind stops listening and rejects every pending fetch with ErrUnbound.
func (s *Server) Unbind() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.id = ""
	s.onState = nil
	pending := s.pending
	s.pending = map[string]chan fetchResult{}
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	for _, ch := range pending {
		ch <- fetchResult{err: ErrUnbound}
	}
}

func (s *Server) forget(fetchID string) {
	s.mu.Lock()
	delete(s.pending, fetchID)
	s.mu.Unlock()
}

func (s *Server) handle(m Message) {
	if m.Sender != senderClient {
		return
	}
	s.mu.Lock()
	if s.id == "" || m.ID != s.id {
		s.mu.Unlock()
		return
	}
	switch m.Command {
	case CommandUpdateState:
		fn := s.onState
		s.mu.Unlock()
		if fn != nil {
			fn(m.State)
		}
	case CommandResolveFetch:
		ch, ok := s.pending[m.FetchID]
		delete(s.pending, m.FetchID)
		s.mu.Unlock()
		if !ok {
			return
		}
		if m.Error != "" {
			ch <- fetchResult{reason: m.Error}
			return
		}
		ch <- fetchResult{response: m.Response}
	default:
		s.mu.Unlock()
	}
}
