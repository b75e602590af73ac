// Package peer is the client side of the hub: a browser context that
// registers with the background service, answers its messages and sends
// its own.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gaspardpetit/subrelay/core/logx"
	"github.com/gaspardpetit/subrelay/core/reconnect"
	"github.com/gaspardpetit/subrelay/internal/dispatch"
	"github.com/gaspardpetit/subrelay/internal/protocol"
)

var (
	// ErrNotConnected is returned when sending while no connection is up.
	ErrNotConnected = errors.New("peer: not connected")
	// ErrConnectionLost fails requests whose connection dropped before a reply.
	ErrConnectionLost = errors.New("peer: connection lost")
)

// RemoteError is an error-shaped reply.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// Config describes the context a peer plays.
type Config struct {
	URL       string
	ClientKey string
	Kind      string
	TabID     int
	FrameID   string
	PageURL   string
	Title     string

	// Sender enables heartbeats under that sender tag when set.
	Sender            string
	Src               string
	PlayerID          string
	HeartbeatInterval time.Duration
	ResponseTimeout   time.Duration
	Reconnect         bool
}

// Peer is one connected context.
type Peer struct {
	cfg   Config
	table *dispatch.Table

	writeMu   sync.Mutex
	mu        sync.Mutex
	conn      *websocket.Conn
	tabID     int
	pending   map[string]chan json.RawMessage
	connected chan struct{}
	once      sync.Once
}

// New returns a peer; call Handle to add handlers, then Run.
func New(cfg Config) *Peer {
	if cfg.Kind == "" {
		cfg.Kind = protocol.KindTab
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Second
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 30 * time.Second
	}
	return &Peer{
		cfg:       cfg,
		table:     dispatch.NewTable(),
		tabID:     cfg.TabID,
		pending:   map[string]chan json.RawMessage{},
		connected: make(chan struct{}),
	}
}

// Handle registers h for messages delivered to this context.
func (p *Peer) Handle(h dispatch.Handler) { p.table.Register(h) }

// Connected is closed after the first successful registration.
func (p *Peer) Connected() <-chan struct{} { return p.connected }

// TabID returns the tab id assigned by the service.
func (p *Peer) TabID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tabID
}

// Run connects and serves until ctx ends. With Reconnect set, dropped
// connections are retried following the reconnect schedule.
func (p *Peer) Run(ctx context.Context) error {
	if !p.cfg.Reconnect {
		return p.connectOnce(ctx, func() {})
	}
	return reconnect.Run(ctx, func(ctx context.Context, connected func()) error {
		err := p.connectOnce(ctx, connected)
		if err != nil && ctx.Err() == nil {
			logx.Log.Warn().Err(err).Str("url", p.cfg.URL).Msg("connection lost; reconnecting")
		}
		return err
	})
}

func (p *Peer) connectOnce(ctx context.Context, connected func()) error {
	var opts *websocket.DialOptions
	if p.cfg.ClientKey != "" {
		opts = &websocket.DialOptions{HTTPHeader: http.Header{"Authorization": []string{"Bearer " + p.cfg.ClientKey}}}
	}
	c, _, err := websocket.Dial(ctx, p.cfg.URL, opts)
	if err != nil {
		return err
	}
	c.SetReadLimit(-1)
	defer func() { _ = c.Close(websocket.StatusNormalClosure, "") }()

	rm := protocol.RegisterMessage{
		Type:      protocol.TypeRegister,
		Kind:      p.cfg.Kind,
		TabID:     p.TabID(),
		FrameID:   p.cfg.FrameID,
		URL:       p.cfg.PageURL,
		Title:     p.cfg.Title,
		ClientKey: p.cfg.ClientKey,
	}
	b, _ := json.Marshal(rm)
	if err := c.Write(ctx, websocket.MessageText, b); err != nil {
		return err
	}
	_, data, err := c.Read(ctx)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	var ack protocol.RegisteredMessage
	if err := json.Unmarshal(data, &ack); err != nil || ack.Type != protocol.TypeRegistered {
		return fmt.Errorf("register: unexpected reply %s", data)
	}

	p.mu.Lock()
	p.conn = c
	p.tabID = ack.TabID
	p.mu.Unlock()
	defer p.drop(c)
	connected()
	p.once.Do(func() { close(p.connected) })
	logx.Log.Info().Str("kind", p.cfg.Kind).Int("tab_id", ack.TabID).Str("frame_id", ack.FrameID).Msg("registered")

	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if p.cfg.Sender != "" {
		go p.heartbeat(hctx)
	}

	for {
		_, msg, err := c.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var f protocol.Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			continue
		}
		switch f.Type {
		case protocol.TypeMessage:
			p.handleMessage(hctx, f)
		case protocol.TypeReply:
			p.resolve(f.ID, f.Payload)
		}
	}
}

func (p *Peer) drop(c *websocket.Conn) {
	p.mu.Lock()
	if p.conn == c {
		p.conn = nil
	}
	pending := p.pending
	p.pending = map[string]chan json.RawMessage{}
	p.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

func (p *Peer) heartbeat(ctx context.Context) {
	env := protocol.Envelope{Sender: p.cfg.Sender, Command: protocol.CommandHeartbeat, Src: p.cfg.Src}
	if p.cfg.PlayerID != "" {
		var err error
		if env, err = env.WithMessage(protocol.PlayerHeartbeat{ID: p.cfg.PlayerID}); err != nil {
			logx.Log.Error().Err(err).Msg("encode heartbeat")
			return
		}
	}
	beat := func() {
		if err := p.Send(ctx, env); err != nil && ctx.Err() == nil {
			logx.Log.Debug().Err(err).Msg("heartbeat")
		}
	}
	beat()
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			beat()
		case <-ctx.Done():
			return
		}
	}
}

func (p *Peer) handleMessage(ctx context.Context, f protocol.Frame) {
	if f.Envelope == nil || f.Envelope.Sender == "" {
		return
	}
	origin := dispatch.Origin{Kind: "background"}
	if f.ID == "" {
		p.table.Dispatch(ctx, *f.Envelope, origin, nil)
		return
	}
	id := f.ID
	respond, done := dispatch.Once(func(payload any) {
		if err := p.reply(ctx, id, payload); err != nil {
			logx.Log.Debug().Err(err).Msg("reply failed")
		}
	})
	mctx, cancel := context.WithTimeout(ctx, p.cfg.ResponseTimeout)
	if p.table.Dispatch(mctx, *f.Envelope, origin, respond) == dispatch.Sync {
		respond(nil)
		cancel()
		return
	}
	go func() {
		defer cancel()
		select {
		case <-done:
		case <-mctx.Done():
			respond(protocol.ErrorReply{Error: "response timeout"})
		}
	}()
}

func (p *Peer) write(ctx context.Context, f protocol.Frame) error {
	p.mu.Lock()
	c := p.conn
	p.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return c.Write(wctx, websocket.MessageText, b)
}

func (p *Peer) reply(ctx context.Context, id string, payload any) error {
	f := protocol.Frame{Type: protocol.TypeReply, ID: id}
	if payload != nil {
		raw, ok := payload.(json.RawMessage)
		if !ok {
			var err error
			if raw, err = json.Marshal(payload); err != nil {
				return err
			}
		}
		f.Payload = raw
	}
	return p.write(ctx, f)
}

// Send delivers env to the service without waiting for a reply.
func (p *Peer) Send(ctx context.Context, env protocol.Envelope) error {
	return p.write(ctx, protocol.Frame{Type: protocol.TypeMessage, Envelope: &env})
}

// Request delivers env and waits for the reply. Error-shaped replies are
// returned as *RemoteError along with the raw payload.
func (p *Peer) Request(ctx context.Context, env protocol.Envelope) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan json.RawMessage, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	if err := p.write(ctx, protocol.Frame{Type: protocol.TypeMessage, ID: id, Envelope: &env}); err != nil {
		p.forget(id)
		return nil, err
	}
	select {
	case payload, ok := <-ch:
		if !ok {
			return nil, ErrConnectionLost
		}
		if msg, isErr := protocol.ReplyError(payload); isErr {
			return payload, &RemoteError{Message: msg}
		}
		return payload, nil
	case <-ctx.Done():
		p.forget(id)
		return nil, ctx.Err()
	}
}

func (p *Peer) forget(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *Peer) resolve(id string, payload json.RawMessage) {
	p.mu.Lock()
	ch, ok := p.pending[id]
	delete(p.pending, id)
	p.mu.Unlock()
	if ok {
		ch <- payload
	}
}
