// Package hub connects browser contexts to the background service over
// WebSocket and exposes them as a platform.Platform.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gaspardpetit/subrelay/core/logx"
	"github.com/gaspardpetit/subrelay/internal/dispatch"
	"github.com/gaspardpetit/subrelay/internal/metrics"
	"github.com/gaspardpetit/subrelay/internal/protocol"
)

const (
	DefaultResponseTimeout = 30 * time.Second
	DefaultRequestTimeout  = 10 * time.Second
	writeTimeout           = 5 * time.Second
)

// ErrResponseTimeout is the reply sent when an async handler never responds.
var ErrResponseTimeout = errors.New("response timeout")

// Dispatcher routes inbound envelopes; *dispatch.Table implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, env protocol.Envelope, origin dispatch.Origin, respond dispatch.Respond) dispatch.Handled
}

// Config holds hub tunables.
type Config struct {
	// ClientKey, when set, must be presented by every peer at registration.
	ClientKey string
	// ResponseTimeout bounds how long an async handler may take to reply.
	ResponseTimeout time.Duration
	// RequestTimeout bounds SendToTab calls that expect a reply.
	RequestTimeout time.Duration
	Launcher       Launcher
}

// Hub tracks connected contexts and routes traffic between them.
type Hub struct {
	cfg        Config
	dispatcher Dispatcher

	mu       sync.RWMutex
	conns    map[string]*conn
	nextTab  int
	reserved map[int]int
	order    map[int]int

	draining atomic.Bool
}

// ContextInfo describes one connected context.
type ContextInfo struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	TabID       int       `json:"tabId,omitempty"`
	FrameID     string    `json:"frameId,omitempty"`
	URL         string    `json:"url,omitempty"`
	Title       string    `json:"title,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type conn struct {
	info ContextInfo
	ws   *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	pending map[string]chan json.RawMessage
}

// New returns a hub. SetDispatcher must be called before peers connect.
func New(cfg Config) *Hub {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &Hub{
		cfg:      cfg,
		conns:    map[string]*conn{},
		nextTab:  1,
		reserved: map[int]int{},
		order:    map[int]int{},
	}
}

// SetDispatcher installs the router for inbound messages.
func (h *Hub) SetDispatcher(d Dispatcher) {
	h.mu.Lock()
	h.dispatcher = d
	h.mu.Unlock()
}

// Contexts returns the connected contexts ordered by tab and frame.
func (h *Hub) Contexts() []ContextInfo {
	h.mu.RLock()
	out := make([]ContextInfo, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c.info)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].TabID != out[j].TabID {
			return out[i].TabID < out[j].TabID
		}
		if out[i].FrameID != out[j].FrameID {
			return out[i].FrameID < out[j].FrameID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Drain stops accepting new contexts. Connected contexts are kept until they
// disconnect or the server shuts down.
func (h *Hub) Drain() { h.draining.Store(true) }

// Draining reports whether Drain was called.
func (h *Hub) Draining() bool { return h.draining.Load() }

// WSHandler accepts peer connections. The first frame must be a register
// message; the handler then serves the connection until it closes.
func (h *Hub) WSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.draining.Load() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c.SetReadLimit(-1)
		ctx := r.Context()
		defer func() { _ = c.Close(websocket.StatusInternalError, "server error") }()

		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var rm protocol.RegisterMessage
		if err := json.Unmarshal(data, &rm); err != nil || rm.Type != protocol.TypeRegister {
			_ = c.Close(websocket.StatusPolicyViolation, "expected register")
			return
		}
		if h.cfg.ClientKey != "" && rm.ClientKey != h.cfg.ClientKey && bearer(r) != h.cfg.ClientKey {
			_ = c.Close(websocket.StatusPolicyViolation, "unauthorized")
			return
		}
		if rm.Kind != protocol.KindTab && rm.Kind != protocol.KindPage {
			_ = c.Close(websocket.StatusPolicyViolation, "invalid kind")
			return
		}

		cn := h.add(c, rm)
		defer h.remove(cn)
		log := logx.Log.With().Str("context_id", cn.info.ID).Str("kind", cn.info.Kind).Int("tab_id", cn.info.TabID).Str("frame_id", cn.info.FrameID).Logger()
		log.Info().Str("remote_addr", r.RemoteAddr).Str("url", cn.info.URL).Msg("context connected")

		ack := protocol.RegisteredMessage{Type: protocol.TypeRegistered, TabID: cn.info.TabID, FrameID: cn.info.FrameID}
		if err := cn.write(ctx, ack); err != nil {
			return
		}

		for {
			_, msg, err := c.Read(ctx)
			if err != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					log.Info().Msg("context disconnected")
				} else {
					log.Debug().Err(err).Msg("context read ended")
				}
				return
			}
			var f protocol.Frame
			if err := json.Unmarshal(msg, &f); err != nil {
				continue
			}
			switch f.Type {
			case protocol.TypeMessage:
				h.handleMessage(ctx, cn, f)
			case protocol.TypeReply:
				cn.resolve(f.ID, f.Payload)
			}
		}
	}
}

func bearer(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (h *Hub) add(c *websocket.Conn, rm protocol.RegisterMessage) *conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	info := ContextInfo{
		ID:          uuid.NewString(),
		Kind:        rm.Kind,
		FrameID:     rm.FrameID,
		URL:         rm.URL,
		Title:       rm.Title,
		ConnectedAt: time.Now(),
	}
	if rm.Kind == protocol.KindTab {
		info.TabID = rm.TabID
		if info.TabID <= 0 {
			info.TabID = h.nextTab
		}
		if info.TabID >= h.nextTab {
			h.nextTab = info.TabID + 1
		}
		if _, ok := h.order[info.TabID]; !ok {
			idx, ok := h.reserved[info.TabID]
			if !ok {
				idx = len(h.order)
			}
			delete(h.reserved, info.TabID)
			h.order[info.TabID] = idx
		}
	}
	cn := &conn{info: info, ws: c, pending: map[string]chan json.RawMessage{}}
	h.conns[info.ID] = cn
	metrics.ContextConnected(info.Kind)
	return cn
}

func (h *Hub) remove(cn *conn) {
	h.mu.Lock()
	delete(h.conns, cn.info.ID)
	if cn.info.Kind == protocol.KindTab && len(h.tabConnsLocked(cn.info.TabID, "")) == 0 {
		delete(h.order, cn.info.TabID)
	}
	h.mu.Unlock()
	metrics.ContextDisconnected(cn.info.Kind)
	cn.mu.Lock()
	for id, ch := range cn.pending {
		close(ch)
		delete(cn.pending, id)
	}
	cn.mu.Unlock()
}

func (h *Hub) handleMessage(ctx context.Context, cn *conn, f protocol.Frame) {
	if f.Envelope == nil {
		return
	}
	env := *f.Envelope
	env.Sender = strings.TrimSpace(env.Sender)
	if env.Sender == "" {
		return
	}
	h.mu.RLock()
	d := h.dispatcher
	h.mu.RUnlock()
	if d == nil {
		return
	}
	origin := dispatch.Origin{TabID: cn.info.TabID, FrameID: cn.info.FrameID, URL: cn.info.URL, Kind: cn.info.Kind}
	if f.ID == "" {
		d.Dispatch(ctx, env, origin, nil)
		return
	}

	id := f.ID
	mctx, cancel := context.WithTimeout(ctx, h.cfg.ResponseTimeout)
	respond, done := dispatch.Once(func(payload any) {
		if err := cn.reply(ctx, id, payload); err != nil {
			logx.Log.Debug().Err(err).Str("context_id", cn.info.ID).Msg("reply failed")
		}
	})
	if d.Dispatch(mctx, env, origin, respond) == dispatch.Sync {
		respond(nil)
		cancel()
		return
	}
	go func() {
		defer cancel()
		select {
		case <-done:
		case <-mctx.Done():
			respond(protocol.ErrorReply{Error: ErrResponseTimeout.Error()})
		}
	}()
}

func (h *Hub) tabConnsLocked(tabID int, frameID string) []*conn {
	var out []*conn
	for _, c := range h.conns {
		if c.info.Kind != protocol.KindTab || c.info.TabID != tabID {
			continue
		}
		if frameID != "" && c.info.FrameID != frameID {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].info.FrameID < out[j].info.FrameID })
	return out
}

func (c *conn) write(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(wctx, websocket.MessageText, b)
}

func (c *conn) reply(ctx context.Context, id string, payload any) error {
	f := protocol.Frame{Type: protocol.TypeReply, ID: id}
	if payload != nil {
		raw, ok := payload.(json.RawMessage)
		if !ok {
			b, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			raw = b
		}
		f.Payload = raw
	}
	return c.write(ctx, f)
}

// request sends env and registers a waiter for its reply.
func (c *conn) request(ctx context.Context, env protocol.Envelope) (string, <-chan json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	if err := c.write(ctx, protocol.Frame{Type: protocol.TypeMessage, ID: id, Envelope: &env}); err != nil {
		c.forget(id)
		return "", nil, err
	}
	return id, ch, nil
}

func (c *conn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *conn) resolve(id string, payload json.RawMessage) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		ch <- payload
	}
}
