package framebridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gaspardpetit/subrelay/core/logx"
	"github.com/gaspardpetit/subrelay/internal/metrics"
)

const (
	DefaultBindTimeout  = 10 * time.Second
	DefaultFetchTimeout = 5 * time.Second
)

// Client is the host side of a frame bridge.
type Client struct {
	win          Window
	fetcher      Fetcher
	bindTimeout  time.Duration
	fetchTimeout time.Duration

	mu         sync.Mutex
	binding    bool
	frameID    string
	stop       func()
	onFinished func(json.RawMessage)
	ctx        context.Context
	cancel     context.CancelFunc
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBindTimeout overrides how long Bind waits for the ready handshake.
func WithBindTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.bindTimeout = d }
}

// WithFetcher sets the fetcher used to serve fetch pass-through requests.
// Without one, fetches are answered with an error.
func WithFetcher(f Fetcher) ClientOption {
	return func(c *Client) { c.fetcher = f }
}

// WithHostFetchTimeout bounds each privileged request made for the frame.
func WithHostFetchTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.fetchTimeout = d }
}

// NewClient returns a client talking to the frame behind win.
func NewClient(win Window, opts ...ClientOption) *Client {
	c := &Client{win: win, bindTimeout: DefaultBindTimeout, fetchTimeout: 30 * time.Second}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Bind waits for the frame's ready announcement. On timeout the listener is
// detached and ErrHandshakeTimeout is returned. Binding again replaces the
// previous session; its listener is detached first.
func (c *Client) Bind(ctx context.Context) error {
	ready := make(chan struct{}, 1)
	c.mu.Lock()
	prevStop, prevCancel := c.stop, c.cancel
	c.stop = nil
	c.mu.Unlock()
	if prevStop != nil {
		prevStop()
	}
	if prevCancel != nil {
		prevCancel()
	}

	c.mu.Lock()
	c.binding = true
	c.frameID = ""
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	stop := c.win.Listen(func(m Message) { c.handle(m, ready) })

	timer := time.NewTimer(c.bindTimeout)
	defer timer.Stop()
	var err error
	select {
	case <-ready:
		c.mu.Lock()
		c.stop = stop
		c.binding = false
		id := c.frameID
		c.mu.Unlock()
		logx.Log.Debug().Str("frame_id", id).Msg("frame bridge bound")
		return nil
	case <-timer.C:
		err = ErrHandshakeTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}
	stop()
	c.mu.Lock()
	c.binding = false
	c.frameID = ""
	c.cancel()
	c.mu.Unlock()
	return err
}

// FrameID returns the session id learned during the handshake.
func (c *Client) FrameID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frameID
}

// UpdateState pushes state to the frame.
func (c *Client) UpdateState(ctx context.Context, state any) error {
	id := c.FrameID()
	if id == "" {
		return ErrNotBound
	}
	raw, err := marshal(state)
	if err != nil {
		return err
	}
	return c.win.PostMessage(ctx, Message{Sender: senderClient, Command: CommandUpdateState, ID: id, State: raw})
}

// OnFinished sets the callback receiving the frame's completion payload.
// Only the latest callback is kept.
func (c *Client) OnFinished(fn func(json.RawMessage)) {
	c.mu.Lock()
	c.onFinished = fn
	c.mu.Unlock()
}

// Unbind detaches the listener and drops callbacks. In-flight fetches served
// for the frame are canceled.
func (c *Client) Unbind() {
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.frameID = ""
	c.onFinished = nil
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (c *Client) handle(m Message, ready chan<- struct{}) {
	if m.Sender != senderServer {
		return
	}
	c.mu.Lock()
	if m.Command == CommandReady {
		if c.binding && c.frameID == "" && m.ID != "" {
			c.frameID = m.ID
			c.mu.Unlock()
			select {
			case ready <- struct{}{}:
			default:
			}
			return
		}
		c.mu.Unlock()
		return
	}
	if c.frameID == "" || m.ID != c.frameID {
		c.mu.Unlock()
		return
	}
	onFinished := c.onFinished
	ctx := c.ctx
	c.mu.Unlock()

	switch m.Command {
	case CommandFinished:
		if onFinished != nil {
			onFinished(m.Message)
		}
	case CommandFetch:
		go c.serveFetch(ctx, m)
	}
}

func (c *Client) serveFetch(ctx context.Context, m Message) {
	reply := Message{Sender: senderClient, Command: CommandResolveFetch, ID: m.ID, FetchID: m.FetchID}
	if c.fetcher == nil {
		reply.Error = "fetch not supported by host"
	} else {
		fctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
		resp, err := c.fetcher.Post(fctx, m.URL, m.Body)
		cancel()
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Response = resp
		}
	}
	if reply.Error != "" {
		metrics.RecordFrameFetch("error")
		logx.Log.Warn().Str("frame_id", m.ID).Str("url", m.URL).Str("error", reply.Error).Msg("frame fetch failed")
	} else {
		metrics.RecordFrameFetch("ok")
	}
	if ctx.Err() != nil {
		return
	}
	if err := c.win.PostMessage(ctx, reply); err != nil {
		logx.Log.Debug().Err(err).Str("frame_id", m.ID).Msg("post resolveFetch")
	}
}
