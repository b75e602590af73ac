package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"

	"github.com/gaspardpetit/subrelay/core/logx"
	"github.com/gaspardpetit/subrelay/internal/platform"
	"github.com/gaspardpetit/subrelay/internal/protocol"
)

// ErrNoLauncher is returned by OpenTab when no launcher is configured.
var ErrNoLauncher = errors.New("hub: no launcher configured")

var _ platform.Platform = (*Hub)(nil)

// QueryTabs lists tabs with at least one connected context. Tab metadata
// comes from the top-level frame when it is connected.
func (h *Hub) QueryTabs(ctx context.Context) ([]platform.Tab, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	byID := map[int]*platform.Tab{}
	for _, c := range h.conns {
		if c.info.Kind != protocol.KindTab {
			continue
		}
		t, ok := byID[c.info.TabID]
		if !ok {
			t = &platform.Tab{ID: c.info.TabID, Index: h.order[c.info.TabID]}
			byID[c.info.TabID] = t
		}
		if c.info.FrameID == "" || t.URL == "" {
			t.URL = c.info.URL
			t.Title = c.info.Title
		}
	}
	out := make([]platform.Tab, 0, len(byID))
	for _, t := range byID {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// OpenTab reserves a tab id, appends it to rawURL as the tabId query
// parameter and asks the launcher to open the result. The tab becomes
// visible to QueryTabs once a context registers with that id.
func (h *Hub) OpenTab(ctx context.Context, rawURL string, opts platform.OpenOptions) (platform.Tab, error) {
	if h.cfg.Launcher == nil {
		return platform.Tab{}, ErrNoLauncher
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return platform.Tab{}, fmt.Errorf("open tab: %w", err)
	}
	h.mu.Lock()
	id := h.nextTab
	h.nextTab++
	h.reserved[id] = opts.Index
	h.mu.Unlock()

	q := u.Query()
	q.Set("tabId", strconv.Itoa(id))
	u.RawQuery = q.Encode()
	tab := platform.Tab{ID: id, Index: opts.Index, URL: u.String(), Active: opts.Active}
	if err := h.cfg.Launcher.Launch(ctx, tab.URL); err != nil {
		h.mu.Lock()
		delete(h.reserved, id)
		h.mu.Unlock()
		return platform.Tab{}, fmt.Errorf("launch %s: %w", tab.URL, err)
	}
	logx.Log.Debug().Int("tab_id", id).Int("opener_tab_id", opts.OpenerTabID).Str("url", tab.URL).Msg("tab launched")
	return tab, nil
}

// SendToTab delivers env to the contexts of tabID. With ExpectReply the first
// non-empty reply wins; when every target answers empty ErrNoReceiver is
// returned.
func (h *Hub) SendToTab(ctx context.Context, tabID int, env protocol.Envelope, opts platform.SendOptions) (json.RawMessage, error) {
	h.mu.RLock()
	targets := h.tabConnsLocked(tabID, opts.FrameID)
	h.mu.RUnlock()
	if len(targets) == 0 {
		return nil, platform.ErrTabNotFound
	}

	if !opts.ExpectReply {
		var firstErr error
		sent := 0
		for _, c := range targets {
			if err := c.write(ctx, protocol.Frame{Type: protocol.TypeMessage, Envelope: &env}); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			sent++
		}
		if sent == 0 {
			return nil, firstErr
		}
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.RequestTimeout)
	defer cancel()
	type answer struct {
		payload json.RawMessage
		ok      bool
	}
	answers := make(chan answer, len(targets))
	waiting := 0
	for _, c := range targets {
		id, ch, err := c.request(ctx, env)
		if err != nil {
			continue
		}
		waiting++
		go func(c *conn) {
			select {
			case p, ok := <-ch:
				answers <- answer{p, ok}
			case <-ctx.Done():
				c.forget(id)
				answers <- answer{}
			}
		}(c)
	}
	for ; waiting > 0; waiting-- {
		a := <-answers
		if a.ok && len(a.payload) > 0 {
			return a.payload, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("tab %d: %w", tabID, err)
	}
	return nil, platform.ErrNoReceiver
}

// SendToPages delivers env to every connected extension page.
func (h *Hub) SendToPages(ctx context.Context, env protocol.Envelope) error {
	h.mu.RLock()
	var pages []*conn
	for _, c := range h.conns {
		if c.info.Kind == protocol.KindPage {
			pages = append(pages, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range pages {
		if err := c.write(ctx, protocol.Frame{Type: protocol.TypeMessage, Envelope: &env}); err != nil {
			logx.Log.Debug().Err(err).Str("context_id", c.info.ID).Msg("page delivery failed")
		}
	}
	return nil
}
