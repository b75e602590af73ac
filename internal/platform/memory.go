package platform

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/gaspardpetit/subrelay/internal/protocol"
)

// Receiver handles a message delivered to an in-memory tab or page. The
// returned payload is used as the reply when one is expected.
type Receiver func(env protocol.Envelope) (json.RawMessage, error)

// Delivery records one message sent through Memory.
type Delivery struct {
	TabID    int
	FrameID  string
	Envelope protocol.Envelope
}

// Memory is an in-process Platform. Tabs are added explicitly; every delivery
// is recorded so callers can inspect traffic.
type Memory struct {
	mu        sync.Mutex
	tabs      map[int]*memTab
	pages     []Receiver
	nextID    int
	delivered []Delivery
	toPages   []protocol.Envelope
	// OnOpen, when set, runs after OpenTab creates a tab.
	OnOpen func(tab Tab)
	// FailSend makes SendToTab fail for the listed tab ids.
	FailSend map[int]error
}

type memTab struct {
	tab Tab
	rcv Receiver
}

// NewMemory returns an empty Memory platform.
func NewMemory() *Memory {
	return &Memory{tabs: map[int]*memTab{}, nextID: 1}
}

// AddTab opens a tab with the given receiver (which may be nil) and returns it.
func (m *Memory) AddTab(tab Tab, rcv Receiver) Tab {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tab.ID == 0 {
		tab.ID = m.nextID
	}
	if tab.ID >= m.nextID {
		m.nextID = tab.ID + 1
	}
	m.tabs[tab.ID] = &memTab{tab: tab, rcv: rcv}
	return tab
}

// CloseTab removes a tab.
func (m *Memory) CloseTab(id int) {
	m.mu.Lock()
	delete(m.tabs, id)
	m.mu.Unlock()
}

// AddPage attaches an extension page receiver.
func (m *Memory) AddPage(rcv Receiver) {
	m.mu.Lock()
	m.pages = append(m.pages, rcv)
	m.mu.Unlock()
}

// Deliveries returns a copy of every tab delivery so far.
func (m *Memory) Deliveries() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Delivery(nil), m.delivered...)
}

// PageDeliveries returns a copy of every page delivery so far.
func (m *Memory) PageDeliveries() []protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Envelope(nil), m.toPages...)
}

func (m *Memory) QueryTabs(ctx context.Context) ([]Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Tab, 0, len(m.tabs))
	for _, t := range m.tabs {
		out = append(out, t.tab)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) OpenTab(ctx context.Context, url string, opts OpenOptions) (Tab, error) {
	tab := m.AddTab(Tab{URL: url, Index: opts.Index, Active: opts.Active}, nil)
	if m.OnOpen != nil {
		m.OnOpen(tab)
	}
	return tab, nil
}

func (m *Memory) SendToTab(ctx context.Context, tabID int, env protocol.Envelope, opts SendOptions) (json.RawMessage, error) {
	m.mu.Lock()
	if err := m.FailSend[tabID]; err != nil {
		m.mu.Unlock()
		return nil, err
	}
	t, ok := m.tabs[tabID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrTabNotFound
	}
	m.delivered = append(m.delivered, Delivery{TabID: tabID, FrameID: opts.FrameID, Envelope: env})
	rcv := t.rcv
	m.mu.Unlock()
	if rcv == nil {
		if opts.ExpectReply {
			return nil, ErrNoReceiver
		}
		return nil, nil
	}
	reply, err := rcv(env)
	if !opts.ExpectReply {
		return nil, nil
	}
	return reply, err
}

func (m *Memory) SendToPages(ctx context.Context, env protocol.Envelope) error {
	m.mu.Lock()
	m.toPages = append(m.toPages, env)
	pages := append([]Receiver(nil), m.pages...)
	m.mu.Unlock()
	for _, p := range pages {
		_, _ = p(env)
	}
	return nil
}
