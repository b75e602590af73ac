// Package platform abstracts the host primitives the background context relies
// on: enumerating tabs, opening tabs and sending messages to them.
package platform

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gaspardpetit/subrelay/internal/protocol"
)

var (
	// ErrTabNotFound is returned when the target tab is not open.
	ErrTabNotFound = errors.New("tab not found")
	// ErrNoReceiver is returned when nothing in the target answers a request.
	ErrNoReceiver = errors.New("no receiving end")
)

// Tab describes an open tab.
type Tab struct {
	ID     int    `json:"id"`
	Index  int    `json:"index"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Active bool   `json:"active"`
}

// OpenOptions controls where a new tab is placed.
type OpenOptions struct {
	Index       int
	OpenerTabID int
	Active      bool
}

// SendOptions narrows delivery to a frame and asks for a reply.
type SendOptions struct {
	FrameID     string
	ExpectReply bool
}

// Platform is the host surface used by the registry and forwarding handlers.
type Platform interface {
	QueryTabs(ctx context.Context) ([]Tab, error)
	OpenTab(ctx context.Context, url string, opts OpenOptions) (Tab, error)
	// SendToTab delivers env to every frame of the tab (or to FrameID only).
	// With ExpectReply it waits for the first reply.
	SendToTab(ctx context.Context, tabID int, env protocol.Envelope, opts SendOptions) (json.RawMessage, error)
	// SendToPages delivers env to extension pages that are not attached to a tab.
	SendToPages(ctx context.Context, env protocol.Envelope) error
}
