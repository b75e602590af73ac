// Package framebridge implements the request/reply and push-state channel
// between a host and UI rendered inside a frame it controls. The Client lives
// on the host side, the Server inside the frame.
package framebridge

import (
	"encoding/json"
	"errors"
)

const (
	senderClient = "frame-bridge-client"
	senderServer = "frame-bridge-server"
)

// Bridge commands.
const (
	CommandReady        = "ready"
	CommandUpdateState  = "updateState"
	CommandFinished     = "finished"
	CommandFetch        = "fetch"
	CommandResolveFetch = "resolveFetch"
)

var (
	// ErrHandshakeTimeout is returned by Client.Bind when no ready arrives in time.
	ErrHandshakeTimeout = errors.New("frame bridge: handshake timed out")
	// ErrNotBound is returned when a call requires a completed handshake.
	ErrNotBound = errors.New("frame bridge: not bound")
	// ErrFetchTimeout is returned by Server.Fetch when the host does not answer in time.
	ErrFetchTimeout = errors.New("frame bridge: fetch timed out")
	// ErrUnbound rejects fetches still pending when the server unbinds.
	ErrUnbound = errors.New("frame bridge: unbound")
)

// Message is the payload posted across the window. ID is the server's
// session id and disambiguates bridges sharing a window.
type Message struct {
	Sender   string          `json:"sender"`
	Command  string          `json:"command"`
	ID       string          `json:"id,omitempty"`
	FetchID  string          `json:"fetchId,omitempty"`
	URL      string          `json:"url,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
	State    json.RawMessage `json:"state,omitempty"`
	Message  json.RawMessage `json:"message,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// FetchError carries a failure reported by the host for a fetch pass-through.
type FetchError struct {
	URL    string
	Reason string
}

func (e *FetchError) Error() string {
	return "frame bridge: fetch " + e.URL + ": " + e.Reason
}

func marshal(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
