package protocol

import "encoding/json"

// FrameType enumerates transport frame types.
type FrameType string

const (
	TypeRegister   FrameType = "register"
	TypeRegistered FrameType = "registered"
	TypeMessage    FrameType = "message"
	TypeReply      FrameType = "reply"
)

// Connection kinds announced at registration.
const (
	KindTab  = "tab"
	KindPage = "page"
)

// Frame carries envelopes and replies between a peer and the service.
// A message frame with a non-empty ID expects a reply frame with the same ID.
type Frame struct {
	Type     FrameType       `json:"type"`
	ID       string          `json:"id,omitempty"`
	Envelope *Envelope       `json:"envelope,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// RegisterMessage is the first frame sent by every peer.
// TabID 0 asks the service to allocate one.
type RegisterMessage struct {
	Type      FrameType `json:"type"`
	Kind      string    `json:"kind"`
	TabID     int       `json:"tabId,omitempty"`
	FrameID   string    `json:"frameId,omitempty"`
	URL       string    `json:"url,omitempty"`
	Title     string    `json:"title,omitempty"`
	ClientKey string    `json:"client_key,omitempty"`
}

// RegisteredMessage acknowledges a registration with the effective identity.
type RegisteredMessage struct {
	Type    FrameType `json:"type"`
	TabID   int       `json:"tabId,omitempty"`
	FrameID string    `json:"frameId"`
}
