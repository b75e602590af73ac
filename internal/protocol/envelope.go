// Package protocol defines the wire contract shared by every context: the
// message envelope and the frames that carry it between peers and the
// background service.
package protocol

import (
	"encoding/json"
	"strings"
)

// Sender tags identify the logical origin of a message.
const (
	SenderVideo             = "video"
	SenderPlayer            = "player"
	SenderPopup             = "popup"
	SenderFrameToVideo      = "frame-to-video"
	SenderExtensionToVideo  = "extension-to-video"
	SenderExtensionToPlayer = "extension-to-player"
	SenderExtensionToPages  = "extension-to-pages"
)

// Commands understood by the background service.
const (
	CommandHeartbeat       = "heartbeat"
	CommandTabs            = "tabs"
	CommandMine            = "mine"
	CommandListTabs        = "list-tabs"
	CommandGetSettings     = "get-settings"
	CommandSetSettings     = "set-settings"
	CommandSettingsUpdated = "settings-updated"
	CommandHTTPPost        = "http-post"
	CommandRequest         = "request"
	CommandFrameFinished   = "frame-finished"
	CommandVideoState      = "video-state"
)

// Envelope is the addressing scheme carried by every cross-context message.
// An empty Command means "any command from this sender" and is routed to
// forwarding handlers. TabID 0 means absent; platform tab ids are positive.
type Envelope struct {
	Sender  string          `json:"sender"`
	Command string          `json:"command,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	TabID   int             `json:"tabId,omitempty"`
	Src     string          `json:"src,omitempty"`
	FrameID string          `json:"frameId,omitempty"`
}

// Decode parses raw into an Envelope. ok is false when the payload is not a
// JSON object or carries no sender; such messages are ignored by receivers.
func Decode(raw []byte) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, false
	}
	env.Sender = strings.TrimSpace(env.Sender)
	if env.Sender == "" {
		return Envelope{}, false
	}
	return env, true
}

// WithMessage returns a copy of e whose message is v encoded as JSON.
func (e Envelope) WithMessage(v any) (Envelope, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return e, err
	}
	e.Message = b
	return e, nil
}

// PlayerHeartbeat is the message of a player heartbeat. ID identifies one
// player UI instance; several may live in the same tab.
type PlayerHeartbeat struct {
	ID string `json:"id,omitempty"`
}

// ErrorReply is the reply shape used when a handler fails.
type ErrorReply struct {
	Error string `json:"error"`
}

// ReplyError extracts the error carried by a reply payload, if any.
func ReplyError(payload json.RawMessage) (string, bool) {
	if len(payload) == 0 {
		return "", false
	}
	var r ErrorReply
	if err := json.Unmarshal(payload, &r); err != nil || r.Error == "" {
		return "", false
	}
	return r.Error, true
}
