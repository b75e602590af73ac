package handlers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gaspardpetit/subrelay/internal/dispatch"
	"github.com/gaspardpetit/subrelay/internal/framebridge"
	"github.com/gaspardpetit/subrelay/internal/protocol"
)

// HTTPPostMessage asks the background context to POST Body to URL.
type HTTPPostMessage struct {
	URL  string          `json:"url"`
	Body json.RawMessage `json:"body"`
}

// HTTPPost performs a privileged HTTP POST on behalf of any content context
// and replies with the response body.
func HTTPPost(f framebridge.Fetcher) dispatch.Handler {
	senders := []string{protocol.SenderVideo, protocol.SenderPlayer, protocol.SenderPopup, protocol.SenderFrameToVideo}
	return dispatch.Func(senders, protocol.CommandHTTPPost,
		func(ctx context.Context, env protocol.Envelope, origin dispatch.Origin, respond dispatch.Respond) (dispatch.Handled, error) {
			if respond == nil {
				return dispatch.Sync, nil
			}
			var msg HTTPPostMessage
			if err := json.Unmarshal(env.Message, &msg); err != nil {
				return dispatch.Sync, err
			}
			if msg.URL == "" {
				return dispatch.Sync, errors.New("http-post: missing url")
			}
			go func() {
				resp, err := f.Post(ctx, msg.URL, msg.Body)
				if err != nil {
					respond(protocol.ErrorReply{Error: err.Error()})
					return
				}
				respond(resp)
			}()
			return dispatch.Async, nil
		})
}
