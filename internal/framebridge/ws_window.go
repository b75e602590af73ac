package framebridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/subrelay/core/logx"
)

// WSWindow is a Window over a WebSocket connection. Reading starts with the
// first Listen call so nothing is lost between accept and bind.
type WSWindow struct {
	conn *websocket.Conn
	ls   listeners

	writeMu sync.Mutex
	start   sync.Once
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWSWindow wraps conn. The connection is owned by the window from now on.
func NewWSWindow(ctx context.Context, conn *websocket.Conn) *WSWindow {
	ctx, cancel := context.WithCancel(ctx)
	conn.SetReadLimit(-1)
	return &WSWindow{conn: conn, ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

func (w *WSWindow) PostMessage(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.Write(wctx, websocket.MessageText, b); err != nil {
		if w.ctx.Err() != nil {
			return ErrWindowClosed
		}
		return err
	}
	return nil
}

func (w *WSWindow) Listen(fn func(Message)) func() {
	stop := w.ls.add(fn)
	w.start.Do(func() { go w.readLoop() })
	return stop
}

// Done is closed once the connection stops reading.
func (w *WSWindow) Done() <-chan struct{} { return w.done }

func (w *WSWindow) readLoop() {
	defer close(w.done)
	for {
		_, data, err := w.conn.Read(w.ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
				logx.Log.Debug().Str("reason", ce.Reason).Msg("frame window closed")
			} else if w.ctx.Err() == nil {
				logx.Log.Debug().Err(err).Msg("frame window read")
			}
			w.cancel()
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logx.Log.Debug().Err(err).Msg("frame window decode")
			continue
		}
		w.ls.emit(msg)
	}
}

// Close closes the underlying connection.
func (w *WSWindow) Close() error {
	w.cancel()
	return w.conn.Close(websocket.StatusNormalClosure, "")
}
