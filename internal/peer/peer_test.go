package peer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gaspardpetit/subrelay/internal/dispatch"
	"github.com/gaspardpetit/subrelay/internal/hub"
	"github.com/gaspardpetit/subrelay/internal/platform"
	"github.com/gaspardpetit/subrelay/internal/protocol"
)

func startHub(t *testing.T, tbl *dispatch.Table) (*hub.Hub, string) {
	t.Helper()
	h := hub.New(hub.Config{})
	h.SetDispatcher(tbl)
	srv := httptest.NewServer(h.WSHandler())
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func runPeer(t *testing.T, p *Peer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-p.Connected():
	case <-time.After(2 * time.Second):
		t.Fatalf("peer did not connect")
	}
}

func TestRequestRoundTrip(t *testing.T) {
	tbl := dispatch.NewTable()
	tbl.Register(dispatch.Func([]string{protocol.SenderPopup}, "echo", func(ctx context.Context, env protocol.Envelope, origin dispatch.Origin, respond dispatch.Respond) (dispatch.Handled, error) {
		respond(env.Message)
		return dispatch.Sync, nil
	}))
	tbl.Register(dispatch.Func([]string{protocol.SenderPopup}, "fail", func(ctx context.Context, env protocol.Envelope, origin dispatch.Origin, respond dispatch.Respond) (dispatch.Handled, error) {
		return dispatch.Sync, errors.New("nope")
	}))
	_, url := startHub(t, tbl)
	p := New(Config{URL: url, Kind: protocol.KindPage})
	runPeer(t, p)

	ctx := context.Background()
	got, err := p.Request(ctx, protocol.Envelope{Sender: protocol.SenderPopup, Command: "echo", Message: json.RawMessage(`{"a":1}`)})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Fatalf("reply = %s", got)
	}
	_, err = p.Request(ctx, protocol.Envelope{Sender: protocol.SenderPopup, Command: "fail"})
	var re *RemoteError
	if !errors.As(err, &re) || re.Message != "nope" {
		t.Fatalf("expected RemoteError got %v", err)
	}
}

func TestServiceReachesPeerHandlers(t *testing.T) {
	h, url := startHub(t, dispatch.NewTable())
	p := New(Config{URL: url})
	p.Handle(dispatch.Func([]string{protocol.SenderExtensionToVideo}, "ping", func(ctx context.Context, env protocol.Envelope, origin dispatch.Origin, respond dispatch.Respond) (dispatch.Handled, error) {
		go respond(map[string]string{"pong": env.Src})
		return dispatch.Async, nil
	}))
	runPeer(t, p)
	if p.TabID() == 0 {
		t.Fatalf("no tab id assigned")
	}
	reply, err := h.SendToTab(context.Background(), p.TabID(), protocol.Envelope{Sender: protocol.SenderExtensionToVideo, Command: "ping", Src: "s"}, platform.SendOptions{ExpectReply: true})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if string(reply) != `{"pong":"s"}` {
		t.Fatalf("reply = %s", reply)
	}
	_, err = h.SendToTab(context.Background(), p.TabID(), protocol.Envelope{Sender: protocol.SenderExtensionToVideo, Command: "unknown"}, platform.SendOptions{ExpectReply: true})
	if !errors.Is(err, platform.ErrNoReceiver) {
		t.Fatalf("expected ErrNoReceiver got %v", err)
	}
}

func TestHeartbeats(t *testing.T) {
	var beats atomic.Int32
	var src atomic.Value
	tbl := dispatch.NewTable()
	tbl.Register(dispatch.Func([]string{protocol.SenderVideo}, protocol.CommandHeartbeat, func(ctx context.Context, env protocol.Envelope, origin dispatch.Origin, respond dispatch.Respond) (dispatch.Handled, error) {
		beats.Add(1)
		src.Store(env.Src)
		return dispatch.Sync, nil
	}))
	_, url := startHub(t, tbl)
	p := New(Config{URL: url, Sender: protocol.SenderVideo, Src: "blob:v", HeartbeatInterval: 20 * time.Millisecond})
	runPeer(t, p)

	deadline := time.Now().Add(2 * time.Second)
	for beats.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("beats = %d", beats.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if src.Load() != "blob:v" {
		t.Fatalf("src = %v", src.Load())
	}
}

func TestSendWithoutConnection(t *testing.T) {
	p := New(Config{URL: "ws://127.0.0.1:1"})
	if err := p.Send(context.Background(), protocol.Envelope{Sender: "x"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected got %v", err)
	}
}

func TestPlayerHeartbeatCarriesID(t *testing.T) {
	got := make(chan json.RawMessage, 4)
	tbl := dispatch.NewTable()
	tbl.Register(dispatch.Func([]string{protocol.SenderPlayer}, protocol.CommandHeartbeat, func(ctx context.Context, env protocol.Envelope, origin dispatch.Origin, respond dispatch.Respond) (dispatch.Handled, error) {
		select {
		case got <- env.Message:
		default:
		}
		return dispatch.Sync, nil
	}))
	_, url := startHub(t, tbl)
	p := New(Config{URL: url, Sender: protocol.SenderPlayer, PlayerID: "p1", HeartbeatInterval: 20 * time.Millisecond})
	runPeer(t, p)

	select {
	case msg := <-got:
		if string(msg) != `{"id":"p1"}` {
			t.Fatalf("heartbeat message = %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no heartbeat")
	}
}
