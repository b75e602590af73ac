package forward

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gaspardpetit/subrelay/internal/dispatch"
	"github.com/gaspardpetit/subrelay/internal/platform"
	"github.com/gaspardpetit/subrelay/internal/protocol"
)

type fixedPlayers []int

func (f fixedPlayers) PlayerTabIDs() []int { return f }

func newTable(p platform.Platform, players PlayerLocator) *dispatch.Table {
	tbl := dispatch.NewTable()
	tbl.Register(VideoToPlayer(p, players))
	tbl.Register(VideoToPages(p))
	tbl.Register(PlayerToVideo(p))
	tbl.Register(PlayerToVideoRequest(p))
	tbl.Register(PopupToVideo(p))
	tbl.Register(FrameToVideo(p))
	return tbl
}

func capture() (dispatch.Respond, <-chan struct{}, *any) {
	var got any
	respond, done := dispatch.Once(func(payload any) { got = payload })
	return respond, done, &got
}

func TestVideoToPlayerStampsAndPreservesMessage(t *testing.T) {
	mem := platform.NewMemory()
	for i := 1; i <= 3; i++ {
		mem.AddTab(platform.Tab{ID: i}, nil)
	}
	tbl := newTable(mem, fixedPlayers{1, 3})
	msg := json.RawMessage(`{"currentTime":5.25,"paused":false}`)
	env := protocol.Envelope{Sender: protocol.SenderVideo, Command: "currentTime", Message: msg, Src: "blob:abc"}

	if h := tbl.Dispatch(context.Background(), env, dispatch.Origin{TabID: 2}, nil); h != dispatch.Sync {
		t.Fatalf("handled = %v; want sync", h)
	}
	got := mem.Deliveries()
	if len(got) != 2 || got[0].TabID != 1 || got[1].TabID != 3 {
		t.Fatalf("deliveries = %+v", got)
	}
	for _, d := range got {
		e := d.Envelope
		if e.Sender != protocol.SenderExtensionToPlayer || e.Command != "currentTime" {
			t.Fatalf("unexpected envelope %+v", e)
		}
		if e.TabID != 2 || e.Src != "blob:abc" {
			t.Fatalf("envelope not stamped: %+v", e)
		}
		if string(e.Message) != string(msg) {
			t.Fatalf("message = %s; want %s", e.Message, msg)
		}
	}
}

func TestPlayerToVideoUsesEnvelopeTab(t *testing.T) {
	mem := platform.NewMemory()
	mem.AddTab(platform.Tab{ID: 4}, nil)
	mem.AddTab(platform.Tab{ID: 5}, nil)
	tbl := newTable(mem, fixedPlayers{})
	env := protocol.Envelope{Sender: protocol.SenderPlayer, Command: "seek", Message: json.RawMessage(`{"t":1}`), TabID: 5, Src: "s"}

	tbl.Dispatch(context.Background(), env, dispatch.Origin{TabID: 4}, nil)
	got := mem.Deliveries()
	if len(got) != 1 || got[0].TabID != 5 {
		t.Fatalf("deliveries = %+v", got)
	}
	if got[0].Envelope.Sender != protocol.SenderExtensionToVideo || got[0].Envelope.TabID != 0 {
		t.Fatalf("unexpected envelope %+v", got[0].Envelope)
	}
}

func TestPopupWithoutTabReportsError(t *testing.T) {
	mem := platform.NewMemory()
	tbl := newTable(mem, fixedPlayers{})
	respond, done, got := capture()
	tbl.Dispatch(context.Background(), protocol.Envelope{Sender: protocol.SenderPopup, Command: "toggle"}, dispatch.Origin{}, respond)
	<-done
	reply, ok := (*got).(protocol.ErrorReply)
	if !ok || reply.Error == "" {
		t.Fatalf("reply = %#v; want error reply", *got)
	}
	if len(mem.Deliveries()) != 0 {
		t.Fatalf("unexpected deliveries")
	}
}

func TestFrameToVideoTargetsOriginTab(t *testing.T) {
	mem := platform.NewMemory()
	mem.AddTab(platform.Tab{ID: 7}, nil)
	tbl := newTable(mem, fixedPlayers{})
	tbl.Dispatch(context.Background(), protocol.Envelope{Sender: protocol.SenderFrameToVideo, Command: "offset"}, dispatch.Origin{TabID: 7, FrameID: "f1"}, nil)
	got := mem.Deliveries()
	if len(got) != 1 || got[0].TabID != 7 || got[0].FrameID != "" {
		t.Fatalf("deliveries = %+v", got)
	}
}

func TestProxyPassesReplyBack(t *testing.T) {
	mem := platform.NewMemory()
	mem.AddTab(platform.Tab{ID: 2}, func(env protocol.Envelope) (json.RawMessage, error) {
		if env.Sender != protocol.SenderExtensionToVideo || env.Command != protocol.CommandRequest {
			t.Errorf("unexpected envelope %+v", env)
		}
		return json.RawMessage(`{"ok":true}`), nil
	})
	tbl := newTable(mem, fixedPlayers{})
	respond, done, got := capture()
	env := protocol.Envelope{Sender: protocol.SenderPlayer, Command: protocol.CommandRequest, TabID: 2}
	if h := tbl.Dispatch(context.Background(), env, dispatch.Origin{TabID: 9}, respond); h != dispatch.Async {
		t.Fatalf("handled = %v; want async", h)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("no reply")
	}
	raw, ok := (*got).(json.RawMessage)
	if !ok || string(raw) != `{"ok":true}` {
		t.Fatalf("reply = %#v", *got)
	}
}

func TestProxyReportsSendFailure(t *testing.T) {
	mem := platform.NewMemory()
	tbl := newTable(mem, fixedPlayers{})
	respond, done, got := capture()
	env := protocol.Envelope{Sender: protocol.SenderPlayer, Command: protocol.CommandRequest, TabID: 42}
	tbl.Dispatch(context.Background(), env, dispatch.Origin{}, respond)
	<-done
	if reply, ok := (*got).(protocol.ErrorReply); !ok || reply.Error != platform.ErrTabNotFound.Error() {
		t.Fatalf("reply = %#v", *got)
	}
}

func TestVideoStateReachesPages(t *testing.T) {
	mem := platform.NewMemory()
	var seen []protocol.Envelope
	mem.AddPage(func(env protocol.Envelope) (json.RawMessage, error) {
		seen = append(seen, env)
		return nil, nil
	})
	tbl := newTable(mem, fixedPlayers{1})
	tbl.Dispatch(context.Background(), protocol.Envelope{Sender: protocol.SenderVideo, Command: protocol.CommandVideoState, Message: json.RawMessage(`{"playing":true}`)}, dispatch.Origin{TabID: 3}, nil)
	if len(seen) != 1 || seen[0].Sender != protocol.SenderExtensionToPages || seen[0].TabID != 3 {
		t.Fatalf("pages saw %+v", seen)
	}
	if len(mem.Deliveries()) != 0 {
		t.Fatalf("video state leaked to tabs")
	}
}

func TestAllTabsSkipsFailures(t *testing.T) {
	mem := platform.NewMemory()
	for i := 1; i <= 3; i++ {
		mem.AddTab(platform.Tab{ID: i}, nil)
	}
	mem.FailSend = map[int]error{2: errors.New("gone")}
	r := &Relay{From: []string{protocol.SenderPopup}, Cmd: "broadcast", To: protocol.SenderExtensionToVideo, Dest: AllTabs, Platform: mem}
	h, err := r.Handle(context.Background(), protocol.Envelope{Sender: protocol.SenderPopup, Command: "broadcast"}, dispatch.Origin{}, nil)
	if err != nil || h != dispatch.Sync {
		t.Fatalf("handle = %v, %v", h, err)
	}
	got := mem.Deliveries()
	if len(got) != 2 || got[0].TabID != 1 || got[1].TabID != 3 {
		t.Fatalf("deliveries = %+v", got)
	}
}

func TestOriginFrameNarrowsDelivery(t *testing.T) {
	mem := platform.NewMemory()
	mem.AddTab(platform.Tab{ID: 1}, nil)
	r := &Relay{From: []string{"x"}, To: "y", Dest: OriginFrame, Platform: mem}
	if _, err := r.Handle(context.Background(), protocol.Envelope{Sender: "x"}, dispatch.Origin{TabID: 1, FrameID: "f9"}, nil); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := mem.Deliveries(); len(got) != 1 || got[0].FrameID != "f9" {
		t.Fatalf("deliveries = %+v", got)
	}
	_, err := r.Handle(context.Background(), protocol.Envelope{Sender: "x"}, dispatch.Origin{}, nil)
	if !errors.Is(err, ErrMissingTab) {
		t.Fatalf("expected ErrMissingTab got %v", err)
	}
}
