package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gaspardpetit/subrelay/internal/dispatch"
	"github.com/gaspardpetit/subrelay/internal/framebridge"
	"github.com/gaspardpetit/subrelay/internal/platform"
	"github.com/gaspardpetit/subrelay/internal/protocol"
	"github.com/gaspardpetit/subrelay/internal/settings"
	"github.com/gaspardpetit/subrelay/internal/tabs"
)

type fixture struct {
	mem   *platform.Memory
	reg   *tabs.Registry
	store *settings.Memory
	tbl   *dispatch.Table
}

func newFixture(t *testing.T, fetcher framebridge.Fetcher) *fixture {
	t.Helper()
	mem := platform.NewMemory()
	reg := tabs.New(tabs.Config{FindAttempts: 2, FindInterval: 10 * time.Millisecond}, mem)
	store := settings.NewMemory(settings.Defaults())
	tbl := dispatch.NewTable()
	tbl.Register(VideoHeartbeat(reg))
	tbl.Register(PlayerHeartbeat(reg))
	tbl.Register(ListTabs(reg))
	tbl.Register(Mine(reg, store, mem))
	tbl.Register(GetSettings(store))
	tbl.Register(SetSettings(store, mem))
	tbl.Register(HTTPPost(fetcher))
	return &fixture{mem: mem, reg: reg, store: store, tbl: tbl}
}

// call dispatches env and waits for the reply.
func (f *fixture) call(t *testing.T, env protocol.Envelope, origin dispatch.Origin) any {
	t.Helper()
	var got any
	respond, done := dispatch.Once(func(payload any) { got = payload })
	f.tbl.Dispatch(context.Background(), env, origin, respond)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply for %s/%s", env.Sender, env.Command)
	}
	return got
}

func TestHeartbeatsFeedRegistry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.tbl.Dispatch(ctx, protocol.Envelope{Sender: protocol.SenderVideo, Command: protocol.CommandHeartbeat, Src: "blob:a"}, dispatch.Origin{TabID: 3}, nil)
	msg := json.RawMessage(`{"id":"p1"}`)
	f.tbl.Dispatch(ctx, protocol.Envelope{Sender: protocol.SenderPlayer, Command: protocol.CommandHeartbeat, Message: msg}, dispatch.Origin{TabID: 8}, nil)

	if v := f.reg.LiveVideos(); len(v) != 1 || v[0].TabID != 3 || v[0].Src != "blob:a" {
		t.Fatalf("live videos = %+v", v)
	}
	if p := f.reg.LivePlayers(); len(p) != 1 || p[0].TabID != 8 || p[0].PlayerID != "p1" {
		t.Fatalf("live players = %+v", p)
	}
}

func TestPlayerHeartbeatsKeepInstancesApart(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "a"} {
		env := protocol.Envelope{Sender: protocol.SenderPlayer, Command: protocol.CommandHeartbeat, Message: json.RawMessage(`{"id":"` + id + `"}`)}
		f.tbl.Dispatch(ctx, env, dispatch.Origin{TabID: 8}, nil)
	}
	p := f.reg.LivePlayers()
	if len(p) != 2 {
		t.Fatalf("live players = %+v; want 2 sessions", p)
	}
	ids := map[string]int{}
	for _, s := range p {
		ids[s.PlayerID] = s.TabID
	}
	if ids["a"] != 8 || ids["b"] != 8 {
		t.Fatalf("live players = %+v", p)
	}
}

func TestVideoHeartbeatWithoutTab(t *testing.T) {
	f := newFixture(t, nil)
	got := f.call(t, protocol.Envelope{Sender: protocol.SenderVideo, Command: protocol.CommandHeartbeat}, dispatch.Origin{})
	if _, ok := got.(protocol.ErrorReply); !ok {
		t.Fatalf("reply = %#v; want error", got)
	}
	if len(f.reg.LiveVideos()) != 0 {
		t.Fatalf("heartbeat without tab recorded")
	}
}

func TestListTabsIncludesTitles(t *testing.T) {
	f := newFixture(t, nil)
	f.mem.AddTab(platform.Tab{ID: 3, Title: "Movie"}, nil)
	f.reg.RecordVideoHeartbeat(3, "blob:a")
	got := f.call(t, protocol.Envelope{Sender: protocol.SenderPlayer, Command: protocol.CommandListTabs}, dispatch.Origin{TabID: 1})
	msg, ok := got.(tabs.TabsMessage)
	if !ok || len(msg.Tabs) != 1 {
		t.Fatalf("reply = %#v", got)
	}
	if msg.Tabs[0] != (tabs.VideoTab{ID: 3, Title: "Movie", Src: "blob:a"}) {
		t.Fatalf("tab = %+v", msg.Tabs[0])
	}
}

func TestSetSettingsBroadcasts(t *testing.T) {
	f := newFixture(t, nil)
	f.mem.AddTab(platform.Tab{ID: 1}, nil)
	f.mem.AddTab(platform.Tab{ID: 2}, nil)
	var pages []protocol.Envelope
	f.mem.AddPage(func(env protocol.Envelope) (json.RawMessage, error) {
		pages = append(pages, env)
		return nil, nil
	})

	env := protocol.Envelope{Sender: protocol.SenderPopup, Command: protocol.CommandSetSettings, Message: json.RawMessage(`{"miningDestination":"player","volume":0.5}`)}
	got := f.call(t, env, dispatch.Origin{})
	upd, ok := got.(SettingsUpdatedMessage)
	if !ok || strings.Join(upd.Keys, ",") != "miningDestination,volume" {
		t.Fatalf("reply = %#v", got)
	}
	d := f.mem.Deliveries()
	if len(d) != 2 {
		t.Fatalf("deliveries = %+v", d)
	}
	for _, x := range d {
		if x.Envelope.Sender != protocol.SenderExtensionToVideo || x.Envelope.Command != protocol.CommandSettingsUpdated {
			t.Fatalf("unexpected envelope %+v", x.Envelope)
		}
	}
	if len(pages) != 1 {
		t.Fatalf("pages saw %d messages; want 1", len(pages))
	}

	got = f.call(t, protocol.Envelope{Sender: protocol.SenderPopup, Command: protocol.CommandGetSettings, Message: json.RawMessage(`{"keys":["miningDestination"]}`)}, dispatch.Origin{})
	vals, ok := got.(map[string]any)
	if !ok || vals["miningDestination"] != "player" || len(vals) != 1 {
		t.Fatalf("get reply = %#v", got)
	}
}

func TestMineDefaultsToVideo(t *testing.T) {
	f := newFixture(t, nil)
	got := f.call(t, protocol.Envelope{Sender: protocol.SenderVideo, Command: protocol.CommandMine}, dispatch.Origin{TabID: 3})
	if got != (MineReply{Destination: settings.DestinationVideo}) {
		t.Fatalf("reply = %#v", got)
	}
	if len(f.mem.Deliveries()) != 0 {
		t.Fatalf("unexpected deliveries")
	}
}

func TestMineForwardsToLivePlayer(t *testing.T) {
	f := newFixture(t, nil)
	_ = f.store.Set(context.Background(), map[string]any{settings.KeyMiningDestination: settings.DestinationPlayer})
	f.mem.AddTab(platform.Tab{ID: 3, Index: 0}, nil)
	f.mem.AddTab(platform.Tab{ID: 5, Index: 1}, nil)
	f.reg.RecordPlayerHeartbeat(5, "p")

	msg := json.RawMessage(`{"subtitle":"hello"}`)
	got := f.call(t, protocol.Envelope{Sender: protocol.SenderVideo, Command: protocol.CommandMine, Message: msg, Src: "blob:a"}, dispatch.Origin{TabID: 3})
	if got != (MineReply{Destination: settings.DestinationPlayer, TabID: 5}) {
		t.Fatalf("reply = %#v", got)
	}
	d := f.mem.Deliveries()
	if len(d) != 1 || d[0].TabID != 5 {
		t.Fatalf("deliveries = %+v", d)
	}
	e := d[0].Envelope
	if e.Sender != protocol.SenderExtensionToPlayer || e.TabID != 3 || e.Src != "blob:a" || string(e.Message) != string(msg) {
		t.Fatalf("envelope = %+v", e)
	}
}

func TestMineReportsUnavailablePlayer(t *testing.T) {
	f := newFixture(t, nil)
	_ = f.store.Set(context.Background(), map[string]any{settings.KeyMiningDestination: settings.DestinationPlayer})
	f.mem.AddTab(platform.Tab{ID: 3}, nil)
	got := f.call(t, protocol.Envelope{Sender: protocol.SenderVideo, Command: protocol.CommandMine}, dispatch.Origin{TabID: 3})
	reply, ok := got.(protocol.ErrorReply)
	if !ok || !strings.Contains(reply.Error, tabs.ErrPlayerTabUnavailable.Error()) {
		t.Fatalf("reply = %#v", got)
	}
}

func TestHTTPPostReplies(t *testing.T) {
	fetcher := framebridge.FetcherFunc(func(ctx context.Context, url string, body json.RawMessage) (json.RawMessage, error) {
		if url == "http://fail" {
			return nil, errors.New("refused")
		}
		return json.RawMessage(`{"result":6,"error":null}`), nil
	})
	f := newFixture(t, fetcher)
	env := protocol.Envelope{Sender: protocol.SenderPopup, Command: protocol.CommandHTTPPost, Message: json.RawMessage(`{"url":"http://anki","body":{"action":"version"}}`)}
	got := f.call(t, env, dispatch.Origin{})
	if raw, ok := got.(json.RawMessage); !ok || string(raw) != `{"result":6,"error":null}` {
		t.Fatalf("reply = %#v", got)
	}

	env.Message = json.RawMessage(`{"url":"http://fail"}`)
	got = f.call(t, env, dispatch.Origin{})
	if reply, ok := got.(protocol.ErrorReply); !ok || reply.Error != "refused" {
		t.Fatalf("reply = %#v", got)
	}
}
