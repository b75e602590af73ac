// Command subrelay-peer connects to a subrelay service as one of the
// extension contexts. It is used for manual testing and scripting.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/subrelay/core/config"
	"github.com/gaspardpetit/subrelay/core/logx"
	"github.com/gaspardpetit/subrelay/internal/dispatch"
	"github.com/gaspardpetit/subrelay/internal/framebridge"
	"github.com/gaspardpetit/subrelay/internal/peer"
	"github.com/gaspardpetit/subrelay/internal/protocol"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

type options struct {
	server    string
	clientKey string
	role      string
	logLevel  string
	src       string
	title     string
	pageURL   string
	playerID  string
	tabID     int
	command   string
	message   string
	fetchURL  string
	finished  string
	heartbeat time.Duration
	timeout   time.Duration
}

func main() {
	var o options
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.StringVar(&o.server, "server", config.GetEnv("SUBRELAY_SERVER", "http://localhost:8080"), "service base URL")
	flag.StringVar(&o.clientKey, "client-key", config.GetEnv("CLIENT_KEY", ""), "shared client key")
	flag.StringVar(&o.role, "role", "video", "context to play: video, player, popup or frame")
	flag.StringVar(&o.logLevel, "log-level", config.GetEnv("LOG_LEVEL", "info"), "log verbosity")
	flag.StringVar(&o.src, "src", "blob:subrelay-peer", "video src (video role)")
	flag.StringVar(&o.title, "title", "subrelay-peer", "tab title")
	flag.StringVar(&o.pageURL, "url", "", "page URL reported at registration")
	flag.StringVar(&o.playerID, "player-id", "", "player id (player role)")
	flag.IntVar(&o.tabID, "tab", 0, "target tab id (popup and frame roles)")
	flag.StringVar(&o.command, "command", protocol.CommandListTabs, "command to send (popup role)")
	flag.StringVar(&o.message, "message", "", "JSON message to send (popup role)")
	flag.StringVar(&o.fetchURL, "fetch", "", "URL to POST through the frame bridge (frame role)")
	flag.StringVar(&o.finished, "finished", "", "JSON payload to report as finished (frame role)")
	flag.DurationVar(&o.heartbeat, "heartbeat", time.Second, "heartbeat interval")
	flag.DurationVar(&o.timeout, "timeout", 30*time.Second, "reply timeout")
	flag.Parse()
	if *showVersion {
		fmt.Printf("subrelay-peer version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(o.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch o.role {
	case "video", "player":
		err = runTab(ctx, o)
	case "popup":
		err = runPopup(ctx, o)
	case "frame":
		err = runFrame(ctx, o)
	default:
		err = fmt.Errorf("unknown role %q", o.role)
	}
	if err != nil && ctx.Err() == nil {
		logx.Log.Fatal().Err(err).Str("role", o.role).Msg("peer failed")
	}
}

func wsURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + path
}

func logMessages(sender string) dispatch.Handler {
	return dispatch.Func([]string{sender}, "", func(ctx context.Context, env protocol.Envelope, origin dispatch.Origin, respond dispatch.Respond) (dispatch.Handled, error) {
		logx.Log.Info().Str("command", env.Command).Int("tab_id", env.TabID).Str("src", env.Src).RawJSON("message", orNull(env.Message)).Msg("received")
		return dispatch.Sync, nil
	})
}

func orNull(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return b
}

func runTab(ctx context.Context, o options) error {
	cfg := peer.Config{
		URL:               wsURL(o.server, "/api/connect"),
		ClientKey:         o.clientKey,
		Kind:              protocol.KindTab,
		PageURL:           o.pageURL,
		Title:             o.title,
		Sender:            o.role,
		HeartbeatInterval: o.heartbeat,
		ResponseTimeout:   o.timeout,
		Reconnect:         true,
	}
	inbound := protocol.SenderExtensionToVideo
	if o.role == "player" {
		cfg.PlayerID = o.playerID
		if cfg.PlayerID == "" {
			cfg.PlayerID = fmt.Sprintf("subrelay-peer-%d", os.Getpid())
		}
		inbound = protocol.SenderExtensionToPlayer
	} else {
		cfg.Src = o.src
	}
	p := peer.New(cfg)
	p.Handle(logMessages(inbound))
	go func() {
		select {
		case <-p.Connected():
			logx.Log.Info().Str("role", o.role).Int("tab_id", p.TabID()).Msg("connected")
		case <-ctx.Done():
		}
	}()
	return p.Run(ctx)
}

func runPopup(ctx context.Context, o options) error {
	p := peer.New(peer.Config{
		URL:             wsURL(o.server, "/api/connect"),
		ClientKey:       o.clientKey,
		Kind:            protocol.KindPage,
		PageURL:         o.pageURL,
		ResponseTimeout: o.timeout,
	})
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()
	select {
	case <-p.Connected():
	case err := <-errCh:
		return err
	}
	env := protocol.Envelope{Sender: protocol.SenderPopup, Command: o.command, TabID: o.tabID}
	if o.message != "" {
		if !json.Valid([]byte(o.message)) {
			return fmt.Errorf("message is not valid JSON")
		}
		env.Message = json.RawMessage(o.message)
	}
	reply, err := p.Request(ctx, env)
	if err != nil {
		return err
	}
	fmt.Println(string(orNull(reply)))
	return nil
}

func runFrame(ctx context.Context, o options) error {
	if o.tabID <= 0 {
		return fmt.Errorf("frame role requires --tab")
	}
	u := wsURL(o.server, fmt.Sprintf("/api/frames/connect?tabId=%d", o.tabID))
	if o.clientKey != "" {
		u += "&client_key=" + o.clientKey
	}
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
	win := framebridge.NewWSWindow(ctx, conn)
	s := framebridge.NewServer(win, framebridge.WithFetchTimeout(o.timeout))
	s.OnState(func(raw json.RawMessage) {
		logx.Log.Info().RawJSON("state", raw).Msg("state")
	})
	if err := s.Bind(ctx); err != nil {
		return err
	}
	defer s.Unbind()
	logx.Log.Info().Str("id", s.ID()).Int("tab_id", o.tabID).Msg("frame bound")

	if o.fetchURL != "" {
		var body json.RawMessage
		if o.message != "" {
			body = json.RawMessage(o.message)
		}
		res, err := s.Fetch(ctx, o.fetchURL, body)
		if err != nil {
			return err
		}
		fmt.Println(string(res))
	}
	if o.finished != "" {
		if err := s.Finished(ctx, json.RawMessage(o.finished)); err != nil {
			return err
		}
	}
	select {
	case <-ctx.Done():
	case <-win.Done():
	}
	return nil
}
