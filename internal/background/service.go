// Package background wires the dispatch table, tab registry, hub and frame
// bridges into the long-lived service every context talks to.
package background

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/subrelay/core/logx"
	"github.com/gaspardpetit/subrelay/internal/config"
	"github.com/gaspardpetit/subrelay/internal/dispatch"
	"github.com/gaspardpetit/subrelay/internal/forward"
	"github.com/gaspardpetit/subrelay/internal/framebridge"
	"github.com/gaspardpetit/subrelay/internal/handlers"
	"github.com/gaspardpetit/subrelay/internal/hub"
	"github.com/gaspardpetit/subrelay/internal/platform"
	"github.com/gaspardpetit/subrelay/internal/protocol"
	"github.com/gaspardpetit/subrelay/internal/settings"
	"github.com/gaspardpetit/subrelay/internal/tabs"
)

// FrameState is pushed to every bound frame after each sweep.
type FrameState struct {
	Tabs     []tabs.VideoTab `json:"tabs"`
	Settings map[string]any  `json:"settings,omitempty"`
}

// Service is constructed once per process and shared by reference.
type Service struct {
	cfg      config.ServerConfig
	Hub      *hub.Hub
	Registry *tabs.Registry
	Table    *dispatch.Table
	Settings settings.Store
	fetcher  framebridge.Fetcher

	mu     sync.Mutex
	frames map[*framebridge.Client]int
}

// New builds the service. The hub doubles as the platform for the registry
// and every handler.
func New(cfg config.ServerConfig, store settings.Store) *Service {
	hcfg := hub.Config{ClientKey: cfg.ClientKey, ResponseTimeout: cfg.ResponseTimeout}
	if len(cfg.Launcher) > 0 {
		hcfg.Launcher = hub.ExecLauncher{Command: cfg.Launcher[0], Args: cfg.Launcher[1:]}
	}
	h := hub.New(hcfg)
	reg := tabs.New(tabs.Config{
		LivenessWindow: cfg.LivenessWindow,
		SweepInterval:  cfg.SweepInterval,
		PlayerURL:      cfg.PlayerURL,
		FindAttempts:   cfg.FindAttempts,
		FindInterval:   cfg.FindInterval,
	}, h)
	s := &Service{
		cfg:      cfg,
		Hub:      h,
		Registry: reg,
		Table:    dispatch.NewTable(),
		Settings: store,
		fetcher:  framebridge.NewHTTPFetcher(cfg.FetchTimeout),
		frames:   map[*framebridge.Client]int{},
	}
	s.registerHandlers(h)
	h.SetDispatcher(s.Table)
	reg.OnSweep(s.pushState)
	return s
}

func (s *Service) registerHandlers(p platform.Platform) {
	for _, h := range []dispatch.Handler{
		handlers.VideoHeartbeat(s.Registry),
		handlers.PlayerHeartbeat(s.Registry),
		handlers.ListTabs(s.Registry),
		handlers.Mine(s.Registry, s.Settings, p),
		handlers.GetSettings(s.Settings),
		handlers.SetSettings(s.Settings, p),
		handlers.HTTPPost(s.fetcher),
		forward.VideoToPlayer(p, s.Registry),
		forward.VideoToPages(p),
		forward.PlayerToVideo(p),
		forward.PlayerToVideoRequest(p),
		forward.PopupToVideo(p),
		forward.FrameToVideo(p),
	} {
		s.Table.Register(h)
	}
}

// Run sweeps the registry until ctx ends.
func (s *Service) Run(ctx context.Context) {
	logx.Log.Info().Dur("liveness_window", s.Registry.Config().LivenessWindow).Dur("sweep_interval", s.Registry.Config().SweepInterval).Msg("registry sweep started")
	s.Registry.Run(ctx)
}

func (s *Service) state(ctx context.Context, videos []tabs.VideoTab) FrameState {
	st := FrameState{Tabs: videos}
	if vals, err := s.Settings.Get(ctx); err == nil {
		st.Settings = vals
	}
	return st
}

func (s *Service) pushState(videos []tabs.VideoTab) {
	s.mu.Lock()
	clients := make([]*framebridge.Client, 0, len(s.frames))
	for c := range s.frames {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	if len(clients) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.Registry.Config().SweepInterval)
	defer cancel()
	st := s.state(ctx, videos)
	for _, c := range clients {
		if err := c.UpdateState(ctx, st); err != nil {
			logx.Log.Debug().Err(err).Str("frame_id", c.FrameID()).Msg("push frame state")
		}
	}
}

// Frames reports how many frame bridges are bound.
func (s *Service) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// ServeFrame binds a frame bridge for UI embedded in tabID and serves it
// until ctx ends: state is pushed after every sweep, fetches are performed
// on the frame's behalf and completion payloads are forwarded to the tab.
func (s *Service) ServeFrame(ctx context.Context, win framebridge.Window, tabID int) error {
	c := framebridge.NewClient(win, framebridge.WithFetcher(s.fetcher), framebridge.WithHostFetchTimeout(s.cfg.FetchTimeout))
	c.OnFinished(func(raw json.RawMessage) {
		env := protocol.Envelope{Sender: protocol.SenderExtensionToVideo, Command: protocol.CommandFrameFinished, Message: raw}
		if _, err := s.Hub.SendToTab(ctx, tabID, env, platform.SendOptions{}); err != nil {
			logx.Log.Warn().Err(err).Int("tab_id", tabID).Msg("frame result not delivered")
		}
	})
	if err := c.Bind(ctx); err != nil {
		return err
	}
	defer c.Unbind()
	log := logx.Component("framebridge").With().Int("tab_id", tabID).Str("frame_id", c.FrameID()).Logger()
	log.Info().Msg("frame bound")

	s.mu.Lock()
	s.frames[c] = tabID
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.frames, c)
		s.mu.Unlock()
		log.Info().Msg("frame unbound")
	}()

	videos, err := s.Registry.VideoTabs(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("initial frame state")
	}
	if err := c.UpdateState(ctx, s.state(ctx, videos)); err != nil {
		log.Debug().Err(err).Msg("push initial frame state")
	}
	<-ctx.Done()
	return nil
}

// FrameHandler accepts frame bridge connections. The owning tab is given by
// the tabId query parameter.
func (s *Service) FrameHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.ClientKey != "" && r.URL.Query().Get("client_key") != s.cfg.ClientKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		tabID, err := strconv.Atoi(r.URL.Query().Get("tabId"))
		if err != nil || tabID <= 0 {
			http.Error(w, "tabId required", http.StatusBadRequest)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		win := framebridge.NewWSWindow(ctx, c)
		defer func() { _ = win.Close() }()
		go func() {
			select {
			case <-win.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
		if err := s.ServeFrame(ctx, win, tabID); err != nil {
			logx.Log.Warn().Err(err).Int("tab_id", tabID).Msg("frame bridge failed")
			_ = c.Close(websocket.StatusPolicyViolation, err.Error())
		}
	}
}
