// Package tabs tracks which player UIs and video elements are alive, based on
// the heartbeats their contexts send, and publishes the live set.
package tabs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/gaspardpetit/subrelay/core/logx"
	"github.com/gaspardpetit/subrelay/internal/metrics"
	"github.com/gaspardpetit/subrelay/internal/platform"
	"github.com/gaspardpetit/subrelay/internal/protocol"
)

const (
	DefaultLivenessWindow = 5 * time.Second
	DefaultSweepInterval  = time.Second
	DefaultFindAttempts   = 5
	DefaultFindInterval   = time.Second
)

// ErrPlayerTabUnavailable is returned when no player tab could be found or created.
var ErrPlayerTabUnavailable = errors.New("could not find or create player tab")

// Config holds the registry tunables.
type Config struct {
	LivenessWindow time.Duration
	SweepInterval  time.Duration
	// PlayerURL is opened when a destination player is needed and none is live.
	PlayerURL    string
	FindAttempts int
	FindInterval time.Duration
	// BroadcastConcurrency bounds parallel sends during a broadcast.
	BroadcastConcurrency int
}

func (c *Config) setDefaults() {
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = DefaultLivenessWindow
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.FindAttempts <= 0 {
		c.FindAttempts = DefaultFindAttempts
	}
	if c.FindInterval <= 0 {
		c.FindInterval = DefaultFindInterval
	}
	if c.BroadcastConcurrency <= 0 {
		c.BroadcastConcurrency = 8
	}
}

// PlayerSession is one live player UI instance.
type PlayerSession struct {
	TabID         int       `json:"tabId"`
	PlayerID      string    `json:"playerId"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// VideoSession is one tracked media element, keyed by tab and src.
type VideoSession struct {
	TabID         int       `json:"tabId"`
	Src           string    `json:"src"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// VideoTab is the broadcast representation of a live video element.
type VideoTab struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
	Src   string `json:"src"`
}

// TabsMessage is the payload of the periodic tabs broadcast.
type TabsMessage struct {
	Tabs []VideoTab `json:"tabs"`
}

// Registry is the heartbeat-based liveness tracker.
type Registry struct {
	cfg      Config
	platform platform.Platform
	now      func() time.Time

	mu      sync.Mutex
	players map[string]*PlayerSession
	videos  map[string]*VideoSession
	onSweep []func([]VideoTab)
}

// New returns a registry using p to enumerate and message tabs.
func New(cfg Config, p platform.Platform) *Registry {
	cfg.setDefaults()
	return &Registry{
		cfg:      cfg,
		platform: p,
		now:      time.Now,
		players:  map[string]*PlayerSession{},
		videos:   map[string]*VideoSession{},
	}
}

// Config returns the effective configuration.
func (r *Registry) Config() Config { return r.cfg }

func videoKey(tabID int, src string) string {
	return strconv.Itoa(tabID) + ":" + src
}

// RecordPlayerHeartbeat marks the player as alive. Players without an id are
// keyed by their tab.
func (r *Registry) RecordPlayerHeartbeat(tabID int, playerID string) {
	key := playerID
	if key == "" {
		key = "tab:" + strconv.Itoa(tabID)
	}
	now := r.now()
	r.mu.Lock()
	if p, ok := r.players[key]; ok {
		p.TabID = tabID
		p.LastHeartbeat = now
	} else {
		r.players[key] = &PlayerSession{TabID: tabID, PlayerID: playerID, LastHeartbeat: now}
	}
	r.mu.Unlock()
}

// RecordVideoHeartbeat marks the media element src in tabID as alive.
func (r *Registry) RecordVideoHeartbeat(tabID int, src string) {
	key := videoKey(tabID, src)
	now := r.now()
	r.mu.Lock()
	if v, ok := r.videos[key]; ok {
		v.LastHeartbeat = now
	} else {
		r.videos[key] = &VideoSession{TabID: tabID, Src: src, LastHeartbeat: now}
	}
	r.mu.Unlock()
}

// OnSweep registers fn to receive the live video set after every broadcast.
func (r *Registry) OnSweep(fn func([]VideoTab)) {
	r.mu.Lock()
	r.onSweep = append(r.onSweep, fn)
	r.mu.Unlock()
}

func (r *Registry) live(last, now time.Time) bool {
	return now.Sub(last) < r.cfg.LivenessWindow
}

// Sweep drops every entry whose last heartbeat is LivenessWindow or more
// before now and returns the remaining video elements ordered by tab and src.
func (r *Registry) Sweep(now time.Time) []VideoSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, p := range r.players {
		if !r.live(p.LastHeartbeat, now) {
			delete(r.players, k)
			logx.Log.Debug().Int("tab_id", p.TabID).Str("player_id", p.PlayerID).Str("reason", "heartbeat_expired").Msg("player evicted")
		}
	}
	for k, v := range r.videos {
		if !r.live(v.LastHeartbeat, now) {
			delete(r.videos, k)
			logx.Log.Debug().Int("tab_id", v.TabID).Str("src", v.Src).Str("reason", "heartbeat_expired").Msg("video evicted")
		}
	}
	metrics.SetLive(len(r.players), len(r.videos))
	return r.videoSnapshot()
}

func (r *Registry) videoSnapshot() []VideoSession {
	out := lo.Map(lo.Values(r.videos), func(v *VideoSession, _ int) VideoSession { return *v })
	sort.Slice(out, func(i, j int) bool {
		if out[i].TabID != out[j].TabID {
			return out[i].TabID < out[j].TabID
		}
		return out[i].Src < out[j].Src
	})
	return out
}

// LiveVideos returns the video elements that are live right now.
func (r *Registry) LiveVideos() []VideoSession {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Filter(r.videoSnapshot(), func(v VideoSession, _ int) bool { return r.live(v.LastHeartbeat, now) })
}

// LivePlayers returns the player UIs that are live right now, most recent first.
func (r *Registry) LivePlayers() []PlayerSession {
	now := r.now()
	r.mu.Lock()
	out := lo.FilterMap(lo.Values(r.players), func(p *PlayerSession, _ int) (PlayerSession, bool) {
		return *p, r.live(p.LastHeartbeat, now)
	})
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastHeartbeat.After(out[j].LastHeartbeat) })
	return out
}

// PlayerTabIDs returns the distinct tabs hosting a live player.
func (r *Registry) PlayerTabIDs() []int {
	ids := lo.Uniq(lo.Map(r.LivePlayers(), func(p PlayerSession, _ int) int { return p.TabID }))
	sort.Ints(ids)
	return ids
}

// VideoTabs returns the live video set with the titles of their tabs.
func (r *Registry) VideoTabs(ctx context.Context) ([]VideoTab, error) {
	open, err := r.platform.QueryTabs(ctx)
	if err != nil {
		return nil, fmt.Errorf("query tabs: %w", err)
	}
	return titled(r.LiveVideos(), open), nil
}

func titled(live []VideoSession, open []platform.Tab) []VideoTab {
	titles := lo.SliceToMap(open, func(t platform.Tab) (int, string) { return t.ID, t.Title })
	return lo.Map(live, func(v VideoSession, _ int) VideoTab {
		return VideoTab{ID: v.TabID, Title: titles[v.TabID], Src: v.Src}
	})
}

// SweepAndBroadcast sweeps stale entries and sends the live video tabs to
// every open tab. Tabs that fail to receive are skipped.
func (r *Registry) SweepAndBroadcast(ctx context.Context) ([]VideoTab, error) {
	live := r.Sweep(r.now())
	open, err := r.platform.QueryTabs(ctx)
	if err != nil {
		return nil, fmt.Errorf("query tabs: %w", err)
	}
	videoTabs := titled(live, open)
	env, err := protocol.Envelope{Sender: protocol.SenderExtensionToPlayer, Command: protocol.CommandTabs}.WithMessage(TabsMessage{Tabs: videoTabs})
	if err != nil {
		return nil, err
	}
	var g errgroup.Group
	g.SetLimit(r.cfg.BroadcastConcurrency)
	for _, t := range open {
		tabID := t.ID
		g.Go(func() error {
			if _, err := r.platform.SendToTab(ctx, tabID, env, platform.SendOptions{}); err != nil {
				metrics.RecordBroadcastFailure()
				logx.Log.Debug().Err(err).Int("tab_id", tabID).Msg("broadcast skipped tab")
			}
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	observers := append([]func([]VideoTab){}, r.onSweep...)
	r.mu.Unlock()
	for _, fn := range observers {
		fn(videoTabs)
	}
	return videoTabs, nil
}

// Run sweeps and broadcasts every SweepInterval until ctx ends.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := r.SweepAndBroadcast(ctx); err != nil {
				logx.Log.Warn().Err(err).Msg("sweep broadcast failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// FindOrCreatePlayerTab returns the tab of the most recently active player.
// When none is live it opens PlayerURL next to requester and polls for a
// heartbeat from the new tab, FindAttempts times at FindInterval spacing.
func (r *Registry) FindOrCreatePlayerTab(ctx context.Context, requester platform.Tab) (int, error) {
	if players := r.LivePlayers(); len(players) > 0 {
		return players[0].TabID, nil
	}
	if r.cfg.PlayerURL == "" {
		return 0, fmt.Errorf("%w: no player url configured", ErrPlayerTabUnavailable)
	}
	tab, err := r.platform.OpenTab(ctx, r.cfg.PlayerURL, platform.OpenOptions{
		Index:       requester.Index + 1,
		OpenerTabID: requester.ID,
		Active:      true,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: open tab: %v", ErrPlayerTabUnavailable, err)
	}
	logx.Log.Info().Int("tab_id", tab.ID).Int("opener_tab_id", requester.ID).Str("url", r.cfg.PlayerURL).Msg("opened player tab")

	errNoHeartbeat := errors.New("no heartbeat from new player tab")
	err = retry.New(
		retry.Attempts(uint(r.cfg.FindAttempts)),
		retry.Delay(r.cfg.FindInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		for _, p := range r.LivePlayers() {
			if p.TabID == tab.ID {
				return nil
			}
		}
		return errNoHeartbeat
	})
	if err != nil {
		return 0, fmt.Errorf("%w: tab %d after %d attempts: %v", ErrPlayerTabUnavailable, tab.ID, r.cfg.FindAttempts, err)
	}
	return tab.ID, nil
}
