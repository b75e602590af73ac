package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/subrelay/core/logx"
	"github.com/gaspardpetit/subrelay/internal/background"
	"github.com/gaspardpetit/subrelay/internal/config"
	"github.com/gaspardpetit/subrelay/internal/handlers"
	"github.com/gaspardpetit/subrelay/internal/hub"
	"github.com/gaspardpetit/subrelay/internal/metrics"
	"github.com/gaspardpetit/subrelay/internal/tabs"
)

// TabsResponse is the body of GET /api/tabs.
type TabsResponse struct {
	Videos   []tabs.VideoTab      `json:"videos"`
	Players  []tabs.PlayerSession `json:"players"`
	Contexts []hub.ContextInfo    `json:"contexts"`
	Frames   int                  `json:"frames"`
}

// New constructs the HTTP handler for the service. It returns the Prometheus
// registry so a separate metrics listener can serve it.
func New(cfg config.ServerConfig, svc *background.Service) (http.Handler, *prometheus.Registry) {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	for _, m := range middlewareChain() {
		r.Use(m)
	}

	preg := prometheus.NewRegistry()
	metrics.Register(preg)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Hub.Draining() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", StatusHandler())
	r.Route("/api", func(ar chi.Router) {
		ar.Get("/connect", svc.Hub.WSHandler())
		ar.Get("/frames/connect", svc.FrameHandler())
		ar.Get("/tabs", tabsHandler(svc))
		ar.Get("/settings", getSettingsHandler(svc))
		ar.Post("/settings", setSettingsHandler(svc))
	})

	if cfg.MetricsAddr == "" || cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port) {
		r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	}
	return r, preg
}

func middlewareChain() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		chiMiddleware.RequestID,
		requestLogger,
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logx.Log.Debug().
			Str("request_id", chiMiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func tabsHandler(svc *background.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		videos, err := svc.Registry.VideoTabs(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, TabsResponse{
			Videos:   videos,
			Players:  svc.Registry.LivePlayers(),
			Contexts: svc.Hub.Contexts(),
			Frames:   svc.Frames(),
		})
	}
}

func getSettingsHandler(svc *background.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vals, err := svc.Settings.Get(r.Context(), r.URL.Query()["key"]...)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, vals)
	}
}

func setSettingsHandler(svc *background.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var vals map[string]any
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&vals); err != nil {
			http.Error(w, "invalid JSON object", http.StatusBadRequest)
			return
		}
		if err := svc.Settings.Set(r.Context(), vals); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		keys := make([]string, 0, len(vals))
		for k := range vals {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		handlers.NotifySettingsUpdated(r.Context(), svc.Hub, keys)
		writeJSON(w, http.StatusOK, handlers.SettingsUpdatedMessage{Keys: keys})
	}
}
