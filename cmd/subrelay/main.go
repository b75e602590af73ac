package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"maps"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/gaspardpetit/subrelay/core/logx"
	"github.com/gaspardpetit/subrelay/core/secret"
	"github.com/gaspardpetit/subrelay/internal/background"
	"github.com/gaspardpetit/subrelay/internal/config"
	"github.com/gaspardpetit/subrelay/internal/metrics"
	"github.com/gaspardpetit/subrelay/internal/server"
	"github.com/gaspardpetit/subrelay/internal/settings"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "subrelay version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("load config")
	}
	if *showVersion {
		fmt.Printf("subrelay version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	defaults := settings.Defaults()
	maps.Copy(defaults, cfg.Settings)
	var store settings.Store = settings.NewMemory(defaults)
	if cfg.RedisAddr != "" {
		rs, err := settings.NewRedis(ctx, cfg.RedisAddr, defaults)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		defer func() { _ = rs.Close() }()
		store = rs
		logx.Log.Info().Msg("using redis settings store")
	}

	svc := background.New(cfg, store)
	handler, preg := server.New(cfg, svc)
	base := func(net.Listener) context.Context { return ctx }
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler, BaseContext: base}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}

	if cfg.ClientKey != "" {
		logx.Log.Info().Str("client_key", secret.Mask(cfg.ClientKey)).Msg("Client key required")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if svc.Hub.Draining() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			svc.Hub.Drain()
			logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Msg("draining; send SIGTERM again to terminate immediately")
			go waitDrained(ctx, svc, cfg.DrainTimeout, cancel)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		svc.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logx.Log.Info().Int("port", cfg.Port).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if metricsSrv != nil {
		g.Go(func() error {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logx.Log.Info().Msg("shutting down")
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(sctx); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
}

// waitDrained cancels once every context has disconnected or d elapses.
func waitDrained(ctx context.Context, svc *background.Service, d time.Duration, cancel context.CancelFunc) {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			logx.Log.Warn().Msg("drain timeout exceeded; terminating")
			cancel()
			return
		case <-tick.C:
			if len(svc.Hub.Contexts()) == 0 && svc.Frames() == 0 {
				logx.Log.Info().Msg("drained")
				cancel()
				return
			}
		}
	}
}
