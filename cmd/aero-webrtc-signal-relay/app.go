package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/assets"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/dispatch"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/heartbeat"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/hosts"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/lifecycle"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/roster"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/signaling"
)

const connectionsGauge = "aero_webrtc_signal_relay_connections"

// app is the fully wired relay: registry, lifecycle observers, message
// handlers, transport and HTTP surface.
type app struct {
	log     *slog.Logger
	cfg     config.Config
	metrics *metrics.Metrics
	reg     *registry.Registry

	http      *httpserver.Server
	signaling *signaling.Server
	heartbeat *heartbeat.Heartbeat
	bundler   *assets.Bundler
}

func newApp(cfg config.Config, logger *slog.Logger, build httpserver.BuildInfo) (*app, error) {
	m := metrics.New()
	reg := registry.New()

	b := lifecycle.NewBuilder(logger, m)
	b.Track(reg)
	hostList := hosts.New(reg, logger, m)
	hostList.Observe(b)
	peers := roster.New(reg, logger, m)
	peers.Observe(b)
	notifier, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("lifecycle observers: %w", err)
	}
	connectObservers, disconnectObservers := notifier.Observers()
	logger.Debug("lifecycle observers", "connect", connectObservers, "disconnect", disconnectObservers)

	var routes []dispatch.Route
	routes = append(routes, relay.New(reg, logger, m).Routes()...)
	routes = append(routes, peers.Routes()...)
	routes = append(routes, hostList.Routes()...)
	dispatcher, err := dispatch.New(logger, m, routes...)
	if err != nil {
		return nil, fmt.Errorf("message routes: %w", err)
	}

	srv, err := httpserver.New(cfg, logger, build)
	if err != nil {
		return nil, fmt.Errorf("http server: %w", err)
	}

	messagesPerSecond := cfg.MaxSignalingMessagesPerSecond
	if messagesPerSecond <= 0 {
		messagesPerSecond = -1
	}
	sig, err := signaling.NewServer(signaling.Config{
		Path:              cfg.SignalingPath,
		Notifier:          notifier,
		Dispatcher:        dispatcher,
		Origins:           srv.Origins(),
		Logger:            logger,
		Metrics:           m,
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: messagesPerSecond,
		IdleTimeout:       cfg.SignalingWSIdleTimeout,
		WriteTimeout:      cfg.SignalingWriteTimeout,
		SendQueueFrames:   cfg.SignalingSendQueueFrames,
		SendQueueBytes:    cfg.SignalingSendQueueBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("signaling server: %w", err)
	}
	sig.RegisterRoutes(srv.Mux())

	a := &app{
		log:       logger,
		cfg:       cfg,
		metrics:   m,
		reg:       reg,
		http:      srv,
		signaling: sig,
		heartbeat: heartbeat.New(reg, logger, m, heartbeat.Options{}),
	}

	if cfg.ScriptSourceDir != "" {
		a.bundler = assets.NewBundler(cfg.ScriptSourceDir, logger, m)
		if err := a.bundler.Build(); err != nil {
			// Served as 503 until the watcher produces a build.
			logger.Warn("initial script build failed", "dir", cfg.ScriptSourceDir, "err", err)
		}
	}
	if cfg.StaticDir != "" || a.bundler != nil {
		srv.Mux().Handle("GET /", assets.Handler(cfg.StaticDir, a.bundler))
	}

	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m, metrics.Gauge{
		Name:  connectionsGauge,
		Help:  "Registered signaling connections.",
		Value: reg.Len,
	}))

	return a, nil
}

// run serves on ln until ctx is done or the HTTP server fails, then drains
// signaling connections within the shutdown timeout.
func (a *app) run(ctx context.Context, ln net.Listener) error {
	bgCtx, stopBackground := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeat.Run(bgCtx, a.cfg.HeartbeatInterval)
	}()
	if a.bundler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.bundler.Watch(bgCtx); err != nil {
				a.log.Warn("script watcher stopped", "err", err)
			}
		}()
	}
	defer func() {
		stopBackground()
		wg.Wait()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		a.shutdownSignaling()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := a.http.Shutdown(shutdownCtx); err != nil {
		a.log.Error("http server shutdown failed", "err", err)
	}
	if err := a.signaling.Shutdown(shutdownCtx); err != nil {
		a.log.Error("signaling shutdown incomplete", "err", err, "open_connections", a.signaling.Len())
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *app) shutdownSignaling() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.signaling.Shutdown(ctx); err != nil {
		a.log.Error("signaling shutdown incomplete", "err", err)
	}
}
