package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/youruser/streamchat/internal/api"
	"github.com/youruser/streamchat/internal/clientstore"
	"github.com/youruser/streamchat/internal/config"
	"github.com/youruser/streamchat/internal/metrics"
	"github.com/youruser/streamchat/internal/room"
	"github.com/youruser/streamchat/internal/session"
	"github.com/youruser/streamchat/internal/store"
	"github.com/youruser/streamchat/internal/title"
	"github.com/youruser/streamchat/internal/turn"
)

// app is one wired client: the session gate, the API client and the
// turn controller all share a single conversation store.
type app struct {
	cfg     *config.Config
	state   clientstore.Store
	metrics *metrics.Metrics

	gate   *session.Gate
	client *api.Client
	store  *store.Store
	ctrl   *turn.Controller
	rooms  *room.Manager
	titles *title.Deriver

	metricsSrv *http.Server
}

// quotaClient resolves the client lazily; the gate is built before it.
type quotaClient struct{ a *app }

func (q quotaClient) CreateAnonymousSession(ctx context.Context) (api.AnonymousSession, error) {
	return q.a.client.CreateAnonymousSession(ctx)
}

func (q quotaClient) Usage(ctx context.Context, sessionID string) (api.Usage, error) {
	return q.a.client.Usage(ctx, sessionID)
}

func newApp(cfg *config.Config, state clientstore.Store, m *metrics.Metrics, obs turn.Observer) *app {
	a := &app{cfg: cfg, state: state, metrics: m, store: store.New()}

	a.gate = session.NewGate(state, quotaClient{a}, session.Options{
		DefaultQuota:    cfg.AnonymousQuota,
		DefaultModel:    cfg.DefaultModel,
		RefreshInterval: cfg.QuotaRefreshInterval,
		Metrics:         m,
	})

	transport := api.TransportHTTP
	if cfg.Transport == config.TransportWebsocket {
		transport = api.TransportWebsocket
	}
	a.client = api.NewClient(cfg.BaseURL, a.gate,
		api.WithTransport(transport),
		api.WithRequestTimeout(cfg.RequestTimeout),
	)

	a.ctrl = turn.NewController(a.store, a.client, a.gate, turn.Options{
		EventPrefix: cfg.EventPrefix,
		Observer:    obs,
		Metrics:     m,
	})
	a.rooms = room.NewManager(a.client, a.store)
	a.rooms.SetBusy(a.ctrl.InProgress)

	a.titles = title.New(a.store, a.client, a.rooms, cfg.TitleMaxLen)
	a.titles.OnTitle = func(roomID, name string) {
		log.Info("Room %s titled %q", roomID, name)
	}
	return a
}

// openApp loads the config and opens the on-disk client state.
func openApp(obs turn.Observer) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	state, err := clientstore.Open(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	a := newApp(cfg, state, metrics.Default(), obs)
	a.serveMetrics()
	return a, nil
}

func (a *app) serveMetrics() {
	if a.cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	a.metricsSrv = &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server: %v", err)
		}
	}()
	log.Info("Serving metrics on %s", a.cfg.MetricsAddr)
}

func (a *app) close() {
	a.ctrl.Cancel()
	a.titles.Stop()
	a.gate.Close()
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.metricsSrv.Shutdown(ctx)
	}
	if err := a.state.Close(); err != nil {
		log.Error("Closing client state: %v", err)
	}
}
