// Package session decides whether a send is allowed: signed-in users
// always may, anonymous users only while their quota lasts.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/youruser/streamchat/internal/api"
	"github.com/youruser/streamchat/internal/clientstore"
	"github.com/youruser/streamchat/internal/logging"
	"github.com/youruser/streamchat/internal/metrics"
)

// ErrQuotaExceeded is returned by Authorize when an anonymous session has
// no sends left.
var ErrQuotaExceeded = api.ErrQuotaExceeded

var log = logging.Get()

// Mode is how the current user is identified.
type Mode int

const (
	Anonymous Mode = iota
	Authenticated
)

func (m Mode) String() string {
	if m == Authenticated {
		return "authenticated"
	}
	return "anonymous"
}

// Quota is the anonymous send allowance.
type Quota struct {
	Limit     int
	Used      int
	Remaining int
}

// Session is a snapshot of the gate's state.
type Session struct {
	Mode      Mode
	SessionID string
	Quota     Quota
	// Degraded is set when the quota API could not be reached and the
	// quota is a local default.
	Degraded bool
}

// QuotaAPI is the anonymous usage service.
type QuotaAPI interface {
	CreateAnonymousSession(ctx context.Context) (api.AnonymousSession, error)
	Usage(ctx context.Context, sessionID string) (api.Usage, error)
}

// Options configures a Gate.
type Options struct {
	DefaultQuota    int
	DefaultModel    string
	RefreshInterval time.Duration
	Metrics         *metrics.Metrics
}

// Gate owns the session id, quota, credential and model preference. It
// implements api.Credentials.
type Gate struct {
	mu       sync.Mutex
	store    clientstore.Store
	quotaAPI QuotaAPI
	opts     Options
	limiter  *rate.Limiter

	session Session
	loaded  bool
	model   string
}

// NewGate builds a gate over store. quotaAPI may be nil, in which case
// anonymous sessions always run degraded.
func NewGate(store clientstore.Store, quotaAPI QuotaAPI, opts Options) *Gate {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 30 * time.Second
	}
	return &Gate{
		store:    store,
		quotaAPI: quotaAPI,
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Every(opts.RefreshInterval), 1),
	}
}

// Token returns the stored credential, or "" when signed out.
func (g *Gate) Token() string {
	tok, err := g.store.Get(clientstore.KeyToken)
	if err != nil {
		if !errors.Is(err, clientstore.ErrNotFound) {
			log.Error("session: read credential: %v", err)
		}
		return ""
	}
	return tok
}

// SetToken stores a refreshed credential.
func (g *Gate) SetToken(token string) error {
	return g.store.Set(clientstore.KeyToken, token)
}

// Mode reports whether a credential is held.
func (g *Gate) Mode() Mode {
	if g.Token() != "" {
		return Authenticated
	}
	return Anonymous
}

// Current returns the last known session without contacting the server.
func (g *Gate) Current() Session {
	if g.Mode() == Authenticated {
		return Session{Mode: Authenticated}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session
}

// Refresh brings the anonymous quota up to date. Calls closer together
// than the refresh interval return the local quota. When the quota API
// fails the session falls back to a local id and the default quota.
func (g *Gate) Refresh(ctx context.Context) Session {
	if g.Mode() == Authenticated {
		return Session{Mode: Authenticated}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.loaded && !g.limiter.Allow() {
		return g.session
	}
	if !g.loaded {
		// The first refresh always goes out; spend the token so the
		// next one is throttled.
		g.limiter.Allow()
	}

	id, err := g.store.Get(clientstore.KeySessionID)
	switch {
	case err == nil && id != "":
		g.refreshUsage(ctx, id)
	case err != nil && !errors.Is(err, clientstore.ErrNotFound):
		log.Error("session: read session id: %v", err)
		fallthrough
	default:
		g.createSession(ctx)
	}
	g.loaded = true
	g.publish()
	return g.session
}

// Must be called with g.mu held.
func (g *Gate) refreshUsage(ctx context.Context, id string) {
	g.session.Mode = Anonymous
	g.session.SessionID = id
	if g.quotaAPI == nil {
		g.degrade()
		return
	}
	u, err := g.quotaAPI.Usage(ctx, id)
	if err != nil {
		log.Error("session: fetch usage: %v", err)
		g.degrade()
		return
	}
	g.session.Quota = Quota(u)
	g.session.Degraded = false
}

// Must be called with g.mu held.
func (g *Gate) createSession(ctx context.Context) {
	g.session.Mode = Anonymous
	if g.quotaAPI != nil {
		s, err := g.quotaAPI.CreateAnonymousSession(ctx)
		if err == nil && s.SessionID != "" {
			if err := g.store.Set(clientstore.KeySessionID, s.SessionID); err != nil {
				log.Error("session: persist session id: %v", err)
			}
			g.session.SessionID = s.SessionID
			g.session.Quota = Quota(s.Usage)
			g.session.Degraded = false
			log.Info("session: created anonymous session %s", s.SessionID)
			return
		}
		log.Error("session: create anonymous session: %v", err)
	}
	if g.session.SessionID == "" {
		// Not persisted, so the next refresh tries the server again.
		g.session.SessionID = uuid.NewString()
	}
	g.degrade()
}

// degrade keeps a quota already seen and otherwise uses the default.
// Must be called with g.mu held.
func (g *Gate) degrade() {
	if !g.loaded {
		g.session.Quota = Quota{Limit: g.opts.DefaultQuota, Remaining: g.opts.DefaultQuota}
	}
	g.session.Degraded = true
}

// Must be called with g.mu held.
func (g *Gate) publish() {
	if g.opts.Metrics != nil {
		g.opts.Metrics.QuotaRemaining.Set(float64(g.session.Quota.Remaining))
	}
}

// Authorize reports whether a send may start now.
func (g *Gate) Authorize(ctx context.Context) (Session, error) {
	if g.Mode() == Authenticated {
		return Session{Mode: Authenticated}, nil
	}
	g.mu.Lock()
	loaded := g.loaded
	g.mu.Unlock()

	s := g.Current()
	if !loaded {
		s = g.Refresh(ctx)
	}
	if s.Quota.Remaining <= 0 {
		return s, ErrQuotaExceeded
	}
	return s, nil
}

// RecordSend counts one anonymous send against the local quota ahead of
// the server's own accounting.
func (g *Gate) RecordSend() {
	if g.Mode() == Authenticated {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.session.Quota.Used++
	if g.session.Quota.Remaining > 0 {
		g.session.Quota.Remaining--
	}
	g.publish()
}

// MarkExhausted records a server-side quota refusal.
func (g *Gate) MarkExhausted() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.session.Quota.Remaining = 0
	g.publish()
}

// SessionID returns the anonymous session id, or "" when signed in or not
// yet refreshed.
func (g *Gate) SessionID() string {
	return g.Current().SessionID
}

// SignIn stores token and ends the anonymous session.
func (g *Gate) SignIn(token string) error {
	if err := g.SetToken(token); err != nil {
		return err
	}
	return g.dropAnonymous()
}

// SignOut removes the credential and the anonymous session. The next
// Refresh starts a fresh anonymous session.
func (g *Gate) SignOut() error {
	if err := g.store.Delete(clientstore.KeyToken); err != nil {
		return err
	}
	return g.dropAnonymous()
}

func (g *Gate) dropAnonymous() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.session = Session{}
	g.loaded = false
	g.limiter = rate.NewLimiter(rate.Every(g.opts.RefreshInterval), 1)
	return g.store.Delete(clientstore.KeySessionID)
}

// Model returns the preferred model.
func (g *Gate) Model() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.model != "" {
		return g.model
	}
	if m, err := g.store.Get(clientstore.KeyModel); err == nil && m != "" {
		g.model = m
		return m
	}
	return g.opts.DefaultModel
}

// SetModel persists the preferred model.
func (g *Gate) SetModel(model string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.store.Set(clientstore.KeyModel, model); err != nil {
		return err
	}
	g.model = model
	return nil
}

// Close drops cached state. The client store stays open; it is owned by
// the caller.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.session = Session{}
	g.loaded = false
	g.model = ""
}
