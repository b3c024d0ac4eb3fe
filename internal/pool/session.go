package pool

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ProvisionedSession is what a Provisioner hands back for a freshly created
// upstream browser.
type ProvisionedSession struct {
	ID         string
	ConnectURL string
}

// Provisioner creates and destroys upstream browsers. StopSession must be
// idempotent: stopping a browser that is already gone is not an error.
type Provisioner interface {
	CreateSession(ctx context.Context) (ProvisionedSession, error)
	StopSession(ctx context.Context, id string) error
}

// Connector attaches to a provisioned browser over its CDP endpoint.
type Connector interface {
	Connect(ctx context.Context, wsURL string) (Conn, error)
}

// Conn is a live connection to a browser. IsConnected must answer from local
// state without blocking; the pool calls it while holding its lock.
type Conn interface {
	IsConnected() bool
	Close() error
}

// ContextOpener is implemented by connections that can enumerate and open
// browser contexts. The pool pre-binds one context per session when the
// connection supports it.
type ContextOpener interface {
	Contexts() []BrowserContext
	NewContext(ctx context.Context) (BrowserContext, error)
}

// DisconnectNotifier is implemented by connections that can report the
// browser side going away. The callback may fire from any goroutine.
type DisconnectNotifier interface {
	OnDisconnected(fn func())
}

// BrowserContext is an isolated cookie/storage silo inside a browser.
type BrowserContext interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is an open tab.
type Page interface {
	Close() error
}

// Session is one pooled browser: the provisioned upstream browser plus the
// live connection to it, and optionally a pre-bound context and page. All
// fields are owned by the pool; borrowers read them but never mutate.
type Session struct {
	ID         string
	ConnectURL string
	Conn       Conn
	Context    BrowserContext
	Page       Page
	CreatedAt  time.Time
	LastUsedAt time.Time
	UseCount   int
}

// usable decides whether a session may be lent out again. It is evaluated
// fresh at every decision point, never cached: a session can go stale
// between the check that admitted it to the idle stack and the next acquire.
func (p *Pool) usable(s *Session) bool {
	if !s.Conn.IsConnected() {
		return false
	}
	if p.cfg.MaxSessionUses > 0 && s.UseCount >= p.cfg.MaxSessionUses {
		return false
	}
	now := p.now()
	if p.cfg.MaxSessionAge > 0 && now.Sub(s.CreatedAt) > p.cfg.MaxSessionAge {
		return false
	}
	if p.cfg.MaxSessionIdle > 0 && now.Sub(s.LastUsedAt) > p.cfg.MaxSessionIdle {
		return false
	}
	return true
}

// createSession provisions a browser, connects to it, and prepares the
// initial context (and page, when configured). Partial failures tear down
// whatever was built so nothing leaks upstream.
func (p *Pool) createSession(ctx context.Context) (*Session, error) {
	started := p.now()

	ps, err := p.provisioner.CreateSession(ctx)
	if err != nil {
		return nil, &ProvisioningError{Err: err}
	}
	if ps.ConnectURL == "" {
		p.stopUpstream(ps.ID)
		return nil, &ProvisioningError{Err: errors.New("provisioner returned no connect URL")}
	}

	conn, err := p.connector.Connect(ctx, ps.ConnectURL)
	if err != nil {
		p.stopUpstream(ps.ID)
		return nil, &ConnectionError{URL: ps.ConnectURL, Err: err}
	}

	now := p.now()
	s := &Session{
		ID:         ps.ID,
		ConnectURL: ps.ConnectURL,
		Conn:       conn,
		CreatedAt:  now,
		LastUsedAt: now,
	}

	if opener, ok := conn.(ContextOpener); ok {
		// A browser reached over CDP usually exposes its default context
		// already; reuse it rather than stacking a fresh one on top.
		if existing := opener.Contexts(); len(existing) > 0 {
			s.Context = existing[0]
		} else {
			bc, err := opener.NewContext(ctx)
			if err != nil {
				p.teardown(s)
				return nil, &ConnectionError{URL: ps.ConnectURL, Err: err}
			}
			s.Context = bc
		}
		if p.cfg.EagerPageCreation {
			page, err := s.Context.NewPage(ctx)
			if err != nil {
				p.teardown(s)
				return nil, &ConnectionError{URL: ps.ConnectURL, Err: err}
			}
			s.Page = page
		}
	}

	if !p.cfg.DisableDisconnectWatch {
		if notifier, ok := conn.(DisconnectNotifier); ok {
			notifier.OnDisconnected(func() { p.onDisconnect(s) })
		}
	}

	p.log.Debug("session created",
		zap.String("sessionId", s.ID),
		zap.Duration("took", p.now().Sub(started)))
	return s, nil
}

// teardown closes the live handles and releases the upstream browser.
// Failures are logged and swallowed: teardown has to make progress past a
// dead transport, and the upstream stop is idempotent.
func (p *Pool) teardown(s *Session) {
	if s.Page != nil {
		if err := s.Page.Close(); err != nil {
			p.log.Debug("close page", zap.String("sessionId", s.ID), zap.Error(err))
		}
	}
	if s.Context != nil {
		if err := s.Context.Close(); err != nil {
			p.log.Debug("close context", zap.String("sessionId", s.ID), zap.Error(err))
		}
	}
	if err := s.Conn.Close(); err != nil {
		p.log.Debug("close connection", zap.String("sessionId", s.ID), zap.Error(err))
	}
	p.stopUpstream(s.ID)
}

func (p *Pool) stopUpstream(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := p.provisioner.StopSession(ctx, id); err != nil {
		p.log.Warn("stop upstream session", zap.String("sessionId", id), zap.Error(err))
	}
}
