package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/warmfleet/browserpool/internal/fleet"
	"github.com/warmfleet/browserpool/internal/pool"
	"github.com/warmfleet/browserpool/pkg/models"
)

const (
	defaultMinTTL        = 60
	defaultMaxTTL        = 21600
	defaultTTL           = 3600
	defaultMaxConcurrent = 10
)

var (
	// ErrInvalidRequest wraps client mistakes in session requests.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrSessionNotFound means no lease with that id was ever issued, or it
	// has been forgotten.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionNotActive means the lease exists but was already released
	// or expired.
	ErrSessionNotActive = errors.New("session is not active")
	// ErrConcurrencyLimit means the project hit its active-session cap.
	ErrConcurrencyLimit = errors.New("concurrency limit reached")
	// ErrShuttingDown rejects new leases during shutdown.
	ErrShuttingDown = errors.New("gateway is shutting down")
)

// Browsers is the slice of the fleet the gateway needs.
type Browsers interface {
	Acquire(ctx context.Context, region string) (fleet.Region, *pool.Session, error)
	Release(region fleet.Region, s *pool.Session, failed bool)
}

// Config tunes the gateway.
type Config struct {
	// MaxConcurrent caps active leases per project. Defaults to 10.
	MaxConcurrent int64
	// DefaultTTL, MinTTL and MaxTTL bound lease lifetimes in seconds.
	// Defaults: 3600, 60, 21600.
	DefaultTTL int
	MinTTL     int
	MaxTTL     int
	// ContextID, when set, is stamped on every lease so clients know which
	// upstream context their browser carries.
	ContextID string
	Logger    *zap.Logger
}

// lease ties a wire-visible session record to the pooled browser behind it.
// session and region are zeroed once the browser goes back to its pool.
type lease struct {
	wire    models.Session
	session *pool.Session
	region  fleet.Region
	timer   *time.Timer
}

// Manager leases pooled browsers to API clients. A lease gets a fresh id,
// a TTL, and a project concurrency slot; the pooled browser behind it is
// returned on release and destroyed on expiry. Lease records outlive their
// browsers so clients can inspect finished sessions.
type Manager struct {
	cfg      Config
	browsers Browsers
	log      *zap.Logger

	mu          sync.RWMutex
	leases      map[string]*lease
	concurrency map[string]*semaphore.Weighted
	closed      bool

	now func() time.Time
}

// New builds a gateway over the given browser fleet.
func New(cfg Config, browsers Browsers) (*Manager, error) {
	if browsers == nil {
		return nil, errors.New("gateway: browsers are required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultTTL
	}
	if cfg.MinTTL <= 0 {
		cfg.MinTTL = defaultMinTTL
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = defaultMaxTTL
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:         cfg,
		browsers:    browsers,
		log:         log,
		leases:      make(map[string]*lease),
		concurrency: make(map[string]*semaphore.Weighted),
		now:         time.Now,
	}, nil
}

// CreateSession leases a browser. The heavy lifting happened long before
// this call: the pool already has a warm browser, so this is mostly
// bookkeeping plus one map insert.
func (m *Manager) CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.Session, error) {
	if req.ProjectID == "" {
		return nil, fmt.Errorf("%w: projectId is required", ErrInvalidRequest)
	}
	if req.Timeout == 0 {
		req.Timeout = m.cfg.DefaultTTL
	}
	if req.Timeout < m.cfg.MinTTL || req.Timeout > m.cfg.MaxTTL {
		return nil, fmt.Errorf("%w: timeout must be between %d and %d seconds",
			ErrInvalidRequest, m.cfg.MinTTL, m.cfg.MaxTTL)
	}

	if err := m.acquireSlot(req.ProjectID); err != nil {
		return nil, err
	}

	region, s, err := m.browsers.Acquire(ctx, req.Region)
	if err != nil {
		m.releaseSlot(req.ProjectID)
		return nil, err
	}

	id := uuid.New().String()
	now := m.now()
	ls := &lease{
		wire: models.Session{
			ID:         id,
			ProjectID:  req.ProjectID,
			Status:     models.StatusActive,
			Region:     string(region),
			StartedAt:  now,
			ExpiresAt:  now.Add(time.Duration(req.Timeout) * time.Second),
			Timeout:    req.Timeout,
			ConnectURL: s.ConnectURL,
			ContextID:  m.cfg.ContextID,
			UseCount:   int64(s.UseCount),
		},
		session: s,
		region:  region,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.browsers.Release(region, s, false)
		m.releaseSlot(req.ProjectID)
		return nil, ErrShuttingDown
	}
	ls.timer = time.AfterFunc(time.Duration(req.Timeout)*time.Second, func() { m.expire(id) })
	m.leases[id] = ls
	m.mu.Unlock()

	m.log.Info("session leased",
		zap.String("sessionId", id),
		zap.String("projectId", req.ProjectID),
		zap.String("region", string(region)),
		zap.String("browserId", s.ID))

	out := ls.wire
	return &out, nil
}

// GetSession returns a snapshot of one lease record.
func (m *Manager) GetSession(id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ls, ok := m.leases[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := ls.wire
	return &out, nil
}

// ListSessions returns lease records, newest first, optionally filtered by
// project and status.
func (m *Manager) ListSessions(projectID string, status models.SessionStatus) []*models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*models.Session, 0, len(m.leases))
	for _, ls := range m.leases {
		if projectID != "" && ls.wire.ProjectID != projectID {
			continue
		}
		if status != "" && ls.wire.Status != status {
			continue
		}
		out := ls.wire
		sessions = append(sessions, &out)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].StartedAt.After(sessions[j].StartedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions
}

// DeleteSession ends a lease and hands its browser back to the pool for
// reuse. The record sticks around as RELEASED.
func (m *Manager) DeleteSession(id string) error {
	m.mu.Lock()
	ls, ok := m.leases[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if ls.wire.Status != models.StatusActive {
		m.mu.Unlock()
		return ErrSessionNotActive
	}
	ls.wire.Status = models.StatusReleased
	ls.timer.Stop()
	s, region := ls.session, ls.region
	ls.session = nil
	m.mu.Unlock()

	m.browsers.Release(region, s, false)
	m.releaseSlot(ls.wire.ProjectID)

	m.log.Info("session released",
		zap.String("sessionId", id),
		zap.String("browserId", s.ID))
	return nil
}

// FailSession ends a lease like DeleteSession but tells the pool the
// browser is suspect, so it is destroyed instead of reused.
func (m *Manager) FailSession(id string) error {
	m.mu.Lock()
	ls, ok := m.leases[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if ls.wire.Status != models.StatusActive {
		m.mu.Unlock()
		return ErrSessionNotActive
	}
	ls.wire.Status = models.StatusFailed
	ls.timer.Stop()
	s, region := ls.session, ls.region
	ls.session = nil
	m.mu.Unlock()

	m.browsers.Release(region, s, true)
	m.releaseSlot(ls.wire.ProjectID)

	m.log.Info("session failed by client",
		zap.String("sessionId", id),
		zap.String("browserId", s.ID))
	return nil
}

// expire fires when a lease outlives its TTL. The client may still be
// driving the browser, so it goes back to the pool as failed and gets
// destroyed rather than lent to someone else.
func (m *Manager) expire(id string) {
	m.mu.Lock()
	ls, ok := m.leases[id]
	if !ok || ls.wire.Status != models.StatusActive {
		m.mu.Unlock()
		return
	}
	ls.wire.Status = models.StatusExpired
	s, region := ls.session, ls.region
	ls.session = nil
	m.mu.Unlock()

	m.browsers.Release(region, s, true)
	m.releaseSlot(ls.wire.ProjectID)

	m.log.Info("session expired",
		zap.String("sessionId", id),
		zap.String("browserId", s.ID))
}

// Shutdown stops all expiry timers and refuses new leases. Browsers still
// lent out are reclaimed by the pools' own shutdown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, ls := range m.leases {
		if ls.timer != nil {
			ls.timer.Stop()
		}
	}
}

func (m *Manager) acquireSlot(projectID string) error {
	m.mu.Lock()
	sem, ok := m.concurrency[projectID]
	if !ok {
		sem = semaphore.NewWeighted(m.cfg.MaxConcurrent)
		m.concurrency[projectID] = sem
	}
	m.mu.Unlock()

	if !sem.TryAcquire(1) {
		return fmt.Errorf("%w for project %s", ErrConcurrencyLimit, projectID)
	}
	return nil
}

func (m *Manager) releaseSlot(projectID string) {
	m.mu.RLock()
	sem := m.concurrency[projectID]
	m.mu.RUnlock()
	if sem != nil {
		sem.Release(1)
	}
}
