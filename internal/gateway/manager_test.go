package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warmfleet/browserpool/internal/fleet"
	"github.com/warmfleet/browserpool/internal/pool"
	"github.com/warmfleet/browserpool/pkg/models"
)

type releaseCall struct {
	region fleet.Region
	id     string
	failed bool
}

type stubBrowsers struct {
	mu         sync.Mutex
	next       int
	acquireErr error
	released   []releaseCall
}

func (b *stubBrowsers) Acquire(_ context.Context, region string) (fleet.Region, *pool.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.acquireErr != nil {
		return "us-west-2", nil, b.acquireErr
	}
	b.next++
	resolved := fleet.Region("us-west-2")
	if region == "eu-central-1" {
		resolved = fleet.Region(region)
	}
	s := &pool.Session{
		ID:         fmt.Sprintf("b-%d", b.next),
		ConnectURL: fmt.Sprintf("ws://browsers.test/b-%d", b.next),
		UseCount:   b.next,
	}
	return resolved, s, nil
}

func (b *stubBrowsers) Release(region fleet.Region, s *pool.Session, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = append(b.released, releaseCall{region: region, id: s.ID, failed: failed})
}

func (b *stubBrowsers) setAcquireErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acquireErr = err
}

func (b *stubBrowsers) acquired() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

func (b *stubBrowsers) releases() []releaseCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]releaseCall(nil), b.released...)
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *stubBrowsers) {
	t.Helper()
	browsers := &stubBrowsers{}
	m, err := New(cfg, browsers)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)
	return m, browsers
}

func TestNewRequiresBrowsers(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
}

func TestCreateSessionValidatesRequest(t *testing.T) {
	m, browsers := newTestManager(t, Config{})
	ctx := context.Background()

	_, err := m.CreateSession(ctx, models.CreateSessionRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = m.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "proj", Timeout: 30})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = m.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "proj", Timeout: 30000})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Zero(t, browsers.acquired(), "invalid requests must not touch the fleet")
}

func TestCreateSessionAppliesDefaults(t *testing.T) {
	m, _ := newTestManager(t, Config{ContextID: "ctx-123"})
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	s, err := m.CreateSession(context.Background(), models.CreateSessionRequest{ProjectID: "proj"})
	require.NoError(t, err)

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, models.StatusActive, s.Status)
	assert.Equal(t, "us-west-2", s.Region)
	assert.Equal(t, 3600, s.Timeout)
	assert.Equal(t, base, s.StartedAt)
	assert.Equal(t, base.Add(time.Hour), s.ExpiresAt)
	assert.Equal(t, "ws://browsers.test/b-1", s.ConnectURL)
	assert.Equal(t, "ctx-123", s.ContextID)
	assert.Equal(t, int64(1), s.UseCount)
}

func TestCreateSessionRoutesRegion(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	s, err := m.CreateSession(context.Background(), models.CreateSessionRequest{
		ProjectID: "proj",
		Region:    "eu-central-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "eu-central-1", s.Region)
}

func TestCreateSessionFreesSlotWhenAcquireFails(t *testing.T) {
	m, browsers := newTestManager(t, Config{MaxConcurrent: 1})
	ctx := context.Background()

	browsers.setAcquireErr(pool.ErrPoolExhausted)
	_, err := m.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "proj"})
	require.ErrorIs(t, err, pool.ErrPoolExhausted)

	browsers.setAcquireErr(nil)
	_, err = m.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "proj"})
	require.NoError(t, err, "failed acquire must not eat the concurrency slot")
}

func TestGetSession(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	created, err := m.CreateSession(context.Background(), models.CreateSessionRequest{ProjectID: "proj"})
	require.NoError(t, err)

	got, err := m.GetSession(created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, created.ConnectURL, got.ConnectURL)

	_, err = m.GetSession("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestListSessionsFiltersAndOrders(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	m.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	ctx := context.Background()

	first, err := m.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "alpha"})
	require.NoError(t, err)
	second, err := m.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "alpha"})
	require.NoError(t, err)
	_, err = m.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "beta"})
	require.NoError(t, err)

	all := m.ListSessions("", "")
	require.Len(t, all, 3)

	alpha := m.ListSessions("alpha", "")
	require.Len(t, alpha, 2)
	assert.Equal(t, second.ID, alpha[0].ID, "newest lease first")
	assert.Equal(t, first.ID, alpha[1].ID)

	require.NoError(t, m.DeleteSession(first.ID))
	active := m.ListSessions("alpha", models.StatusActive)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)
}

func TestDeleteSessionReturnsBrowserForReuse(t *testing.T) {
	m, browsers := newTestManager(t, Config{})

	s, err := m.CreateSession(context.Background(), models.CreateSessionRequest{ProjectID: "proj"})
	require.NoError(t, err)

	require.NoError(t, m.DeleteSession(s.ID))

	rel := browsers.releases()
	require.Len(t, rel, 1)
	assert.Equal(t, "b-1", rel[0].id)
	assert.False(t, rel[0].failed)

	got, err := m.GetSession(s.ID)
	require.NoError(t, err, "released records stay visible")
	assert.Equal(t, models.StatusReleased, got.Status)

	assert.ErrorIs(t, m.DeleteSession(s.ID), ErrSessionNotActive)
	assert.ErrorIs(t, m.DeleteSession("nope"), ErrSessionNotFound)
}

func TestFailSessionDestroysBrowser(t *testing.T) {
	m, browsers := newTestManager(t, Config{})

	s, err := m.CreateSession(context.Background(), models.CreateSessionRequest{ProjectID: "proj"})
	require.NoError(t, err)

	require.NoError(t, m.FailSession(s.ID))

	rel := browsers.releases()
	require.Len(t, rel, 1)
	assert.True(t, rel[0].failed)

	got, err := m.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestConcurrencyLimitIsPerProject(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxConcurrent: 2})
	ctx := context.Background()

	s1, err := m.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "alpha"})
	require.NoError(t, err)
	_, err = m.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "alpha"})
	require.NoError(t, err)

	_, err = m.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "alpha"})
	assert.ErrorIs(t, err, ErrConcurrencyLimit)

	_, err = m.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "beta"})
	require.NoError(t, err, "limits are per project")

	require.NoError(t, m.DeleteSession(s1.ID))
	_, err = m.CreateSession(ctx, models.CreateSessionRequest{ProjectID: "alpha"})
	require.NoError(t, err, "released lease frees its slot")
}

func TestLeaseExpiresAfterTTL(t *testing.T) {
	m, browsers := newTestManager(t, Config{MinTTL: 1, MaxConcurrent: 1})

	s, err := m.CreateSession(context.Background(), models.CreateSessionRequest{
		ProjectID: "proj",
		Timeout:   1,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := m.GetSession(s.ID)
		return err == nil && got.Status == models.StatusExpired
	}, 3*time.Second, 25*time.Millisecond)

	rel := browsers.releases()
	require.Len(t, rel, 1)
	assert.True(t, rel[0].failed, "an expired lease cannot be trusted back into the pool")

	assert.ErrorIs(t, m.DeleteSession(s.ID), ErrSessionNotActive)

	_, err = m.CreateSession(context.Background(), models.CreateSessionRequest{ProjectID: "proj"})
	require.NoError(t, err, "expiry frees the concurrency slot")
}

func TestShutdownStopsExpiryAndRefusesLeases(t *testing.T) {
	m, _ := newTestManager(t, Config{MinTTL: 1})

	s, err := m.CreateSession(context.Background(), models.CreateSessionRequest{
		ProjectID: "proj",
		Timeout:   1,
	})
	require.NoError(t, err)

	m.Shutdown()
	time.Sleep(1500 * time.Millisecond)

	got, err := m.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status, "shutdown stops expiry timers")

	_, err = m.CreateSession(context.Background(), models.CreateSessionRequest{ProjectID: "proj"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}
