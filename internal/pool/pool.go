package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// stopTimeout bounds the upstream stop call during teardown, which runs on
// background goroutines that have no caller context.
const stopTimeout = 30 * time.Second

// Stats is a point-in-time snapshot of the pool counters. Total counts
// in-flight creations, so it can transiently exceed MaxSize while a health
// replacement is being built.
type Stats struct {
	Available int `json:"available"`
	InUse     int `json:"inUse"`
	Creating  int `json:"creating"`
	Waiting   int `json:"waiting"`
	Total     int `json:"total"`
	MaxSize   int `json:"maxSize"`
}

// acquireResult is what a parked acquirer receives: a session on hand-off,
// or the error from the creation attempt that was meant to serve it.
type acquireResult struct {
	s   *Session
	err error
}

// Pool keeps a bounded set of warm browser sessions ready to lend out.
//
// Sessions are expensive to build (remote provisioning plus a CDP connect),
// so the pool creates them ahead of demand, recycles them after a bounded
// number of uses, and replaces the ones that age out or drop their
// connection. A single mutex serializes all bookkeeping; provisioning,
// connecting and teardown happen outside the lock, with capacity re-checked
// once the lock is reacquired.
type Pool struct {
	cfg         Config
	provisioner Provisioner
	connector   Connector
	log         *zap.Logger

	mu        sync.Mutex
	available []*Session // stack: most recently released last
	inUse     map[*Session]struct{}
	creating  int
	waitq     *list.List // of chan acquireResult, FIFO
	closed    bool

	stop       chan struct{} // closed by Shutdown; aborts timers and the health loop
	healthDone chan struct{} // closed when the health loop exits; nil if disabled
	bg         sync.WaitGroup

	now func() time.Time
}

// New builds a pool around the given provisioner and connector. The pool is
// empty until Initialize warms it or Acquire creates sessions on demand.
func New(cfg Config, provisioner Provisioner, connector Connector) (*Pool, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", cfg.Size)
	}
	if provisioner == nil {
		return nil, errors.New("pool requires a provisioner")
	}
	if connector == nil {
		return nil, errors.New("pool requires a connector")
	}
	cfg = cfg.withDefaults()

	p := &Pool{
		cfg:         cfg,
		provisioner: provisioner,
		connector:   connector,
		log:         cfg.Logger,
		inUse:       make(map[*Session]struct{}),
		waitq:       list.New(),
		stop:        make(chan struct{}),
		now:         time.Now,
	}
	if cfg.EnableHealthCheck {
		p.healthDone = make(chan struct{})
		go p.healthLoop()
	}
	return p, nil
}

// Initialize warms the pool with one creation per free slot. All slots are
// filled concurrently; Initialize only waits for the first to settle and
// returns its error, so one slow or failing slot does not block startup.
// Until the rest land, Stats reports the pool as under-filled.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	n := p.cfg.Size - p.total()
	if n <= 0 {
		p.mu.Unlock()
		return nil
	}
	p.creating += n
	p.bg.Add(n)
	p.mu.Unlock()

	// The channel holds every result so the stragglers never block on send;
	// whichever fill settles first decides the return value.
	results := make(chan error, n)
	go func() {
		results <- p.fill(ctx)
	}()
	for i := 1; i < n; i++ {
		go func() {
			results <- p.fill(context.Background())
		}()
	}
	return <-results
}

// fill runs one slot-filling creation. The caller has already counted it in
// p.creating and p.bg.
func (p *Pool) fill(ctx context.Context) error {
	defer p.bg.Done()

	s, err := p.createSession(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.creating--
	if err != nil {
		if !p.failWaiter(err) {
			p.log.Warn("fill browser slot", zap.Error(err))
		}
		if !p.closed {
			p.retryAfterDelay()
		}
		return err
	}
	if p.closed {
		p.destroyAsync(s)
		return ErrPoolClosed
	}
	if p.total() >= p.cfg.Size {
		// A racing creation took the slot while ours was in flight.
		p.destroyAsync(s)
		return nil
	}
	if !p.handOff(s) {
		p.available = append(p.available, s)
	}
	return nil
}

// Acquire returns a warm session, creating one on demand when the pool is
// below size. When every slot is committed the caller parks in a FIFO wait
// queue until a session is released, replaced or replenished; with the wait
// queue disabled it fails fast with ErrPoolExhausted. The context only
// governs waiting and the caller's own creation attempt.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		// Serve from the stack, most recently released first. Sessions
		// that went stale on the shelf are discarded on the spot.
		for n := len(p.available); n > 0; n = len(p.available) {
			s := p.available[n-1]
			p.available = p.available[:n-1]
			if !p.usable(s) {
				p.destroyAsync(s)
				continue
			}
			s.UseCount++
			s.LastUsedAt = p.now()
			p.inUse[s] = struct{}{}
			p.mu.Unlock()
			return s, nil
		}

		// Room for one more: create it for this caller. The session is
		// handed over directly, never via the queue, and a creation error
		// is the caller's answer.
		if p.total() < p.cfg.Size {
			p.creating++
			p.bg.Add(1)
			p.mu.Unlock()

			s, retry, err := p.createForCaller(ctx)
			if retry {
				continue
			}
			return s, err
		}

		if p.cfg.DisableWaitQueue {
			p.mu.Unlock()
			return nil, ErrPoolExhausted
		}

		ch := make(chan acquireResult)
		el := p.waitq.PushBack(ch)
		p.mu.Unlock()

		select {
		case res, ok := <-ch:
			if !ok {
				// Hand-off missed us or the pool is closing; take
				// another lap and find out which.
				continue
			}
			return res.s, res.err
		case <-ctx.Done():
			p.mu.Lock()
			p.waitq.Remove(el)
			p.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

// createForCaller runs one on-demand creation for an acquirer. retry is true
// when the fresh session lost the capacity re-check and the acquirer should
// take another lap over the stack and queue.
func (p *Pool) createForCaller(ctx context.Context) (s *Session, retry bool, err error) {
	defer p.bg.Done()

	s, err = p.createSession(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.creating--
	if err != nil {
		return nil, false, err
	}
	if p.closed {
		p.destroyAsync(s)
		return nil, false, ErrPoolClosed
	}
	if p.total() >= p.cfg.Size {
		// Capacity moved while the create was in flight; close the excess
		// session rather than admit it.
		p.destroyAsync(s)
		return nil, true, nil
	}
	s.UseCount++
	s.LastUsedAt = p.now()
	p.inUse[s] = struct{}{}
	return s, false, nil
}

// Release returns a borrowed session to the pool. With failed set, or when
// the session hit a recycling ceiling while borrowed, it is closed instead
// and a replacement is requested. Releasing a session the pool no longer
// tracks (already evicted by the disconnect reactor, or released twice) is a
// no-op.
func (p *Pool) Release(s *Session, failed bool) {
	if s == nil {
		return
	}
	p.mu.Lock()
	if _, held := p.inUse[s]; !held {
		p.mu.Unlock()
		return
	}
	delete(p.inUse, s)

	if failed || !p.usable(s) {
		p.destroyAsync(s)
		p.mu.Unlock()
		p.replenish()
		return
	}

	s.LastUsedAt = p.now()
	if !p.handOff(s) {
		p.available = append(p.available, s)
	}
	p.mu.Unlock()
}

// Shutdown closes the pool: parked acquirers fail with ErrPoolClosed, the
// health loop stops, and every owned session, idle or lent out, is torn
// down. It waits, bounded by ctx, for in-flight creations and teardowns to
// finish. Safe to call more than once.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.stop)

		for el := p.waitq.Front(); el != nil; el = p.waitq.Front() {
			ch := p.waitq.Remove(el).(chan acquireResult)
			select {
			case ch <- acquireResult{err: ErrPoolClosed}:
			default:
				close(ch)
			}
		}

		for _, s := range p.available {
			p.destroyAsync(s)
		}
		p.available = nil
		for s := range p.inUse {
			p.destroyAsync(s)
			delete(p.inUse, s)
		}
	}
	p.mu.Unlock()

	if p.healthDone != nil {
		select {
		case <-p.healthDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	go func() {
		p.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Available: len(p.available),
		InUse:     len(p.inUse),
		Creating:  p.creating,
		Waiting:   p.waitq.Len(),
		Total:     p.total(),
		MaxSize:   p.cfg.Size,
	}
}

// replenish starts one background creation when the pool is below size.
// Success admits the session to a waiter or the stack; failure is delivered
// to the longest-parked waiter when there is one, otherwise logged, and
// another attempt is scheduled after RetryDelay either way.
func (p *Pool) replenish() {
	p.mu.Lock()
	if p.closed || p.total() >= p.cfg.Size {
		p.mu.Unlock()
		return
	}
	p.creating++
	p.bg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.bg.Done()

		s, err := p.createSession(context.Background())

		p.mu.Lock()
		defer p.mu.Unlock()
		p.creating--
		if err != nil {
			if !p.failWaiter(err) {
				p.log.Warn("replenish browser", zap.Error(err))
			}
			if !p.closed {
				p.retryAfterDelay()
			}
			return
		}
		if p.closed || p.total() >= p.cfg.Size {
			p.destroyAsync(s)
			return
		}
		if !p.handOff(s) {
			p.available = append(p.available, s)
		}
	}()
}

// retryAfterDelay schedules one replenish attempt after the configured
// delay. Shutdown aborts the wait.
func (p *Pool) retryAfterDelay() {
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		select {
		case <-time.After(p.cfg.RetryDelay):
			p.replenish()
		case <-p.stop:
		}
	}()
}

// handOff offers s to the longest-parked acquirer and reports whether one
// took it. The acquisition bookkeeping runs before the channel send so the
// receiver never observes a half-updated session; when every parked waiter
// turns out to have left, the bookkeeping is rolled back under the still
// held lock. p.mu must be held.
func (p *Pool) handOff(s *Session) bool {
	if p.waitq.Len() == 0 {
		return false
	}
	s.UseCount++
	s.LastUsedAt = p.now()
	p.inUse[s] = struct{}{}
	for el := p.waitq.Front(); el != nil; el = p.waitq.Front() {
		ch := p.waitq.Remove(el).(chan acquireResult)
		select {
		case ch <- acquireResult{s: s}:
			return true
		default:
			// The waiter gave up between parking and receiving. Close the
			// channel so a racing receiver retries instead of hanging.
			close(ch)
		}
	}
	delete(p.inUse, s)
	s.UseCount--
	return false
}

// failWaiter delivers err to the longest-parked acquirer, if any. p.mu must
// be held.
func (p *Pool) failWaiter(err error) bool {
	for el := p.waitq.Front(); el != nil; el = p.waitq.Front() {
		ch := p.waitq.Remove(el).(chan acquireResult)
		select {
		case ch <- acquireResult{err: err}:
			return true
		default:
			close(ch)
		}
	}
	return false
}

// removeAvailable takes s off the stack if it is still there. p.mu must be
// held.
func (p *Pool) removeAvailable(s *Session) bool {
	for i, cur := range p.available {
		if cur == s {
			p.available = append(p.available[:i], p.available[i+1:]...)
			return true
		}
	}
	return false
}

// total is the number of sessions the pool is accountable for, including
// ones still being created. p.mu must be held.
func (p *Pool) total() int {
	return len(p.available) + len(p.inUse) + p.creating
}

// destroyAsync tears s down on a background goroutine. The session must
// already be out of both the stack and the in-use set. p.mu must be held
// (for the WaitGroup ordering against Shutdown).
func (p *Pool) destroyAsync(s *Session) {
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		p.teardown(s)
	}()
}
