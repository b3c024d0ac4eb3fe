package pool

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// healthLoop periodically sweeps the idle stack for sessions that went
// stale on the shelf. Runs until Shutdown.
func (p *Pool) healthLoop() {
	defer close(p.healthDone)

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stop:
			return
		}
	}
}

// sweep replaces every idle session that is no longer usable, then tops the
// pool back up to size. Replacements are built one at a time so a slow
// provisioner does not fan out.
func (p *Pool) sweep() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var stale []*Session
	for _, s := range p.available {
		if !p.usable(s) {
			stale = append(stale, s)
		}
	}
	p.mu.Unlock()

	for _, old := range stale {
		p.replaceSession(old)
	}

	p.replenish()
}

// replaceSession builds a replacement for a stale idle session before
// retiring it, so the swap never shrinks the idle stack. The old session
// stays on the stack while the replacement is in flight; an acquirer that
// pops it in the meantime discards it itself, and the swap below copes with
// the session already being gone.
func (p *Pool) replaceSession(old *Session) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.creating++
	p.mu.Unlock()

	fresh, err := p.createSession(context.Background())

	p.mu.Lock()
	p.creating--
	if err != nil {
		// Replacement failed: evict the stale session anyway rather than
		// keep lending it out; the post-sweep replenish restores capacity
		// once the provisioner recovers.
		if p.removeAvailable(old) {
			p.destroyAsync(old)
		}
		p.mu.Unlock()
		p.log.Warn("replace stale browser",
			zap.String("sessionId", old.ID),
			zap.Error(err))
		return
	}
	if p.closed {
		p.destroyAsync(fresh)
		p.mu.Unlock()
		return
	}
	if p.removeAvailable(old) {
		p.destroyAsync(old)
	}
	if p.total() >= p.cfg.Size {
		// The slot was refilled by a racing creation while ours was in
		// flight; the fresh session is the excess one.
		p.destroyAsync(fresh)
		p.mu.Unlock()
		return
	}
	if !p.handOff(fresh) {
		p.available = append(p.available, fresh)
	}
	p.mu.Unlock()

	p.log.Debug("replaced stale browser",
		zap.String("old", old.ID),
		zap.String("new", fresh.ID))
}

// onDisconnect is the reactor for a browser dropping its CDP connection.
// The session is evicted from whichever set holds it and a replacement is
// requested. This is the one path that pulls a session out from under a
// borrower; the eventual Release then finds nothing and no-ops. Runs on the
// connection's event goroutine.
func (p *Pool) onDisconnect(s *Session) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if !p.removeAvailable(s) {
		if _, held := p.inUse[s]; !held {
			// Already being torn down.
			p.mu.Unlock()
			return
		}
		delete(p.inUse, s)
	}
	p.destroyAsync(s)
	p.mu.Unlock()

	p.log.Info("browser disconnected", zap.String("sessionId", s.ID))
	p.replenish()
}
