// Package session is ShadowBox's Session Manager: the only place a Box's
// decryption key (DEK) is ever held in memory. Unlocking a Box derives its
// DEK and caches it here; every read/write of that Box's content routes
// through Manager.DEK to reuse the cached key instead of re-deriving it.
// An idle timer sweeps stale sessions on its own goroutine.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/shadowbox/shadowbox/pkg/cryptoutil"
	"github.com/shadowbox/shadowbox/pkg/shadowerr"
)

// entry holds one unlocked Box's cached key material and last-touch time.
type entry struct {
	dek      []byte
	unlocked time.Time
	lastUsed time.Time
}

// Manager caches unlocked Box DEKs in memory and auto-locks them after an
// idle period.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*entry
	idleFor  time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewManager returns a Manager that auto-locks a Box after it has seen no
// activity for idleFor. idleFor <= 0 disables auto-lock (sessions only end
// when Lock/LockAll is called explicitly).
func NewManager(idleFor time.Duration) *Manager {
	m := &Manager{
		sessions: make(map[string]*entry),
		idleFor:  idleFor,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if idleFor > 0 {
		go m.sweepLoop()
	} else {
		close(m.doneCh)
	}
	return m
}

func (m *Manager) sweepLoop() {
	defer close(m.doneCh)

	interval := m.idleFor / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepExpired()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweepExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for boxID, e := range m.sessions {
		if now.Sub(e.lastUsed) >= m.idleFor {
			cryptoutil.Zero(e.dek)
			delete(m.sessions, boxID)
		}
	}
}

// Stop halts the idle sweep goroutine. It does not lock any sessions.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

// Unlock caches dek for boxID, starting (or restarting) its idle clock. The
// caller retains ownership of dek's backing array only in the sense that
// Manager copies it; the caller's own copy should still be zeroed once it
// is no longer needed.
func (m *Manager) Unlock(ctx context.Context, boxID string, dek []byte) error {
	if err := ctx.Err(); err != nil {
		return shadowerr.Wrap(shadowerr.Cancelled, "unlock box", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cached := make([]byte, len(dek))
	copy(cached, dek)

	now := time.Now()
	m.sessions[boxID] = &entry{dek: cached, unlocked: now, lastUsed: now}
	return nil
}

// DEK returns the cached DEK for boxID and refreshes its idle clock. It
// returns shadowerr.Locked if the Box has no active session.
func (m *Manager) DEK(ctx context.Context, boxID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, shadowerr.Wrap(shadowerr.Cancelled, "read session dek", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[boxID]
	if !ok {
		return nil, shadowerr.Newf(shadowerr.Locked, "box %s is locked", boxID)
	}
	e.lastUsed = time.Now()

	out := make([]byte, len(e.dek))
	copy(out, e.dek)
	return out, nil
}

// Touch refreshes boxID's idle clock without returning its DEK. The Box
// Engine's metadata-only operations (list, search) do not call it, so
// they do not keep a Box from auto-locking.
func (m *Manager) Touch(ctx context.Context, boxID string) error {
	if err := ctx.Err(); err != nil {
		return shadowerr.Wrap(shadowerr.Cancelled, "touch session", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[boxID]
	if !ok {
		return shadowerr.Newf(shadowerr.Locked, "box %s is locked", boxID)
	}
	e.lastUsed = time.Now()
	return nil
}

// IsUnlocked reports whether boxID currently has an active session.
func (m *Manager) IsUnlocked(boxID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[boxID]
	return ok
}

// Lock zeroes and discards boxID's cached DEK. Locking a Box that has no
// active session is a no-op.
func (m *Manager) Lock(boxID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[boxID]; ok {
		cryptoutil.Zero(e.dek)
		delete(m.sessions, boxID)
	}
}

// LockAll zeroes and discards every cached DEK, used on daemon shutdown.
func (m *Manager) LockAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for boxID, e := range m.sessions {
		cryptoutil.Zero(e.dek)
		delete(m.sessions, boxID)
	}
}
