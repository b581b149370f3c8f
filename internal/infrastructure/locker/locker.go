// Package locker provides per-key mutual exclusion with FIFO waiters and a
// bounded hold time.
package locker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultHoldTimeout bounds how long a single holder may keep a key before
// the lock is force-released. The forced release is a safety net against a
// leaked unlock, not a correctness guarantee: the stale holder may still be
// running when the next waiter proceeds.
const DefaultHoldTimeout = 10 * time.Second

// Release relinquishes a held key. Calling it more than once is a no-op.
type Release func()

type waiter struct {
	ch chan uint64 // receives the grant generation
}

type lockState struct {
	held    bool
	gen     uint64
	reason  string
	timer   *time.Timer
	waiters []*waiter
}

// Manager owns a table of keyed locks. Instances are independent; there is
// no process-global state.
type Manager struct {
	mu          sync.Mutex
	locks       map[string]*lockState
	holdTimeout time.Duration
	logger      zerolog.Logger
	closed      bool
}

func NewManager(holdTimeout time.Duration, logger zerolog.Logger) *Manager {
	if holdTimeout <= 0 {
		holdTimeout = DefaultHoldTimeout
	}
	return &Manager{
		locks:       map[string]*lockState{},
		holdTimeout: holdTimeout,
		logger:      logger.With().Str("service", "locker").Logger(),
	}
}

// Acquire blocks until the key is exclusively held or ctx is done. Waiters
// are granted strictly in arrival order.
func (m *Manager) Acquire(ctx context.Context, key, reason string) (Release, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, context.Canceled
	}
	st, ok := m.locks[key]
	if !ok {
		st = &lockState{}
		m.locks[key] = st
	}
	if !st.held {
		st.held = true
		st.gen++
		st.reason = reason
		gen := st.gen
		m.armTimer(key, st, gen)
		m.mu.Unlock()
		return m.releaseFunc(key, gen), nil
	}
	w := &waiter{ch: make(chan uint64, 1)}
	st.waiters = append(st.waiters, w)
	m.mu.Unlock()

	select {
	case gen := <-w.ch:
		m.mu.Lock()
		if st, ok := m.locks[key]; ok {
			st.reason = reason
		}
		m.mu.Unlock()
		return m.releaseFunc(key, gen), nil
	case <-ctx.Done():
		m.abandon(key, w)
		return nil, ctx.Err()
	}
}

// abandon removes a cancelled waiter, or releases the lock immediately if
// the grant raced the cancellation.
func (m *Manager) abandon(key string, w *waiter) {
	m.mu.Lock()
	st, ok := m.locks[key]
	if ok {
		for i, cand := range st.waiters {
			if cand == w {
				st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
				m.mu.Unlock()
				return
			}
		}
	}
	m.mu.Unlock()
	select {
	case gen := <-w.ch:
		m.release(key, gen, false)
	default:
	}
}

func (m *Manager) releaseFunc(key string, gen uint64) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.release(key, gen, false)
		})
	}
}

// armTimer must be called with m.mu held.
func (m *Manager) armTimer(key string, st *lockState, gen uint64) {
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(m.holdTimeout, func() {
		m.release(key, gen, true)
	})
}

func (m *Manager) release(key string, gen uint64, forced bool) {
	m.mu.Lock()
	st, ok := m.locks[key]
	if !ok || !st.held || st.gen != gen {
		// stale or repeated release
		m.mu.Unlock()
		return
	}
	if forced {
		m.logger.Warn().
			Str("key", key).
			Str("reason", st.reason).
			Dur("hold_timeout", m.holdTimeout).
			Msg("lock hold timeout, forcing release")
	}
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	if len(st.waiters) == 0 {
		delete(m.locks, key)
		m.mu.Unlock()
		return
	}
	next := st.waiters[0]
	st.waiters = st.waiters[1:]
	st.gen++
	nextGen := st.gen
	m.armTimer(key, st, nextGen)
	m.mu.Unlock()
	next.ch <- nextGen
}

// Close stops all timers and unblocks nothing; callers should have drained
// in-flight work first.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, st := range m.locks {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	m.locks = map[string]*lockState{}
}
