package locker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutualExclusion(t *testing.T) {
	m := NewManager(0, zerolog.Nop())
	defer m.Close()
	ctx := context.Background()

	release, err := m.Acquire(ctx, "cust-1", "first")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r2, err := m.Acquire(ctx, "cust-1", "second")
		if err == nil {
			close(acquired)
			r2()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while lock held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never granted after release")
	}
}

func TestFIFOOrder(t *testing.T) {
	m := NewManager(0, zerolog.Nop())
	defer m.Close()
	ctx := context.Background()

	release, err := m.Acquire(ctx, "k", "holder")
	require.NoError(t, err)

	const n = 5
	var mu sync.Mutex
	var order []int
	ready := make(chan struct{}, n)
	done := make(chan struct{})
	go func() {
		for i := 0; i < n; i++ {
			i := i
			go func() {
				ready <- struct{}{}
				r, err := m.Acquire(ctx, "k", "waiter")
				if err != nil {
					return
				}
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				r()
				if len(order) == n {
					close(done)
				}
			}()
			// stagger so arrival order is deterministic
			<-ready
			time.Sleep(10 * time.Millisecond)
		}
		release()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("waiters never drained")
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestReleaseIdempotent(t *testing.T) {
	m := NewManager(0, zerolog.Nop())
	defer m.Close()
	ctx := context.Background()

	release, err := m.Acquire(ctx, "k", "a")
	require.NoError(t, err)
	release()
	release() // repeat is a no-op

	r2, err := m.Acquire(ctx, "k", "b")
	require.NoError(t, err)
	// a stale double release must not free the new holder's lock
	release()

	blocked := make(chan struct{})
	go func() {
		r3, err := m.Acquire(ctx, "k", "c")
		if err == nil {
			close(blocked)
			r3()
		}
	}()
	select {
	case <-blocked:
		t.Fatal("stale release freed a lock held by another caller")
	case <-time.After(50 * time.Millisecond):
	}
	r2()
}

func TestAutoReleaseAfterTimeout(t *testing.T) {
	m := NewManager(30*time.Millisecond, zerolog.Nop())
	defer m.Close()
	ctx := context.Background()

	_, err := m.Acquire(ctx, "k", "leaky")
	require.NoError(t, err)

	// the leaked lock must not wedge the next waiter forever
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	release, err := m.Acquire(waitCtx, "k", "next")
	require.NoError(t, err)
	release()
}

func TestAcquireContextCancelled(t *testing.T) {
	m := NewManager(0, zerolog.Nop())
	defer m.Close()

	release, err := m.Acquire(context.Background(), "k", "holder")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "k", "cancelled")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	// the abandoned waiter must not absorb the grant
	r2, err := m.Acquire(context.Background(), "k", "after")
	require.NoError(t, err)
	r2()
}

func TestIndependentKeys(t *testing.T) {
	m := NewManager(0, zerolog.Nop())
	defer m.Close()
	ctx := context.Background()

	r1, err := m.Acquire(ctx, "a", "")
	require.NoError(t, err)
	defer r1()

	r2, err := m.Acquire(ctx, "b", "")
	require.NoError(t, err)
	r2()
}
