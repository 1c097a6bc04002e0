package mutation

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker(clock Clock) *Tracker {
	return NewTracker(Options{Clock: clock, DisableSweep: true})
}

func TestOwnMutationRecognized(t *testing.T) {
	tr := newTestTracker(newFakeClock())
	defer tr.Close()

	_, meta := tr.AddPending(KindAdd, "rec-1")
	require.Equal(t, tr.ClientID(), meta.ClientID)
	require.NotEmpty(t, meta.MutationID)
	require.True(t, tr.IsOwn(meta))
}

func TestForeignMutationIgnored(t *testing.T) {
	tr := newTestTracker(newFakeClock())
	defer tr.Close()
	other := newTestTracker(newFakeClock())
	defer other.Close()

	_, meta := other.AddPending(KindUpdate, "rec-1")
	require.False(t, tr.IsOwn(meta))
	require.False(t, tr.IsOwn(Meta{}))
}

func TestRemovePendingIdempotent(t *testing.T) {
	tr := newTestTracker(newFakeClock())
	defer tr.Close()

	p, meta := tr.AddPending(KindMove, "rec-1")
	tr.RemovePending(p.ID)
	require.False(t, tr.IsOwn(meta))
	tr.RemovePending(p.ID)
	tr.RemovePending("never-existed")
	require.Zero(t, tr.PendingCount())
}

func TestRetentionEvictsOnSight(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(Options{Retention: 15 * time.Second, Clock: clock, DisableSweep: true})
	defer tr.Close()

	_, meta := tr.AddPending(KindUpdate, "rec-1")
	clock.Advance(14 * time.Second)
	require.True(t, tr.IsOwn(meta))

	clock.Advance(2 * time.Second)
	// Past the window the entry is evicted and the snapshot treated as
	// foreign, so a write whose echo never arrived stops suppressing.
	require.False(t, tr.IsOwn(meta))
	require.Zero(t, tr.PendingCount())
	require.False(t, tr.IsOwn(meta))
}

func TestSweepEvictsStaleEntries(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(Options{Retention: 15 * time.Second, Clock: clock, DisableSweep: true})
	defer tr.Close()

	tr.AddPending(KindAdd, "old")
	clock.Advance(20 * time.Second)
	tr.AddPending(KindAdd, "fresh")

	require.Equal(t, 1, tr.sweep())
	require.Equal(t, 1, tr.PendingCount())
}

func TestDistinctSessionsGetDistinctClientIDs(t *testing.T) {
	a := newTestTracker(newFakeClock())
	defer a.Close()
	b := newTestTracker(newFakeClock())
	defer b.Close()
	require.NotEqual(t, a.ClientID(), b.ClientID())
}
