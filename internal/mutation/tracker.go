// Package mutation keeps the per-session ledger of local mutations that are
// in flight to the document store, so inbound snapshots can be told apart
// from echoes of this session's own writes.
package mutation

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Clock supplies timestamps for mutation stamping. Injectable for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// Kind identifies the shape of a local mutation.
type Kind string

const (
	KindAdd    Kind = "add"
	KindUpdate Kind = "update"
	KindMove   Kind = "move"
	KindRemove Kind = "remove"
)

// Meta is stamped onto every local write and must round-trip the document
// store verbatim. A snapshot whose Meta matches a pending entry of this
// session is an echo.
type Meta struct {
	ClientID   string `json:"clientId"`
	MutationID string `json:"mutationId"`
	LoggedAt   int64  `json:"loggedAt"`
}

func (m Meta) IsZero() bool {
	return m.ClientID == "" && m.MutationID == ""
}

// Pending is one ledger entry. Entries live until a matching echo is
// observed, the write is reported failed, or the retention window elapses.
type Pending struct {
	ID       string
	Kind     Kind
	RecordID string
	LoggedAt time.Time
}

type Options struct {
	// Retention bounds how long an unacknowledged entry suppresses
	// snapshots before the next remote value is accepted as truth.
	Retention     time.Duration
	SweepInterval time.Duration
	Clock         Clock
	Logger        zerolog.Logger
	// DisableSweep skips the background eviction goroutine; expired
	// entries are still rejected by IsOwn.
	DisableSweep bool
}

// Tracker owns the session's client id and pending-mutation map. All methods
// are safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	clientID  string
	pending   map[string]Pending
	retention time.Duration
	clock     Clock
	logger    zerolog.Logger
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewTracker(opts Options) *Tracker {
	retention := opts.Retention
	if retention <= 0 {
		retention = 15 * time.Second
	}
	sweepInterval := opts.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = retention / 3
	}
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	t := &Tracker{
		clientID:  uuid.NewString(),
		pending:   map[string]Pending{},
		retention: retention,
		clock:     clock,
		logger:    opts.Logger,
		closed:    make(chan struct{}),
	}
	if !opts.DisableSweep {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.sweepLoop(sweepInterval)
		}()
	}
	return t
}

// ClientID is the opaque id generated once for this session.
func (t *Tracker) ClientID() string { return t.clientID }

// AddPending stamps and stores a new ledger entry and returns it together
// with the metadata to tag the outbound write with.
func (t *Tracker) AddPending(kind Kind, recordID string) (Pending, Meta) {
	now := t.clock.Now()
	p := Pending{
		ID:       uuid.NewString(),
		Kind:     kind,
		RecordID: recordID,
		LoggedAt: now,
	}
	t.mu.Lock()
	t.pending[p.ID] = p
	t.mu.Unlock()
	return p, Meta{
		ClientID:   t.clientID,
		MutationID: p.ID,
		LoggedAt:   now.UnixNano(),
	}
}

// IsOwn reports whether meta identifies a still-pending mutation of this
// session. Entries older than the retention window are evicted on sight and
// treated as foreign, so a dropped write cannot block reconciliation
// forever.
func (t *Tracker) IsOwn(meta Meta) bool {
	if meta.ClientID != t.clientID {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[meta.MutationID]
	if !ok {
		return false
	}
	if t.clock.Now().Sub(p.LoggedAt) > t.retention {
		delete(t.pending, meta.MutationID)
		return false
	}
	return true
}

// RemovePending deletes an entry. Removing an unknown id is a no-op.
func (t *Tracker) RemovePending(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.wg.Wait()
	})
}

func (t *Tracker) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
			if evicted := t.sweep(); evicted > 0 {
				t.logger.Debug().Int("evicted", evicted).Msg("evicted stale pending mutations")
			}
		}
	}
}

func (t *Tracker) sweep() int {
	cutoff := t.clock.Now().Add(-t.retention)
	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for id, p := range t.pending {
		if p.LoggedAt.Before(cutoff) {
			delete(t.pending, id)
			evicted++
		}
	}
	return evicted
}
