package board

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/planrelay/planrelay/internal/docstore"
)

// DegradedEvent reports a snapshot-stream failure to the embedder. The
// reconciler keeps resubscribing on its own; the event exists so the UI can
// show a degraded-sync indicator.
type DegradedEvent struct {
	At  time.Time
	Err error
}

type ReconcilerOptions struct {
	ResubscribeDelay    time.Duration
	MaxResubscribeDelay time.Duration
	DegradedBuffer      int
	Logger              zerolog.Logger
}

// Reconciler consumes the document store's snapshot stream for the store's
// collection and merges it record by record: echoes of this session's own
// writes retire their pending entries without re-applying, everything else
// replaces the local record wholesale.
type Reconciler struct {
	store    *Store
	delay    time.Duration
	maxDelay time.Duration
	degraded chan DegradedEvent
	logger   zerolog.Logger
}

func NewReconciler(store *Store, opts ReconcilerOptions) *Reconciler {
	delay := opts.ResubscribeDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxResubscribeDelay
	if maxDelay <= 0 {
		maxDelay = 15 * time.Second
	}
	buffer := opts.DegradedBuffer
	if buffer <= 0 {
		buffer = 16
	}
	return &Reconciler{
		store:    store,
		delay:    delay,
		maxDelay: maxDelay,
		degraded: make(chan DegradedEvent, buffer),
		logger:   opts.Logger,
	}
}

// Degraded surfaces stream failures. Events are dropped, not blocked on,
// when the embedder does not drain them.
func (r *Reconciler) Degraded() <-chan DegradedEvent { return r.degraded }

// Run subscribes and processes snapshots until ctx is cancelled,
// resubscribing with capped backoff after stream failures.
func (r *Reconciler) Run(ctx context.Context) error {
	delay := r.delay
	for {
		sub, err := r.store.backend.Subscribe(ctx, r.store.collection)
		if err != nil {
			r.reportDegraded(&SyncTransportError{Op: "subscribe", Err: err})
			if waitErr := waitWithContext(ctx, delay); waitErr != nil {
				return waitErr
			}
			delay = nextDelay(delay, r.maxDelay)
			continue
		}

		processed, streamErr := r.consume(ctx, sub)
		sub.Cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if processed {
			delay = r.delay
		}
		if streamErr != nil {
			r.reportDegraded(&SyncTransportError{Op: "stream", Err: streamErr})
		}
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return waitErr
		}
		delay = nextDelay(delay, r.maxDelay)
	}
}

// consume processes deliveries until the context ends or the stream fails,
// reporting whether any snapshot landed so Run can reset its backoff.
func (r *Reconciler) consume(ctx context.Context, sub docstore.Subscription) (bool, error) {
	processed := false
	for {
		select {
		case <-ctx.Done():
			return processed, nil
		case snap, ok := <-sub.Snapshots():
			if !ok {
				return processed, nil
			}
			r.store.applySnapshot(snap)
			processed = true
		case err, ok := <-sub.Errs():
			if !ok {
				return processed, nil
			}
			if err != nil {
				return processed, err
			}
		}
	}
}

func (r *Reconciler) reportDegraded(err error) {
	r.logger.Warn().Err(err).Msg("sync degraded")
	event := DegradedEvent{At: time.Now(), Err: err}
	select {
	case r.degraded <- event:
	default:
	}
}

// applySnapshot merges one delivery into the collection, record level only:
// a full snapshot never replaces the collection wholesale, so optimistic
// edits to unrelated records survive.
func (s *Store) applySnapshot(snap docstore.Snapshot) {
	s.mu.Lock()
	var changes []Change
	seen := make(map[string]struct{}, len(snap.Docs))

	for _, doc := range snap.Docs {
		rec, err := decodeDocument(doc)
		if err != nil {
			s.logger.Warn().Err(err).Str("record", doc.ID).Msg("undecodable snapshot document")
			continue
		}
		seen[rec.ID] = struct{}{}
		if s.tracker.IsOwn(doc.Meta) {
			// Echo of our own write: the optimistic value is already
			// correct, possibly newer than the snapshot payload.
			s.tracker.RemovePending(doc.Meta.MutationID)
			continue
		}
		if _, held := s.protected[rec.ID]; held {
			continue
		}
		existing, ok := s.records[rec.ID]
		if ok && existing.Version == rec.Version && existing.Meta == rec.Meta {
			continue
		}
		s.records[rec.ID] = rec.clone()
		changes = append(changes, Change{Op: ChangePut, Origin: OriginRemote, ID: rec.ID, Record: rec})
	}

	for _, id := range snap.Deleted {
		if _, held := s.protected[id]; held {
			continue
		}
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		delete(s.records, id)
		changes = append(changes, Change{Op: ChangeDelete, Origin: OriginRemote, ID: id, Record: rec})
	}

	if snap.Full {
		for id, rec := range s.records {
			if _, present := seen[id]; present {
				continue
			}
			if _, held := s.protected[id]; held {
				continue
			}
			// A record whose own write is still in flight is absent
			// from the snapshot only because the echo has not landed.
			if s.tracker.IsOwn(rec.Meta) {
				continue
			}
			delete(s.records, id)
			changes = append(changes, Change{Op: ChangeDelete, Origin: OriginRemote, ID: id, Record: rec})
		}
	}

	for _, change := range changes {
		s.notifyLocked(change)
	}
	s.mu.Unlock()
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextDelay(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
