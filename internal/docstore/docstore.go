// Package docstore defines the document store consumed by the board: a
// key-document store with record-level writes and snapshot subscriptions.
// Granularity is structurally per record; there is no whole-collection
// write, so one caller cannot stomp another record's in-flight edit.
package docstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"github.com/planrelay/planrelay/internal/mutation"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrClosed       = errors.New("store closed")
	ErrInvalidInput = errors.New("invalid input")
)

// Document is one stored record. Meta round-trips the writer's mutation
// metadata verbatim; Version is a per-record counter bumped on every write.
type Document struct {
	ID      string          `json:"id"`
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
	Meta    mutation.Meta   `json:"meta"`
}

// Snapshot is one delivery on a subscription. Full snapshots carry the whole
// collection; absence from a full snapshot means the record was deleted.
// Partial snapshots carry only changed documents and deleted ids.
type Snapshot struct {
	Full    bool
	Docs    []Document
	Deleted []string
}

// Subscription is a push-based snapshot stream. Errs surfaces transport
// failures; the stream keeps delivering after a recoverable error, and the
// consumer owns any resubscribe policy.
type Subscription interface {
	Snapshots() <-chan Snapshot
	Errs() <-chan error
	Cancel()
}

type Store interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	Set(ctx context.Context, collection, id string, doc Document) error
	Delete(ctx context.Context, collection, id string) error
	Subscribe(ctx context.Context, collection string) (Subscription, error)
	Close() error
}

// Options configure backend construction through Open.
type Options struct {
	Logger zerolog.Logger
	// SnapshotBuffer is the per-subscription channel capacity. A slow
	// consumer overflowing it loses the delivery and gets an error on
	// Errs instead.
	SnapshotBuffer int
}

func (o Options) snapshotBuffer() int {
	if o.SnapshotBuffer <= 0 {
		return 256
	}
	return o.SnapshotBuffer
}

// subscription is the channel pair used by the in-process backends.
type subscription struct {
	snapshots chan Snapshot
	errs      chan error
	cancel    func()
	done      chan struct{}
}

func newSubscription(buffer int, cancel func()) *subscription {
	return &subscription{
		snapshots: make(chan Snapshot, buffer),
		errs:      make(chan error, 16),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (s *subscription) Snapshots() <-chan Snapshot { return s.snapshots }
func (s *subscription) Errs() <-chan error         { return s.errs }

func (s *subscription) Cancel() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *subscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// deliver pushes a snapshot without blocking. On overflow the snapshot is
// dropped and the consumer is told the stream degraded.
func (s *subscription) deliver(snap Snapshot) {
	if s.closed() {
		return
	}
	select {
	case s.snapshots <- snap:
	default:
		s.fail(errors.New("snapshot dropped: subscriber too slow"))
	}
}

func (s *subscription) fail(err error) {
	if s.closed() || err == nil {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}

func cloneDocument(doc Document) Document {
	out := doc
	if doc.Data != nil {
		out.Data = append(json.RawMessage(nil), doc.Data...)
	}
	return out
}
