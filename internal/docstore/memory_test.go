package docstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testDoc(id string, version int64) Document {
	return Document{
		ID:      id,
		Version: version,
		Data:    json.RawMessage(`{"title":"` + id + `"}`),
	}
}

func waitSnapshot(t *testing.T, sub Subscription) Snapshot {
	t.Helper()
	select {
	case snap := <-sub.Snapshots():
		return snap
	case err := <-sub.Errs():
		t.Fatalf("subscription error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return Snapshot{}
}

func TestMemoryGetSetDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{})
	defer store.Close()

	_, err := store.Get(ctx, "boards", "a")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Set(ctx, "boards", "a", testDoc("a", 1)))
	got, err := store.Get(ctx, "boards", "a")
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Version)
	require.JSONEq(t, `{"title":"a"}`, string(got.Data))

	require.NoError(t, store.Delete(ctx, "boards", "a"))
	_, err = store.Get(ctx, "boards", "a")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, store.Delete(ctx, "boards", "a"), ErrNotFound)
}

func TestMemoryRejectsEmptyKeys(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{})
	defer store.Close()

	require.ErrorIs(t, store.Set(ctx, "", "a", testDoc("a", 1)), ErrInvalidInput)
	require.ErrorIs(t, store.Set(ctx, "boards", "", testDoc("", 1)), ErrInvalidInput)
	_, err := store.Subscribe(ctx, "")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestMemorySubscribeDeliversInitialFullSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{})
	defer store.Close()

	require.NoError(t, store.Set(ctx, "boards", "b", testDoc("b", 1)))
	require.NoError(t, store.Set(ctx, "boards", "a", testDoc("a", 1)))

	sub, err := store.Subscribe(ctx, "boards")
	require.NoError(t, err)
	defer sub.Cancel()

	snap := waitSnapshot(t, sub)
	require.True(t, snap.Full)
	require.Len(t, snap.Docs, 2)
	require.Equal(t, "a", snap.Docs[0].ID)
	require.Equal(t, "b", snap.Docs[1].ID)
}

func TestMemoryFanOutIsRecordLevel(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{})
	defer store.Close()

	sub, err := store.Subscribe(ctx, "boards")
	require.NoError(t, err)
	defer sub.Cancel()
	waitSnapshot(t, sub) // initial

	require.NoError(t, store.Set(ctx, "boards", "a", testDoc("a", 1)))
	snap := waitSnapshot(t, sub)
	require.False(t, snap.Full)
	require.Len(t, snap.Docs, 1)
	require.Equal(t, "a", snap.Docs[0].ID)
	require.Empty(t, snap.Deleted)

	require.NoError(t, store.Delete(ctx, "boards", "a"))
	snap = waitSnapshot(t, sub)
	require.False(t, snap.Full)
	require.Empty(t, snap.Docs)
	require.Equal(t, []string{"a"}, snap.Deleted)
}

func TestMemorySubscriptionsAreCollectionScoped(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{})
	defer store.Close()

	sub, err := store.Subscribe(ctx, "boards")
	require.NoError(t, err)
	defer sub.Cancel()
	waitSnapshot(t, sub)

	require.NoError(t, store.Set(ctx, "other", "x", testDoc("x", 1)))
	select {
	case snap := <-sub.Snapshots():
		t.Fatalf("unexpected snapshot: %+v", snap)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryCancelStopsDelivery(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{})
	defer store.Close()

	sub, err := store.Subscribe(ctx, "boards")
	require.NoError(t, err)
	waitSnapshot(t, sub)
	sub.Cancel()
	sub.Cancel() // idempotent

	require.NoError(t, store.Set(ctx, "boards", "a", testDoc("a", 1)))
	select {
	case snap, ok := <-sub.Snapshots():
		if ok {
			t.Fatalf("unexpected snapshot after cancel: %+v", snap)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryClosedStoreErrors(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{})
	require.NoError(t, store.Close())

	require.ErrorIs(t, store.Set(ctx, "boards", "a", testDoc("a", 1)), ErrClosed)
	_, err := store.Get(ctx, "boards", "a")
	require.ErrorIs(t, err, ErrClosed)
	_, err = store.Subscribe(ctx, "boards")
	require.ErrorIs(t, err, ErrClosed)
}

func TestMemoryStoredDocumentIsIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{})
	defer store.Close()

	doc := testDoc("a", 1)
	require.NoError(t, store.Set(ctx, "boards", "a", doc))
	doc.Data[2] = 'X'

	got, err := store.Get(ctx, "boards", "a")
	require.NoError(t, err)
	require.JSONEq(t, `{"title":"a"}`, string(got.Data))
}
