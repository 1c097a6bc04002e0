package docstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir(), Options{})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Set(ctx, "boards", "a", testDoc("a", 3)))
	got, err := store.Get(ctx, "boards", "a")
	require.NoError(t, err)
	require.Equal(t, int64(3), got.Version)
	require.JSONEq(t, `{"title":"a"}`, string(got.Data))

	require.NoError(t, store.Delete(ctx, "boards", "a"))
	_, err = store.Get(ctx, "boards", "a")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, store.Delete(ctx, "boards", "a"), ErrNotFound)
}

func TestFilePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileStore(dir, Options{})
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "boards", "a", testDoc("a", 1)))
	require.NoError(t, store.Close())

	reopened, err := NewFileStore(dir, Options{})
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get(ctx, "boards", "a")
	require.NoError(t, err)
	require.Equal(t, "a", got.ID)
}

func TestFileLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir, Options{})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Set(ctx, "boards", "a", testDoc("a", 1)))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "boards.json", entries[0].Name())
}

func TestFileSubscribeSeesExternalWrites(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir, Options{})
	require.NoError(t, err)
	defer store.Close()

	sub, err := store.Subscribe(ctx, "boards")
	require.NoError(t, err)
	defer sub.Cancel()
	initial := waitSnapshot(t, sub)
	require.True(t, initial.Full)
	require.Empty(t, initial.Docs)

	// Another process writing the collection file shows up as a full
	// snapshot through the directory watcher.
	writer, err := NewFileStore(dir, Options{})
	require.NoError(t, err)
	defer writer.Close()
	require.NoError(t, writer.Set(ctx, "boards", "a", testDoc("a", 1)))

	snap := waitSnapshot(t, sub)
	require.True(t, snap.Full)
	require.Len(t, snap.Docs, 1)
	require.Equal(t, "a", snap.Docs[0].ID)
}

func TestCollectionForFile(t *testing.T) {
	cases := []struct {
		path string
		want string
		ok   bool
	}{
		{filepath.Join("root", "boards.json"), "boards", true},
		{filepath.Join("root", "boards.json.tmp"), "", false},
		{filepath.Join("root", ".hidden.json"), "", false},
		{filepath.Join("root", "notes.txt"), "", false},
	}
	for _, tc := range cases {
		got, ok := collectionForFile(tc.path)
		require.Equal(t, tc.ok, ok, tc.path)
		require.Equal(t, tc.want, got, tc.path)
	}
}

func TestFileCloseCancelsSubscriptions(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir(), Options{})
	require.NoError(t, err)

	sub, err := store.Subscribe(ctx, "boards")
	require.NoError(t, err)
	waitSnapshot(t, sub)

	require.NoError(t, store.Close())
	select {
	case snap, ok := <-sub.Snapshots():
		if ok {
			t.Fatalf("unexpected snapshot after close: %+v", snap)
		}
	case <-time.After(100 * time.Millisecond):
	}
	_, err = store.Subscribe(ctx, "boards")
	require.ErrorIs(t, err, ErrClosed)
}
