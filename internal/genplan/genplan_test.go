package genplan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/planrelay/planrelay/internal/board"
	"github.com/planrelay/planrelay/internal/docstore"
	"github.com/planrelay/planrelay/internal/mutation"
)

func newTestBoard(t *testing.T) *board.Store {
	t.Helper()
	backend := docstore.NewMemoryStore(docstore.Options{})
	tracker := mutation.NewTracker(mutation.Options{DisableSweep: true})
	store, err := board.NewStore(board.StoreOptions{
		Backend:         backend,
		Tracker:         tracker,
		WriteRetryDelay: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
		tracker.Close()
		_ = backend.Close()
	})
	return store
}

func staticGenerator(payload string, err error) Generator {
	return func(ctx context.Context, req Request) ([]byte, error) {
		if err != nil {
			return nil, err
		}
		return []byte(payload), nil
	}
}

func TestPlanInsertsValidItems(t *testing.T) {
	store := newTestBoard(t)
	client, err := NewClient(staticGenerator(`{
		"items": [
			{"bucket": "monday", "title": "outline chapters"},
			{"bucket": "monday", "title": "draft intro", "status": "active"},
			{"bucket": "tuesday", "title": "review", "fields": {"owner": "sam"}}
		]
	}`, nil), store, Options{})
	require.NoError(t, err)

	inserted, err := client.Plan(context.Background(), Request{Goal: "write the book"})
	require.NoError(t, err)
	require.Len(t, inserted, 3)
	require.Equal(t, board.StatusPlanned, inserted[0].Status)
	require.Equal(t, board.StatusActive, inserted[1].Status)
	require.Equal(t, "sam", inserted[2].Fields["owner"])

	monday := store.BucketRecords("monday")
	require.Len(t, monday, 2)
	require.Equal(t, "outline chapters", monday[0].Title)
	require.Equal(t, "draft intro", monday[1].Title)
}

func TestPlanRejectsInvalidPayload(t *testing.T) {
	store := newTestBoard(t)

	cases := []string{
		`not json`,
		`{"items": [{"bucket": "monday"}]}`,
		`{"items": [{"bucket": "", "title": "x"}]}`,
		`{"items": [{"bucket": "monday", "title": "x", "status": "sideways"}]}`,
		`{"items": [{"bucket": "monday", "title": "x", "extra": true}]}`,
		`{"plan": []}`,
	}
	for _, payload := range cases {
		client, err := NewClient(staticGenerator(payload, nil), store, Options{})
		require.NoError(t, err)
		_, err = client.Plan(context.Background(), Request{Goal: "g"})
		require.ErrorIs(t, err, ErrInvalidPlan, payload)
	}
	// Nothing was inserted along the way.
	require.Empty(t, store.List())
}

func TestPlanPropagatesGeneratorError(t *testing.T) {
	store := newTestBoard(t)
	genErr := errors.New("service unavailable")
	client, err := NewClient(staticGenerator("", genErr), store, Options{})
	require.NoError(t, err)

	_, err = client.Plan(context.Background(), Request{Goal: "g"})
	require.ErrorIs(t, err, genErr)
	require.Empty(t, store.List())
}

func TestNewClientRequiresGeneratorAndStore(t *testing.T) {
	store := newTestBoard(t)
	_, err := NewClient(nil, store, Options{})
	require.Error(t, err)
	_, err = NewClient(staticGenerator("{}", nil), nil, Options{})
	require.Error(t, err)
}
