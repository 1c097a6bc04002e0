package docstore

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// memoryStore keeps collections in process memory and fans snapshots out to
// subscribers. It is the default backend for tests and embedded use.
type memoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
	subs        map[string][]*subscription
	buffer      int
	logger      zerolog.Logger
	closed      bool
}

func NewMemoryStore(opts Options) Store {
	return &memoryStore{
		collections: map[string]map[string]Document{},
		subs:        map[string][]*subscription{},
		buffer:      opts.snapshotBuffer(),
		logger:      opts.Logger,
	}
}

func (m *memoryStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := checkKey(collection, id); err != nil {
		return Document{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Document{}, ErrClosed
	}
	doc, ok := m.collections[collection][id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (m *memoryStore) Set(ctx context.Context, collection, id string, doc Document) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}
	doc.ID = id
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	coll := m.collections[collection]
	if coll == nil {
		coll = map[string]Document{}
		m.collections[collection] = coll
	}
	coll[id] = cloneDocument(doc)
	targets := append([]*subscription(nil), m.subs[collection]...)
	m.mu.Unlock()

	snap := Snapshot{Docs: []Document{cloneDocument(doc)}}
	for _, sub := range targets {
		sub.deliver(snap)
	}
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, collection, id string) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.collections[collection][id]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.collections[collection], id)
	targets := append([]*subscription(nil), m.subs[collection]...)
	m.mu.Unlock()

	snap := Snapshot{Deleted: []string{id}}
	for _, sub := range targets {
		sub.deliver(snap)
	}
	return nil
}

func (m *memoryStore) Subscribe(ctx context.Context, collection string) (Subscription, error) {
	if collection == "" {
		return nil, ErrInvalidInput
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	var sub *subscription
	sub = newSubscription(m.buffer, func() {
		m.removeSub(collection, sub)
	})
	m.subs[collection] = append(m.subs[collection], sub)
	initial := m.fullSnapshotLocked(collection)
	m.mu.Unlock()

	sub.deliver(initial)
	return sub, nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var all []*subscription
	for _, subs := range m.subs {
		all = append(all, subs...)
	}
	m.subs = map[string][]*subscription{}
	m.mu.Unlock()
	for _, sub := range all {
		sub.Cancel()
	}
	return nil
}

func (m *memoryStore) fullSnapshotLocked(collection string) Snapshot {
	coll := m.collections[collection]
	docs := make([]Document, 0, len(coll))
	for _, doc := range coll {
		docs = append(docs, cloneDocument(doc))
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return Snapshot{Full: true, Docs: docs}
}

func (m *memoryStore) removeSub(collection string, target *subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[collection]
	for i, sub := range subs {
		if sub == target {
			m.subs[collection] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func checkKey(collection, id string) error {
	if collection == "" || id == "" {
		return ErrInvalidInput
	}
	return nil
}
