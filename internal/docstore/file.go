package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// fileStore persists one JSON file per collection under a root directory and
// watches the directory with fsnotify, so writes from other processes show
// up on subscriptions as full snapshots. Its own writes also surface through
// the watcher, which makes every subscriber — this process included — see
// the same echo stream a remote store would produce.
type fileStore struct {
	root   string
	mu     sync.Mutex
	subs   map[string][]*subscription
	hashes map[string]string
	buffer int
	logger zerolog.Logger

	watcher   *fsnotify.Watcher
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type fileCollection struct {
	Docs map[string]Document `json:"docs"`
}

func NewFileStore(root string, opts Options) (Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("%w: empty root", ErrInvalidInput)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(root); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	f := &fileStore{
		root:    root,
		subs:    map[string][]*subscription{},
		hashes:  map[string]string{},
		buffer:  opts.snapshotBuffer(),
		logger:  opts.Logger,
		watcher: watcher,
		closed:  make(chan struct{}),
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.watchLoop()
	}()
	return f, nil
}

func (f *fileStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := checkKey(collection, id); err != nil {
		return Document{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	coll, err := f.loadLocked(collection)
	if err != nil {
		return Document{}, err
	}
	doc, ok := coll.Docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (f *fileStore) Set(ctx context.Context, collection, id string, doc Document) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}
	doc.ID = id
	f.mu.Lock()
	defer f.mu.Unlock()
	coll, err := f.loadLocked(collection)
	if err != nil {
		return err
	}
	coll.Docs[id] = cloneDocument(doc)
	return f.saveLocked(collection, coll)
}

func (f *fileStore) Delete(ctx context.Context, collection, id string) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	coll, err := f.loadLocked(collection)
	if err != nil {
		return err
	}
	if _, ok := coll.Docs[id]; !ok {
		return ErrNotFound
	}
	delete(coll.Docs, id)
	return f.saveLocked(collection, coll)
}

func (f *fileStore) Subscribe(ctx context.Context, collection string) (Subscription, error) {
	if collection == "" {
		return nil, ErrInvalidInput
	}
	f.mu.Lock()
	select {
	case <-f.closed:
		f.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	var sub *subscription
	sub = newSubscription(f.buffer, func() {
		f.removeSub(collection, sub)
	})
	f.subs[collection] = append(f.subs[collection], sub)
	coll, err := f.loadLocked(collection)
	f.mu.Unlock()
	if err != nil {
		sub.fail(err)
		return sub, nil
	}
	sub.deliver(fullFileSnapshot(coll))
	return sub, nil
}

func (f *fileStore) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		_ = f.watcher.Close()
		f.wg.Wait()
		f.mu.Lock()
		var all []*subscription
		for _, subs := range f.subs {
			all = append(all, subs...)
		}
		f.subs = map[string][]*subscription{}
		f.mu.Unlock()
		for _, sub := range all {
			sub.Cancel()
		}
	})
	return nil
}

func (f *fileStore) watchLoop() {
	for {
		select {
		case <-f.closed:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			collection, ok := collectionForFile(event.Name)
			if !ok {
				continue
			}
			f.broadcast(collection)
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.mu.Lock()
			var all []*subscription
			for _, subs := range f.subs {
				all = append(all, subs...)
			}
			f.mu.Unlock()
			for _, sub := range all {
				sub.fail(err)
			}
		}
	}
}

// broadcast reloads a collection file and delivers a full snapshot to its
// subscribers, deduplicating by content hash so rename+write event pairs for
// one save produce a single delivery.
func (f *fileStore) broadcast(collection string) {
	f.mu.Lock()
	targets := append([]*subscription(nil), f.subs[collection]...)
	if len(targets) == 0 {
		f.mu.Unlock()
		return
	}
	data, err := os.ReadFile(f.collectionPath(collection))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		f.mu.Unlock()
		for _, sub := range targets {
			sub.fail(err)
		}
		return
	}
	hash := hashBytes(data)
	if f.hashes[collection] == hash {
		f.mu.Unlock()
		return
	}
	f.hashes[collection] = hash
	coll := fileCollection{Docs: map[string]Document{}}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &coll); err != nil {
			f.mu.Unlock()
			for _, sub := range targets {
				sub.fail(err)
			}
			return
		}
	}
	f.mu.Unlock()

	snap := fullFileSnapshot(coll)
	for _, sub := range targets {
		sub.deliver(snap)
	}
}

func (f *fileStore) loadLocked(collection string) (fileCollection, error) {
	coll := fileCollection{Docs: map[string]Document{}}
	data, err := os.ReadFile(f.collectionPath(collection))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return coll, nil
		}
		return coll, err
	}
	if err := json.Unmarshal(data, &coll); err != nil {
		return coll, err
	}
	if coll.Docs == nil {
		coll.Docs = map[string]Document{}
	}
	return coll, nil
}

func (f *fileStore) saveLocked(collection string, coll fileCollection) error {
	data, err := json.Marshal(coll)
	if err != nil {
		return err
	}
	path := f.collectionPath(collection)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (f *fileStore) collectionPath(collection string) string {
	return filepath.Join(f.root, collection+".json")
}

func (f *fileStore) removeSub(collection string, target *subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[collection]
	for i, sub := range subs {
		if sub == target {
			f.subs[collection] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func fullFileSnapshot(coll fileCollection) Snapshot {
	docs := make([]Document, 0, len(coll.Docs))
	for id, doc := range coll.Docs {
		doc.ID = id
		docs = append(docs, cloneDocument(doc))
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return Snapshot{Full: true, Docs: docs}
}

func collectionForFile(name string) (string, bool) {
	base := filepath.Base(name)
	if strings.HasSuffix(base, ".tmp") || strings.HasPrefix(base, ".") {
		return "", false
	}
	if !strings.HasSuffix(base, ".json") {
		return "", false
	}
	return strings.TrimSuffix(base, ".json"), true
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
