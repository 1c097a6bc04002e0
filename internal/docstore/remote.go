package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	remoteCallTimeout   = 15 * time.Second
	remoteDialBaseDelay = 100 * time.Millisecond
	remoteDialMaxDelay  = 5 * time.Second
)

// remoteStore speaks to a document-store gateway over one websocket: JSON
// request/response frames for get/set/delete and server-pushed snapshot
// frames for subscriptions. The connection is redialed with capped backoff;
// subscribers see the outage on Errs and a fresh full snapshot once the
// server re-delivers state.
type remoteStore struct {
	url    string
	buffer int
	logger zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	seq     int64
	pending map[int64]chan wsFrame
	subs    map[string][]*subscription

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type wsFrame struct {
	Type       string      `json:"type"`
	Seq        int64       `json:"seq,omitempty"`
	Collection string      `json:"collection,omitempty"`
	ID         string      `json:"id,omitempty"`
	Doc        *Document   `json:"doc,omitempty"`
	Snapshot   *wsSnapshot `json:"snapshot,omitempty"`
	Error      string      `json:"error,omitempty"`
	NotFound   bool        `json:"notFound,omitempty"`
}

type wsSnapshot struct {
	Full    bool       `json:"full"`
	Docs    []Document `json:"docs,omitempty"`
	Deleted []string   `json:"deleted,omitempty"`
}

func NewRemoteStore(rawURL string, opts Options) (Store, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("%w: empty url", ErrInvalidInput)
	}
	return &remoteStore{
		url:     rawURL,
		buffer:  opts.snapshotBuffer(),
		logger:  opts.Logger,
		pending: map[int64]chan wsFrame{},
		subs:    map[string][]*subscription{},
		closed:  make(chan struct{}),
	}, nil
}

func (r *remoteStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := checkKey(collection, id); err != nil {
		return Document{}, err
	}
	resp, err := r.call(ctx, wsFrame{Type: "get", Collection: collection, ID: id})
	if err != nil {
		return Document{}, err
	}
	if resp.NotFound {
		return Document{}, ErrNotFound
	}
	if resp.Doc == nil {
		return Document{}, fmt.Errorf("gateway returned no document")
	}
	return *resp.Doc, nil
}

func (r *remoteStore) Set(ctx context.Context, collection, id string, doc Document) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}
	doc.ID = id
	_, err := r.call(ctx, wsFrame{Type: "set", Collection: collection, ID: id, Doc: &doc})
	return err
}

func (r *remoteStore) Delete(ctx context.Context, collection, id string) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}
	resp, err := r.call(ctx, wsFrame{Type: "delete", Collection: collection, ID: id})
	if err != nil {
		return err
	}
	if resp.NotFound {
		return ErrNotFound
	}
	return nil
}

func (r *remoteStore) Subscribe(ctx context.Context, collection string) (Subscription, error) {
	if collection == "" {
		return nil, ErrInvalidInput
	}
	var sub *subscription
	sub = newSubscription(r.buffer, func() {
		r.removeSub(collection, sub)
	})
	r.mu.Lock()
	select {
	case <-r.closed:
		r.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	r.subs[collection] = append(r.subs[collection], sub)
	r.mu.Unlock()

	// The server answers a subscribe with an initial full snapshot frame.
	if _, err := r.call(ctx, wsFrame{Type: "subscribe", Collection: collection}); err != nil {
		sub.Cancel()
		return nil, err
	}
	return sub, nil
}

func (r *remoteStore) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.mu.Lock()
		conn := r.conn
		r.conn = nil
		var all []*subscription
		for _, subs := range r.subs {
			all = append(all, subs...)
		}
		r.subs = map[string][]*subscription{}
		r.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "store closed")
		}
		for _, sub := range all {
			sub.Cancel()
		}
		r.wg.Wait()
	})
	return nil
}

func (r *remoteStore) call(ctx context.Context, frame wsFrame) (wsFrame, error) {
	ctx, cancel := context.WithTimeout(ctx, remoteCallTimeout)
	defer cancel()
	conn, err := r.ensureConn(ctx)
	if err != nil {
		return wsFrame{}, err
	}

	reply := make(chan wsFrame, 1)
	r.mu.Lock()
	r.seq++
	frame.Seq = r.seq
	r.pending[frame.Seq] = reply
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, frame.Seq)
		r.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, conn, frame); err != nil {
		return wsFrame{}, err
	}
	select {
	case resp := <-reply:
		if resp.Error != "" {
			return wsFrame{}, errors.New(resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return wsFrame{}, ctx.Err()
	case <-r.closed:
		return wsFrame{}, ErrClosed
	}
}

// ensureConn dials the gateway if needed, retrying with capped exponential
// backoff while the context allows.
func (r *remoteStore) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	r.mu.Lock()
	if r.conn != nil {
		conn := r.conn
		r.mu.Unlock()
		return conn, nil
	}
	r.mu.Unlock()

	delay := remoteDialBaseDelay
	for {
		select {
		case <-r.closed:
			return nil, ErrClosed
		default:
		}
		conn, _, err := websocket.Dial(ctx, r.url, nil)
		if err == nil {
			r.mu.Lock()
			if r.conn != nil {
				stale := conn
				conn = r.conn
				r.mu.Unlock()
				_ = stale.Close(websocket.StatusNormalClosure, "duplicate dial")
				return conn, nil
			}
			r.conn = conn
			r.mu.Unlock()
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.readLoop(conn)
			}()
			return conn, nil
		}
		r.logger.Warn().Err(err).Str("url", r.url).Msg("gateway dial failed")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.closed:
			return nil, ErrClosed
		case <-time.After(delay):
		}
		delay *= 2
		if delay > remoteDialMaxDelay {
			delay = remoteDialMaxDelay
		}
	}
}

func (r *remoteStore) readLoop(conn *websocket.Conn) {
	for {
		var frame wsFrame
		if err := wsjson.Read(context.Background(), conn, &frame); err != nil {
			r.handleDisconnect(conn, err)
			return
		}
		switch frame.Type {
		case "snapshot":
			if frame.Snapshot == nil {
				continue
			}
			snap := Snapshot{
				Full:    frame.Snapshot.Full,
				Docs:    frame.Snapshot.Docs,
				Deleted: frame.Snapshot.Deleted,
			}
			r.mu.Lock()
			targets := append([]*subscription(nil), r.subs[frame.Collection]...)
			r.mu.Unlock()
			for _, sub := range targets {
				sub.deliver(snap)
			}
		default:
			r.mu.Lock()
			reply, ok := r.pending[frame.Seq]
			r.mu.Unlock()
			if ok {
				reply <- frame
			}
		}
	}
}

// handleDisconnect drops the dead connection, tells every subscriber the
// stream degraded, and redials in the background so existing subscriptions
// resume without caller involvement.
func (r *remoteStore) handleDisconnect(conn *websocket.Conn, cause error) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	var all []*subscription
	collections := make([]string, 0, len(r.subs))
	for collection, subs := range r.subs {
		all = append(all, subs...)
		collections = append(collections, collection)
	}
	r.mu.Unlock()
	_ = conn.Close(websocket.StatusInternalError, "read failed")

	select {
	case <-r.closed:
		return
	default:
	}
	for _, sub := range all {
		sub.fail(cause)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for _, collection := range collections {
		if _, err := r.call(ctx, wsFrame{Type: "subscribe", Collection: collection}); err != nil {
			for _, sub := range all {
				sub.fail(err)
			}
			return
		}
	}
}

func (r *remoteStore) removeSub(collection string, target *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subs[collection]
	for i, sub := range subs {
		if sub == target {
			r.subs[collection] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}
