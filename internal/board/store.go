package board

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/planrelay/planrelay/internal/docstore"
	"github.com/planrelay/planrelay/internal/mutation"
	"github.com/planrelay/planrelay/internal/rank"
)

// ChangeOp says what happened to a record.
type ChangeOp string

const (
	ChangePut    ChangeOp = "put"
	ChangeDelete ChangeOp = "delete"
)

// ChangeOrigin says which side caused a change.
type ChangeOrigin string

const (
	OriginLocal  ChangeOrigin = "local"
	OriginRemote ChangeOrigin = "remote"
)

// Change is one local-collection change, delivered to Watch subscribers.
type Change struct {
	Op     ChangeOp
	Origin ChangeOrigin
	ID     string
	Record Record
}

// WriteFailure reports a persistence write that exhausted its retries. The
// local collection still holds the optimistic value in Record (nil for
// deletes); the embedder decides whether to roll back or re-apply.
type WriteFailure struct {
	ID       string
	Kind     mutation.Kind
	Attempts int
	Err      error
	Record   *Record
}

type writeTask struct {
	kind       mutation.Kind
	mutationID string
	id         string
	delete     bool
	doc        docstore.Document
}

type StoreOptions struct {
	// Collection names the document-store collection backing this board.
	Collection string
	Backend    docstore.Store
	Tracker    *mutation.Tracker

	// MaxWriteAttempts bounds retries for one async persistence write
	// before it is reported on Failures.
	MaxWriteAttempts int
	WriteRetryDelay  time.Duration
	MaxRetryDelay    time.Duration
	WriteTimeout     time.Duration
	QueueSize        int
	FailureBuffer    int
	Logger           zerolog.Logger

	// DisableWriter keeps writes queued without a consumer; tests drain
	// the queue themselves.
	DisableWriter bool
}

// Store is the optimistic in-memory collection. Mutations apply
// synchronously and return immediately; the matching document-store write
// runs on a single writer goroutine, preserving per-record write order.
// Local reads always see the most recent local mutation.
type Store struct {
	mu         sync.RWMutex
	collection string
	backend    docstore.Store
	tracker    *mutation.Tracker
	records    map[string]Record
	protected  map[string]struct{}
	watchers   map[int]chan Change
	watcherSeq int

	writeQueue   chan writeTask
	failures     chan WriteFailure
	maxAttempts  int
	retryDelay   time.Duration
	maxDelay     time.Duration
	writeTimeout time.Duration
	logger       zerolog.Logger

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Backend == nil || opts.Tracker == nil {
		return nil, fmt.Errorf("%w: backend and tracker are required", ErrInvalidInput)
	}
	collection := opts.Collection
	if collection == "" {
		collection = "records"
	}
	maxAttempts := opts.MaxWriteAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	retryDelay := opts.WriteRetryDelay
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxRetryDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	failureBuffer := opts.FailureBuffer
	if failureBuffer <= 0 {
		failureBuffer = 64
	}
	s := &Store{
		collection:   collection,
		backend:      opts.Backend,
		tracker:      opts.Tracker,
		records:      map[string]Record{},
		protected:    map[string]struct{}{},
		watchers:     map[int]chan Change{},
		writeQueue:   make(chan writeTask, queueSize),
		failures:     make(chan WriteFailure, failureBuffer),
		maxAttempts:  maxAttempts,
		retryDelay:   retryDelay,
		maxDelay:     maxDelay,
		writeTimeout: writeTimeout,
		logger:       opts.Logger,
		closed:       make(chan struct{}),
	}
	if !opts.DisableWriter {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.writerLoop()
		}()
	}
	return s, nil
}

// Add inserts a record and queues its persistence write. A missing id gets a
// fresh one; a missing rank is allocated after the bucket's current tail.
func (s *Store) Add(rec Record) (Record, error) {
	if rec.Bucket == "" {
		return Record{}, fmt.Errorf("%w: bucket is required", ErrInvalidInput)
	}
	if rec.Status == "" {
		rec.Status = StatusPlanned
	}
	s.mu.Lock()
	if s.isClosedLocked() {
		s.mu.Unlock()
		return Record{}, ErrStoreClosed
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	} else if _, exists := s.records[rec.ID]; exists {
		s.mu.Unlock()
		return Record{}, fmt.Errorf("%w: id %s already present", ErrInvalidInput, rec.ID)
	}
	if rec.Rank == "" {
		rec.Rank = rank.Initial(s.bucketRanksLocked(rec.Bucket, ""))
	} else if !rank.IsValid(rec.Rank) {
		s.mu.Unlock()
		return Record{}, fmt.Errorf("%w: rank %q", rank.ErrInvalid, rec.Rank)
	} else if s.rankTakenLocked(rec.Bucket, rec.Rank, rec.ID) {
		s.mu.Unlock()
		return Record{}, fmt.Errorf("%w: rank %q already used in bucket %s", rank.ErrCollision, rec.Rank, rec.Bucket)
	}
	rec.Version = 1
	_, meta := s.tracker.AddPending(mutation.KindAdd, rec.ID)
	rec.Meta = meta
	s.records[rec.ID] = rec.clone()
	task, err := s.buildPutTask(mutation.KindAdd, rec)
	if err != nil {
		s.mu.Unlock()
		return Record{}, err
	}
	s.notifyLocked(Change{Op: ChangePut, Origin: OriginLocal, ID: rec.ID, Record: rec.clone()})
	s.mu.Unlock()
	s.enqueueWrite(task)
	return rec, nil
}

// Update applies a partial update to a record.
func (s *Store) Update(id string, upd RecordUpdate) (Record, error) {
	s.mu.Lock()
	if s.isClosedLocked() {
		s.mu.Unlock()
		return Record{}, ErrStoreClosed
	}
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if upd.Status != nil {
		rec.Status = *upd.Status
	}
	if upd.Title != nil {
		rec.Title = *upd.Title
	}
	if upd.Fields != nil {
		if rec.Fields == nil {
			rec.Fields = map[string]string{}
		} else {
			rec = rec.clone()
		}
		for k, v := range upd.Fields {
			if v == "" {
				delete(rec.Fields, k)
				continue
			}
			rec.Fields[k] = v
		}
	}
	rec.Version++
	_, meta := s.tracker.AddPending(mutation.KindUpdate, id)
	rec.Meta = meta
	s.records[id] = rec.clone()
	task, err := s.buildPutTask(mutation.KindUpdate, rec)
	if err != nil {
		s.mu.Unlock()
		return Record{}, err
	}
	s.notifyLocked(Change{Op: ChangePut, Origin: OriginLocal, ID: id, Record: rec.clone()})
	s.mu.Unlock()
	s.enqueueWrite(task)
	return rec, nil
}

// Move places a record into a bucket at a given rank and queues the write.
// An empty rank places it after the bucket's current tail.
func (s *Store) Move(id, bucket, newRank string) (Record, error) {
	rec, task, err := s.stageMove(id, bucket, newRank)
	if err != nil {
		return Record{}, err
	}
	s.enqueueWrite(task)
	return rec, nil
}

// stageMove applies a move locally and stamps its pending mutation, but
// leaves queuing the persistence write to the caller. The reorder
// coordinator uses this to coalesce rapid successive drops into one write.
func (s *Store) stageMove(id, bucket, newRank string) (Record, writeTask, error) {
	if bucket == "" {
		return Record{}, writeTask{}, fmt.Errorf("%w: bucket is required", ErrInvalidInput)
	}
	s.mu.Lock()
	if s.isClosedLocked() {
		s.mu.Unlock()
		return Record{}, writeTask{}, ErrStoreClosed
	}
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return Record{}, writeTask{}, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if newRank == "" {
		newRank = rank.Initial(s.bucketRanksLocked(bucket, id))
	} else if !rank.IsValid(newRank) {
		s.mu.Unlock()
		return Record{}, writeTask{}, fmt.Errorf("%w: rank %q", rank.ErrInvalid, newRank)
	} else if s.rankTakenLocked(bucket, newRank, id) {
		s.mu.Unlock()
		return Record{}, writeTask{}, fmt.Errorf("%w: rank %q already used in bucket %s", rank.ErrCollision, newRank, bucket)
	}
	rec.Bucket = bucket
	rec.Rank = newRank
	rec.Version++
	_, meta := s.tracker.AddPending(mutation.KindMove, id)
	rec.Meta = meta
	s.records[id] = rec.clone()
	task, err := s.buildPutTask(mutation.KindMove, rec)
	if err != nil {
		s.mu.Unlock()
		return Record{}, writeTask{}, err
	}
	s.notifyLocked(Change{Op: ChangePut, Origin: OriginLocal, ID: id, Record: rec.clone()})
	s.mu.Unlock()
	return rec, task, nil
}

// Remove deletes a record and queues the delete write.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	if s.isClosedLocked() {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	delete(s.records, id)
	pending, _ := s.tracker.AddPending(mutation.KindRemove, id)
	task := writeTask{kind: mutation.KindRemove, mutationID: pending.ID, id: id, delete: true}
	s.notifyLocked(Change{Op: ChangeDelete, Origin: OriginLocal, ID: id, Record: rec.clone()})
	s.mu.Unlock()
	s.enqueueWrite(task)
	return nil
}

func (s *Store) Get(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return rec.clone(), nil
}

// List returns every record ordered by bucket, then rank.
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bucket != out[j].Bucket {
			return out[i].Bucket < out[j].Bucket
		}
		return out[i].Rank < out[j].Rank
	})
	return out
}

// BucketRecords returns one bucket's records in rank order.
func (s *Store) BucketRecords(bucket string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, rec := range s.records {
		if rec.Bucket == bucket {
			out = append(out, rec.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// RebalanceBucket renumbers a whole bucket with fresh minimal-length ranks,
// preserving order. Each record is restamped and rewritten; the rare path
// for when dense inserts have grown a rank past rank.MaxLen.
func (s *Store) RebalanceBucket(bucket string) error {
	s.mu.Lock()
	if s.isClosedLocked() {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	var ids []string
	for id, rec := range s.records {
		if rec.Bucket == bucket {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		s.mu.Unlock()
		return nil
	}
	sort.Slice(ids, func(i, j int) bool { return s.records[ids[i]].Rank < s.records[ids[j]].Rank })
	ranks := rank.Rebalance(len(ids))
	tasks := make([]writeTask, 0, len(ids))
	for i, id := range ids {
		rec := s.records[id]
		if rec.Rank == ranks[i] {
			continue
		}
		rec.Rank = ranks[i]
		rec.Version++
		_, meta := s.tracker.AddPending(mutation.KindMove, id)
		rec.Meta = meta
		s.records[id] = rec.clone()
		task, err := s.buildPutTask(mutation.KindMove, rec)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		tasks = append(tasks, task)
		s.notifyLocked(Change{Op: ChangePut, Origin: OriginLocal, ID: id, Record: rec.clone()})
	}
	s.mu.Unlock()
	for _, task := range tasks {
		s.enqueueWrite(task)
	}
	return nil
}

// Watch returns a local-change stream and its cancel func. Deliveries are
// dropped rather than blocking a slow consumer.
func (s *Store) Watch() (<-chan Change, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watcherSeq++
	key := s.watcherSeq
	ch := make(chan Change, 64)
	s.watchers[key] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, key)
	}
}

// Failures surfaces persistence writes that exhausted their retries.
func (s *Store) Failures() <-chan WriteFailure { return s.failures }

func (s *Store) Collection() string { return s.collection }

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.wg.Wait()
	})
}

// protect marks a record as owned by an active drag; the reconciler leaves
// it untouched until unprotect.
func (s *Store) protect(id string) {
	s.mu.Lock()
	s.protected[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Store) unprotect(id string) {
	s.mu.Lock()
	delete(s.protected, id)
	s.mu.Unlock()
}

func (s *Store) isClosedLocked() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Store) bucketRanksLocked(bucket, excludeID string) []string {
	var ranks []string
	for id, rec := range s.records {
		if rec.Bucket == bucket && id != excludeID {
			ranks = append(ranks, rec.Rank)
		}
	}
	return ranks
}

func (s *Store) rankTakenLocked(bucket, r, excludeID string) bool {
	for id, rec := range s.records {
		if id != excludeID && rec.Bucket == bucket && rec.Rank == r {
			return true
		}
	}
	return false
}

func (s *Store) buildPutTask(kind mutation.Kind, rec Record) (writeTask, error) {
	doc, err := encodeDocument(rec)
	if err != nil {
		return writeTask{}, err
	}
	return writeTask{kind: kind, mutationID: rec.Meta.MutationID, id: rec.ID, doc: doc}, nil
}

func (s *Store) notifyLocked(change Change) {
	for _, ch := range s.watchers {
		select {
		case ch <- change:
		default:
		}
	}
}

func (s *Store) enqueueWrite(task writeTask) {
	select {
	case s.writeQueue <- task:
	case <-s.closed:
	}
}

func (s *Store) writerLoop() {
	for {
		select {
		case task := <-s.writeQueue:
			s.performWrite(task)
		case <-s.closed:
			// Drain what is already queued, then stop.
			for {
				select {
				case task := <-s.writeQueue:
					s.performWrite(task)
				default:
					return
				}
			}
		}
	}
}

// performWrite pushes one task to the document store, retrying with
// exponential backoff. A write that exhausts its attempts will never echo,
// so its pending entry is retired and the failure surfaced.
func (s *Store) performWrite(task writeTask) {
	var lastErr error
	delay := s.retryDelay
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		if task.delete {
			lastErr = s.backend.Delete(ctx, s.collection, task.id)
		} else {
			lastErr = s.backend.Set(ctx, s.collection, task.id, task.doc)
		}
		cancel()
		if lastErr == nil || (task.delete && lastErr == docstore.ErrNotFound) {
			if task.delete {
				// Deletions carry no metadata on the wire, so their
				// pending entries cannot be retired by an echo.
				s.tracker.RemovePending(task.mutationID)
			}
			return
		}
		if attempt == s.maxAttempts {
			break
		}
		select {
		case <-s.closed:
			attempt = s.maxAttempts
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.maxDelay {
			delay = s.maxDelay
		}
	}

	s.tracker.RemovePending(task.mutationID)
	s.logger.Error().
		Err(lastErr).
		Str("record", task.id).
		Str("kind", string(task.kind)).
		Int("attempts", s.maxAttempts).
		Msg("persistence write failed")
	failure := WriteFailure{
		ID:       task.id,
		Kind:     task.kind,
		Attempts: s.maxAttempts,
		Err:      lastErr,
	}
	if !task.delete {
		s.mu.RLock()
		if rec, ok := s.records[task.id]; ok {
			cloned := rec.clone()
			failure.Record = &cloned
		}
		s.mu.RUnlock()
	}
	select {
	case s.failures <- failure:
	default:
		s.logger.Warn().Str("record", task.id).Msg("failure channel full, dropping report")
	}
}
