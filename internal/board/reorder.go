package board

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/planrelay/planrelay/internal/rank"
)

type coordState int

const (
	coordIdle coordState = iota
	coordDragging
	coordSettling
)

type CoordinatorOptions struct {
	// Debounce is how long after the last drop the coordinator waits
	// before flushing the coalesced write.
	Debounce time.Duration
	Logger   zerolog.Logger
}

// Coordinator turns drag gestures into board mutations. Drops apply to the
// store immediately (optimistic visibility) but their persistence writes are
// held back and coalesced: rapid successive drops of the same record flush
// as a single write carrying only the final position, once the debounce
// window passes with no further gesture.
//
// While a drag or settle is active the dragged record is protected from
// remote merges; everything else keeps reconciling normally.
type Coordinator struct {
	mu       sync.Mutex
	store    *Store
	debounce time.Duration
	logger   zerolog.Logger

	state  coordState
	dragID string
	staged map[string]writeTask
	timer  *time.Timer
}

func NewCoordinator(store *Store, opts CoordinatorOptions) *Coordinator {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Coordinator{
		store:    store,
		debounce: debounce,
		logger:   opts.Logger,
		staged:   map[string]writeTask{},
	}
}

// DragStart begins a drag of the given record. Starting while another drag
// is active is a gesture-source bug.
func (c *Coordinator) DragStart(recordID string) error {
	if _, err := c.store.Get(recordID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == coordDragging {
		return fmt.Errorf("%w: drag already active for %s", ErrInvalidState, c.dragID)
	}
	c.state = coordDragging
	c.dragID = recordID
	c.store.protect(recordID)
	return nil
}

// DragOver is the gesture-move hook. Position preview is a presentation
// concern; the store is only touched on drop.
func (c *Coordinator) DragOver(bucket string, lowerID, upperID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != coordDragging {
		return fmt.Errorf("%w: no active drag", ErrInvalidState)
	}
	return nil
}

// DragCancel abandons the active drag with no mutation. Writes already
// staged by earlier settled drops stay staged.
func (c *Coordinator) DragCancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != coordDragging {
		return
	}
	if _, held := c.staged[c.dragID]; !held {
		c.store.unprotect(c.dragID)
	}
	c.dragID = ""
	if len(c.staged) > 0 {
		c.state = coordSettling
		c.armTimerLocked()
		return
	}
	c.state = coordIdle
}

// DragEnd drops the dragged record into bucket between the two neighbor
// records (empty ids mean no neighbor on that side). The move is visible
// locally at once; its write settles after the debounce window.
func (c *Coordinator) DragEnd(bucket string, lowerID, upperID string) (Record, error) {
	c.mu.Lock()
	if c.state != coordDragging {
		c.mu.Unlock()
		return Record{}, fmt.Errorf("%w: no active drag", ErrInvalidState)
	}
	id := c.dragID
	c.mu.Unlock()

	newRank, err := c.resolveRank(bucket, id, lowerID, upperID)
	if errors.Is(err, rank.ErrCollision) {
		// Degenerate neighbor ranks; renumber the bucket and place again.
		c.logger.Warn().Str("bucket", bucket).Msg("rank collision on drop, rebalancing bucket")
		if rbErr := c.store.RebalanceBucket(bucket); rbErr != nil {
			return Record{}, rbErr
		}
		newRank, err = c.resolveRank(bucket, id, lowerID, upperID)
	}
	if err != nil {
		return Record{}, err
	}

	rec, task, err := c.store.stageMove(id, bucket, newRank)
	if err != nil {
		return Record{}, err
	}

	c.mu.Lock()
	if prev, held := c.staged[id]; held {
		// Superseded drop: its write will never happen, so it must not
		// suppress a future snapshot either.
		c.store.tracker.RemovePending(prev.mutationID)
	}
	c.staged[id] = task
	c.state = coordSettling
	c.armTimerLocked()
	c.mu.Unlock()

	if len(newRank) > rank.MaxLen {
		// Rare dense-insert path: flush the staged write and renumber.
		c.Flush()
		if err := c.store.RebalanceBucket(bucket); err != nil {
			return rec, err
		}
		return c.store.Get(id)
	}
	return rec, nil
}

// Flush persists all staged writes now instead of waiting out the debounce
// window. Gesture teardown and shutdown call this.
func (c *Coordinator) Flush() {
	c.mu.Lock()
	c.flushLocked()
	c.mu.Unlock()
}

// Close flushes staged writes and stops the timer.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.flushLocked()
	c.mu.Unlock()
}

func (c *Coordinator) resolveRank(bucket, dragID, lowerID, upperID string) (string, error) {
	lower, upper := "", ""
	if lowerID != "" {
		rec, err := c.store.Get(lowerID)
		if err != nil {
			return "", err
		}
		lower = rec.Rank
	}
	if upperID != "" {
		rec, err := c.store.Get(upperID)
		if err != nil {
			return "", err
		}
		upper = rec.Rank
	}
	if lower == "" && upper == "" {
		c.store.mu.RLock()
		ranks := c.store.bucketRanksLocked(bucket, dragID)
		c.store.mu.RUnlock()
		return rank.Initial(ranks), nil
	}
	return rank.Between(lower, upper)
}

func (c *Coordinator) armTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, c.settle)
}

func (c *Coordinator) settle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != coordSettling {
		return
	}
	c.flushLocked()
}

func (c *Coordinator) flushLocked() {
	for id, task := range c.staged {
		c.store.enqueueWrite(task)
		c.store.unprotect(id)
		delete(c.staged, id)
	}
	if c.state != coordDragging {
		if c.dragID != "" {
			c.store.unprotect(c.dragID)
		}
		c.dragID = ""
		c.state = coordIdle
	}
}
