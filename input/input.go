// Package input defines the Input contract: a stable, subscribable cell
// holding the current Output of some external state. Terms read Inputs
// through their Handle; the engine subscribes one-shot refresh callbacks
// and treats change notifications as a set (any-of), never a priority.
package input

import (
	"sync"
	"sync/atomic"

	"weft/output"
)

// ID is the stable identity of an Input across term re-evaluations. The
// engine and the analysis graph use ID, not Go identity, to recognize
// "same input as before".
type ID string

// Handle is the type-erased view of an Input that the term evaluator and
// engine operate on without knowing the carried value type. Primitive and
// BindInput term nodes hold a Handle; Cell[T] satisfies it directly.
type Handle interface {
	// ID returns this input's stable identity.
	ID() ID
	// Subscribe registers refresh to be called at most once per underlying
	// change notification. The returned unsubscribe function is idempotent
	// and guarantees no further calls to refresh after it returns.
	Subscribe(refresh func()) (unsubscribe func())
	// JobID returns the job identifier attributed to this input's current
	// value, if any, for display in the analysis graph.
	JobID() (string, bool)
}

type subscription struct {
	fn     func()
	active atomic.Bool
}

// Cell is the canonical mutable Input implementation: it holds a current
// Output[T] plus a set of subscriber callbacks. Monitor is built on top of
// Cell; plugins that do not need Monitor's read/watch state machine may use
// Cell directly.
type Cell[T any] struct {
	id ID

	mu    sync.Mutex
	value output.Output[T]
	jobID string
	hasJob bool
	subs  map[int]*subscription
	nextID int
}

// NewCell creates a Cell with the given stable id and initial value.
func NewCell[T any](id ID, initial output.Output[T]) *Cell[T] {
	return &Cell[T]{
		id:    id,
		value: initial,
		subs:  make(map[int]*subscription),
	}
}

// ID returns the cell's stable identity.
func (c *Cell[T]) ID() ID { return c.id }

// Get reads the current output without blocking. Reading is idempotent
// within one evaluation: repeated calls between mutations return the same
// value.
func (c *Cell[T]) Get() output.Output[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// JobID returns the job id attributed to the current value, if one was set
// via SetJobID.
func (c *Cell[T]) JobID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobID, c.hasJob
}

// SetJobID attaches a job identifier to the cell's current value, for
// display in the analysis graph. It does not trigger a refresh.
func (c *Cell[T]) SetJobID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobID = id
	c.hasJob = true
}

// Set mutates the cell's current output and notifies every active
// subscriber at-least-once. Notification happens after the mutation is
// visible to subsequent Get calls, satisfying the at-least-once-after-
// mutation invariant.
func (c *Cell[T]) Set(o output.Output[T]) {
	c.mu.Lock()
	c.value = o
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		if s.active.Load() {
			s.fn()
		}
	}
}

// Subscribe registers refresh for at-most-once-per-change-notification
// delivery. The returned unsubscribe is safe to call more than once and
// guarantees refresh will not be invoked again after it returns.
func (c *Cell[T]) Subscribe(refresh func()) (unsubscribe func()) {
	s := &subscription{fn: refresh}
	s.active.Store(true)

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = s
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.active.Store(false)
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// SubscriberCount reports the number of active subscribers, used by Monitor
// to decide when to tear down its watcher.
func (c *Cell[T]) SubscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
