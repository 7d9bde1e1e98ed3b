// Package cache implements the deduplicating output-cache publisher: a
// memo for side-effecting operations, keyed by digest(op-id, key), that
// guarantees at most one in-flight execution per key, supports auto-cancel
// and rebuild-on-request, and expires finished entries on a schedule.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"weft/internal/idgen"
)

// Digestible is satisfied by any Key or Value plugged into the cache: it
// must produce a stable digest so the cache can recognize "same key" and
// "same value" without comparing by Go identity.
type Digestible interface {
	Digest() string
}

// JSONDigest hashes the canonical JSON encoding of v. It is a convenience
// for Key/Value types that have no cheaper natural digest.
func JSONDigest(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// A non-marshalable value is a programming error, not a runtime
		// condition callers can recover from; fail loudly in the digest
		// rather than silently colliding every such value to one key.
		panic("cache: value is not JSON-marshalable: " + err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Operation is the contract a side-effecting publisher plugs into the
// cache with.
type Operation[K Digestible, V Digestible, O any] interface {
	// ID is this operation's globally unique name.
	ID() string
	// AutoCancel reports whether a running job should be cancelled when a
	// new value arrives for the same key, rather than left to finish.
	AutoCancel() bool
	// ValidFor is how long a finished entry stays valid before the cache
	// treats it as needing rebuild on next observation. Zero means never
	// expires on a schedule (only explicit RequestRebuild applies).
	ValidFor() time.Duration
	// Publish executes the operation for key/value under job, returning
	// the outcome or a publish failure.
	Publish(ctx context.Context, job string, key K, value V) (O, error)
	// PP renders a short description of (key, value) for logs.
	PP(key K, value V) string
}

type state int

const (
	stateNone state = iota
	stateRunning
	stateFinished
)

// Event is the write-through record emitted on every state transition, for
// an optional durable backend to persist.
type Event struct {
	OpID             string
	KeyDigest        string
	Build            int
	ValueDigest      string
	Outcome          any
	Err              error
	JobID            string
	ReadyAt          time.Time
	RunningAt        time.Time
	FinishedAt       time.Time
	RebuildRequested bool
}

// PersistHook is invoked synchronously on every cache state transition.
type PersistHook func(Event)

// Entry is the externally-observable state of one cache key.
type Entry[V any, O any] struct {
	Build            int
	Running          bool
	Outcome          O
	Err              error
	RebuildRequested bool
	JobID            string
	ReadyAt          time.Time
	RunningAt        time.Time
	FinishedAt       time.Time
}

type internalEntry[V any, O any] struct {
	state              state
	build              int
	lastValueDigest    string
	pendingValueDigest string
	queuedValue        *V
	queuedValueDigest  string
	jobID              string
	cancel             context.CancelFunc
	outcome            O
	err                error
	rebuildRequested   bool
	readyAt            time.Time
	runningAt          time.Time
	finishedAt         time.Time
}

// Cache is a deduplicating publisher for one Operation, keyed by
// digest(op.ID(), key.Digest()).
type Cache[K Digestible, V Digestible, O any] struct {
	op      Operation[K, V, O]
	idgen   idgen.Generator
	persist PersistHook
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*internalEntry[V, O]
}

// Option configures a Cache at construction.
type Option[K Digestible, V Digestible, O any] func(*Cache[K, V, O])

// WithPersistHook installs a write-through callback invoked on every
// state transition.
func WithPersistHook[K Digestible, V Digestible, O any](hook PersistHook) Option[K, V, O] {
	return func(c *Cache[K, V, O]) { c.persist = hook }
}

// WithIDGenerator overrides the job id generator; tests use a
// idgen.FixedGenerator for deterministic assertions.
func WithIDGenerator[K Digestible, V Digestible, O any](g idgen.Generator) Option[K, V, O] {
	return func(c *Cache[K, V, O]) { c.idgen = g }
}

// New constructs a Cache for op.
func New[K Digestible, V Digestible, O any](op Operation[K, V, O], opts ...Option[K, V, O]) *Cache[K, V, O] {
	c := &Cache[K, V, O]{
		op:      op,
		idgen:   idgen.UUIDv7Generator{},
		entries: make(map[string]*internalEntry[V, O]),
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache[K, V, O]) digest(key K) string {
	return c.op.ID() + ":" + key.Digest()
}

// Set requests that (key, value) be published. If no entry exists, or the
// entry is Finished and either the value changed, a rebuild was requested,
// or the schedule expired, a new run starts. If the entry is Running with
// an unchanged value, the call is a no-op — this is what collapses
// concurrent Set calls for the same (k, v) into a single in-flight
// publish (property 3: cache single-flight).
func (c *Cache[K, V, O]) Set(ctx context.Context, key K, value V) {
	digest := c.digest(key)
	valueDigest := value.Digest()
	now := c.now()

	c.mu.Lock()
	e, exists := c.entries[digest]
	if !exists {
		e = &internalEntry[V, O]{readyAt: now}
		c.entries[digest] = e
	}

	needsRun := false
	switch {
	case e.state == stateNone:
		needsRun = true
	case e.state == stateRunning:
		if valueDigest != e.pendingValueDigest {
			if c.op.AutoCancel() {
				if e.cancel != nil {
					e.cancel()
				}
				needsRun = true
			} else {
				v := value
				e.queuedValue = &v
				e.queuedValueDigest = valueDigest
			}
		}
	case e.state == stateFinished:
		expired := c.op.ValidFor() > 0 && now.Sub(e.finishedAt) >= c.op.ValidFor()
		if valueDigest != e.lastValueDigest || e.rebuildRequested || expired {
			needsRun = true
		}
	}

	if !needsRun {
		c.mu.Unlock()
		return
	}

	runCtx, build := c.startRunLocked(digest, e, valueDigest, now)
	c.mu.Unlock()
	go c.runJob(digest, key, value, runCtx, build)
}

// startRunLocked transitions e into Running and emits the transition
// event, returning the context the job should observe for cancellation
// and the build number it is running under. Caller holds c.mu.
func (c *Cache[K, V, O]) startRunLocked(digest string, e *internalEntry[V, O], valueDigest string, now time.Time) (context.Context, int) {
	e.rebuildRequested = false
	e.build++
	e.state = stateRunning
	e.runningAt = now
	e.lastValueDigest = valueDigest
	e.pendingValueDigest = valueDigest
	e.jobID = c.idgen.NewID()
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	c.emit(digest, e)
	return ctx, e.build
}

// RequestRebuild sets the sticky rebuild flag for key. If the entry is
// idle (Finished, not Running), a new run starts immediately using the
// last published value. If the entry is Running, only the flag is set: the
// job's completion does not start a new run, and the first Set after it
// finishes does.
func (c *Cache[K, V, O]) RequestRebuild(key K, lastKnownValue V) {
	digest := c.digest(key)
	now := c.now()

	c.mu.Lock()
	e, exists := c.entries[digest]
	if !exists {
		c.mu.Unlock()
		return
	}
	if e.state == stateRunning {
		e.rebuildRequested = true
		c.mu.Unlock()
		return
	}
	runCtx, build := c.startRunLocked(digest, e, e.lastValueDigest, now)
	c.mu.Unlock()
	go c.runJob(digest, key, lastKnownValue, runCtx, build)
}

func (c *Cache[K, V, O]) runJob(digest string, key K, value V, ctx context.Context, build int) {
	outcome, err := c.op.Publish(ctx, c.jobIDFor(digest), key, value)
	now := c.now()

	c.mu.Lock()
	e, exists := c.entries[digest]
	if !exists || e.build != build {
		// Superseded by a later run (auto-cancel restart); discard.
		c.mu.Unlock()
		return
	}

	e.state = stateFinished
	e.outcome = outcome
	e.err = err
	e.finishedAt = now
	e.cancel = nil
	queued := e.queuedValue
	queuedDigest := e.queuedValueDigest
	e.queuedValue = nil
	e.queuedValueDigest = ""
	c.emit(digest, e)

	if queued != nil {
		runCtx, nextBuild := c.startRunLocked(digest, e, queuedDigest, now)
		v := *queued
		c.mu.Unlock()
		go c.runJob(digest, key, v, runCtx, nextBuild)
		return
	}
	c.mu.Unlock()
}

func (c *Cache[K, V, O]) jobIDFor(digest string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[digest]; ok {
		return e.jobID
	}
	return ""
}

// Get returns the current externally-observable entry for key.
func (c *Cache[K, V, O]) Get(key K) (Entry[V, O], bool) {
	digest := c.digest(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[digest]
	if !ok {
		return Entry[V, O]{}, false
	}
	return Entry[V, O]{
		Build:            e.build,
		Running:          e.state == stateRunning,
		Outcome:          e.outcome,
		Err:              e.err,
		RebuildRequested: e.rebuildRequested,
		JobID:            e.jobID,
		ReadyAt:          e.readyAt,
		RunningAt:        e.runningAt,
		FinishedAt:       e.finishedAt,
	}, true
}

// SeedEntry is one externally-validated row to bootstrap a Cache with,
// letting a restarted process skip re-publishing keys whose last outcome
// is still trustworthy. Construct these from a durable backend's persisted
// rows after deciding which rows are trustworthy (see sqlitestore's
// resume validation) — Seed itself performs no validation.
type SeedEntry[V any, O any] struct {
	KeyDigest   string
	ValueDigest string
	Build       int
	Outcome     O
	JobID       string
	ReadyAt     time.Time
	RunningAt   time.Time
	FinishedAt  time.Time
}

// Seed installs already-finished entries directly into the cache's state,
// bypassing Publish. It must run once, before any Set call: a later Set
// with a value whose digest matches ValueDigest is then a no-op, exactly
// as if this process had published it itself.
func (c *Cache[K, V, O]) Seed(entries []SeedEntry[V, O]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, se := range entries {
		c.entries[se.KeyDigest] = &internalEntry[V, O]{
			state:           stateFinished,
			build:           se.Build,
			lastValueDigest: se.ValueDigest,
			outcome:         se.Outcome,
			jobID:           se.JobID,
			readyAt:         se.ReadyAt,
			runningAt:       se.RunningAt,
			finishedAt:      se.FinishedAt,
		}
	}
}

func (c *Cache[K, V, O]) emit(digest string, e *internalEntry[V, O]) {
	if c.persist == nil {
		return
	}
	c.persist(Event{
		OpID:             c.op.ID(),
		KeyDigest:        digest,
		Build:            e.build,
		ValueDigest:      e.pendingValueDigest,
		Outcome:          e.outcome,
		Err:              e.err,
		JobID:            e.jobID,
		ReadyAt:          e.readyAt,
		RunningAt:        e.runningAt,
		FinishedAt:       e.finishedAt,
		RebuildRequested: e.rebuildRequested,
	})
}
