// Package engine implements the evaluation loop that drives a Term to a
// stable Output: evaluate, publish, subscribe to every input the
// evaluation depended on, suspend until something changes, repeat. The
// loop is single-threaded cooperative per the concurrency model: all
// engine-owned state is touched only from the goroutine running Thread.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"weft/analysis"
	"weft/output"
	"weft/term"
)

// DefaultCoalesceWindow is the starvation guard between ticks: it prevents
// tight spinning when many refreshes arrive at once.
const DefaultCoalesceWindow = 100 * time.Millisecond

// DefaultShutdownDeadline bounds how long graceful shutdown waits for
// in-flight work before returning.
const DefaultShutdownDeadline = 30 * time.Second

// Config holds the engine's tunables.
type Config struct {
	// CoalesceWindow is the minimum spacing between evaluation ticks. Zero
	// means DefaultCoalesceWindow.
	CoalesceWindow time.Duration
	// ShutdownDeadline bounds how long Thread waits for shutdown hooks to
	// finish once its context is cancelled. Zero means
	// DefaultShutdownDeadline.
	ShutdownDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.CoalesceWindow <= 0 {
		c.CoalesceWindow = DefaultCoalesceWindow
	}
	if c.ShutdownDeadline <= 0 {
		c.ShutdownDeadline = DefaultShutdownDeadline
	}
	return c
}

// ShutdownHook runs during graceful shutdown, bounded by the engine's
// ShutdownDeadline. Teardown of components the engine does not own
// directly (for example closing a cache's durable store) is registered
// this way.
type ShutdownHook func(ctx context.Context) error

// Option configures an Engine at construction.
type Option[T any] func(*Engine[T])

// WithLogger overrides the engine's structured logger.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(e *Engine[T]) { e.logger = logger }
}

// WithShutdownHook registers a hook run during graceful shutdown, in the
// order added.
func WithShutdownHook[T any](h ShutdownHook) Option[T] {
	return func(e *Engine[T]) { e.shutdownHooks = append(e.shutdownHooks, h) }
}

// observer is one registered Subscribe callback.
type observer[T any] func(output.Output[T], analysis.Analysis)

// Engine runs pipeline's evaluation loop and publishes the result to
// registered observers.
type Engine[T any] struct {
	cfg           Config
	pipeline      func() term.Term[T]
	logger        *slog.Logger
	shutdownHooks []ShutdownHook

	rerunNow chan struct{}

	mu        sync.Mutex
	current   output.Output[T]
	analysis  analysis.Analysis
	observers map[int]observer[T]
	nextObsID int
}

// New constructs an Engine. The pipeline is re-invoked on every tick to
// build a fresh term — this is what lets Bind continuations capture
// current closure state without the engine needing to know the term's
// shape.
func New[T any](cfg Config, pipeline func() term.Term[T], opts ...Option[T]) *Engine[T] {
	e := &Engine[T]{
		cfg:       cfg.withDefaults(),
		pipeline:  pipeline,
		logger:    slog.Default(),
		rerunNow:  make(chan struct{}, 1),
		analysis:  analysis.Booting(),
		observers: make(map[int]observer[T]),
	}
	for _, o := range opts {
		o(e)
	}
	e.current = output.ActiveWith[T](output.Running)
	return e
}

// Subscribe registers obs to be called every time a new (output, analysis)
// pair is published. Observers run after the engine's lock is released, so
// they may call Output or Analysis themselves. obs is also
// called immediately with the current snapshot so late subscribers do not
// miss the engine's present state.
func (e *Engine[T]) Subscribe(obs func(output.Output[T], analysis.Analysis)) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextObsID
	e.nextObsID++
	e.observers[id] = obs
	cur, a := e.current, e.analysis
	e.mu.Unlock()

	obs(cur, a)

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.observers, id)
			e.mu.Unlock()
		})
	}
}

// Output returns the most recently published output.
func (e *Engine[T]) Output() output.Output[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Analysis returns the most recently published analysis snapshot.
func (e *Engine[T]) Analysis() analysis.Analysis {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.analysis
}

// RerunNow is the engine's own global "rerun now" signal, distinct from any
// webhook.Broadcaster wired into individual monitors: it wakes Thread
// directly regardless of which inputs are currently subscribed.
func (e *Engine[T]) RerunNow() {
	select {
	case e.rerunNow <- struct{}{}:
	default:
	}
}

func (e *Engine[T]) publish(out output.Output[T], a analysis.Analysis) {
	e.mu.Lock()
	e.current = out
	e.analysis = a
	obs := make([]observer[T], 0, len(e.observers))
	for _, o := range e.observers {
		obs = append(obs, o)
	}
	e.mu.Unlock()

	for _, o := range obs {
		o(out, a)
	}
}

// Thread runs the evaluation loop described for the engine subsystem:
// evaluate, publish, subscribe to every dependency, suspend until any
// refresh or a rerun-now signal, unsubscribe, repeat. It returns only when
// ctx is cancelled or a structural assertion fails (a cycle in the produced
// analysis graph).
func (e *Engine[T]) Thread(ctx context.Context) error {
	for {
		out, a, deps := term.Evaluate(e.pipeline())
		if err := a.Validate(); err != nil {
			e.logger.Error("analysis graph failed validation", slog.String("err", err.Error()))
			return fmt.Errorf("engine: %w", err)
		}
		e.publish(out, a)

		refreshed := make(chan struct{}, 1)
		signal := func() {
			select {
			case refreshed <- struct{}{}:
			default:
			}
		}
		unsubs := make([]func(), 0, len(deps))
		for _, d := range deps {
			unsubs = append(unsubs, d.Subscribe(signal))
		}

		select {
		case <-ctx.Done():
			for _, u := range unsubs {
				u()
			}
			e.shutdown()
			return ctx.Err()
		case <-refreshed:
		case <-e.rerunNow:
		}

		for _, u := range unsubs {
			u()
		}

		if err := e.awaitCoalesceWindow(ctx, refreshed); err != nil {
			e.shutdown()
			return err
		}
	}
}

// awaitCoalesceWindow drains any further refresh/rerun signals that arrive
// within CoalesceWindow of the first one, so that a burst of simultaneous
// refreshes produces a single subsequent tick instead of one per signal.
func (e *Engine[T]) awaitCoalesceWindow(ctx context.Context, refreshed <-chan struct{}) error {
	timer := time.NewTimer(e.cfg.CoalesceWindow)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-refreshed:
		case <-e.rerunNow:
		case <-timer.C:
			return nil
		}
	}
}

// shutdown runs every registered ShutdownHook with a deadline derived from
// cfg.ShutdownDeadline, per the engine's graceful-shutdown exit behavior.
func (e *Engine[T]) shutdown() {
	if len(e.shutdownHooks) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownDeadline)
	defer cancel()
	for _, h := range e.shutdownHooks {
		if err := h(ctx); err != nil {
			e.logger.Warn("shutdown hook failed", slog.String("err", err.Error()))
		}
	}
}
