// Package monitor builds the canonical Input implementation from three
// user-supplied callbacks: read (fetch current state), watch (subscribe to
// external change notifications), and pp (a short label for the analysis
// graph). It owns the Idle / Watching+Fetching / Watching+Ready state
// machine, refresh-coalescing rate limiting, and watch-failure backoff
// described for the input/monitor subsystem.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"weft/input"
	"weft/output"
	"weft/webhook"
)

// RefreshCoalesceWindow is the minimum spacing between fetches triggered by
// watch-fired refreshes. Refreshes arriving inside the window are merged
// into a single trailing fetch, per property S6 ("at most one fetch per
// 10s window").
const RefreshCoalesceWindow = 10 * time.Second

// InitialWatchBackoff and MaxWatchBackoff bound the exponential backoff
// applied to watch failures.
const (
	InitialWatchBackoff = 1 * time.Second
	MaxWatchBackoff     = 60 * time.Second
)

// TeardownGrace is how long a monitor keeps its watcher alive after the
// last subscriber unsubscribes, so that a quick resubscribe (common during
// engine re-evaluation) does not thrash the watch connection.
const TeardownGrace = 2 * time.Second

// ReadFunc fetches the current value of the external state. A non-nil
// error sets the Input's Output to Error without tearing down the watcher.
type ReadFunc[T any] func(ctx context.Context) (T, error)

// WatchFunc installs an external-change watcher that calls refresh whenever
// the underlying state may have changed. It returns an unsubscribe
// function; a non-nil error means the watch could not be established and
// triggers backoff-and-retry.
type WatchFunc func(ctx context.Context, refresh func()) (unsubscribe func(), err error)

type state int

const (
	stateIdle state = iota
	stateFetching
	stateReady
)

// Monitor drives a Cell[T] using read/watch callbacks according to the
// state machine in the input/monitor subsystem design.
type Monitor[T any] struct {
	cell   *input.Cell[T]
	read   ReadFunc[T]
	watch  WatchFunc
	pp     func() string
	logger *slog.Logger

	broadcaster      *webhook.Broadcaster
	broadcasterUnsub func()

	mu             sync.Mutex
	state          state
	subscribers    int
	watchCancel    context.CancelFunc
	backoff        time.Duration
	fetchInFlight  bool
	refreshDuring  bool
	refreshPending bool
	lastFetchStart time.Time
	teardownTimer  *time.Timer
}

// Option configures a Monitor at construction.
type Option[T any] func(*Monitor[T])

// WithBroadcaster makes the monitor additionally treat b.Broadcast() as a
// refresh trigger, alongside its own watch callback, for as long as it has
// at least one subscriber. This is the wiring point for the web-hook input
// channel: the engine owns one Broadcaster and passes it to every monitor
// that should react to the same external signal.
func WithBroadcaster[T any](b *webhook.Broadcaster) Option[T] {
	return func(m *Monitor[T]) { m.broadcaster = b }
}

// New constructs a Monitor backed by a fresh Cell with the given stable id.
// The cell starts Active(Running) until the first fetch completes.
func New[T any](id input.ID, read ReadFunc[T], watch WatchFunc, pp func() string, logger *slog.Logger, opts ...Option[T]) *Monitor[T] {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor[T]{
		cell:    input.NewCell[T](id, output.ActiveWith[T](output.Running)),
		read:    read,
		watch:   watch,
		pp:      pp,
		logger:  logger.With(slog.String("input_id", string(id))),
		backoff: InitialWatchBackoff,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ID satisfies input.Handle.
func (m *Monitor[T]) ID() input.ID { return m.cell.ID() }

// Get returns the monitor's current output without blocking.
func (m *Monitor[T]) Get() output.Output[T] { return m.cell.Get() }

// JobID satisfies input.Handle.
func (m *Monitor[T]) JobID() (string, bool) { return m.cell.JobID() }

// PP renders the monitor's short description for the analysis graph.
func (m *Monitor[T]) PP() string {
	if m.pp == nil {
		return string(m.cell.ID())
	}
	return m.pp()
}

// Subscribe satisfies input.Handle. The first subscriber starts fetching
// and watching; the last subscriber's unsubscribe, after TeardownGrace with
// no new subscriber, cancels the watcher and returns the monitor to Idle.
func (m *Monitor[T]) Subscribe(refresh func()) (unsubscribe func()) {
	unsubCell := m.cell.Subscribe(refresh)

	m.mu.Lock()
	m.subscribers++
	if m.subscribers == 1 && m.watchCancel == nil {
		m.startLocked()
	}
	if m.teardownTimer != nil {
		m.teardownTimer.Stop()
		m.teardownTimer = nil
	}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubCell()
			m.mu.Lock()
			m.subscribers--
			if m.subscribers == 0 {
				m.teardownTimer = time.AfterFunc(TeardownGrace, m.teardownIfStillIdle)
			}
			m.mu.Unlock()
		})
	}
}

func (m *Monitor[T]) teardownIfStillIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribers != 0 {
		return
	}
	if m.watchCancel != nil {
		m.watchCancel()
		m.watchCancel = nil
	}
	if m.broadcasterUnsub != nil {
		m.broadcasterUnsub()
		m.broadcasterUnsub = nil
	}
	m.state = stateIdle
}

// startLocked transitions Idle -> Watching+Fetching. Caller holds m.mu.
func (m *Monitor[T]) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	m.watchCancel = cancel
	m.state = stateFetching
	if m.broadcaster != nil {
		m.broadcasterUnsub = m.broadcaster.Subscribe(m.triggerRefresh(ctx))
	}
	go m.runWatch(ctx)
	go m.fetch(ctx)
}

// fetch performs one read() and applies the policy for refreshes that
// arrive while the fetch is in flight.
func (m *Monitor[T]) fetch(ctx context.Context) {
	m.mu.Lock()
	m.fetchInFlight = true
	m.lastFetchStart = time.Now()
	m.mu.Unlock()

	v, err := m.read(ctx)

	m.mu.Lock()
	m.fetchInFlight = false
	if err != nil {
		m.logger.Warn("monitor read failed", slog.String("err", err.Error()))
		m.cell.Set(output.Error[T](err.Error()))
	} else {
		m.cell.Set(output.Ok(v))
	}

	rerun := m.refreshDuring
	m.refreshDuring = false
	if rerun {
		m.state = stateFetching
		m.mu.Unlock()
		m.scheduleFetch(ctx)
		return
	}
	m.state = stateReady
	m.mu.Unlock()
}

// triggerRefresh is passed to the watch callback. It implements the 10s
// coalescing rate limit: a refresh arriving within the window of the last
// fetch's start is merged into a single trailing fetch.
func (m *Monitor[T]) triggerRefresh(ctx context.Context) func() {
	return func() {
		m.mu.Lock()
		if m.fetchInFlight {
			m.refreshDuring = true
			m.mu.Unlock()
			return
		}
		elapsed := time.Since(m.lastFetchStart)
		if elapsed < RefreshCoalesceWindow && !m.lastFetchStart.IsZero() {
			if m.refreshPending {
				m.mu.Unlock()
				return
			}
			m.refreshPending = true
			wait := RefreshCoalesceWindow - elapsed
			m.mu.Unlock()
			time.AfterFunc(wait, func() {
				m.mu.Lock()
				m.refreshPending = false
				m.state = stateFetching
				m.mu.Unlock()
				m.fetch(ctx)
			})
			return
		}
		m.state = stateFetching
		m.mu.Unlock()
		go m.fetch(ctx)
	}
}

func (m *Monitor[T]) scheduleFetch(ctx context.Context) {
	m.mu.Lock()
	elapsed := time.Since(m.lastFetchStart)
	m.mu.Unlock()
	if elapsed >= RefreshCoalesceWindow {
		m.fetch(ctx)
		return
	}
	time.AfterFunc(RefreshCoalesceWindow-elapsed, func() { m.fetch(ctx) })
}

// runWatch installs the watch callback and retries with exponential backoff
// on failure. It exits once ctx is cancelled (monitor torn down).
func (m *Monitor[T]) runWatch(ctx context.Context) {
	backoff := InitialWatchBackoff
	for {
		unsub, err := m.watch(ctx, m.triggerRefresh(ctx))
		if err != nil {
			m.logger.Warn("monitor watch failed, retrying", slog.Duration("backoff", backoff), slog.String("err", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > MaxWatchBackoff {
				backoff = MaxWatchBackoff
			}
			continue
		}
		backoff = InitialWatchBackoff
		<-ctx.Done()
		if unsub != nil {
			unsub()
		}
		return
	}
}
