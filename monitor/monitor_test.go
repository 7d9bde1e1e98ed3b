package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMonitorFetchesOnFirstSubscribe(t *testing.T) {
	m := New[string]("m1", func(ctx context.Context) (string, error) {
		return "hello", nil
	}, func(ctx context.Context, refresh func()) (func(), error) {
		return func() {}, nil
	}, func() string { return "m1" }, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	unsub := m.Subscribe(func() { wg.Done() })
	defer unsub()

	deadline := time.After(2 * time.Second)
	for {
		if v, ok := m.Get().Value(); ok && v == "hello" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("monitor never reached Ok(hello), got %s", m.Get().PP())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestMonitorDoesNotFetchBeforeFirstSubscribe(t *testing.T) {
	var fetched atomic.Bool
	m := New[string]("m2", func(ctx context.Context) (string, error) {
		fetched.Store(true)
		return "x", nil
	}, func(ctx context.Context, refresh func()) (func(), error) {
		return func() {}, nil
	}, nil, nil)

	time.Sleep(20 * time.Millisecond)
	if fetched.Load() {
		t.Fatalf("read() ran before any subscriber existed")
	}
	if !m.Get().IsActive() {
		t.Fatalf("unsubscribed monitor must stay Active, got %s", m.Get().PP())
	}
}

func TestMonitorReadFailureSetsErrorWithoutKillingWatcher(t *testing.T) {
	var calls atomic.Int32
	var watchStopped atomic.Bool
	m := New[string]("m3", func(ctx context.Context) (string, error) {
		n := calls.Add(1)
		if n == 1 {
			return "", fmt.Errorf("transient")
		}
		return "recovered", nil
	}, func(ctx context.Context, refresh func()) (func(), error) {
		return func() { watchStopped.Store(true) }, nil
	}, nil, nil)

	unsub := m.Subscribe(func() {})
	defer unsub()

	deadline := time.After(2 * time.Second)
	for {
		if m.Get().IsError() {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("monitor never surfaced the read error")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if watchStopped.Load() {
		t.Fatalf("read failure tore down the watcher")
	}
}

func TestMonitorCoalescesRapidRefreshesIntoOneFetch(t *testing.T) {
	// S6: many refreshes arriving within RefreshCoalesceWindow of each other
	// must not each trigger their own fetch.
	var fetches atomic.Int32
	var refreshFn func()
	ready := make(chan struct{})

	m := New[int]("m5", func(ctx context.Context) (int, error) {
		fetches.Add(1)
		return 1, nil
	}, func(ctx context.Context, refresh func()) (func(), error) {
		refreshFn = refresh
		close(ready)
		return func() {}, nil
	}, nil, nil)

	unsub := m.Subscribe(func() {})
	defer unsub()

	<-ready
	deadline := time.After(time.Second)
	for fetches.Load() < 1 {
		select {
		case <-deadline:
			t.Fatalf("initial fetch never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}

	for i := 0; i < 100; i++ {
		refreshFn()
	}

	time.Sleep(200 * time.Millisecond)
	if got := fetches.Load(); got != 1 {
		t.Fatalf("fetches after 100 rapid refreshes = %d, want 1 (coalesced, pending trailing fetch not yet due)", got)
	}
}

func TestMonitorWatchFailureRetriesWithBackoff(t *testing.T) {
	var attempts atomic.Int32
	m := New[string]("m4", func(ctx context.Context) (string, error) {
		return "v", nil
	}, func(ctx context.Context, refresh func()) (func(), error) {
		n := attempts.Add(1)
		if n == 1 {
			return nil, fmt.Errorf("watch setup failed")
		}
		return func() {}, nil
	}, nil, nil)

	unsub := m.Subscribe(func() {})
	defer unsub()

	deadline := time.After(3 * time.Second)
	for {
		if attempts.Load() >= 2 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("watch was not retried after failure, attempts=%d", attempts.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
