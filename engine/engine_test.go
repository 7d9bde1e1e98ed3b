package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"weft/analysis"
	"weft/input"
	"weft/output"
	"weft/term"
)

func TestThreadPublishesInitialEvaluation(t *testing.T) {
	e := New(Config{CoalesceWindow: 5 * time.Millisecond}, func() term.Term[int] {
		return term.Return(42, "answer")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Thread(ctx) }()

	deadline := time.After(time.Second)
	for {
		if v, ok := e.Output().Value(); ok && v == 42 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("engine never published Ok(42), got %s", e.Output().PP())
		case <-time.After(5 * time.Millisecond):
		}
	}

	if len(e.Analysis().Nodes) != 1 {
		t.Fatalf("analysis = %+v, want one Constant node", e.Analysis())
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("Thread returned %v, want context.Canceled", err)
	}
}

func TestThreadReEvaluatesWhenDependencyRefreshes(t *testing.T) {
	cell := input.NewCell[int]("x", output.Ok(1))
	e := New(Config{CoalesceWindow: 5 * time.Millisecond}, func() term.Term[int] {
		return term.Primitive[int](cell, "x")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Thread(ctx)

	deadline := time.After(time.Second)
	for {
		if v, ok := e.Output().Value(); ok && v == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("engine never reached initial value 1")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cell.Set(output.Ok(2))

	for {
		if v, ok := e.Output().Value(); ok && v == 2 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("engine never re-evaluated after dependency change, got %s", e.Output().PP())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSubscribeDeliversCurrentSnapshotImmediately(t *testing.T) {
	e := New(Config{CoalesceWindow: 5 * time.Millisecond}, func() term.Term[int] {
		return term.Return(7, "")
	})

	var got output.Output[int]
	var mu sync.Mutex
	e.Subscribe(func(o output.Output[int], a analysis.Analysis) {
		mu.Lock()
		got = o
		mu.Unlock()
	})

	mu.Lock()
	defer mu.Unlock()
	if !got.IsActive() {
		t.Fatalf("late subscriber before first tick should see the booting snapshot, got %s", got.PP())
	}
}

func TestRerunNowWakesTheLoopWithoutADependencyChange(t *testing.T) {
	var calls atomic.Int32
	e := New(Config{CoalesceWindow: 5 * time.Millisecond}, func() term.Term[int] {
		calls.Add(1)
		return term.Return(int(calls.Load()), "")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Thread(ctx)

	deadline := time.After(time.Second)
	for calls.Load() < 1 {
		select {
		case <-deadline:
			t.Fatalf("engine never ran its first tick")
		case <-time.After(5 * time.Millisecond):
		}
	}

	before := calls.Load()
	e.RerunNow()

	for calls.Load() <= before {
		select {
		case <-deadline:
			t.Fatalf("RerunNow did not trigger another tick")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestShutdownHookRunsOnCancellation(t *testing.T) {
	var ran atomic.Bool
	e := New(Config{CoalesceWindow: 5 * time.Millisecond}, func() term.Term[int] {
		return term.Return(1, "")
	}, WithShutdownHook[int](func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go e.Thread(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()

	deadline := time.After(time.Second)
	for !ran.Load() {
		select {
		case <-deadline:
			t.Fatalf("shutdown hook never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
