package sqlitestore

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"weft/cache"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPersistHookWritesAndLoadAllReadsBack(t *testing.T) {
	s := newTestStore(t)
	hook := s.PersistHook()

	now := time.Now().UTC()
	hook(cache.Event{
		OpID:        "publish-status",
		KeyDigest:   "k1",
		Build:       1,
		ValueDigest: "v1",
		Outcome:     "done",
		JobID:       "job-1",
		ReadyAt:     now,
		RunningAt:   now,
		FinishedAt:  now,
	})

	entries, err := s.LoadAll("publish-status")
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("LoadAll returned %d entries, want 1", len(entries))
	}
	if entries[0].KeyDigest != "k1" || entries[0].Build != 1 || entries[0].JobID != "job-1" {
		t.Fatalf("entry = %+v, want k1/build 1/job-1", entries[0])
	}
}

func TestPersistHookUpdatesExistingKeyOnRebuild(t *testing.T) {
	s := newTestStore(t)
	hook := s.PersistHook()
	now := time.Now().UTC()

	hook(cache.Event{OpID: "op", KeyDigest: "k", Build: 1, ValueDigest: "v1", ReadyAt: now, RunningAt: now, FinishedAt: now})
	hook(cache.Event{OpID: "op", KeyDigest: "k", Build: 2, ValueDigest: "v2", ReadyAt: now, RunningAt: now, FinishedAt: now})

	entries, err := s.LoadAll("op")
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("LoadAll returned %d entries, want 1 (same key updated in place)", len(entries))
	}
	if entries[0].Build != 2 || entries[0].ValueDigest != "v2" {
		t.Fatalf("entry = %+v, want build 2 / v2", entries[0])
	}
}

func TestPersistHookRecordsErr(t *testing.T) {
	s := newTestStore(t)
	hook := s.PersistHook()
	now := time.Now().UTC()

	hook(cache.Event{
		OpID: "op", KeyDigest: "k", Build: 1, ValueDigest: "v1",
		Err: errors.New("publish failed"), ReadyAt: now, RunningAt: now, FinishedAt: now,
	})

	entries, err := s.LoadAll("op")
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(entries) != 1 || entries[0].Err != "publish failed" {
		t.Fatalf("entries = %+v, want err=publish failed", entries)
	}
}

func TestIsTransientSQLiteErr(t *testing.T) {
	cases := map[string]bool{
		"SQLITE_BUSY: database is locked":      true,
		"database is locked":                   true,
		"no such table: cache_entries":          false,
		"UNIQUE constraint failed: cache_entries.op_id": false,
	}
	for msg, want := range cases {
		got := isTransientSQLiteErr(errors.New(msg))
		if got != want {
			t.Errorf("isTransientSQLiteErr(%q) = %v, want %v", msg, got, want)
		}
	}
}
