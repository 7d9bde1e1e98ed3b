package weftcli

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weft/cache"
	"weft/cache/sqlitestore"
	"weft/plugin/statuspublisher"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenPublishCacheReturnsNilWithoutCacheDB(t *testing.T) {
	cfg := PipelineConfig{Account: "acme", Refs: []string{"ref-1"}}
	provider := statuspublisher.New(statuspublisher.Config{Account: cfg.Account}, newDemoClient(cfg.Refs))

	c, closeFn, err := openPublishCache(cfg, provider, discardLogger())
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Nil(t, closeFn)
}

func TestOpenPublishCacheResumesFromPriorCheckpointWithoutRepublishing(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	cfg := PipelineConfig{Account: "acme", Refs: []string{"ref-1"}, CacheDB: dbPath}
	client := newDemoClient(cfg.Refs)
	provider := statuspublisher.New(statuspublisher.Config{Account: cfg.Account}, client)
	op := statuspublisher.NewPublishOperation(provider)

	key := statuspublisher.Ref("ref-1")
	value := statuspublisher.Status{State: "success", Description: "all checks passed"}

	store, err := sqlitestore.Open(dbPath)
	require.NoError(t, err)
	store.PersistHook()(cache.Event{
		OpID:        op.ID(),
		KeyDigest:   op.ID() + ":" + key.Digest(),
		Build:       1,
		ValueDigest: value.Digest(),
		Outcome:     "demo-job-ref-1",
		FinishedAt:  time.Now().UTC(),
	})
	require.NoError(t, store.Close())

	c, closeFn, err := openPublishCache(cfg, provider, discardLogger())
	require.NoError(t, err)
	require.NotNil(t, c)
	defer closeFn()

	entry, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "demo-job-ref-1", entry.Outcome)
	assert.False(t, entry.Running)

	// Set with the checkpointed value must not republish: the demo
	// client's backing state, seeded as "pending", stays untouched.
	c.Set(context.Background(), key, value)
	time.Sleep(20 * time.Millisecond)

	got, err := client.FetchStatus(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "pending", got.State, "seeded checkpoint should have prevented a republish")
}

func TestOpenPublishCacheRejectsUnresumableCheckpointsAndRepublishes(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	cfg := PipelineConfig{Account: "acme", Refs: []string{"ref-1"}, CacheDB: dbPath}
	client := newDemoClient(cfg.Refs)
	provider := statuspublisher.New(statuspublisher.Config{Account: cfg.Account}, client)
	op := statuspublisher.NewPublishOperation(provider)

	key := statuspublisher.Ref("ref-1")

	store, err := sqlitestore.Open(dbPath)
	require.NoError(t, err)
	store.PersistHook()(cache.Event{
		OpID:        op.ID(),
		KeyDigest:   op.ID() + ":" + key.Digest(),
		Build:       1,
		ValueDigest: "stale",
		// Never finished: a crash mid-publish. Not safe to resume from.
	})
	require.NoError(t, store.Close())

	c, closeFn, err := openPublishCache(cfg, provider, discardLogger())
	require.NoError(t, err)
	defer closeFn()

	_, ok := c.Get(key)
	assert.False(t, ok, "an unfinished checkpoint must not be seeded")

	// With nothing seeded, Set publishes the status afresh.
	value := statuspublisher.Status{State: "success", Description: "all checks passed"}
	c.Set(context.Background(), key, value)
	deadline := time.After(time.Second)
	for {
		got, err := client.FetchStatus(context.Background(), key)
		require.NoError(t, err)
		if got.State == "success" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("unresumable checkpoint did not lead to a republish, state = %q", got.State)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
