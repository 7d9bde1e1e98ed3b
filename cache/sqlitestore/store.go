// Package sqlitestore is the optional durable backend for cache.Cache: a
// write-through PersistHook plus a loader the engine can use to bootstrap
// the in-memory cache on start, per the persisted-cache-layout contract.
// SQLite runs in WAL mode so reads never block the writer goroutine.
package sqlitestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"weft/cache"

	_ "modernc.org/sqlite"
)

// Store persists cache.Event rows for every Operation sharing one database
// file.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS cache_entries (
		op_id             TEXT NOT NULL,
		key_digest        TEXT NOT NULL,
		build             INTEGER NOT NULL,
		value_digest      TEXT NOT NULL,
		outcome_json      TEXT,
		err               TEXT,
		job_id            TEXT,
		ready_ts          TEXT NOT NULL,
		running_ts        TEXT NOT NULL,
		finished_ts       TEXT,
		rebuild_requested INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (op_id, key_digest)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// PersistHook adapts Store into a cache.PersistHook, to be installed via
// cache.WithPersistHook. Persist failures are swallowed after a retry per
// retryOnContention: a durability hiccup must not take down the cache's own
// in-memory transition.
func (s *Store) PersistHook() cache.PersistHook {
	return func(e cache.Event) {
		outcomeJSON, jsonErr := json.Marshal(e.Outcome)
		if jsonErr != nil {
			outcomeJSON = nil
		}
		var errText string
		if e.Err != nil {
			errText = e.Err.Error()
		}
		var finishedTS string
		if !e.FinishedAt.IsZero() {
			finishedTS = e.FinishedAt.Format(time.RFC3339Nano)
		}

		_ = retryOnContention(func() error {
			_, err := s.db.Exec(
				`INSERT INTO cache_entries
				   (op_id, key_digest, build, value_digest, outcome_json, err, job_id,
				    ready_ts, running_ts, finished_ts, rebuild_requested)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(op_id, key_digest) DO UPDATE SET
				   build             = excluded.build,
				   value_digest      = excluded.value_digest,
				   outcome_json      = excluded.outcome_json,
				   err               = excluded.err,
				   job_id            = excluded.job_id,
				   running_ts        = excluded.running_ts,
				   finished_ts       = excluded.finished_ts,
				   rebuild_requested = excluded.rebuild_requested`,
				e.OpID, e.KeyDigest, e.Build, e.ValueDigest, string(outcomeJSON), errText, e.JobID,
				e.ReadyAt.Format(time.RFC3339Nano), e.RunningAt.Format(time.RFC3339Nano), finishedTS,
				boolToInt(e.RebuildRequested),
			)
			return err
		})
	}
}

// PersistedEntry is one bootstrap row read back by LoadAll.
type PersistedEntry struct {
	KeyDigest        string
	Build            int
	ValueDigest      string
	OutcomeJSON      string
	Err              string
	JobID            string
	ReadyAt          time.Time
	RunningAt        time.Time
	FinishedAt       time.Time
	RebuildRequested bool
}

// LoadAll returns every persisted row for opID, for a host to use when
// bootstrapping a Cache on start. The core cache package never reads the
// store itself; rows reach it only through Cache.Seed.
func (s *Store) LoadAll(opID string) ([]PersistedEntry, error) {
	rows, err := s.db.Query(
		`SELECT key_digest, build, value_digest, COALESCE(outcome_json,''), COALESCE(err,''),
		        COALESCE(job_id,''), ready_ts, running_ts, COALESCE(finished_ts,''), rebuild_requested
		 FROM cache_entries WHERE op_id = ?`,
		opID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load all: %w", err)
	}
	defer rows.Close()

	var out []PersistedEntry
	for rows.Next() {
		var e PersistedEntry
		var readyStr, runningStr, finishedStr string
		var rebuild int
		if err := rows.Scan(&e.KeyDigest, &e.Build, &e.ValueDigest, &e.OutcomeJSON, &e.Err,
			&e.JobID, &readyStr, &runningStr, &finishedStr, &rebuild); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan row: %w", err)
		}
		e.RebuildRequested = rebuild != 0
		if e.ReadyAt, err = time.Parse(time.RFC3339Nano, readyStr); err != nil {
			return nil, fmt.Errorf("sqlitestore: parse ready_ts: %w", err)
		}
		if e.RunningAt, err = time.Parse(time.RFC3339Nano, runningStr); err != nil {
			return nil, fmt.Errorf("sqlitestore: parse running_ts: %w", err)
		}
		if finishedStr != "" {
			if e.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedStr); err != nil {
				return nil, fmt.Errorf("sqlitestore: parse finished_ts: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
