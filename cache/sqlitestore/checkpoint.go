package sqlitestore

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"weft/cache"
)

// ValidateForResume enforces the checkpoint rules a persisted row must
// satisfy before an engine trusts it on restart instead of re-running
// Publish:
//   - the run completed (FinishedAt is set)
//   - it completed without error
//   - an outcome was actually recorded
//   - no rebuild was pending when the process stopped
//
// A row failing any rule is not corrupt, just not safe to resume from —
// the cache will simply re-publish that key on the first Set call.
func ValidateForResume(e PersistedEntry) error {
	if e.FinishedAt.IsZero() {
		return fmt.Errorf("entry %s never finished", e.KeyDigest)
	}
	if e.Err != "" {
		return fmt.Errorf("entry %s finished with error: %s", e.KeyDigest, e.Err)
	}
	if e.OutcomeJSON == "" {
		return fmt.Errorf("entry %s has no recorded outcome", e.KeyDigest)
	}
	if e.RebuildRequested {
		return fmt.Errorf("entry %s had a rebuild pending", e.KeyDigest)
	}
	return nil
}

// LoadResumable loads every persisted row for opID and returns only the
// ones that pass ValidateForResume. Rows that fail are logged and skipped
// rather than failing the whole bootstrap over one bad entry.
func (s *Store) LoadResumable(opID string, logger *slog.Logger) ([]PersistedEntry, error) {
	all, err := s.LoadAll(opID)
	if err != nil {
		return nil, err
	}
	out := make([]PersistedEntry, 0, len(all))
	for _, e := range all {
		if verr := ValidateForResume(e); verr != nil {
			if logger != nil {
				logger.Warn("skipping unresumable checkpoint entry",
					slog.String("op_id", opID), slog.String("key_digest", e.KeyDigest), slog.String("reason", verr.Error()))
			}
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// DecodeSeedEntries unmarshals each row's recorded outcome JSON into O and
// returns cache.SeedEntry values ready for Cache.Seed. Callers should pass
// only rows already filtered by LoadResumable.
func DecodeSeedEntries[V any, O any](entries []PersistedEntry) ([]cache.SeedEntry[V, O], error) {
	out := make([]cache.SeedEntry[V, O], 0, len(entries))
	for _, e := range entries {
		var outcome O
		if e.OutcomeJSON != "" {
			if err := json.Unmarshal([]byte(e.OutcomeJSON), &outcome); err != nil {
				return nil, fmt.Errorf("sqlitestore: decode outcome for %s: %w", e.KeyDigest, err)
			}
		}
		out = append(out, cache.SeedEntry[V, O]{
			KeyDigest:   e.KeyDigest,
			ValueDigest: e.ValueDigest,
			Build:       e.Build,
			Outcome:     outcome,
			JobID:       e.JobID,
			ReadyAt:     e.ReadyAt,
			RunningAt:   e.RunningAt,
			FinishedAt:  e.FinishedAt,
		})
	}
	return out, nil
}
