package upgrade

import (
	"context"
	"database/sql"
)

func init() {
	RegisterDataHook(1, "0001_backfill_memory_supersede_valid_until", backfillMemorySupersedeValidUntil)
}

// backfillMemorySupersedeValidUntil repairs managed-mode memory_entries
// rows where superseded_by_id was set without also stamping valid_until.
// The Memory Store's supersede invariant (spec §4.6: a current Memory has
// superseded_by_id == "" and valid_until == nil) is enforced atomically by
// internal/store/pg.MemoryStore.SaveWithSupersede going forward, but rows
// written by an earlier build (or restored from a backup taken between the
// INSERT and the UPDATE) can still have the two fields out of sync. Any row
// whose successor is known gets valid_until backfilled to that successor's
// created_at, the same value SaveWithSupersede would have written.
func backfillMemorySupersedeValidUntil(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		UPDATE memory_entries AS m
		SET valid_until = s.created_at
		FROM memory_entries AS s
		WHERE m.superseded_by_id = s.id
		  AND m.valid_until IS NULL
	`)
	return err
}
