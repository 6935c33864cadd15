package upgrade

import (
	"database/sql"
	"errors"
	"fmt"
)

// RequiredSchemaVersion is the highest migrations/NNNN_*.sql version this
// binary expects against the Memory Store's managed-mode Postgres backend
// (internal/store/pg). Session, task, and schedule state never touch SQL —
// they stay on the flat-file layout (spec §6) regardless of database mode —
// so this version tracks exactly one component's schema, not the whole
// substrate's.
const RequiredSchemaVersion = 1

// SchemaStatus represents the result of a Memory Store schema compatibility
// check. MemoryEntryCount is best-effort (left at 0 if the count query
// fails, e.g. on a schema that predates the table) and exists so `doctor`/
// `upgrade --status` can report something more concrete than a bare version
// number when a managed-mode deployment is already compatible.
type SchemaStatus struct {
	CurrentVersion   uint
	RequiredVersion  uint
	Dirty            bool
	Compatible       bool
	NeedsMigration   bool
	MemoryEntryCount int64
}

var (
	ErrSchemaOutdated = errors.New("memory store schema is outdated")
	ErrSchemaDirty    = errors.New("memory store schema is dirty (failed migration)")
	ErrSchemaAhead    = errors.New("memory store schema is newer than this binary")
)

// CheckSchema queries golang-migrate's schema_migrations bookkeeping table
// and compares it against RequiredSchemaVersion to determine whether the
// connected database's Memory Store schema (the memory_entries table
// created by migrations/0001_init.up.sql) is compatible with this binary.
func CheckSchema(db *sql.DB) (*SchemaStatus, error) {
	var version uint
	var dirty bool

	err := db.QueryRow("SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &dirty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &SchemaStatus{
				RequiredVersion: RequiredSchemaVersion,
				NeedsMigration:  true,
			}, nil
		}
		// Table might not exist (fresh DB, no migrations run yet).
		return &SchemaStatus{
			RequiredVersion: RequiredSchemaVersion,
			NeedsMigration:  true,
		}, nil
	}

	s := &SchemaStatus{
		CurrentVersion:  version,
		RequiredVersion: RequiredSchemaVersion,
		Dirty:           dirty,
	}

	if dirty {
		return s, nil
	}

	switch {
	case version == RequiredSchemaVersion:
		s.Compatible = true
	case version < RequiredSchemaVersion:
		s.NeedsMigration = true
	default:
		// Schema is ahead — binary is too old.
	}

	if s.Compatible {
		// Best-effort: a fresh Memory Store table with zero rows isn't an
		// error, so a failed count (table missing, permissions) is swallowed
		// rather than surfaced as a compatibility problem.
		_ = db.QueryRow("SELECT count(*) FROM memory_entries").Scan(&s.MemoryEntryCount)
	}

	return s, nil
}

// FormatError returns a user-friendly error message for the given status,
// naming the Memory Store specifically rather than "the database" — no
// other component's persistence goes through SQL.
func FormatError(s *SchemaStatus) string {
	if s.Dirty {
		return fmt.Sprintf(
			"Memory Store schema is in a dirty state (version %d).\n"+
				"This usually means a migration failed partway through applying\n"+
				"migrations/%04d_init.up.sql (or a later one) against memory_entries.\n\n"+
				"  Fix:  ./agentsubstrate migrate force %d\n"+
				"  Then: ./agentsubstrate upgrade\n",
			s.CurrentVersion, s.CurrentVersion, s.CurrentVersion-1,
		)
	}
	if s.CurrentVersion > s.RequiredVersion {
		return fmt.Sprintf(
			"Memory Store schema (v%d) is newer than this binary (requires v%d).\n"+
				"You may be running an older version of agentsubstrate against a\n"+
				"database another instance already upgraded.\n\n"+
				"  Fix: upgrade your agentsubstrate binary to the latest version.\n",
			s.CurrentVersion, s.RequiredVersion,
		)
	}
	return fmt.Sprintf(
		"Memory Store schema is outdated: current v%d, required v%d.\n\n"+
			"  Run:  ./agentsubstrate upgrade\n"+
			"  Or:   ./agentsubstrate migrate up   (SQL-only, no data hooks)\n\n"+
			"  Docker/CI: set AGENTSUBSTRATE_AUTO_UPGRADE=true to upgrade automatically on startup.\n",
		s.CurrentVersion, s.RequiredVersion,
	)
}
