package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nextlevelbuilder/agentsubstrate/internal/idgen"
	"github.com/nextlevelbuilder/agentsubstrate/internal/memory"
)

// MemoryStore is a Postgres-backed memory.Backend for managed deployments.
// Context is fixed to context.Background() at each call site since
// memory.Backend's method set (inherited from the file-backed Store it
// stands in for) predates context plumbing, so callers cannot cancel or
// time out these calls.
type MemoryStore struct {
	pool *pgxpool.Pool
}

// NewMemoryStore wraps an already-opened pool.
func NewMemoryStore(pool *pgxpool.Pool) *MemoryStore {
	return &MemoryStore{pool: pool}
}

func (s *MemoryStore) Save(userID, content string, category memory.Category, visibility memory.Visibility, source memory.SourceType, confidence float64, tags []string) (memory.Memory, error) {
	return s.SaveWithSupersede(userID, content, category, visibility, source, confidence, tags, "")
}

func (s *MemoryStore) SaveWithSupersede(userID, content string, category memory.Category, visibility memory.Visibility, source memory.SourceType, confidence float64, tags []string, supersedesID string) (memory.Memory, error) {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return memory.Memory{}, fmt.Errorf("pg memory: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if supersedesID != "" {
		var supersededBy *string
		err := tx.QueryRow(ctx, `SELECT superseded_by_id FROM memory_entries WHERE id = $1`, supersedesID).Scan(&supersededBy)
		if err != nil {
			if err == pgx.ErrNoRows {
				return memory.Memory{}, fmt.Errorf("memory: supersedes_id %q not found", supersedesID)
			}
			return memory.Memory{}, fmt.Errorf("pg memory: lookup supersedes_id: %w", err)
		}
		if supersededBy != nil && *supersededBy != "" {
			return memory.Memory{}, fmt.Errorf("memory: %s already superseded by %s", supersedesID, *supersededBy)
		}
	}

	now := time.Now().UTC()
	created := memory.Memory{
		ID:            idgen.New(),
		UserID:        userID,
		Content:       content,
		Category:      category,
		Visibility:    visibility,
		SourceType:    source,
		Confidence:    confidence,
		Tags:          append([]string(nil), tags...),
		CreatedAt:     now,
		ValidFrom:     now,
		SupersedesID:  supersedesID,
		UserConfirmed: source == memory.SourceExplicit,
	}

	tagsJSON, err := json.Marshal(created.Tags)
	if err != nil {
		return memory.Memory{}, fmt.Errorf("pg memory: encode tags: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO memory_entries
			(id, user_id, content, category, visibility, source_type, confidence, tags, created_at, valid_from, supersedes_id, user_confirmed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12)
	`, created.ID, created.UserID, created.Content, created.Category, created.Visibility, created.SourceType,
		created.Confidence, tagsJSON, created.CreatedAt, created.ValidFrom, created.SupersedesID, created.UserConfirmed)
	if err != nil {
		return memory.Memory{}, fmt.Errorf("pg memory: insert: %w", err)
	}

	if supersedesID != "" {
		_, err = tx.Exec(ctx, `UPDATE memory_entries SET superseded_by_id = $1, valid_until = $2 WHERE id = $3`,
			created.ID, now, supersedesID)
		if err != nil {
			return memory.Memory{}, fmt.Errorf("pg memory: mark superseded: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return memory.Memory{}, fmt.Errorf("pg memory: commit: %w", err)
	}
	return created, nil
}

func (s *MemoryStore) Search(userID string, opts memory.SearchOpts) ([]memory.Memory, error) {
	ctx := context.Background()

	query := `SELECT id, user_id, content, category, visibility, source_type, confidence, tags,
		created_at, valid_from, valid_until, supersedes_id, superseded_by_id, user_confirmed
		FROM memory_entries WHERE user_id = $1`
	args := []any{userID}

	if !opts.IncludeSuperseded {
		query += ` AND superseded_by_id IS NULL AND valid_until IS NULL`
	}
	if opts.Category != "" {
		args = append(args, opts.Category)
		query += fmt.Sprintf(" AND category = $%d", len(args))
	}
	if q := strings.ToLower(strings.TrimSpace(opts.Query)); q != "" {
		args = append(args, "%"+q+"%")
		query += fmt.Sprintf(" AND (lower(content) LIKE $%[1]d OR EXISTS (SELECT 1 FROM jsonb_array_elements_text(tags) AS tag WHERE lower(tag) LIKE $%[1]d))", len(args))
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pg memory: search: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

func (s *MemoryStore) ListTimeline(userID string, category memory.Category) ([]memory.Memory, error) {
	ctx := context.Background()
	query := `SELECT id, user_id, content, category, visibility, source_type, confidence, tags,
		created_at, valid_from, valid_until, supersedes_id, superseded_by_id, user_confirmed
		FROM memory_entries WHERE user_id = $1`
	args := []any{userID}
	if category != "" {
		args = append(args, category)
		query += " AND category = $2"
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pg memory: timeline: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

func (s *MemoryStore) Update(userID, id string, fields memory.UpdateFields) (memory.Memory, error) {
	ctx := context.Background()
	if fields.Content != nil {
		if _, err := s.pool.Exec(ctx, `UPDATE memory_entries SET content = $1 WHERE id = $2 AND user_id = $3`, *fields.Content, id, userID); err != nil {
			return memory.Memory{}, fmt.Errorf("pg memory: update content: %w", err)
		}
	}
	if fields.Visibility != nil {
		if _, err := s.pool.Exec(ctx, `UPDATE memory_entries SET visibility = $1 WHERE id = $2 AND user_id = $3`, *fields.Visibility, id, userID); err != nil {
			return memory.Memory{}, fmt.Errorf("pg memory: update visibility: %w", err)
		}
	}
	if fields.UserConfirmed != nil {
		if _, err := s.pool.Exec(ctx, `UPDATE memory_entries SET user_confirmed = $1 WHERE id = $2 AND user_id = $3`, *fields.UserConfirmed, id, userID); err != nil {
			return memory.Memory{}, fmt.Errorf("pg memory: update user_confirmed: %w", err)
		}
	}

	row := s.pool.QueryRow(ctx, `SELECT id, user_id, content, category, visibility, source_type, confidence, tags,
		created_at, valid_from, valid_until, supersedes_id, superseded_by_id, user_confirmed
		FROM memory_entries WHERE id = $1 AND user_id = $2`, id, userID)
	m, err := scanMemory(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return memory.Memory{}, fmt.Errorf("memory: %s not found", id)
		}
		return memory.Memory{}, fmt.Errorf("pg memory: reload after update: %w", err)
	}
	return m, nil
}

func (s *MemoryStore) Delete(userID, id string) error {
	ctx := context.Background()
	tag, err := s.pool.Exec(ctx, `DELETE FROM memory_entries WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("pg memory: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("memory: %s not found", id)
	}
	return nil
}

func (s *MemoryStore) StatsFor(userID string) (memory.Stats, error) {
	ctx := context.Background()
	rows, err := s.pool.Query(ctx, `SELECT category, visibility, count(*) FROM memory_entries WHERE user_id = $1 GROUP BY category, visibility`, userID)
	if err != nil {
		return memory.Stats{}, fmt.Errorf("pg memory: stats: %w", err)
	}
	defer rows.Close()

	st := memory.Stats{ByCategory: make(map[memory.Category]int), ByVisibility: make(map[memory.Visibility]int)}
	for rows.Next() {
		var cat memory.Category
		var vis memory.Visibility
		var n int
		if err := rows.Scan(&cat, &vis, &n); err != nil {
			return memory.Stats{}, fmt.Errorf("pg memory: scan stats: %w", err)
		}
		st.ByCategory[cat] += n
		st.ByVisibility[vis] += n
		st.Total += n
	}
	return st, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (memory.Memory, error) {
	var m memory.Memory
	var tagsJSON []byte
	var supersedesID, supersededByID *string

	err := row.Scan(&m.ID, &m.UserID, &m.Content, &m.Category, &m.Visibility, &m.SourceType, &m.Confidence,
		&tagsJSON, &m.CreatedAt, &m.ValidFrom, &m.ValidUntil, &supersedesID, &supersededByID, &m.UserConfirmed)
	if err != nil {
		return memory.Memory{}, err
	}
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &m.Tags); err != nil {
			return memory.Memory{}, fmt.Errorf("pg memory: decode tags: %w", err)
		}
	}
	if supersedesID != nil {
		m.SupersedesID = *supersedesID
	}
	if supersededByID != nil {
		m.SupersededByID = *supersededByID
	}
	return m, nil
}

func scanMemories(rows pgx.Rows) ([]memory.Memory, error) {
	var out []memory.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("pg memory: scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

var _ memory.Backend = (*MemoryStore)(nil)
