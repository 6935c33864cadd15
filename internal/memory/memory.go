// Package memory implements the Memory Store (spec §4.6): timeline-
// preserving structured facts about a user, with supersede semantics.
//
// There is no direct teacher equivalent in the retrieved slice for this
// component; it is grounded on the general file-store atomic-write idiom
// used throughout the teacher (sessions.Manager.Save, internal/lock) applied
// to a new entity, newest-first on disk per spec §4.6.
package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentsubstrate/internal/idgen"
	"github.com/nextlevelbuilder/agentsubstrate/internal/lock"
)

// Category enumerates the fixed set of memory categories (spec §3).
type Category string

const (
	CategoryPersonal     Category = "personal"
	CategoryCareer       Category = "career"
	CategoryInterests    Category = "interests"
	CategoryPreferences  Category = "preferences"
	CategoryGoals        Category = "goals"
	CategoryRelationships Category = "relationships"
	CategoryEmotions     Category = "emotions"
	CategoryHealth       Category = "health"
	CategoryFinance      Category = "finance"
	CategorySchedule     Category = "schedule"
	CategoryContext      Category = "context"
	CategoryFamily       Category = "family"
	CategoryEducation    Category = "education"
)

// Visibility controls whether a Memory may be surfaced outside the owning
// user's own session.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// SourceType records how a Memory was produced.
type SourceType string

const (
	SourceExplicit SourceType = "explicit"
	SourceInferred SourceType = "inferred"
)

// defaultVisibility is the fixed lookup table from spec §4.6: "career/
// interests/goals/education → public; all others → private."
var defaultVisibility = map[Category]Visibility{
	CategoryCareer:    VisibilityPublic,
	CategoryInterests: VisibilityPublic,
	CategoryGoals:     VisibilityPublic,
	CategoryEducation: VisibilityPublic,
}

// DefaultVisibilityFor returns the fixed default visibility for category.
func DefaultVisibilityFor(c Category) Visibility {
	if v, ok := defaultVisibility[c]; ok {
		return v
	}
	return VisibilityPrivate
}

// Memory is a single structured fact about a user (spec §3).
type Memory struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Content        string     `json:"content"`
	Category       Category   `json:"category"`
	Visibility     Visibility `json:"visibility"`
	SourceType     SourceType `json:"source_type"`
	Confidence     float64    `json:"confidence"`
	Tags           []string   `json:"tags"`
	CreatedAt      time.Time  `json:"created_at"`
	ValidFrom      time.Time  `json:"valid_from"`
	ValidUntil     *time.Time `json:"valid_until,omitempty"`
	SupersedesID   string     `json:"supersedes_id,omitempty"`
	SupersededByID string     `json:"superseded_by_id,omitempty"`
	UserConfirmed  bool       `json:"user_confirmed"`
}

// IsCurrent reports whether m is the live head of its supersede chain.
func (m Memory) IsCurrent() bool {
	return m.SupersededByID == "" && m.ValidUntil == nil
}

// Stats summarizes a user's memories by category and visibility.
type Stats struct {
	ByCategory   map[Category]int   `json:"by_category"`
	ByVisibility map[Visibility]int `json:"by_visibility"`
	Total        int                `json:"total"`
}

// Backend is the storage contract the rest of the module depends on.
// *Store is the default flat-file implementation used in standalone mode;
// a managed deployment plugs in a Postgres-backed Backend instead (see
// internal/store/pg).
type Backend interface {
	Save(userID, content string, category Category, visibility Visibility, source SourceType, confidence float64, tags []string) (Memory, error)
	SaveWithSupersede(userID, content string, category Category, visibility Visibility, source SourceType, confidence float64, tags []string, supersedesID string) (Memory, error)
	Search(userID string, opts SearchOpts) ([]Memory, error)
	ListTimeline(userID string, category Category) ([]Memory, error)
	Update(userID, id string, fields UpdateFields) (Memory, error)
	Delete(userID, id string) error
	StatsFor(userID string) (Stats, error)
}

// Store persists Memory records for every user under root, one JSON file
// per user, newest-first, protected by a per-file lock (spec §3
// Persistence).
type Store struct {
	root  string
	locks *lock.Table

	mu    sync.Mutex
	cache map[string][]Memory // userID -> memories, newest-first; nil until loaded
}

// NewStore creates a Memory Store rooted at root (expected to be
// `users/<id>/data/memories.json` per user — root is the shared base
// directory, e.g. `users`).
func NewStore(root string) *Store {
	return &Store{
		root:  root,
		locks: lock.NewTable(),
		cache: make(map[string][]Memory),
	}
}

func (s *Store) path(userID string) string {
	return filepath.Join(s.root, idgen.SanitizeKey(userID), "data", "memories.json")
}

func (s *Store) load(userID string) ([]Memory, error) {
	s.mu.Lock()
	if cached, ok := s.cache[userID]; ok {
		defer s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	path := s.path(userID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("memory: read %s: %w", path, err)
	}

	var mems []Memory
	if err := json.Unmarshal(data, &mems); err != nil {
		return nil, fmt.Errorf("memory: decode %s: %w", path, err)
	}

	s.mu.Lock()
	s.cache[userID] = mems
	s.mu.Unlock()
	return mems, nil
}

// persist must be called with the per-user file lock held.
func (s *Store) persist(userID string, mems []Memory) error {
	data, err := json.MarshalIndent(mems, "", "  ")
	if err != nil {
		return fmt.Errorf("memory: encode: %w", err)
	}
	if err := lock.WriteFileAtomic(s.path(userID), data, 0o644); err != nil {
		return fmt.Errorf("memory: write: %w", err)
	}

	s.mu.Lock()
	s.cache[userID] = mems
	s.mu.Unlock()
	return nil
}

// Save appends a new Memory; storage order is newest-first (spec §4.6).
func (s *Store) Save(userID, content string, category Category, visibility Visibility, source SourceType, confidence float64, tags []string) (Memory, error) {
	return s.SaveWithSupersede(userID, content, category, visibility, source, confidence, tags, "")
}

// SaveWithSupersede saves a new Memory and, if supersedesID is non-empty,
// atomically sets the predecessor's superseded_by_id and valid_until (spec
// §4.6).
func (s *Store) SaveWithSupersede(userID, content string, category Category, visibility Visibility, source SourceType, confidence float64, tags []string, supersedesID string) (Memory, error) {
	var created Memory

	err := s.locks.WithLock(s.path(userID), func() error {
		mems, err := s.load(userID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		created = Memory{
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
			UserConfirmed: source == SourceExplicit,
		}

		if supersedesID != "" {
			found := false
			for i := range mems {
				if mems[i].ID == supersedesID {
					if mems[i].SupersededByID != "" {
						return fmt.Errorf("memory: %s already superseded by %s", supersedesID, mems[i].SupersededByID)
					}
					mems[i].SupersededByID = created.ID
					mems[i].ValidUntil = &now
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("memory: supersedes_id %q not found", supersedesID)
			}
		}

		// newest-first at rest.
		mems = append([]Memory{created}, mems...)
		return s.persist(userID, mems)
	})
	if err != nil {
		return Memory{}, err
	}
	return created, nil
}

// SearchOpts controls Search.
type SearchOpts struct {
	Query              string
	Category           Category // empty = any
	Limit              int      // 0 = unlimited
	IncludeSuperseded  bool
}

// Search returns the most-recent-first matches for query/category,
// excluding superseded entries unless explicitly requested (spec §4.6).
// Ordering at query time matches the newest-first storage order — this
// repository resolves the open question in spec §9 by treating on-disk
// order as authoritative rather than re-sorting by modification time.
func (s *Store) Search(userID string, opts SearchOpts) ([]Memory, error) {
	mems, err := s.load(userID)
	if err != nil {
		return nil, err
	}

	var out []Memory
	q := strings.ToLower(strings.TrimSpace(opts.Query))
	for _, m := range mems {
		if !opts.IncludeSuperseded && !m.IsCurrent() {
			continue
		}
		if opts.Category != "" && m.Category != opts.Category {
			continue
		}
		if q != "" && !matches(m, q) {
			continue
		}
		out = append(out, m)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func matches(m Memory, q string) bool {
	if strings.Contains(strings.ToLower(m.Content), q) {
		return true
	}
	for _, tag := range m.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}

// ListTimeline returns the full chain for category (including superseded
// entries) ordered by created_at ascending (spec §4.6).
func (s *Store) ListTimeline(userID string, category Category) ([]Memory, error) {
	mems, err := s.load(userID)
	if err != nil {
		return nil, err
	}

	var out []Memory
	for _, m := range mems {
		if category != "" && m.Category != category {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateFields carries optional field updates for Update.
type UpdateFields struct {
	Content       *string
	Visibility    *Visibility
	UserConfirmed *bool
}

// Update mutates content/visibility/user_confirmed on the Memory with id.
func (s *Store) Update(userID, id string, fields UpdateFields) (Memory, error) {
	var updated Memory
	err := s.locks.WithLock(s.path(userID), func() error {
		mems, err := s.load(userID)
		if err != nil {
			return err
		}
		for i := range mems {
			if mems[i].ID != id {
				continue
			}
			if fields.Content != nil {
				mems[i].Content = *fields.Content
			}
			if fields.Visibility != nil {
				mems[i].Visibility = *fields.Visibility
			}
			if fields.UserConfirmed != nil {
				mems[i].UserConfirmed = *fields.UserConfirmed
			}
			updated = mems[i]
			return s.persist(userID, mems)
		}
		return fmt.Errorf("memory: %s not found", id)
	})
	if err != nil {
		return Memory{}, err
	}
	return updated, nil
}

// Delete removes the Memory with id.
func (s *Store) Delete(userID, id string) error {
	return s.locks.WithLock(s.path(userID), func() error {
		mems, err := s.load(userID)
		if err != nil {
			return err
		}
		for i := range mems {
			if mems[i].ID == id {
				mems = append(mems[:i], mems[i+1:]...)
				return s.persist(userID, mems)
			}
		}
		return fmt.Errorf("memory: %s not found", id)
	})
}

// StatsFor computes category/visibility counts for userID.
func (s *Store) StatsFor(userID string) (Stats, error) {
	mems, err := s.load(userID)
	if err != nil {
		return Stats{}, err
	}

	st := Stats{ByCategory: make(map[Category]int), ByVisibility: make(map[Visibility]int)}
	for _, m := range mems {
		st.ByCategory[m.Category]++
		st.ByVisibility[m.Visibility]++
		st.Total++
	}
	return st, nil
}

var _ Backend = (*Store)(nil)
