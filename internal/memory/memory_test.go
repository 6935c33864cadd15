package memory

import "testing"

func TestSaveAndSearch(t *testing.T) {
	s := NewStore(t.TempDir())

	m, err := s.Save("u1", "likes climbing", CategoryInterests, VisibilityPublic, SourceExplicit, 0.9, []string{"sport"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if m.ID == "" {
		t.Fatal("expected non-empty id")
	}

	got, err := s.Search("u1", SearchOpts{Query: "climbing"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].ID != m.ID {
		t.Fatalf("expected to find saved memory, got %+v", got)
	}
}

func TestDefaultVisibility(t *testing.T) {
	cases := map[Category]Visibility{
		CategoryCareer:    VisibilityPublic,
		CategoryInterests: VisibilityPublic,
		CategoryGoals:     VisibilityPublic,
		CategoryEducation: VisibilityPublic,
		CategoryHealth:    VisibilityPrivate,
		CategoryFinance:   VisibilityPrivate,
	}
	for cat, want := range cases {
		if got := DefaultVisibilityFor(cat); got != want {
			t.Errorf("DefaultVisibilityFor(%s) = %s, want %s", cat, got, want)
		}
	}
}

func TestSupersedeChainExcludedFromSearch(t *testing.T) {
	s := NewStore(t.TempDir())

	first, err := s.Save("u1", "works at Acme", CategoryCareer, VisibilityPublic, SourceExplicit, 1, nil)
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	second, err := s.SaveWithSupersede("u1", "works at Globex", CategoryCareer, VisibilityPublic, SourceExplicit, 1, nil, first.ID)
	if err != nil {
		t.Fatalf("save with supersede: %v", err)
	}

	got, err := s.Search("u1", SearchOpts{Category: CategoryCareer})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].ID != second.ID {
		t.Fatalf("expected only current memory in search, got %+v", got)
	}

	timeline, err := s.ListTimeline("u1", CategoryCareer)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(timeline) != 2 {
		t.Fatalf("expected both entries in timeline, got %d", len(timeline))
	}
	if timeline[0].ID != first.ID || timeline[0].SupersededByID != second.ID {
		t.Fatalf("expected first memory marked superseded, got %+v", timeline[0])
	}
}

func TestSaveWithSupersedeAlreadySupersededRejected(t *testing.T) {
	s := NewStore(t.TempDir())

	first, _ := s.Save("u1", "a", CategoryGoals, VisibilityPublic, SourceExplicit, 1, nil)
	_, err := s.SaveWithSupersede("u1", "b", CategoryGoals, VisibilityPublic, SourceExplicit, 1, nil, first.ID)
	if err != nil {
		t.Fatalf("first supersede: %v", err)
	}

	_, err = s.SaveWithSupersede("u1", "c", CategoryGoals, VisibilityPublic, SourceExplicit, 1, nil, first.ID)
	if err == nil {
		t.Fatal("expected error superseding an already-superseded memory twice")
	}
}

func TestUpdateAndDelete(t *testing.T) {
	s := NewStore(t.TempDir())
	m, _ := s.Save("u1", "original", CategoryPersonal, VisibilityPrivate, SourceInferred, 0.5, nil)

	newContent := "updated"
	updated, err := s.Update("u1", m.ID, UpdateFields{Content: &newContent})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Content != "updated" {
		t.Fatalf("expected updated content, got %q", updated.Content)
	}

	if err := s.Delete("u1", m.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ := s.Search("u1", SearchOpts{})
	if len(got) != 0 {
		t.Fatalf("expected empty store after delete, got %+v", got)
	}
}

func TestStatsFor(t *testing.T) {
	s := NewStore(t.TempDir())
	s.Save("u1", "a", CategoryHealth, VisibilityPrivate, SourceExplicit, 1, nil)
	s.Save("u1", "b", CategoryCareer, VisibilityPublic, SourceExplicit, 1, nil)

	st, err := s.StatsFor("u1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Total != 2 || st.ByCategory[CategoryHealth] != 1 || st.ByVisibility[VisibilityPublic] != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}
