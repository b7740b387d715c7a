package agenttask

import "testing"

func buildTestConfig(entries ...*Entry) *Config {
	cfg := &Config{Entries: make(map[string]*Entry, len(entries))}
	for _, e := range entries {
		cfg.Entries[e.TaskID] = e
	}
	return cfg
}

func TestBuildIndexEntryAndChildLookup(t *testing.T) {
	cfg := buildTestConfig(
		&Entry{TaskID: "root-child", ParentWorkspaceID: "root", Status: StatusRunning},
		&Entry{TaskID: "grandchild", ParentWorkspaceID: "root-child", Status: StatusQueued},
	)
	idx := BuildIndex(cfg)

	if idx.EntryOf("root-child") == nil {
		t.Fatal("expected entry for root-child")
	}
	if idx.EntryOf("missing") != nil {
		t.Error("expected nil for an id with no entry")
	}

	children := idx.ChildrenOf("root-child")
	if len(children) != 1 || children[0] != "grandchild" {
		t.Errorf("unexpected children: %v", children)
	}

	if idx.ParentOf("grandchild") != "root-child" {
		t.Errorf("expected parent root-child, got %s", idx.ParentOf("grandchild"))
	}
	if idx.ParentOf("missing") != "" {
		t.Error("expected empty parent for an id with no entry")
	}
}

func TestIndexAncestorsAndDepth(t *testing.T) {
	cfg := buildTestConfig(
		&Entry{TaskID: "a", ParentWorkspaceID: "root", Status: StatusRunning},
		&Entry{TaskID: "b", ParentWorkspaceID: "a", Status: StatusRunning},
		&Entry{TaskID: "c", ParentWorkspaceID: "b", Status: StatusRunning},
	)
	idx := BuildIndex(cfg)

	ancestors, err := idx.AncestorsOf("c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"b", "a", "root"}
	if len(ancestors) != len(want) {
		t.Fatalf("expected %v, got %v", want, ancestors)
	}
	for i, id := range want {
		if ancestors[i] != id {
			t.Errorf("ancestors[%d] = %s, want %s", i, ancestors[i], id)
		}
	}

	depth, err := idx.DepthOf("c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if depth != 3 {
		t.Errorf("expected depth 3, got %d", depth)
	}
}

func TestIndexAncestorsOfCycleFails(t *testing.T) {
	// A parent chain that never bottoms out at a non-task root: every
	// id beyond MaxTaskDepth must be treated as a cycle.
	entries := make([]*Entry, 0, MaxTaskDepth+2)
	prev := "start"
	for i := 0; i < MaxTaskDepth+2; i++ {
		id := prev + "x"
		entries = append(entries, &Entry{TaskID: id, ParentWorkspaceID: prev, Status: StatusRunning})
		prev = id
	}
	// Make it an actual cycle: the very first entry's parent is the last id.
	entries[0].ParentWorkspaceID = prev

	cfg := buildTestConfig(entries...)
	idx := BuildIndex(cfg)

	if _, err := idx.AncestorsOf(prev); err == nil {
		t.Fatal("expected a cycle error")
	} else if _, ok := err.(*CycleError); !ok {
		t.Errorf("expected *CycleError, got %T", err)
	}
}

func TestIndexDescendantsOf(t *testing.T) {
	cfg := buildTestConfig(
		&Entry{TaskID: "a", ParentWorkspaceID: "root", Status: StatusRunning},
		&Entry{TaskID: "b", ParentWorkspaceID: "a", Status: StatusQueued},
		&Entry{TaskID: "c", ParentWorkspaceID: "a", Status: StatusReported},
		&Entry{TaskID: "d", ParentWorkspaceID: "b", Status: StatusRunning},
	)
	idx := BuildIndex(cfg)

	descendants := idx.DescendantsOf("root")
	if len(descendants) != 4 {
		t.Fatalf("expected 4 descendants of root, got %v", descendants)
	}

	seen := make(map[string]bool)
	for _, d := range descendants {
		seen[d] = true
	}
	for _, want := range []string{"a", "b", "c", "d"} {
		if !seen[want] {
			t.Errorf("expected %s among descendants", want)
		}
	}
}

func TestIndexActiveDescendantCountAndHasActiveDescendant(t *testing.T) {
	cfg := buildTestConfig(
		&Entry{TaskID: "a", ParentWorkspaceID: "root", Status: StatusRunning},
		&Entry{TaskID: "b", ParentWorkspaceID: "root", Status: StatusReported},
	)
	idx := BuildIndex(cfg)

	if got := idx.ActiveDescendantCount("root"); got != 1 {
		t.Errorf("expected 1 active descendant, got %d", got)
	}
	if !idx.HasActiveDescendant("root") {
		t.Error("expected root to have an active descendant")
	}

	cfg2 := buildTestConfig(
		&Entry{TaskID: "a", ParentWorkspaceID: "root", Status: StatusReported},
	)
	idx2 := BuildIndex(cfg2)
	if idx2.HasActiveDescendant("root") {
		t.Error("expected root to have no active descendants once all are reported")
	}
}

func TestIndexAllEntriesIsSortedByTaskID(t *testing.T) {
	cfg := buildTestConfig(
		&Entry{TaskID: "c", ParentWorkspaceID: "root", Status: StatusRunning},
		&Entry{TaskID: "a", ParentWorkspaceID: "root", Status: StatusRunning},
		&Entry{TaskID: "b", ParentWorkspaceID: "root", Status: StatusRunning},
	)
	idx := BuildIndex(cfg)

	all := idx.AllEntries()
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	for i, want := range []string{"a", "b", "c"} {
		if all[i].TaskID != want {
			t.Errorf("AllEntries()[%d] = %s, want %s", i, all[i].TaskID, want)
		}
	}
}

func TestEntryIsStructuralLeaf(t *testing.T) {
	cfg := buildTestConfig(
		&Entry{TaskID: "a", ParentWorkspaceID: "root", Status: StatusRunning},
		&Entry{TaskID: "b", ParentWorkspaceID: "a", Status: StatusQueued},
	)
	idx := BuildIndex(cfg)

	if idx.EntryOf("a").IsStructuralLeaf(idx) {
		t.Error("expected 'a' (has a child) to not be a structural leaf")
	}
	if !idx.EntryOf("b").IsStructuralLeaf(idx) {
		t.Error("expected 'b' (no children) to be a structural leaf")
	}
}
