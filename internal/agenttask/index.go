package agenttask

// Index is an in-memory projection of the authoritative config into
// (taskId → entry), (parent → children[]), (child → parent). It's
// rebuilt from scratch on every public operation boundary — there is
// no incremental index; correctness trumps micro-optimization.
type Index struct {
	byID     map[string]*Entry
	children map[string][]string // parentWorkspaceId -> child taskIds, insertion order
}

// BuildIndex rebuilds a fresh Index from cfg.
func BuildIndex(cfg *Config) *Index {
	idx := &Index{
		byID:     make(map[string]*Entry, len(cfg.Entries)),
		children: make(map[string][]string),
	}
	// Stable insertion order for ChildrenOf: iterate entries in a
	// deterministic order (by taskId) so index rebuilds are
	// reproducible regardless of map iteration order.
	ids := make([]string, 0, len(cfg.Entries))
	for id := range cfg.Entries {
		ids = append(ids, id)
	}
	sortStrings(ids)

	for _, id := range ids {
		e := cfg.Entries[id]
		idx.byID[id] = e
		idx.children[e.ParentWorkspaceID] = append(idx.children[e.ParentWorkspaceID], id)
	}
	return idx
}

func sortStrings(s []string) {
	// insertion sort is fine; config sizes are small (bounded by
	// active task counts, not overall corpus size)
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// EntryOf returns the entry for id, or nil if it doesn't exist (or
// isn't a task — a non-task root workspace has no entry at all).
func (idx *Index) EntryOf(id string) *Entry {
	return idx.byID[id]
}

// ChildrenOf returns the task ids whose parentWorkspaceId == parentID.
func (idx *Index) ChildrenOf(parentID string) []string {
	return idx.children[parentID]
}

// ParentOf returns the parentWorkspaceId of id, or "" if id has no entry.
func (idx *Index) ParentOf(id string) string {
	e := idx.byID[id]
	if e == nil {
		return ""
	}
	return e.ParentWorkspaceID
}

// AncestorsOf walks parentOf from id up to (but not including) a
// non-task root, bounded at MaxTaskDepth steps. It fails on a cycle
// (an ancestor chain longer than the bound without reaching a
// non-task root is treated as a cycle).
func (idx *Index) AncestorsOf(id string) ([]string, error) {
	var ancestors []string
	current := id
	for depth := 0; depth < MaxTaskDepth; depth++ {
		e := idx.byID[current]
		if e == nil {
			return ancestors, nil
		}
		parent := e.ParentWorkspaceID
		ancestors = append(ancestors, parent)
		if idx.byID[parent] == nil {
			// parent is a non-task root: walk terminates normally.
			return ancestors, nil
		}
		current = parent
	}
	return nil, &CycleError{TaskID: id}
}

// DepthOf returns len(AncestorsOf(id)) if AncestorsOf doesn't error,
// i.e. the number of parent hops from id to its non-task root.
func (idx *Index) DepthOf(id string) (int, error) {
	ancestors, err := idx.AncestorsOf(id)
	if err != nil {
		return 0, err
	}
	return len(ancestors), nil
}

// DescendantsOf returns every task id reachable from id by repeatedly
// following ChildrenOf, via an explicit stack (not recursion, to keep
// worst-case depth bounded without risking a native stack overflow on
// a pathological config).
func (idx *Index) DescendantsOf(id string) []string {
	var result []string
	stack := append([]string(nil), idx.ChildrenOf(id)...)
	for len(stack) > 0 {
		n := len(stack) - 1
		current := stack[n]
		stack = stack[:n]
		result = append(result, current)
		stack = append(stack, idx.ChildrenOf(current)...)
	}
	return result
}

// ActiveDescendantCount returns the number of descendants of id whose
// status is in ActiveStatuses.
func (idx *Index) ActiveDescendantCount(id string) int {
	count := 0
	for _, childID := range idx.DescendantsOf(id) {
		if e := idx.byID[childID]; e != nil && ActiveStatuses[e.Status] {
			count++
		}
	}
	return count
}

// AllEntries returns every entry in the index, in deterministic
// (taskId-sorted) order.
func (idx *Index) AllEntries() []*Entry {
	result := make([]*Entry, 0, len(idx.byID))
	ids := make([]string, 0, len(idx.byID))
	for id := range idx.byID {
		ids = append(ids, id)
	}
	sortStrings(ids)
	for _, id := range ids {
		result = append(result, idx.byID[id])
	}
	return result
}

// HasActiveDescendant reports whether any descendant of id (at any
// depth) is active — used by the Stream-End Handler's "any descendant
// still active" check.
func (idx *Index) HasActiveDescendant(id string) bool {
	return idx.ActiveDescendantCount(id) > 0
}
