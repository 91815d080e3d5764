package history

// Delta expresses a page's edits relative to its offloaded base.
type Delta struct {
	NewItems      []Item               `json:"newItems"`
	Modifications map[string]ItemPatch `json:"modifications"`
}

func (d Delta) Empty() bool {
	return len(d.NewItems) == 0 && len(d.Modifications) == 0
}

// ComputeDelta compares the current history against the base snapshot. Base
// items that are gone from current (compacted away) are reported as deleted.
func ComputeDelta(base, current []Item) Delta {
	baseByID := make(map[string]Item, len(base))
	for _, it := range base {
		baseByID[it.ID] = it
	}
	delta := Delta{
		NewItems:      []Item{},
		Modifications: map[string]ItemPatch{},
	}
	seen := make(map[string]struct{}, len(current))
	for _, it := range current {
		seen[it.ID] = struct{}{}
		prev, ok := baseByID[it.ID]
		if !ok {
			delta.NewItems = append(delta.NewItems, it)
			continue
		}
		if patch := Diff(prev, it); !patch.Empty() {
			delta.Modifications[it.ID] = patch
		}
	}
	for _, it := range base {
		if _, ok := seen[it.ID]; ok || it.Deleted {
			continue
		}
		delta.Modifications[it.ID] = ItemPatch{Deleted: boolPtr(true)}
	}
	return delta
}

// ApplyDelta rebuilds the full view: base items with their patches applied,
// followed by the new items.
func ApplyDelta(base []Item, newItems []Item, modifications map[string]ItemPatch) []Item {
	out := make([]Item, 0, len(base)+len(newItems))
	for _, it := range CloneItems(base) {
		if patch, ok := modifications[it.ID]; ok {
			it = patch.Apply(it)
		}
		out = append(out, it)
	}
	return append(out, CloneItems(newItems)...)
}

// MergeByID folds a relayed history into a local one. Order follows remote,
// local-only items keep their relative order at the end. For a shared id the
// copy with the higher lastMod wins and ties go to remote. Remote tombstones
// for ids local does not hold are skipped: local compaction already removed
// them, or they were never seen here.
func MergeByID(local, remote []Item) []Item {
	localByID := make(map[string]Item, len(local))
	for _, it := range local {
		localByID[it.ID] = it
	}
	out := make([]Item, 0, len(remote)+len(local))
	inRemote := make(map[string]struct{}, len(remote))
	for _, it := range remote {
		inRemote[it.ID] = struct{}{}
		mine, ok := localByID[it.ID]
		if !ok && it.Deleted {
			continue
		}
		if ok && mine.LastMod > it.LastMod {
			out = append(out, mine)
			continue
		}
		out = append(out, it)
	}
	for _, it := range local {
		if _, ok := inRemote[it.ID]; ok {
			continue
		}
		out = append(out, it)
	}
	return CloneItems(out)
}

// Ahead reports whether local holds an item remote lacks, or a newer copy
// of one remote has.
func Ahead(local, remote []Item) bool {
	remoteByID := make(map[string]int64, len(remote))
	for _, it := range remote {
		remoteByID[it.ID] = it.LastMod
	}
	for _, it := range local {
		lastMod, ok := remoteByID[it.ID]
		if !ok || it.LastMod > lastMod {
			return true
		}
	}
	return false
}

// RemapSelection carries index-based selection from before to after by item
// id. Selected items that no longer exist are dropped.
func RemapSelection(before, after []Item, selection []int) []int {
	if len(selection) == 0 {
		return nil
	}
	index := make(map[string]int, len(after))
	for i, it := range after {
		index[it.ID] = i
	}
	var out []int
	for _, i := range selection {
		if i < 0 || i >= len(before) {
			continue
		}
		if j, ok := index[before[i].ID]; ok {
			out = append(out, j)
		}
	}
	return out
}

func CountDeleted(items []Item) int {
	n := 0
	for _, it := range items {
		if it.Deleted {
			n++
		}
	}
	return n
}
