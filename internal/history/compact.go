package history

// Policy decides when a page's tombstones are compacted automatically.
// A zero field takes the default. A negative MaxDeleted or MaxRatio turns
// that trigger off, and a negative MinItems lets the ratio trigger fire on
// pages of any size.
type Policy struct {
	MaxDeleted int
	MaxRatio   float64
	MinItems   int
}

func DefaultPolicy() Policy {
	return Policy{MaxDeleted: 100, MaxRatio: 0.3, MinItems: 50}
}

// Disabled never compacts automatically. Manual Compact still works.
func Disabled() Policy {
	return Policy{MaxDeleted: -1, MaxRatio: -1}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.MaxDeleted == 0 {
		p.MaxDeleted = def.MaxDeleted
	}
	if p.MaxRatio == 0 {
		p.MaxRatio = def.MaxRatio
	}
	if p.MinItems == 0 {
		p.MinItems = def.MinItems
	}
	if p.MinItems < 0 {
		p.MinItems = 0
	}
	return p
}

func (p Policy) ShouldCompact(items []Item) bool {
	p = p.normalized()
	total := len(items)
	if total == 0 {
		return false
	}
	deleted := CountDeleted(items)
	if p.MaxDeleted > 0 && deleted > p.MaxDeleted {
		return true
	}
	if p.MaxRatio < 0 {
		return false
	}
	return total > p.MinItems && float64(deleted)/float64(total) > p.MaxRatio
}

// Compact hard-removes tombstoned items and clears the index-based selection
// in the same step, since every index after a removed item shifts.
func Compact(page *Page) (int, error) {
	if page == nil {
		return 0, nil
	}
	if page.Pinned() {
		return 0, ErrIndicesPinned
	}
	kept := make([]Item, 0, len(page.History))
	for _, it := range page.History {
		if it.Deleted {
			continue
		}
		kept = append(kept, it)
	}
	removed := len(page.History) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	page.History = kept
	page.Selection = nil
	return removed, nil
}

// AutoCompact compacts only when the policy triggers and indices are free.
func (p Policy) AutoCompact(page *Page) int {
	if page == nil || page.Pinned() || !p.ShouldCompact(page.History) {
		return 0
	}
	removed, err := Compact(page)
	if err != nil {
		return 0
	}
	return removed
}
