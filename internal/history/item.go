package history

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidItem   = errors.New("invalid history item")
	ErrIndicesPinned = errors.New("page indices are pinned")
)

type Tool string

const (
	ToolPen    Tool = "pen"
	ToolEraser Tool = "eraser"
	ToolShape  Tool = "shape"
	ToolText   Tool = "text"
	ToolImage  Tool = "image"
	ToolGroup  Tool = "group"
)

func (t Tool) Valid() bool {
	switch t {
	case ToolPen, ToolEraser, ToolShape, ToolText, ToolImage, ToolGroup:
		return true
	default:
		return false
	}
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Item is one drawing operation. Tool selects which of the variant fields
// are meaningful: Points for pen/eraser, ShapeType for shape, Text for text,
// Src for image and Children for group.
type Item struct {
	ID       string  `json:"id"`
	Tool     Tool    `json:"tool"`
	LastMod  int64   `json:"lastMod"`
	Deleted  bool    `json:"deleted,omitempty"`
	X        float64 `json:"x,omitempty"`
	Y        float64 `json:"y,omitempty"`
	W        float64 `json:"w,omitempty"`
	H        float64 `json:"h,omitempty"`
	Rotation float64 `json:"rotation,omitempty"`
	Points   []Point `json:"pts,omitempty"`

	Color     string   `json:"color,omitempty"`
	Size      float64  `json:"size,omitempty"`
	ShapeType string   `json:"shapeType,omitempty"`
	Text      string   `json:"text,omitempty"`
	Src       string   `json:"src,omitempty"`
	Children  []string `json:"children,omitempty"`
}

func (it Item) Validate() error {
	if strings.TrimSpace(it.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidItem)
	}
	if !it.Tool.Valid() {
		return fmt.Errorf("%w: unknown tool %q for %s", ErrInvalidItem, it.Tool, it.ID)
	}
	return nil
}

// ItemPatch carries only the fields that modification detection looks at.
type ItemPatch struct {
	Deleted  *bool    `json:"deleted,omitempty"`
	X        *float64 `json:"x,omitempty"`
	Y        *float64 `json:"y,omitempty"`
	W        *float64 `json:"w,omitempty"`
	H        *float64 `json:"h,omitempty"`
	Rotation *float64 `json:"rotation,omitempty"`
	Points   []Point  `json:"pts,omitempty"`
	LastMod  int64    `json:"lastMod,omitempty"`
}

func (p ItemPatch) Empty() bool {
	return p.Deleted == nil && p.X == nil && p.Y == nil && p.W == nil && p.H == nil &&
		p.Rotation == nil && p.Points == nil
}

func (p ItemPatch) Apply(it Item) Item {
	if p.Deleted != nil {
		it.Deleted = *p.Deleted
	}
	if p.X != nil {
		it.X = *p.X
	}
	if p.Y != nil {
		it.Y = *p.Y
	}
	if p.W != nil {
		it.W = *p.W
	}
	if p.H != nil {
		it.H = *p.H
	}
	if p.Rotation != nil {
		it.Rotation = *p.Rotation
	}
	if p.Points != nil {
		it.Points = append([]Point(nil), p.Points...)
	}
	if p.LastMod > it.LastMod {
		it.LastMod = p.LastMod
	}
	return it
}

// Modified is deliberately approximate: it compares tombstone, geometry,
// rotation and the stroke's point count and first point.
func Modified(before, after Item) bool {
	return !Diff(before, after).Empty()
}

func Diff(before, after Item) ItemPatch {
	var patch ItemPatch
	if before.Deleted != after.Deleted {
		patch.Deleted = boolPtr(after.Deleted)
	}
	if before.X != after.X || before.Y != after.Y {
		patch.X = floatPtr(after.X)
		patch.Y = floatPtr(after.Y)
	}
	if before.W != after.W || before.H != after.H {
		patch.W = floatPtr(after.W)
		patch.H = floatPtr(after.H)
	}
	if before.Rotation != after.Rotation {
		patch.Rotation = floatPtr(after.Rotation)
	}
	if strokeChanged(before.Points, after.Points) {
		patch.Points = append([]Point{}, after.Points...)
	}
	if !patch.Empty() && after.LastMod != before.LastMod {
		patch.LastMod = after.LastMod
	}
	return patch
}

func strokeChanged(before, after []Point) bool {
	if len(before) != len(after) {
		return true
	}
	if len(before) == 0 {
		return false
	}
	return before[0] != after[0]
}

func CloneItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	for i, it := range items {
		it.Points = append([]Point(nil), it.Points...)
		it.Children = append([]string(nil), it.Children...)
		out[i] = it
	}
	return out
}

func boolPtr(v bool) *bool {
	return &v
}

func floatPtr(v float64) *float64 {
	return &v
}
