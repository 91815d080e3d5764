package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidState = errors.New("invalid page state")

type PageKind string

const (
	PageFreehand PageKind = "freehand"
	PageVector   PageKind = "vector"
)

const (
	modeRealtimeOnly  = "realtime-only"
	modeBaseOffloaded = "base-offloaded"
)

// Offload describes where a page's base history lives once it left the
// realtime channel.
type Offload struct {
	BlobKey   string
	ItemCount int
}

// PageState is either realtime-only (the zero value) or base-offloaded.
// There is no transition back to realtime-only.
type PageState struct {
	offload *Offload
}

func RealtimeOnly() PageState {
	return PageState{}
}

func (s PageState) Offloaded() (Offload, bool) {
	if s.offload == nil {
		return Offload{}, false
	}
	return *s.offload, true
}

func (s PageState) IsOffloaded() bool {
	return s.offload != nil
}

// MarkOffloaded returns the offloaded state for blobKey. Calling it on an
// already offloaded page replaces the base reference.
func (s PageState) MarkOffloaded(blobKey string, itemCount int) (PageState, error) {
	blobKey = strings.TrimSpace(blobKey)
	if blobKey == "" {
		return s, fmt.Errorf("%w: blob key is required", ErrInvalidState)
	}
	if itemCount < 0 {
		return s, fmt.Errorf("%w: negative item count", ErrInvalidState)
	}
	return PageState{offload: &Offload{BlobKey: blobKey, ItemCount: itemCount}}, nil
}

func (s PageState) String() string {
	if s.offload == nil {
		return modeRealtimeOnly
	}
	return fmt.Sprintf("%s(%s,%d)", modeBaseOffloaded, s.offload.BlobKey, s.offload.ItemCount)
}

type pageStateJSON struct {
	Mode      string `json:"mode"`
	BlobKey   string `json:"blobKey,omitempty"`
	ItemCount int    `json:"itemCount,omitempty"`
}

func (s PageState) MarshalJSON() ([]byte, error) {
	if s.offload == nil {
		return json.Marshal(pageStateJSON{Mode: modeRealtimeOnly})
	}
	return json.Marshal(pageStateJSON{
		Mode:      modeBaseOffloaded,
		BlobKey:   s.offload.BlobKey,
		ItemCount: s.offload.ItemCount,
	})
}

func (s *PageState) UnmarshalJSON(data []byte) error {
	var raw pageStateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Mode {
	case "", modeRealtimeOnly:
		*s = PageState{}
		return nil
	case modeBaseOffloaded:
		next, err := PageState{}.MarkOffloaded(raw.BlobKey, raw.ItemCount)
		if err != nil {
			return err
		}
		*s = next
		return nil
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidState, raw.Mode)
	}
}

// Page is the client replica of one drawable surface.
type Page struct {
	Index     int       `json:"index"`
	ID        string    `json:"pageId"`
	Kind      PageKind  `json:"kind"`
	History   []Item    `json:"history"`
	Selection []int     `json:"selection,omitempty"`
	State     PageState `json:"state"`
	Base      []Item    `json:"base,omitempty"`
	// BaseStale is set when an offload hint arrived but the base could not be
	// fetched yet.
	BaseStale    bool   `json:"baseStale,omitempty"`
	LastSentHash string `json:"lastSentHash,omitempty"`
	Pins         int    `json:"-"`
	UpdatedAt    int64  `json:"updatedAt,omitempty"`
}

func (p *Page) Pinned() bool {
	return p != nil && p.Pins > 0
}
