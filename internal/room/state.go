package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/inkrelay/internal/history"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrRejectedFrame  = errors.New("rejected frame")
	ErrRoomClosed     = errors.New("room closed")
	ErrHubClosed      = errors.New("hub closed")
	ErrQueueFull      = errors.New("queue full")
	ErrPersistence    = errors.New("persistence failure")
)

// PersistenceError reports a failed durable read or write of a room
// snapshot. It never interrupts relay.
type PersistenceError struct {
	RoomID string
	Op     string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist room %s: %s: %v", e.RoomID, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// PageRecord is the coordinator's canonical view of one page. Realtime-only
// pages carry their full History; offloaded pages carry only the delta
// relative to the base blob.
type PageRecord struct {
	PageID            string                       `json:"pageId,omitempty"`
	Kind              history.PageKind             `json:"kind,omitempty"`
	History           []history.Item               `json:"history"`
	State             history.PageState            `json:"state"`
	NewItems          []history.Item               `json:"newItems,omitempty"`
	Modifications     map[string]history.ItemPatch `json:"modifications,omitempty"`
	ModificationsKey  string                       `json:"modificationsKey,omitempty"`
	ModificationCount int                          `json:"modificationCount,omitempty"`
	UpdatedAt         int64                        `json:"updatedAt,omitempty"`
}

type RoomState struct {
	Pages map[int]*PageRecord `json:"pages"`
}

func NewRoomState() *RoomState {
	return &RoomState{Pages: map[int]*PageRecord{}}
}

func (s *RoomState) Clone() (*RoomState, error) {
	if s == nil {
		return NewRoomState(), nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	clone := NewRoomState()
	if err := json.Unmarshal(data, clone); err != nil {
		return nil, err
	}
	if clone.Pages == nil {
		clone.Pages = map[int]*PageRecord{}
	}
	return clone, nil
}

// Apply folds an accepted client frame into the canonical state.
func (s *RoomState) Apply(frame Frame, now time.Time) error {
	if s.Pages == nil {
		s.Pages = map[int]*PageRecord{}
	}
	if frame.PageIdx < 0 {
		return fmt.Errorf("%w: negative page index %d", ErrRejectedFrame, frame.PageIdx)
	}
	switch frame.Type {
	case FrameStateUpdate:
		return s.applyStateUpdate(frame, now)
	case FrameHistoryDelta:
		return s.applyHistoryDelta(frame, now)
	case FrameFullSync:
		return fmt.Errorf("%w: full-sync is server-originated", ErrRejectedFrame)
	default:
		return fmt.Errorf("%w: unknown frame type %q", ErrMalformedFrame, frame.Type)
	}
}

func (s *RoomState) applyStateUpdate(frame Frame, now time.Time) error {
	record := s.Pages[frame.PageIdx]
	if frame.Offloaded() {
		meta := frame.Metadata
		if strings.TrimSpace(meta.BlobKey) == "" {
			return fmt.Errorf("%w: offload without blob key on page %d", ErrRejectedFrame, frame.PageIdx)
		}
		if record == nil {
			record = &PageRecord{}
		}
		next, err := record.State.MarkOffloaded(meta.BlobKey, meta.BaseHistoryCount)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRejectedFrame, err)
		}
		record.State = next
		record.History = []history.Item{}
		record.NewItems = nil
		record.Modifications = nil
		record.ModificationsKey = ""
		record.ModificationCount = 0
		record.applyMetadata(meta)
		record.UpdatedAt = now.UnixMilli()
		s.Pages[frame.PageIdx] = record
		return nil
	}
	if frame.History == nil {
		return fmt.Errorf("%w: state-update without history on page %d", ErrRejectedFrame, frame.PageIdx)
	}
	if record != nil && record.State.IsOffloaded() {
		return fmt.Errorf("%w: page %d is base-offloaded", ErrRejectedFrame, frame.PageIdx)
	}
	if record == nil {
		record = &PageRecord{}
	}
	record.History = history.CloneItems(frame.History)
	record.applyMetadata(frame.Metadata)
	record.UpdatedAt = now.UnixMilli()
	s.Pages[frame.PageIdx] = record
	return nil
}

func (s *RoomState) applyHistoryDelta(frame Frame, now time.Time) error {
	record := s.Pages[frame.PageIdx]
	if record == nil || !record.State.IsOffloaded() {
		return fmt.Errorf("%w: history-delta on page %d without offloaded base", ErrRejectedFrame, frame.PageIdx)
	}
	record.NewItems = history.CloneItems(frame.NewItems)
	if frame.Metadata != nil && strings.TrimSpace(frame.Metadata.ModificationsKey) != "" {
		record.ModificationsKey = frame.Metadata.ModificationsKey
		record.ModificationCount = frame.Metadata.ModificationCount
		record.Modifications = nil
	} else {
		record.ModificationsKey = ""
		record.ModificationCount = len(frame.Modifications)
		record.Modifications = make(map[string]history.ItemPatch, len(frame.Modifications))
		for id, patch := range frame.Modifications {
			record.Modifications[id] = patch
		}
	}
	record.applyMetadata(frame.Metadata)
	record.UpdatedAt = now.UnixMilli()
	return nil
}

func (r *PageRecord) applyMetadata(meta *FrameMetadata) {
	if meta == nil {
		return
	}
	if meta.PageID != "" {
		r.PageID = meta.PageID
	}
	if meta.Kind != "" {
		r.Kind = meta.Kind
	}
}
