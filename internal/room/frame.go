package room

import (
	"encoding/json"
	"fmt"

	"github.com/agentworkforce/inkrelay/internal/history"
)

type FrameType string

const (
	FrameFullSync     FrameType = "full-sync"
	FrameStateUpdate  FrameType = "state-update"
	FrameHistoryDelta FrameType = "history-delta"
)

// FrameMetadata rides along with state-update and history-delta frames.
// BaseOffloaded marks a page whose base history moved to the blob store;
// ModificationsKey replaces an inline modifications map that was too large.
type FrameMetadata struct {
	BaseOffloaded     bool             `json:"baseOffloaded,omitempty"`
	BaseHistoryCount  int              `json:"baseHistoryCount,omitempty"`
	BlobKey           string           `json:"blobKey,omitempty"`
	PageID            string           `json:"pageId,omitempty"`
	Kind              history.PageKind `json:"kind,omitempty"`
	ModificationsKey  string           `json:"modificationsKey,omitempty"`
	ModificationCount int              `json:"modificationCount,omitempty"`
	Timestamp         int64            `json:"timestamp,omitempty"`
}

// Frame is one message on the realtime channel.
type Frame struct {
	Type          FrameType
	PageIdx       int
	History       []history.Item
	NewItems      []history.Item
	Modifications map[string]history.ItemPatch
	// Images is relayed to peers but never stored.
	Images   json.RawMessage
	Metadata *FrameMetadata
	State    *RoomState
}

func FullSync(state *RoomState) Frame {
	if state == nil {
		state = NewRoomState()
	}
	return Frame{Type: FrameFullSync, State: state}
}

func StateUpdate(pageIdx int, items []history.Item, meta *FrameMetadata) Frame {
	return Frame{Type: FrameStateUpdate, PageIdx: pageIdx, History: items, Metadata: meta}
}

func HistoryDelta(pageIdx int, delta history.Delta, meta *FrameMetadata) Frame {
	return Frame{
		Type:          FrameHistoryDelta,
		PageIdx:       pageIdx,
		NewItems:      delta.NewItems,
		Modifications: delta.Modifications,
		Metadata:      meta,
	}
}

func (f Frame) Offloaded() bool {
	return f.Metadata != nil && f.Metadata.BaseOffloaded
}

func (f Frame) MarshalJSON() ([]byte, error) {
	switch f.Type {
	case FrameFullSync:
		state := f.State
		if state == nil {
			state = NewRoomState()
		}
		return json.Marshal(struct {
			Type  FrameType  `json:"type"`
			State *RoomState `json:"state"`
		}{f.Type, state})
	case FrameStateUpdate:
		items := f.History
		if items == nil {
			items = []history.Item{}
		}
		return json.Marshal(struct {
			Type     FrameType       `json:"type"`
			PageIdx  int             `json:"pageIdx"`
			History  []history.Item  `json:"history"`
			Images   json.RawMessage `json:"images,omitempty"`
			Metadata *FrameMetadata  `json:"metadata,omitempty"`
		}{f.Type, f.PageIdx, items, f.Images, f.Metadata})
	case FrameHistoryDelta:
		newItems := f.NewItems
		if newItems == nil {
			newItems = []history.Item{}
		}
		mods := f.Modifications
		if mods == nil {
			mods = map[string]history.ItemPatch{}
		}
		return json.Marshal(struct {
			Type          FrameType                    `json:"type"`
			PageIdx       int                          `json:"pageIdx"`
			NewItems      []history.Item               `json:"newItems"`
			Modifications map[string]history.ItemPatch `json:"modifications"`
			Metadata      *FrameMetadata               `json:"metadata,omitempty"`
		}{f.Type, f.PageIdx, newItems, mods, f.Metadata})
	default:
		return nil, fmt.Errorf("%w: unknown frame type %q", ErrMalformedFrame, f.Type)
	}
}

type frameWire struct {
	Type          FrameType                    `json:"type"`
	PageIdx       int                          `json:"pageIdx"`
	History       []history.Item               `json:"history"`
	NewItems      []history.Item               `json:"newItems"`
	Modifications map[string]history.ItemPatch `json:"modifications"`
	Images        json.RawMessage              `json:"images"`
	Metadata      *FrameMetadata               `json:"metadata"`
	State         *RoomState                   `json:"state"`
}

func (f *Frame) UnmarshalJSON(data []byte) error {
	var wire frameWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*f = Frame{
		Type:          wire.Type,
		PageIdx:       wire.PageIdx,
		History:       wire.History,
		NewItems:      wire.NewItems,
		Modifications: wire.Modifications,
		Images:        wire.Images,
		Metadata:      wire.Metadata,
		State:         wire.State,
	}
	return nil
}
