package room

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const frameSchemaURL = "https://schemas.inkrelay.dev/room/frame.json"

const frameSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "pageIdx"],
  "properties": {
    "type": {"enum": ["state-update", "history-delta"]},
    "pageIdx": {"type": "integer", "minimum": 0},
    "history": {"type": "array", "items": {"$ref": "#/$defs/item"}},
    "newItems": {"type": "array", "items": {"$ref": "#/$defs/item"}},
    "modifications": {
      "type": "object",
      "additionalProperties": {"$ref": "#/$defs/patch"}
    },
    "metadata": {
      "type": "object",
      "properties": {
        "baseOffloaded": {"type": "boolean"},
        "baseHistoryCount": {"type": "integer", "minimum": 0},
        "blobKey": {"type": "string"},
        "pageId": {"type": "string"},
        "kind": {"enum": ["freehand", "vector"]},
        "modificationsKey": {"type": "string"},
        "modificationCount": {"type": "integer", "minimum": 0},
        "timestamp": {"type": "integer"}
      }
    }
  },
  "$defs": {
    "item": {
      "type": "object",
      "required": ["id", "tool"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "tool": {"enum": ["pen", "eraser", "shape", "text", "image", "group"]},
        "lastMod": {"type": "integer"},
        "deleted": {"type": "boolean"},
        "pts": {"type": "array", "items": {"$ref": "#/$defs/point"}}
      }
    },
    "patch": {
      "type": "object",
      "properties": {
        "deleted": {"type": "boolean"},
        "x": {"type": "number"},
        "y": {"type": "number"},
        "w": {"type": "number"},
        "h": {"type": "number"},
        "rotation": {"type": "number"},
        "pts": {"type": "array", "items": {"$ref": "#/$defs/point"}},
        "lastMod": {"type": "integer"}
      }
    },
    "point": {
      "type": "object",
      "required": ["x", "y"],
      "properties": {
        "x": {"type": "number"},
        "y": {"type": "number"}
      }
    }
  }
}`

// FrameValidator checks inbound client frames against the wire schema
// before they reach a coordinator.
type FrameValidator struct {
	schema *jsonschema.Schema
}

func NewFrameValidator() (*FrameValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(frameSchema))
	if err != nil {
		return nil, fmt.Errorf("parse frame schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(frameSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add frame schema: %w", err)
	}
	schema, err := compiler.Compile(frameSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}
	return &FrameValidator{schema: schema}, nil
}

func (v *FrameValidator) Decode(raw []byte) (Frame, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return frame, nil
}
