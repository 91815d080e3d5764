package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	entrySchemaURL  = "https://schemas.inkrelay.dev/registry/entry.json"
	folderSchemaURL = "https://schemas.inkrelay.dev/registry/folder.json"
)

const entrySchema = `{
  "type": "object",
  "required": ["id", "ownerId", "name", "pageCount"],
  "properties": {
    "id": {"type": "string", "minLength": 1, "maxLength": 128},
    "ownerId": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1, "maxLength": 256},
    "pageCount": {"type": "integer", "minimum": 0},
    "lastMod": {"type": "integer", "minimum": 0},
    "contentHash": {"type": "string", "maxLength": 128},
    "cloudBackedUp": {"type": "boolean"},
    "folderId": {"type": "string", "maxLength": 128}
  }
}`

const folderSchema = `{
  "type": "object",
  "required": ["id", "ownerId", "name"],
  "properties": {
    "id": {"type": "string", "minLength": 1, "maxLength": 128},
    "ownerId": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1, "maxLength": 256},
    "parentId": {"type": "string", "maxLength": 128},
    "lastMod": {"type": "integer", "minimum": 0}
  }
}`

type EntryValidator struct {
	entry  *jsonschema.Schema
	folder *jsonschema.Schema
}

func NewEntryValidator() (*EntryValidator, error) {
	compiler := jsonschema.NewCompiler()
	for name, raw := range map[string]string{entrySchemaURL: entrySchema, folderSchemaURL: folderSchema} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add %s: %w", name, err)
		}
	}
	entry, err := compiler.Compile(entrySchemaURL)
	if err != nil {
		return nil, err
	}
	folder, err := compiler.Compile(folderSchemaURL)
	if err != nil {
		return nil, err
	}
	return &EntryValidator{entry: entry, folder: folder}, nil
}

func (v *EntryValidator) ValidateEntry(entry Entry) error {
	if strings.TrimSpace(entry.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	return validateAgainst(v.entry, entry)
}

func (v *EntryValidator) ValidateFolder(folder Folder) error {
	if strings.TrimSpace(folder.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	return validateAgainst(v.folder, folder)
}

func validateAgainst(schema *jsonschema.Schema, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
