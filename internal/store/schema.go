package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// StoryIDPattern matches US-### and US-{item}-{seq} forms.
const StoryIDPattern = `^US-(?:\d+|\d{3}-\d+)$`

const itemSchemaDoc = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schema_version", "id", "title", "state", "overview", "created_at", "updated_at", "branch", "pr_url", "pr_number", "last_error"],
  "properties": {
    "schema_version": {"type": "integer", "minimum": 1},
    "id": {"type": "string", "minLength": 1},
    "title": {"type": "string", "minLength": 1},
    "state": {"enum": ["raw", "researched", "planned", "implementing", "critique", "in_pr", "done"]},
    "overview": {"type": "string"},
    "branch": {"type": ["string", "null"]},
    "pr_url": {"type": ["string", "null"]},
    "pr_number": {"type": ["integer", "null"]},
    "last_error": {"type": ["string", "null"]},
    "depends_on": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "created_at": {"type": "string"},
    "updated_at": {"type": "string"}
  }
}`

const prdSchemaDoc = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schema_version", "id", "branch_name", "user_stories"],
  "properties": {
    "schema_version": {"type": "integer", "minimum": 1},
    "id": {"type": "string", "minLength": 1},
    "branch_name": {"type": "string", "minLength": 1},
    "user_stories": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "title", "acceptance_criteria", "priority", "status"],
        "properties": {
          "id": {"type": "string", "pattern": "^US-(?:[0-9]+|[0-9]{3}-[0-9]+)$"},
          "title": {"type": "string", "minLength": 1},
          "acceptance_criteria": {"type": "array", "items": {"type": "string"}},
          "priority": {"type": "integer", "minimum": 1, "maximum": 4},
          "status": {"enum": ["pending", "done"]},
          "notes": {"type": "string"}
        }
      }
    }
  }
}`

const indexSchemaDoc = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schema_version", "generated_at", "items"],
  "properties": {
    "schema_version": {"type": "integer", "minimum": 1},
    "generated_at": {"type": "string"},
    "items": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "state", "title"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "state": {"enum": ["raw", "researched", "planned", "implementing", "critique", "in_pr", "done"]},
          "title": {"type": "string"},
          "depends_on": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

var (
	schemaOnce  sync.Once
	itemSchema  *jsonschema.Schema
	prdSchema   *jsonschema.Schema
	indexSchema *jsonschema.Schema
	schemaErr   error
)

func compileSchemas() {
	compile := func(name, doc string) (*jsonschema.Schema, error) {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name, strings.NewReader(doc)); err != nil {
			return nil, err
		}
		return c.Compile(name)
	}
	if itemSchema, schemaErr = compile("item.schema.json", itemSchemaDoc); schemaErr != nil {
		return
	}
	if prdSchema, schemaErr = compile("prd.schema.json", prdSchemaDoc); schemaErr != nil {
		return
	}
	indexSchema, schemaErr = compile("index.schema.json", indexSchemaDoc)
}

// validateAgainst checks raw JSON bytes against one of the compiled artifact
// schemas. Validation operates on the decoded generic value, matching how the
// schema library expects instances.
func validateAgainst(path string, raw []byte, which string) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return fmt.Errorf("compile artifact schemas: %w", schemaErr)
	}
	var inst any
	if err := json.Unmarshal(raw, &inst); err != nil {
		return &InvalidArtifactError{Path: path, Reason: fmt.Sprintf("parse: %v", err), Err: err}
	}
	var s *jsonschema.Schema
	switch which {
	case "item":
		s = itemSchema
	case "prd":
		s = prdSchema
	case "index":
		s = indexSchema
	default:
		return fmt.Errorf("unknown artifact schema %q", which)
	}
	if err := s.Validate(inst); err != nil {
		return &InvalidArtifactError{Path: path, Reason: err.Error(), Err: err}
	}
	return nil
}
