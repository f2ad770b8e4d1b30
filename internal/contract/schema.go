package contract

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "forge://contract.schema.json"

// Section presence is checked before the schema runs so missing sections are
// reported by name; the schema covers shapes and types.
const contractSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "identity": {
      "type": "object",
      "required": ["id", "version"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "name": {"type": "string"},
        "version": {"type": ["string", "number"]},
        "owner": {"type": "string"}
      }
    },
    "dependencies": {
      "type": ["object", "null"],
      "properties": {
        "hard": {"type": ["array", "null"], "items": {"type": "string"}},
        "soft": {"type": ["array", "null"], "items": {"type": "string"}}
      },
      "additionalProperties": false
    },
    "generation_targets": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["path", "kind"],
        "properties": {
          "path": {"type": "string", "minLength": 1},
          "kind": {"type": "string", "minLength": 1},
          "fields": {"type": "array", "items": {"type": "string"}},
          "depends_on": {"type": "array", "items": {"type": "string"}},
          "options": {"type": "object"}
        },
        "additionalProperties": false
      }
    },
    "governance": {
      "type": ["object", "null"],
      "properties": {
        "risk_class": {"type": "string"},
        "risk_rules": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["when", "class"],
            "properties": {
              "when": {"type": "string", "minLength": 1},
              "class": {"type": "string", "minLength": 1}
            },
            "additionalProperties": false
          }
        }
      }
    },
    "integration": {"type": ["object", "null"]}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(contractSchema)); err != nil {
			schemaErr = fmt.Errorf("contract: add schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("contract: compile schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// schemaProblems flattens a validation error into one line per failing
// location.
func schemaProblems(err error) []string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var problems []string
	var walk func(*jsonschema.ValidationError)
	walk = func(node *jsonschema.ValidationError) {
		if len(node.Causes) == 0 {
			location := node.InstanceLocation
			if location == "" {
				location = "/"
			}
			problems = append(problems, fmt.Sprintf("%s: %s", location, node.Message))
			return
		}
		for _, cause := range node.Causes {
			walk(cause)
		}
	}
	walk(verr)
	return problems
}
