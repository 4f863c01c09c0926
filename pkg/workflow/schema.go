package workflow

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// definitionSchema covers the structural parts of a workflow document the
// loader relies on. Node data and form element payloads stay open.
const definitionSchema = `{
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "id":          {"type": "string"},
    "name":        {"type": "string"},
    "version":     {"type": "string"},
    "description": {"type": "string"},
    "author":      {"type": "string"},
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "data"],
        "properties": {
          "id":   {"type": "string", "minLength": 1},
          "type": {"type": "string"},
          "data": {
            "type": "object",
            "properties": {
              "type":   {"type": "string"},
              "label":  {"type": "string"},
              "inputs": {"type": "object"}
            }
          }
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source", "target"],
        "properties": {
          "source":       {"type": "string"},
          "target":       {"type": "string"},
          "sourceHandle": {"type": "string"},
          "targetHandle": {"type": "string"}
        }
      }
    },
    "form": {
      "type": "object",
      "properties": {
        "rootElementId": {"type": "string"},
        "elements":      {"type": "object"}
      }
    },
    "exposedFields": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["nodeId", "fieldName"],
        "properties": {
          "nodeId":    {"type": "string"},
          "fieldName": {"type": "string"}
        }
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(definitionSchema)

func validateSchema(data []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalidDefinition, strings.Join(msgs, "; "))
}
