package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/me/invokeflow/pkg/field"
)

// Rule is one layer of field type detection. Detect returns false when the
// rule has no opinion and the next rule should be consulted.
type Rule struct {
	Name   string
	Detect func(nodeType, fieldName string, meta map[string]any) (field.Kind, bool)
}

// DetectionRules is the ordered rule table used by the indexer.
var DetectionRules = []Rule{
	{Name: "metadata", Detect: detectByHint},
	{Name: "field-name", Detect: detectByName},
	{Name: "node-type", Detect: detectByNodeType},
	{Name: "value-shape", Detect: detectByValue},
	{Name: "choices", Detect: detectByChoices},
	{Name: "bounds", Detect: detectByBounds},
	{Name: "default", Detect: func(string, string, map[string]any) (field.Kind, bool) { return field.KindString, true }},
}

// DetectKind runs the rule table and returns the first match together with
// the name of the rule that produced it.
func DetectKind(nodeType, fieldName string, meta map[string]any) (field.Kind, string) {
	for _, r := range DetectionRules {
		if k, ok := r.Detect(nodeType, fieldName, meta); ok {
			return k, r.Name
		}
	}
	return field.KindString, "default"
}

func detectByHint(_, _ string, meta map[string]any) (field.Kind, bool) {
	for _, key := range []string{"type", "field_type"} {
		if s, ok := meta[key].(string); ok && field.Kind(s).Valid() {
			return field.Kind(s), true
		}
	}
	return "", false
}

var compositeNames = map[string]field.Kind{
	"board":       field.KindBoard,
	"model":       field.KindModelIdentifier,
	"image":       field.KindImage,
	"scheduler":   field.KindEnum,
	"unet":        field.KindUNet,
	"clip":        field.KindCLIP,
	"transformer": field.KindTransformer,
}

func detectByName(_, fieldName string, _ map[string]any) (field.Kind, bool) {
	if k, ok := compositeNames[fieldName]; ok {
		return k, true
	}
	if strings.HasSuffix(fieldName, "_model") {
		return field.KindModelIdentifier, true
	}
	return "", false
}

var primitiveNodes = map[string]field.Kind{
	"string":  field.KindString,
	"integer": field.KindInteger,
	"float":   field.KindFloat,
	"boolean": field.KindBoolean,
}

func detectByNodeType(nodeType, fieldName string, _ map[string]any) (field.Kind, bool) {
	if fieldName != "value" && fieldName != "collection" {
		return "", false
	}
	if k, ok := primitiveNodes[nodeType]; ok && fieldName == "value" {
		return k, true
	}
	if strings.HasSuffix(nodeType, "_collection") {
		return field.KindCollection, true
	}
	return "", false
}

func detectByValue(_, _ string, meta map[string]any) (field.Kind, bool) {
	switch v := meta["value"].(type) {
	case bool:
		return field.KindBoolean, true
	case json.Number:
		if isIntegral(v) {
			return field.KindInteger, true
		}
		return field.KindFloat, true
	case int, int64:
		return field.KindInteger, true
	case float64:
		return field.KindFloat, true
	case []any:
		return field.KindCollection, true
	case map[string]any:
		return detectByShape(v)
	case string:
		// A string offered from a fixed set is an enum.
		if hasChoices(meta) {
			return "", false
		}
		return field.KindString, true
	}
	return "", false
}

func detectByShape(m map[string]any) (field.Kind, bool) {
	has := func(keys ...string) bool {
		for _, k := range keys {
			if _, ok := m[k]; !ok {
				return false
			}
		}
		return true
	}
	switch {
	case has("key", "base"):
		return field.KindModelIdentifier, true
	case has("image_name"):
		return field.KindImage, true
	case has("board_id"):
		return field.KindBoard, true
	case has("r", "g", "b", "a"):
		return field.KindColor, true
	case has("x_min", "x_max", "y_min", "y_max"):
		return field.KindBoundingBox, true
	case has("unet"):
		return field.KindUNet, true
	case has("tokenizer", "text_encoder"):
		return field.KindCLIP, true
	case has("transformer"):
		return field.KindTransformer, true
	case has("lora", "weight"):
		return field.KindLoRA, true
	}
	return "", false
}

func detectByChoices(_, _ string, meta map[string]any) (field.Kind, bool) {
	if hasChoices(meta) {
		return field.KindEnum, true
	}
	return "", false
}

func detectByBounds(_, _ string, meta map[string]any) (field.Kind, bool) {
	found := false
	integral := true
	for _, key := range []string{"minimum", "maximum", "ge", "le", "multiple_of"} {
		raw, ok := meta[key]
		if !ok || raw == nil {
			continue
		}
		found = true
		switch n := raw.(type) {
		case json.Number:
			integral = integral && isIntegral(n)
		case float64:
			integral = false
		}
	}
	if !found {
		return "", false
	}
	if integral {
		return field.KindInteger, true
	}
	return field.KindFloat, true
}

func hasChoices(meta map[string]any) bool {
	for _, key := range []string{"choices", "options"} {
		if list, ok := meta[key].([]any); ok && len(list) > 0 {
			return true
		}
	}
	return false
}

func isIntegral(n json.Number) bool {
	return !strings.ContainsAny(n.String(), ".eE")
}

// buildField constructs the field for an authored field dict. Constraint
// keys are carried over; an authored value that cannot be converted to the
// detected kind falls back to a value-shape detection.
func buildField(nodeType, fieldName string, meta map[string]any) (field.Field, error) {
	kind, _ := DetectKind(nodeType, fieldName, meta)
	rec := wireRecord(kind, nodeType, meta)
	f, err := field.FromWire(rec)
	if err == nil {
		return f, nil
	}

	fallback, ok := detectByValue(nodeType, fieldName, meta)
	if !ok || fallback == kind {
		return nil, fmt.Errorf("field %q: %w", fieldName, err)
	}
	f, ferr := field.FromWire(wireRecord(fallback, nodeType, meta))
	if ferr != nil {
		return nil, fmt.Errorf("field %q: %w", fieldName, err)
	}
	return f, nil
}

// constraintAliases maps authored constraint keys to wire record keys. The
// canonical spelling comes first so it wins over its alias.
var constraintAliases = [][2]string{
	{"minimum", "minimum"},
	{"ge", "minimum"},
	{"maximum", "maximum"},
	{"le", "maximum"},
	{"multiple_of", "multiple_of"},
	{"min_length", "min_length"},
	{"max_length", "max_length"},
	{"choices", "choices"},
	{"options", "choices"},
	{"item_type", "item_type"},
}

func wireRecord(kind field.Kind, nodeType string, meta map[string]any) field.Record {
	rec := field.Record{"type": string(kind), "value": meta["value"]}
	for _, alias := range constraintAliases {
		if v, ok := meta[alias[0]]; ok && v != nil {
			if _, taken := rec[alias[1]]; !taken {
				rec[alias[1]] = v
			}
		}
	}
	if kind == field.KindCollection {
		if _, ok := rec["item_type"]; !ok {
			if prefix, found := strings.CutSuffix(nodeType, "_collection"); found {
				if k := field.Kind(prefix); k.Valid() {
					rec["item_type"] = string(k)
				}
			}
		}
	}
	return rec
}
