package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/me/invokeflow/pkg/field"
	"github.com/me/invokeflow/pkg/workflow"
)

// resolveInput finds an input by index ("3") or by node and field
// ("denoise.steps").
func resolveInput(h *workflow.Handle, key string) (*workflow.Input, error) {
	key = strings.TrimSpace(key)
	if i, err := strconv.Atoi(key); err == nil {
		return h.Input(i)
	}
	nodeID, fieldName, ok := strings.Cut(key, ".")
	if !ok {
		return nil, fmt.Errorf("input %q: want an index or node_id.field", key)
	}
	in, found := h.Find(nodeID, fieldName)
	if !found {
		return nil, fmt.Errorf("input %q: no such form field", key)
	}
	return in, nil
}

// parseValue turns a command-line string into a value for in. Scalars keep
// the raw text; structured kinds are parsed as YAML.
func parseValue(in *workflow.Input, raw string) (any, error) {
	switch in.Kind() {
	case field.KindString, field.KindEnum, field.KindInteger, field.KindFloat,
		field.KindBoolean, field.KindBoard, field.KindImage:
		return raw, nil
	}
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("parse %s value: %w", in.Kind(), err)
	}
	return v, nil
}

// applySets applies "key=value" assignments.
func applySets(h *workflow.Handle, sets []string) error {
	for _, s := range sets {
		key, raw, ok := strings.Cut(s, "=")
		if !ok {
			return fmt.Errorf("--set %q: want key=value", s)
		}
		in, err := resolveInput(h, key)
		if err != nil {
			return err
		}
		v, err := parseValue(in, raw)
		if err != nil {
			return err
		}
		if err := h.Set(in.Index(), v); err != nil {
			return err
		}
	}
	return nil
}

// applyValuesFile applies a YAML mapping of input keys to values.
func applyValuesFile(h *workflow.Handle, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read inputs: %w", err)
	}
	var values map[any]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parse inputs: %w", err)
	}
	for k, v := range values {
		in, err := resolveInput(h, fmt.Sprint(k))
		if err != nil {
			return err
		}
		if s, ok := v.(string); ok {
			if v, err = parseValue(in, s); err != nil {
				return err
			}
		}
		if err := h.Set(in.Index(), v); err != nil {
			return err
		}
	}
	return nil
}

func ensureParentDir(path string) error {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create history directory: %w", err)
	}
	return nil
}
