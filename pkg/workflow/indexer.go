package workflow

import (
	"fmt"
)

// Index walks the form tree and returns the editable inputs in form order.
// Definitions without a form fall back to the legacy exposedFields list.
// The result is a fresh set of inputs; repeated calls on the same definition
// yield identical ordering and indices.
func (d *Definition) Index() ([]*Input, error) {
	var refs []FieldRef
	collect := func(ref FieldRef) error {
		refs = append(refs, ref)
		return nil
	}

	switch {
	case d.form != nil:
		if err := d.form.walk(collect); err != nil {
			return nil, err
		}
	default:
		refs = append(refs, d.exposed...)
	}

	connected := d.connected()
	seen := make(map[FieldRef]bool, len(refs))
	inputs := make([]*Input, 0, len(refs))
	for _, ref := range refs {
		if seen[ref] {
			continue
		}
		seen[ref] = true

		in, err := d.newInput(len(inputs), ref, connected[ref])
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

func (d *Definition) newInput(index int, ref FieldRef, connected bool) (*Input, error) {
	node, ok := d.Node(ref.NodeID)
	if !ok {
		return nil, fmt.Errorf("%w: node %q not found", ErrUnknownFieldReference, ref.NodeID)
	}
	meta, ok := node.FieldMeta(ref.FieldName)
	if !ok {
		return nil, fmt.Errorf("%w: node %q has no field %q", ErrUnknownFieldReference, ref.NodeID, ref.FieldName)
	}

	f, err := buildField(node.Type(), ref.FieldName, meta)
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", ref, err)
	}

	return &Input{
		index:     index,
		label:     fieldLabel(ref.FieldName, meta),
		nodeName:  node.Label(),
		nodeID:    ref.NodeID,
		fieldName: ref.FieldName,
		required:  isRequired(meta, connected),
		location:  FieldLocation(ref.NodeID, ref.FieldName),
		kind:      f.Kind(),
		field:     f,
	}, nil
}

func fieldLabel(name string, meta map[string]any) string {
	for _, key := range []string{"label", "description"} {
		if s, ok := meta[key].(string); ok && s != "" {
			return s
		}
	}
	return name
}

func isRequired(meta map[string]any, connected bool) bool {
	if r, ok := meta["required"].(bool); ok {
		return r
	}
	return meta["value"] == nil && !connected
}
