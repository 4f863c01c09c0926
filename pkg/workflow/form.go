package workflow

import "fmt"

// Form element types.
const (
	elementContainer = "container"
	elementNodeField = "node-field"
)

type formElement struct {
	ID       string
	Type     string
	Children []string
	Ref      FieldRef
}

// formTree is the builder form: a flat element table plus the root id.
type formTree struct {
	RootID   string
	Elements map[string]formElement
}

func parseForm(v any) (*formTree, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, nil
	}
	rootID, _ := m["rootElementId"].(string)
	rawElements, _ := m["elements"].(map[string]any)
	if rootID == "" || len(rawElements) == 0 {
		return nil, nil
	}

	tree := &formTree{RootID: rootID, Elements: make(map[string]formElement, len(rawElements))}
	for id, item := range rawElements {
		em, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: form element %q is not an object", ErrInvalidDefinition, id)
		}
		el := formElement{ID: id}
		el.Type, _ = em["type"].(string)
		data, _ := em["data"].(map[string]any)

		switch el.Type {
		case elementContainer:
			children, _ := data["children"].([]any)
			for _, c := range children {
				if cid, ok := c.(string); ok {
					el.Children = append(el.Children, cid)
				}
			}
		case elementNodeField:
			ident, _ := data["fieldIdentifier"].(map[string]any)
			el.Ref.NodeID, _ = ident["nodeId"].(string)
			el.Ref.FieldName, _ = ident["fieldName"].(string)
			if el.Ref.NodeID == "" || el.Ref.FieldName == "" {
				return nil, fmt.Errorf("%w: form element %q has no field identifier", ErrInvalidDefinition, id)
			}
		}
		tree.Elements[id] = el
	}

	if _, ok := tree.Elements[rootID]; !ok {
		return nil, fmt.Errorf("%w: form root element %q not found", ErrInvalidDefinition, rootID)
	}
	return tree, nil
}

// walk visits node-field references in pre-order, children in declared
// order. Headings, text and dividers carry no input and are skipped.
func (t *formTree) walk(visit func(FieldRef) error) error {
	seen := make(map[string]bool)
	var rec func(id string) error
	rec = func(id string) error {
		if seen[id] {
			return fmt.Errorf("%w: form element %q is reachable twice", ErrInvalidDefinition, id)
		}
		seen[id] = true

		el, ok := t.Elements[id]
		if !ok {
			return fmt.Errorf("%w: form element %q not found", ErrInvalidDefinition, id)
		}
		switch el.Type {
		case elementContainer:
			for _, child := range el.Children {
				if err := rec(child); err != nil {
					return err
				}
			}
		case elementNodeField:
			return visit(el.Ref)
		}
		return nil
	}
	return rec(t.RootID)
}
