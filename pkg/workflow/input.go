package workflow

import (
	"fmt"

	"github.com/me/invokeflow/pkg/field"
)

// Input is one addressable, user-settable point of a workflow. Its identity
// is fixed at indexing time; only the bound field's value changes.
type Input struct {
	index     int
	label     string
	nodeName  string
	nodeID    string
	fieldName string
	required  bool
	location  Location
	kind      field.Kind
	field     field.Field
}

// Index returns the 0-based position in form order.
func (in *Input) Index() int { return in.index }

// Label returns the display label.
func (in *Input) Label() string { return in.label }

// NodeName returns the owning node's display name.
func (in *Input) NodeName() string { return in.nodeName }

// NodeID returns the owning node id.
func (in *Input) NodeID() string { return in.nodeID }

// FieldName returns the node field name.
func (in *Input) FieldName() string { return in.fieldName }

// Ref returns the (node id, field name) pair.
func (in *Input) Ref() FieldRef { return FieldRef{NodeID: in.nodeID, FieldName: in.fieldName} }

// Required reports whether a value must be set before submission.
func (in *Input) Required() bool { return in.required }

// Location returns the path of the field dict in the raw document.
func (in *Input) Location() Location { return in.location }

// Kind returns the locked field variant.
func (in *Input) Kind() field.Kind { return in.kind }

// Field returns the bound field.
func (in *Input) Field() field.Field { return in.field }

// SetValue sets the bound field's value.
func (in *Input) SetValue(v any) error {
	if err := in.field.SetValue(v); err != nil {
		return fmt.Errorf("input %d (%s): %w", in.index, in.label, err)
	}
	return nil
}

// SetField replaces the bound field. The replacement must be of the same
// variant as the field the input was indexed with.
func (in *Input) SetField(f field.Field) error {
	if f == nil || f.Kind() != in.kind {
		got := field.Kind("")
		if f != nil {
			got = f.Kind()
		}
		return &TypeLockError{Index: in.index, Label: in.label, Locked: in.kind, Got: got}
	}
	in.field = f
	return nil
}

// Problems returns the validation messages for this input.
func (in *Input) Problems() []string {
	if !in.field.IsSet() {
		if in.required {
			return []string{fmt.Sprintf("Required field '%s' is not set", in.label)}
		}
		return nil
	}
	if err := in.field.Validate(); err != nil {
		return []string{fmt.Sprintf("Field '%s': %v", in.label, err)}
	}
	return nil
}

func (in *Input) clone() *Input {
	c := *in
	c.location = append(Location(nil), in.location...)
	c.field = in.field.Clone()
	return &c
}

func (in *Input) String() string {
	return fmt.Sprintf("[%d] %s (%s.%s, %s)", in.index, in.label, in.nodeName, in.fieldName, in.kind)
}
