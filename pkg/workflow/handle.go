package workflow

import (
	"fmt"
	"sort"

	"github.com/me/invokeflow/pkg/field"
)

// Handle binds a definition to a mutable set of input values. A handle is
// not safe for concurrent mutation; use Clone to get an independent one.
type Handle struct {
	def    *Definition
	inputs []*Input
}

// NewHandle indexes def and returns a handle with the authored values.
func NewHandle(def *Definition) (*Handle, error) {
	inputs, err := def.Index()
	if err != nil {
		return nil, err
	}
	return &Handle{def: def, inputs: inputs}, nil
}

// Definition returns the underlying definition.
func (h *Handle) Definition() *Definition { return h.def }

// Inputs returns the inputs in index order.
func (h *Handle) Inputs() []*Input {
	return append([]*Input(nil), h.inputs...)
}

// Len returns the number of inputs.
func (h *Handle) Len() int { return len(h.inputs) }

// Input returns the input at index i.
func (h *Handle) Input(i int) (*Input, error) {
	if i < 0 || i >= len(h.inputs) {
		return nil, fmt.Errorf("%w: %d (have %d)", ErrInputIndex, i, len(h.inputs))
	}
	return h.inputs[i], nil
}

// Find returns the input bound to the given node field.
func (h *Handle) Find(nodeID, fieldName string) (*Input, bool) {
	for _, in := range h.inputs {
		if in.nodeID == nodeID && in.fieldName == fieldName {
			return in, true
		}
	}
	return nil, false
}

// Set sets the value of the input at index i.
func (h *Handle) Set(i int, v any) error {
	in, err := h.Input(i)
	if err != nil {
		return err
	}
	return in.SetValue(v)
}

// SetField replaces the field of the input at index i.
func (h *Handle) SetField(i int, f field.Field) error {
	in, err := h.Input(i)
	if err != nil {
		return err
	}
	return in.SetField(f)
}

// ValidateInputs returns every problem found, keyed by input index. An
// empty map means the handle is ready to submit.
func (h *Handle) ValidateInputs() map[int][]string {
	problems := make(map[int][]string)
	for _, in := range h.inputs {
		if p := in.Problems(); len(p) > 0 {
			problems[in.index] = p
		}
	}
	return problems
}

// Validate returns a *ValidationError when any input has problems.
func (h *Handle) Validate() error {
	if problems := h.ValidateInputs(); len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Merged returns a copy of the authored document with the current input
// values merged in.
func (h *Handle) Merged() (map[string]any, error) {
	return mergeInputs(h.def, h.inputs)
}

// Compile lowers the current values into an execution graph. It does not
// validate; callers submitting the graph should call Validate first.
func (h *Handle) Compile(opts CompileOptions) (*Graph, error) {
	return compile(h.def, h.inputs, opts)
}

// Clone returns a handle over the same definition with independent fields.
func (h *Handle) Clone() *Handle {
	c := &Handle{def: h.def, inputs: make([]*Input, len(h.inputs))}
	for i, in := range h.inputs {
		c.inputs[i] = in.clone()
	}
	return c
}

// Values returns the current value of every set input, keyed by index.
func (h *Handle) Values() map[int]any {
	out := make(map[int]any)
	for _, in := range h.inputs {
		if in.field.IsSet() {
			out[in.index] = in.field.Value()
		}
	}
	return out
}

// SortedProblemIndices returns the keys of a problem map in ascending order.
func SortedProblemIndices(problems map[int][]string) []int {
	keys := make([]int, 0, len(problems))
	for k := range problems {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
