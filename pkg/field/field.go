// Package field implements the typed value holders bound to workflow inputs.
//
// Every field serializes to a wire record of the form
//
//	{"value": <T|null>, "type": <kind>, ...variant keys}
//
// and can be rebuilt from one with FromWire. Setting a value converts it to
// the variant's native type and validates it; an invalid value is rejected
// and the previous value is kept.
package field

import (
	"errors"
	"fmt"
	"slices"
)

// Kind is the variant tag of a field.
type Kind string

const (
	KindString          Kind = "string"
	KindInteger         Kind = "integer"
	KindFloat           Kind = "float"
	KindBoolean         Kind = "boolean"
	KindEnum            Kind = "enum"
	KindColor           Kind = "color"
	KindBoundingBox     Kind = "bounding_box"
	KindCollection      Kind = "collection"
	KindModelIdentifier Kind = "model_identifier"
	KindImage           Kind = "image"
	KindBoard           Kind = "board"
	KindUNet            Kind = "unet"
	KindCLIP            Kind = "clip"
	KindTransformer     Kind = "transformer"
	KindLoRA            Kind = "lora"
)

var kinds = []Kind{
	KindString, KindInteger, KindFloat, KindBoolean, KindEnum, KindColor,
	KindBoundingBox, KindCollection, KindModelIdentifier, KindImage, KindBoard,
	KindUNet, KindCLIP, KindTransformer, KindLoRA,
}

// Kinds returns every known variant tag.
func Kinds() []Kind {
	return slices.Clone(kinds)
}

// Valid reports whether k is a known variant tag.
func (k Kind) Valid() bool {
	return slices.Contains(kinds, k)
}

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// Record is the wire representation of a field.
type Record map[string]any

// Field is a typed value holder. Implementations are not safe for
// concurrent mutation.
type Field interface {
	// Kind returns the variant tag.
	Kind() Kind

	// Value returns the current value in its native Go type, or nil when unset.
	Value() any

	// IsSet reports whether a value is present.
	IsSet() bool

	// SetValue converts v to the native type and validates it. Passing nil
	// clears the value.
	SetValue(v any) error

	// Validate checks the current value against the variant's constraints.
	// An unset value is valid; required-ness is decided by the owning input.
	Validate() error

	// Wire returns the wire record.
	Wire() Record

	// Clone returns an independent copy.
	Clone() Field
}

// codec is implemented by every concrete field so FromWire can rebuild one
// without validating authored values.
type codec interface {
	configure(rec Record) error
	assign(v any) error
}

// ErrConstraint is matched by every ConstraintError.
var ErrConstraint = errors.New("field constraint violated")

// ErrUnknownKind is returned for a wire record with an unrecognized type tag.
var ErrUnknownKind = errors.New("unknown field kind")

// ConstraintError describes a violated field constraint.
type ConstraintError struct {
	// Constraint names the rule: "type", "range", "choice", "length",
	// "color", "ordering", "required", "multiple_of".
	Constraint string

	// Message is the human-readable description.
	Message string
}

func (e *ConstraintError) Error() string {
	return e.Message
}

// Is makes errors.Is(err, ErrConstraint) succeed.
func (e *ConstraintError) Is(target error) bool {
	return target == ErrConstraint
}

func constraintf(constraint, format string, args ...any) *ConstraintError {
	return &ConstraintError{Constraint: constraint, Message: fmt.Sprintf(format, args...)}
}

// New returns an empty field of the given kind.
func New(kind Kind) (Field, error) {
	switch kind {
	case KindString:
		return &String{}, nil
	case KindInteger:
		return &Integer{}, nil
	case KindFloat:
		return &Float{}, nil
	case KindBoolean:
		return &Boolean{}, nil
	case KindEnum:
		return &Enum{}, nil
	case KindColor:
		return &Color{}, nil
	case KindBoundingBox:
		return &BoundingBox{}, nil
	case KindCollection:
		return &Collection{}, nil
	case KindModelIdentifier:
		return &ModelIdentifier{}, nil
	case KindImage:
		return &Image{}, nil
	case KindBoard:
		return &Board{}, nil
	case KindUNet:
		return &UNet{}, nil
	case KindCLIP:
		return &CLIP{}, nil
	case KindTransformer:
		return &Transformer{}, nil
	case KindLoRA:
		return &LoRA{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// FromWire rebuilds a field from its wire record. Constraints carried by the
// record are applied; the value is converted but not validated, so authored
// values that violate constraints surface later through Validate.
func FromWire(rec Record) (Field, error) {
	tag, _ := rec["type"].(string)
	f, err := New(Kind(tag))
	if err != nil {
		return nil, err
	}
	c := f.(codec)
	if err := c.configure(rec); err != nil {
		return nil, fmt.Errorf("%s field: %w", tag, err)
	}
	if err := c.assign(rec["value"]); err != nil {
		return nil, fmt.Errorf("%s field: %w", tag, err)
	}
	return f, nil
}

// setValidated implements SetValue for every variant: the candidate is
// assigned to a clone, validated, then copied back.
func setValidated[F any, P interface {
	*F
	Field
	codec
}](f P, v any) error {
	candidate := P(new(F))
	*candidate = *f
	if err := candidate.assign(v); err != nil {
		return err
	}
	if err := candidate.Validate(); err != nil {
		return err
	}
	*f = *candidate
	return nil
}
