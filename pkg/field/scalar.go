package field

import (
	"fmt"
	"slices"
	"unicode/utf8"
)

// String holds free text.
type String struct {
	value     *string
	MinLength *int
	MaxLength *int
}

// NewString returns a String field holding s.
func NewString(s string) *String {
	return &String{value: &s}
}

func (f *String) Kind() Kind { return KindString }

func (f *String) IsSet() bool { return f.value != nil }

func (f *String) Value() any {
	if f.value == nil {
		return nil
	}
	return *f.value
}

// Get returns the value and whether it is set.
func (f *String) Get() (string, bool) {
	if f.value == nil {
		return "", false
	}
	return *f.value, true
}

func (f *String) SetValue(v any) error { return setValidated(f, v) }

func (f *String) assign(v any) error {
	if v == nil {
		f.value = nil
		return nil
	}
	s, err := toString(v)
	if err != nil {
		return err
	}
	f.value = &s
	return nil
}

func (f *String) configure(rec Record) (err error) {
	if f.MinLength, err = optionalLength(rec, "min_length"); err != nil {
		return err
	}
	f.MaxLength, err = optionalLength(rec, "max_length")
	return err
}

func (f *String) Validate() error {
	if f.value == nil {
		return nil
	}
	return checkLength(utf8.RuneCountInString(*f.value), f.MinLength, f.MaxLength, "string length")
}

func (f *String) Wire() Record {
	rec := Record{"type": string(KindString), "value": f.Value()}
	if f.MinLength != nil {
		rec["min_length"] = *f.MinLength
	}
	if f.MaxLength != nil {
		rec["max_length"] = *f.MaxLength
	}
	return rec
}

func (f *String) Clone() Field {
	c := *f
	return &c
}

func checkLength(n int, minLen, maxLen *int, what string) error {
	if minLen != nil && n < *minLen {
		return constraintf("length", "%s %d is below minimum %d", what, n, *minLen)
	}
	if maxLen != nil && n > *maxLen {
		return constraintf("length", "%s %d exceeds maximum %d", what, n, *maxLen)
	}
	return nil
}

// Integer holds a whole number with optional bounds.
type Integer struct {
	value      *int64
	Minimum    *int64
	Maximum    *int64
	MultipleOf *int64
}

// NewInteger returns an Integer field holding n.
func NewInteger(n int64) *Integer {
	return &Integer{value: &n}
}

func (f *Integer) Kind() Kind { return KindInteger }

func (f *Integer) IsSet() bool { return f.value != nil }

func (f *Integer) Value() any {
	if f.value == nil {
		return nil
	}
	return *f.value
}

// Get returns the value and whether it is set.
func (f *Integer) Get() (int64, bool) {
	if f.value == nil {
		return 0, false
	}
	return *f.value, true
}

func (f *Integer) SetValue(v any) error { return setValidated(f, v) }

func (f *Integer) assign(v any) error {
	if v == nil {
		f.value = nil
		return nil
	}
	n, err := toInt64(v)
	if err != nil {
		return err
	}
	f.value = &n
	return nil
}

func (f *Integer) configure(rec Record) (err error) {
	if f.Minimum, err = optionalInt(rec, "minimum"); err != nil {
		return err
	}
	if f.Maximum, err = optionalInt(rec, "maximum"); err != nil {
		return err
	}
	f.MultipleOf, err = optionalInt(rec, "multiple_of")
	return err
}

func (f *Integer) Validate() error {
	if f.value == nil {
		return nil
	}
	v := *f.value
	if f.Minimum != nil && v < *f.Minimum {
		return constraintf("range", "value %d is below minimum %d", v, *f.Minimum)
	}
	if f.Maximum != nil && v > *f.Maximum {
		return constraintf("range", "value %d exceeds maximum %d", v, *f.Maximum)
	}
	if f.MultipleOf != nil && *f.MultipleOf != 0 && v%*f.MultipleOf != 0 {
		return constraintf("multiple_of", "value %d is not a multiple of %d", v, *f.MultipleOf)
	}
	return nil
}

func (f *Integer) Wire() Record {
	rec := Record{"type": string(KindInteger), "value": f.Value()}
	if f.Minimum != nil {
		rec["minimum"] = *f.Minimum
	}
	if f.Maximum != nil {
		rec["maximum"] = *f.Maximum
	}
	if f.MultipleOf != nil {
		rec["multiple_of"] = *f.MultipleOf
	}
	return rec
}

func (f *Integer) Clone() Field {
	c := *f
	return &c
}

// Float holds a real number with optional bounds.
type Float struct {
	value   *float64
	Minimum *float64
	Maximum *float64
}

// NewFloat returns a Float field holding n.
func NewFloat(n float64) *Float {
	return &Float{value: &n}
}

func (f *Float) Kind() Kind { return KindFloat }

func (f *Float) IsSet() bool { return f.value != nil }

func (f *Float) Value() any {
	if f.value == nil {
		return nil
	}
	return *f.value
}

// Get returns the value and whether it is set.
func (f *Float) Get() (float64, bool) {
	if f.value == nil {
		return 0, false
	}
	return *f.value, true
}

func (f *Float) SetValue(v any) error { return setValidated(f, v) }

func (f *Float) assign(v any) error {
	if v == nil {
		f.value = nil
		return nil
	}
	n, err := toFloat64(v)
	if err != nil {
		return err
	}
	f.value = &n
	return nil
}

func (f *Float) configure(rec Record) (err error) {
	if f.Minimum, err = optionalFloat(rec, "minimum"); err != nil {
		return err
	}
	f.Maximum, err = optionalFloat(rec, "maximum")
	return err
}

func (f *Float) Validate() error {
	if f.value == nil {
		return nil
	}
	v := *f.value
	if f.Minimum != nil && v < *f.Minimum {
		return constraintf("range", "value %g is below minimum %g", v, *f.Minimum)
	}
	if f.Maximum != nil && v > *f.Maximum {
		return constraintf("range", "value %g exceeds maximum %g", v, *f.Maximum)
	}
	return nil
}

func (f *Float) Wire() Record {
	rec := Record{"type": string(KindFloat), "value": f.Value()}
	if f.Minimum != nil {
		rec["minimum"] = *f.Minimum
	}
	if f.Maximum != nil {
		rec["maximum"] = *f.Maximum
	}
	return rec
}

func (f *Float) Clone() Field {
	c := *f
	return &c
}

// Boolean holds a flag.
type Boolean struct {
	value *bool
}

// NewBoolean returns a Boolean field holding b.
func NewBoolean(b bool) *Boolean {
	return &Boolean{value: &b}
}

func (f *Boolean) Kind() Kind { return KindBoolean }

func (f *Boolean) IsSet() bool { return f.value != nil }

func (f *Boolean) Value() any {
	if f.value == nil {
		return nil
	}
	return *f.value
}

// Get returns the value and whether it is set.
func (f *Boolean) Get() (bool, bool) {
	if f.value == nil {
		return false, false
	}
	return *f.value, true
}

func (f *Boolean) SetValue(v any) error { return setValidated(f, v) }

func (f *Boolean) assign(v any) error {
	if v == nil {
		f.value = nil
		return nil
	}
	b, err := toBool(v)
	if err != nil {
		return err
	}
	f.value = &b
	return nil
}

func (f *Boolean) configure(Record) error { return nil }

func (f *Boolean) Validate() error { return nil }

func (f *Boolean) Wire() Record {
	return Record{"type": string(KindBoolean), "value": f.Value()}
}

func (f *Boolean) Clone() Field {
	c := *f
	return &c
}

// Enum holds one of a fixed set of strings. An empty Choices list accepts
// any string.
type Enum struct {
	value   *string
	Choices []string
}

// NewEnum returns an Enum field restricted to choices, holding value.
func NewEnum(value string, choices ...string) *Enum {
	return &Enum{value: &value, Choices: choices}
}

func (f *Enum) Kind() Kind { return KindEnum }

func (f *Enum) IsSet() bool { return f.value != nil }

func (f *Enum) Value() any {
	if f.value == nil {
		return nil
	}
	return *f.value
}

// Get returns the value and whether it is set.
func (f *Enum) Get() (string, bool) {
	if f.value == nil {
		return "", false
	}
	return *f.value, true
}

func (f *Enum) SetValue(v any) error { return setValidated(f, v) }

func (f *Enum) assign(v any) error {
	if v == nil {
		f.value = nil
		return nil
	}
	s, err := toString(v)
	if err != nil {
		return err
	}
	f.value = &s
	return nil
}

func (f *Enum) configure(rec Record) error {
	raw, ok := rec["choices"]
	if !ok || raw == nil {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		if ss, ok := raw.([]string); ok {
			f.Choices = slices.Clone(ss)
			return nil
		}
		return fmt.Errorf("choices: expected a list, got %T", raw)
	}
	f.Choices = make([]string, 0, len(list))
	for _, item := range list {
		s, err := toString(item)
		if err != nil {
			return fmt.Errorf("choices: %w", err)
		}
		f.Choices = append(f.Choices, s)
	}
	return nil
}

func (f *Enum) Validate() error {
	if f.value == nil || len(f.Choices) == 0 {
		return nil
	}
	if !slices.Contains(f.Choices, *f.value) {
		return constraintf("choice", "value %q is not one of %v", *f.value, f.Choices)
	}
	return nil
}

func (f *Enum) Wire() Record {
	return Record{"type": string(KindEnum), "value": f.Value(), "choices": slices.Clone(f.Choices)}
}

func (f *Enum) Clone() Field {
	c := *f
	c.Choices = slices.Clone(f.Choices)
	return &c
}
