package field

import (
	"fmt"
	"reflect"
)

// Collection holds a list of items. When ItemKind is set every item must be
// a valid value for that kind.
type Collection struct {
	items     []any
	set       bool
	ItemKind  Kind
	MinLength *int
	MaxLength *int
}

// NewCollection returns a Collection of itemKind holding items.
func NewCollection(itemKind Kind, items ...any) *Collection {
	return &Collection{items: append([]any(nil), items...), set: true, ItemKind: itemKind}
}

func (f *Collection) Kind() Kind { return KindCollection }

func (f *Collection) IsSet() bool { return f.set }

func (f *Collection) Value() any {
	if !f.set {
		return nil
	}
	return append([]any{}, f.items...)
}

// Items returns a copy of the items.
func (f *Collection) Items() []any {
	return append([]any(nil), f.items...)
}

// Len returns the number of items.
func (f *Collection) Len() int { return len(f.items) }

func (f *Collection) SetValue(v any) error { return setValidated(f, v) }

func (f *Collection) assign(v any) error {
	if v == nil {
		f.items, f.set = nil, false
		return nil
	}
	if list, ok := v.([]any); ok {
		f.items, f.set = append([]any{}, list...), true
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return constraintf("type", "expected a list, got %T", v)
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	f.items, f.set = items, true
	return nil
}

func (f *Collection) configure(rec Record) (err error) {
	if raw, ok := rec["item_type"].(string); ok && raw != "" {
		if !Kind(raw).Valid() {
			return fmt.Errorf("item_type: %w: %q", ErrUnknownKind, raw)
		}
		f.ItemKind = Kind(raw)
	}
	if f.MinLength, err = optionalLength(rec, "min_length"); err != nil {
		return err
	}
	f.MaxLength, err = optionalLength(rec, "max_length")
	return err
}

func (f *Collection) Validate() error {
	if !f.set {
		return nil
	}
	if err := checkLength(len(f.items), f.MinLength, f.MaxLength, "collection length"); err != nil {
		return err
	}
	if f.ItemKind == "" || f.ItemKind == KindCollection {
		return nil
	}
	for i, item := range f.items {
		probe, err := New(f.ItemKind)
		if err != nil {
			return err
		}
		if err := probe.SetValue(item); err != nil {
			return constraintf("type", "item %d: %v", i, err)
		}
	}
	return nil
}

func (f *Collection) Wire() Record {
	rec := Record{"type": string(KindCollection), "value": f.Value()}
	if f.ItemKind != "" {
		rec["item_type"] = string(f.ItemKind)
	}
	if f.MinLength != nil {
		rec["min_length"] = *f.MinLength
	}
	if f.MaxLength != nil {
		rec["max_length"] = *f.MaxLength
	}
	return rec
}

func (f *Collection) Clone() Field {
	c := *f
	c.items = append([]any(nil), f.items...)
	return &c
}
