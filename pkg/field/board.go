package field

import "strings"

// Board sentinels understood by the server.
const (
	// BoardAuto defers the choice to the submission-time board override.
	BoardAuto = "auto"
	// BoardNone places images in the uncategorized board.
	BoardNone = "none"
)

// Board selects the board that output images are filed under. The value is
// a board id or one of the BoardAuto / BoardNone sentinels.
type Board struct {
	value *string
}

// NewBoard returns a Board field holding id.
func NewBoard(id string) *Board {
	return &Board{value: &id}
}

func (f *Board) Kind() Kind { return KindBoard }

func (f *Board) IsSet() bool { return f.value != nil }

func (f *Board) Value() any {
	if f.value == nil {
		return nil
	}
	return *f.value
}

// Get returns the board id and whether it is set.
func (f *Board) Get() (string, bool) {
	if f.value == nil {
		return "", false
	}
	return *f.value, true
}

// IsAuto reports whether the board is unset or the auto sentinel.
func (f *Board) IsAuto() bool {
	return f.value == nil || *f.value == BoardAuto
}

func (f *Board) SetValue(v any) error { return setValidated(f, v) }

func (f *Board) assign(v any) error {
	id, ok, err := BoardID(v)
	if err != nil {
		return err
	}
	if !ok {
		f.value = nil
		return nil
	}
	f.value = &id
	return nil
}

// BoardID extracts a board id from either a bare string or a
// {"board_id": ...} object. ok is false for nil.
func BoardID(v any) (id string, ok bool, err error) {
	switch b := v.(type) {
	case nil:
		return "", false, nil
	case string:
		return b, true, nil
	case map[string]any:
		raw, present := b["board_id"]
		if !present || raw == nil {
			return "", false, nil
		}
		s, err := toString(raw)
		if err != nil {
			return "", false, err
		}
		return s, true, nil
	}
	return "", false, constraintf("type", "expected a board id or {board_id} object, got %T", v)
}

func (f *Board) configure(Record) error { return nil }

func (f *Board) Validate() error {
	if f.value != nil && strings.TrimSpace(*f.value) == "" {
		return constraintf("required", "board id must not be empty")
	}
	return nil
}

// Wire keeps sentinels as bare strings and wraps real ids.
func (f *Board) Wire() Record {
	rec := Record{"type": string(KindBoard), "value": nil}
	if f.value == nil {
		return rec
	}
	switch *f.value {
	case BoardAuto, BoardNone:
		rec["value"] = *f.value
	default:
		rec["value"] = map[string]any{"board_id": *f.value}
	}
	return rec
}

func (f *Board) Clone() Field {
	c := *f
	return &c
}
