package workflow

import (
	"fmt"
	"strings"
)

// Step is one hop of a Location: either an object key, or the element of
// an array whose MatchKey equals MatchValue.
type Step struct {
	Key        string
	MatchKey   string
	MatchValue string
}

// Key returns a step selecting an object member.
func Key(name string) Step {
	return Step{Key: name}
}

// Match returns a step selecting the array element whose key equals value.
func Match(key, value string) Step {
	return Step{MatchKey: key, MatchValue: value}
}

func (s Step) isMatch() bool {
	return s.MatchKey != ""
}

func (s Step) String() string {
	if s.isMatch() {
		return fmt.Sprintf("[%s=%s]", s.MatchKey, s.MatchValue)
	}
	return "." + s.Key
}

// Location is a structural path into a raw workflow document.
type Location []Step

// FieldLocation points at a node input's dict:
// nodes[id=<node>].data.inputs.<field>.
func FieldLocation(nodeID, fieldName string) Location {
	return Location{Key("nodes"), Match("id", nodeID), Key("data"), Key("inputs"), Key(fieldName)}
}

func (l Location) String() string {
	var b strings.Builder
	for i, s := range l {
		str := s.String()
		if i == 0 {
			str = strings.TrimPrefix(str, ".")
		}
		b.WriteString(str)
	}
	return b.String()
}

// Resolve walks the document and returns the object at the end of the path.
func (l Location) Resolve(doc map[string]any) (map[string]any, error) {
	if len(l) == 0 {
		return doc, nil
	}
	cur, err := l.resolveStep(doc, 0)
	if err != nil {
		return nil, err
	}
	m, ok := cur.(map[string]any)
	if !ok {
		return nil, &LocationError{Location: l, Step: len(l) - 1, Reason: fmt.Sprintf("target is %T, not an object", cur)}
	}
	return m, nil
}

func (l Location) resolveStep(cur any, i int) (any, error) {
	if i == len(l) {
		return cur, nil
	}
	step := l[i]

	if step.isMatch() {
		list, ok := cur.([]any)
		if !ok {
			return nil, &LocationError{Location: l, Step: i, Reason: fmt.Sprintf("expected an array, got %T", cur)}
		}
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if v, _ := m[step.MatchKey].(string); v == step.MatchValue {
				return l.resolveStep(m, i+1)
			}
		}
		return nil, &LocationError{Location: l, Step: i, Reason: fmt.Sprintf("no element with %s=%q", step.MatchKey, step.MatchValue)}
	}

	m, ok := cur.(map[string]any)
	if !ok {
		return nil, &LocationError{Location: l, Step: i, Reason: fmt.Sprintf("expected an object, got %T", cur)}
	}
	next, ok := m[step.Key]
	if !ok {
		return nil, &LocationError{Location: l, Step: i, Reason: fmt.Sprintf("missing key %q", step.Key)}
	}
	return l.resolveStep(next, i+1)
}
