// Package workflow loads GUI-authored workflow definitions, indexes their
// user-editable inputs and compiles them into execution graphs.
package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// Node types that only exist in the editor and are never executed.
var guiOnlyNodeTypes = map[string]bool{
	"notes":         true,
	"current_image": true,
}

// Node is one node of the authored graph.
type Node struct {
	// ID is the node id.
	ID string
	// Kind is the editor node kind ("invocation", "notes", ...).
	Kind string
	// Data is the node's data object as authored.
	Data map[string]any
}

// Type returns the invocation type, e.g. "string" or "main_model_loader".
func (n Node) Type() string {
	if t, ok := n.Data["type"].(string); ok && t != "" {
		return t
	}
	return n.Kind
}

// Label returns the node's display label, falling back to its type.
func (n Node) Label() string {
	if l, ok := n.Data["label"].(string); ok && l != "" {
		return l
	}
	return n.Type()
}

// Executable reports whether the node is submitted to the server.
func (n Node) Executable() bool {
	return !guiOnlyNodeTypes[n.Kind] && !guiOnlyNodeTypes[n.Type()]
}

// FieldMeta returns the authored dict of the named input field.
func (n Node) FieldMeta(name string) (map[string]any, bool) {
	inputs, _ := n.Data["inputs"].(map[string]any)
	meta, ok := inputs[name].(map[string]any)
	return meta, ok
}

// Edge is one authored connection between two node fields.
type Edge struct {
	ID           string
	Type         string
	Source       string
	SourceHandle string
	Target       string
	TargetHandle string
}

// Executable reports whether the edge carries data. Collapsed edges are a
// purely visual summary of hidden connections.
func (e Edge) Executable() bool {
	return e.Type != "collapsed" && e.SourceHandle != "" && e.TargetHandle != ""
}

// FieldRef addresses one node field.
type FieldRef struct {
	NodeID    string
	FieldName string
}

func (r FieldRef) String() string {
	return r.NodeID + "." + r.FieldName
}

// Definition is an immutable, parsed workflow. The raw document is kept
// exactly as authored and never mutated; callers only ever receive copies.
type Definition struct {
	ID          string
	Name        string
	Version     string
	Description string
	Author      string

	raw       map[string]any
	nodes     []Node
	nodeIndex map[string]int
	edges     []Edge
	form      *formTree
	exposed   []FieldRef
}

// Load parses and validates a workflow document.
func Load(data []byte) (*Definition, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}

	def := &Definition{
		raw:       raw,
		nodeIndex: make(map[string]int),
	}
	def.ID, _ = raw["id"].(string)
	def.Name, _ = raw["name"].(string)
	def.Version, _ = raw["version"].(string)
	def.Description, _ = raw["description"].(string)
	def.Author, _ = raw["author"].(string)

	for _, item := range raw["nodes"].([]any) {
		m, _ := item.(map[string]any)
		id, _ := m["id"].(string)
		kind, _ := m["type"].(string)
		data, _ := m["data"].(map[string]any)
		if _, dup := def.nodeIndex[id]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %q", ErrInvalidDefinition, id)
		}
		def.nodeIndex[id] = len(def.nodes)
		def.nodes = append(def.nodes, Node{ID: id, Kind: kind, Data: data})
	}

	for _, item := range raw["edges"].([]any) {
		m, _ := item.(map[string]any)
		e := Edge{}
		e.ID, _ = m["id"].(string)
		e.Type, _ = m["type"].(string)
		e.Source, _ = m["source"].(string)
		e.SourceHandle, _ = m["sourceHandle"].(string)
		e.Target, _ = m["target"].(string)
		e.TargetHandle, _ = m["targetHandle"].(string)
		def.edges = append(def.edges, e)
	}

	form, err := parseForm(raw["form"])
	if err != nil {
		return nil, err
	}
	def.form = form

	if list, ok := raw["exposedFields"].([]any); ok {
		for _, item := range list {
			m, _ := item.(map[string]any)
			ref := FieldRef{}
			ref.NodeID, _ = m["nodeId"].(string)
			ref.FieldName, _ = m["fieldName"].(string)
			def.exposed = append(def.exposed, ref)
		}
	}

	// Resolving every input up front surfaces dangling form references and
	// unconvertible authored values at load time.
	if _, err := def.Index(); err != nil {
		return nil, err
	}
	return def, nil
}

// LoadFile reads and parses a workflow file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	def, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Nodes returns the authored nodes in document order.
func (d *Definition) Nodes() []Node {
	return append([]Node(nil), d.nodes...)
}

// Node looks up a node by id.
func (d *Definition) Node(id string) (Node, bool) {
	i, ok := d.nodeIndex[id]
	if !ok {
		return Node{}, false
	}
	return d.nodes[i], true
}

// Edges returns the authored edges in document order.
func (d *Definition) Edges() []Edge {
	return append([]Edge(nil), d.edges...)
}

// Raw returns a deep copy of the authored document.
func (d *Definition) Raw() map[string]any {
	return deepCopy(d.raw).(map[string]any)
}

// connected returns the set of node fields fed by an executable edge.
func (d *Definition) connected() map[FieldRef]bool {
	set := make(map[FieldRef]bool)
	for _, e := range d.edges {
		if e.Executable() {
			set[FieldRef{NodeID: e.Target, FieldName: e.TargetHandle}] = true
		}
	}
	return set
}

// deepCopy copies JSON-shaped values. Leaves (strings, numbers, bools) are
// immutable and shared.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	}
	return v
}
