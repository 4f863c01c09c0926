package workflow

import (
	"fmt"
	"sort"

	"dario.cat/mergo"
	"github.com/google/uuid"

	"github.com/me/invokeflow/pkg/field"
)

// Node types that persist images and accept a destination board.
var outputNodeTypes = map[string]bool{
	"l2i":             true,
	"save_image":      true,
	"flux_vae_decode": true,
	"sd3_l2i":         true,
	"cogview4_l2i":    true,
	"canvas_output":   true,
}

// CompileOptions tunes graph lowering.
type CompileOptions struct {
	// BoardID overrides "auto" board fields and is attached to output
	// nodes that carry no board field.
	BoardID string

	// PruneConnected drops inline values of fields fed by an edge. Off by
	// default; some server builds reject fields that are both connected and
	// inline-valued.
	PruneConnected bool
}

// EdgeEndpoint is one side of an execution edge.
type EdgeEndpoint struct {
	NodeID string `json:"node_id"`
	Field  string `json:"field"`
}

// GraphEdge is an execution edge.
type GraphEdge struct {
	Source      EdgeEndpoint `json:"source"`
	Destination EdgeEndpoint `json:"destination"`
}

// Graph is the execution graph submitted to the queue.
type Graph struct {
	ID    string                    `json:"id"`
	Nodes map[string]map[string]any `json:"nodes"`
	Edges []GraphEdge               `json:"edges"`
}

// mergeInputs returns a deep copy of the authored document with every
// input's wire record merged into its field dict. Keys the field does not
// own, such as name, label and description, are kept.
func mergeInputs(def *Definition, inputs []*Input) (map[string]any, error) {
	doc := def.Raw()
	for _, in := range inputs {
		dst, err := in.Location().Resolve(doc)
		if err != nil {
			return nil, err
		}
		rec := in.Field().Wire()
		if err := mergo.Merge(&dst, map[string]any(rec), mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge %s: %w", in.Ref(), err)
		}
		// The value is replaced wholesale so a cleared field stays cleared and
		// stale nested keys do not survive.
		dst["value"] = rec["value"]
	}
	return doc, nil
}

// compile lowers the merged document into an execution graph.
func compile(def *Definition, inputs []*Input, opts CompileOptions) (*Graph, error) {
	doc, err := mergeInputs(def, inputs)
	if err != nil {
		return nil, err
	}

	connected := def.connected()
	g := &Graph{
		ID:    uuid.NewString(),
		Nodes: make(map[string]map[string]any),
		Edges: []GraphEdge{},
	}

	rawNodes, _ := doc["nodes"].([]any)
	for _, item := range rawNodes {
		m, _ := item.(map[string]any)
		data, _ := m["data"].(map[string]any)
		node := Node{Data: data}
		node.ID, _ = m["id"].(string)
		node.Kind, _ = m["type"].(string)
		if !node.Executable() {
			continue
		}

		payload, err := lowerNode(node, connected, opts)
		if err != nil {
			return nil, err
		}
		g.Nodes[node.ID] = payload
	}

	for _, e := range def.edges {
		if !e.Executable() {
			continue
		}
		if _, ok := g.Nodes[e.Source]; !ok {
			continue
		}
		if _, ok := g.Nodes[e.Target]; !ok {
			continue
		}
		g.Edges = append(g.Edges, GraphEdge{
			Source:      EdgeEndpoint{NodeID: e.Source, Field: e.SourceHandle},
			Destination: EdgeEndpoint{NodeID: e.Target, Field: e.TargetHandle},
		})
	}
	return g, nil
}

func lowerNode(node Node, connected map[FieldRef]bool, opts CompileOptions) (map[string]any, error) {
	payload := map[string]any{
		"id":              node.ID,
		"type":            node.Type(),
		"is_intermediate": boolOr(node.Data["isIntermediate"], false),
		"use_cache":       boolOr(node.Data["useCache"], true),
	}

	inputs, _ := node.Data["inputs"].(map[string]any)
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if opts.PruneConnected && connected[FieldRef{NodeID: node.ID, FieldName: name}] {
			continue
		}
		meta, _ := inputs[name].(map[string]any)
		value := meta["value"]
		if name == "board" {
			board, err := normalizeBoard(value, opts.BoardID)
			if err != nil {
				return nil, fmt.Errorf("node %s board: %w", node.ID, err)
			}
			value = board
		}
		if value == nil {
			continue
		}
		payload[name] = value
	}

	if _, has := payload["board"]; !has && opts.BoardID != "" && outputNodeTypes[node.Type()] {
		payload["board"] = map[string]any{"board_id": opts.BoardID}
	}
	return payload, nil
}

// normalizeBoard resolves the auto sentinel and lowers any board value to a
// {"board_id": id} object.
func normalizeBoard(v any, override string) (map[string]any, error) {
	id, ok, err := field.BoardID(v)
	if err != nil {
		return nil, err
	}
	if !ok || id == "" || id == field.BoardAuto {
		id = override
		if id == "" {
			id = field.BoardNone
		}
	}
	return map[string]any{"board_id": id}, nil
}

func boolOr(v any, def bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}
