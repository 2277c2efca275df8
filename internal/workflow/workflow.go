// Copyright 2025 James Ross

// Package workflow loads a ComfyUI-style recipe document, validates its
// node shape, and mutates a deep copy per job: substituting the input-image
// node, the sampler's random seed, and the text-prompt node as dictated by
// the configured node ids. Recipes are parsed once per workflow_path and
// cached; the shared template is never mutated in place.
package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/PaesslerAG/jsonpath"
	"github.com/xeipuuv/gojsonschema"
)

// Node is one addressable unit of a recipe graph.
type Node struct {
	ClassType string                 `json:"class_type"`
	Inputs    map[string]interface{} `json:"inputs"`
}

// Recipe is a full workflow document: node id -> node.
type Recipe map[string]Node

// nodeShapeSchema rejects recipes where a node is missing class_type or
// inputs, the two fields every mutation site depends on being present.
const nodeShapeSchema = `{
  "type": "object",
  "additionalProperties": {
    "type": "object",
    "required": ["class_type", "inputs"],
    "properties": {
      "class_type": {"type": "string"},
      "inputs": {"type": "object"}
    }
  }
}`

// Loader parses recipe files once per path and caches the result, matching
// the "parse once, deep-copy per job" design note.
type Loader struct {
	defaultPath string
	readFile    func(path string) ([]byte, error)

	mu    sync.Mutex
	cache map[string]Recipe
}

// NewLoader builds a Loader. readFile is injected so tests and the local
// object-store fallback can serve recipe bytes without touching the
// filesystem directly.
func NewLoader(defaultPath string, readFile func(path string) ([]byte, error)) *Loader {
	return &Loader{defaultPath: defaultPath, readFile: readFile, cache: map[string]Recipe{}}
}

// Load returns the parsed Recipe for path, falling back to the configured
// default when path is empty. Subsequent calls with the same path return
// the cached parse; callers must deep-copy before mutating (see Mutate).
func (l *Loader) Load(path string) (Recipe, error) {
	if path == "" {
		path = l.defaultPath
	}

	l.mu.Lock()
	if r, ok := l.cache[path]; ok {
		l.mu.Unlock()
		return r, nil
	}
	l.mu.Unlock()

	raw, err := l.readFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}
	if err := Validate(raw); err != nil {
		return nil, fmt.Errorf("invalid workflow %s: %w", path, err)
	}

	var r Recipe
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", path, err)
	}

	l.mu.Lock()
	l.cache[path] = r
	l.mu.Unlock()
	return r, nil
}

// Validate checks a raw recipe document against the minimal node-shape
// schema before it is ever cached or mutated.
func Validate(raw []byte) error {
	schemaLoader := gojsonschema.NewStringLoader(nodeShapeSchema)
	docLoader := gojsonschema.NewBytesLoader(raw)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("schema validate: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("%d schema violation(s): %v", len(result.Errors()), result.Errors())
	}
	return nil
}

// Mutation carries the per-job substitutions applied to a recipe: the
// storage key of the uploaded input image, the sampler's random seed, and
// the text prompt. Prompt is left untouched when empty.
type Mutation struct {
	ImageNodeID   string
	SamplerNodeID string
	TextNodeID    string
	InputImage    string
	Seed          int64
	Prompt        string
}

// locate confirms a node id is actually present in the parsed document
// before mutation, using jsonpath.Get the way the classifier matches
// fields in an arbitrary JSON document: read-only lookup, not mutation.
func locate(doc interface{}, nodeID string) error {
	if nodeID == "" {
		return nil
	}
	_, err := jsonpath.Get(fmt.Sprintf("$[\"%s\"]", nodeID), doc)
	if err != nil {
		return fmt.Errorf("node %q not found in recipe: %w", nodeID, err)
	}
	return nil
}

// Mutate deep-copies recipe via a JSON round-trip and applies m, returning
// a brand-new Recipe. The shared cached template is never touched.
func Mutate(recipe Recipe, m Mutation) (Recipe, error) {
	raw, err := json.Marshal(recipe)
	if err != nil {
		return nil, fmt.Errorf("marshal recipe for copy: %w", err)
	}

	var generic map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode recipe for lookup: %w", err)
	}
	if err := locate(generic, m.ImageNodeID); err != nil {
		return nil, err
	}
	if err := locate(generic, m.SamplerNodeID); err != nil {
		return nil, err
	}
	if m.Prompt != "" {
		if err := locate(generic, m.TextNodeID); err != nil {
			return nil, err
		}
	}

	var out Recipe
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal recipe copy: %w", err)
	}

	if n, ok := out[m.ImageNodeID]; ok {
		n.Inputs["image"] = m.InputImage
		out[m.ImageNodeID] = n
	}
	if n, ok := out[m.SamplerNodeID]; ok {
		n.Inputs["seed"] = m.Seed
		out[m.SamplerNodeID] = n
	}
	if m.Prompt != "" {
		if n, ok := out[m.TextNodeID]; ok {
			n.Inputs["text"] = m.Prompt
			out[m.TextNodeID] = n
		}
	}
	return out, nil
}
