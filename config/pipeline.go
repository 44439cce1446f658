// Package config loads the system parameter file and the pipeline graph
// description into typed records.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/xeipuuv/gojsonschema"
)

// ElementDecl declares one element instance in the pipeline.
type ElementDecl struct {
	ID    string   `json:"id"`
	Class string   `json:"class"`
	Args  []string `json:"args,omitempty"`
}

// Edge wires one output port to one input port.
type Edge struct {
	Src     string `json:"src"`
	SrcPort int    `json:"srcPort"`
	Dst     string `json:"dst"`
	DstPort int    `json:"dstPort"`
}

// Pipeline is the typed intermediate representation of the graph description.
// Elements are instantiated per computation thread.
type Pipeline struct {
	Elements []ElementDecl `json:"elements"`
	Edges    []Edge        `json:"edges"`
}

const pipelineSchema = `{
  "type": "object",
  "required": ["elements"],
  "properties": {
    "elements": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "class"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "class": {"type": "string", "minLength": 1},
          "args": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["src", "dst"],
        "properties": {
          "src": {"type": "string"},
          "srcPort": {"type": "integer", "minimum": 0},
          "dst": {"type": "string"},
          "dstPort": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

// LoadPipeline reads and validates a pipeline description file.
func LoadPipeline(path string) (*Pipeline, error) {
	body, e := os.ReadFile(path)
	if e != nil {
		return nil, fmt.Errorf("pipeline config: %w", e)
	}
	return ParsePipeline(body)
}

// ParsePipeline validates and decodes a pipeline description.
func ParsePipeline(body []byte) (*Pipeline, error) {
	result, e := gojsonschema.Validate(
		gojsonschema.NewStringLoader(pipelineSchema),
		gojsonschema.NewBytesLoader(body),
	)
	if e != nil {
		return nil, fmt.Errorf("pipeline config: %w", e)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("pipeline config: %s", result.Errors()[0])
	}
	var pl Pipeline
	if e := json.Unmarshal(body, &pl); e != nil {
		return nil, fmt.Errorf("pipeline config: %w", e)
	}
	seen := map[string]bool{}
	for _, decl := range pl.Elements {
		if seen[decl.ID] {
			return nil, fmt.Errorf("pipeline config: duplicate element id %q", decl.ID)
		}
		seen[decl.ID] = true
	}
	for _, edge := range pl.Edges {
		if !seen[edge.Src] || !seen[edge.Dst] {
			return nil, fmt.Errorf("pipeline config: edge references unknown element %q -> %q", edge.Src, edge.Dst)
		}
	}
	return &pl, nil
}
