package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// findingsSchema is the contract the model is asked to honor. Validation
// failures feed the correction round rather than crashing the job.
const findingsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["pois", "relationships"],
  "properties": {
    "pois": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["kind", "name"],
        "properties": {
          "kind": {"type": "string", "minLength": 1},
          "name": {"type": "string", "minLength": 1},
          "line": {"type": "integer", "minimum": 1}
        }
      }
    },
    "relationships": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source_name", "target_name", "type", "confidence"],
        "properties": {
          "source_name": {"type": "string", "minLength": 1},
          "source_kind": {"type": "string"},
          "source_path": {"type": "string"},
          "source_line": {"type": "integer", "minimum": 1},
          "target_name": {"type": "string", "minLength": 1},
          "target_kind": {"type": "string"},
          "target_path": {"type": "string"},
          "target_line": {"type": "integer", "minimum": 1},
          "type": {"type": "string", "minLength": 1},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "reason": {"type": "string"}
        }
      }
    }
  }
}`

var compiledFindingsSchema = jsonschema.MustCompileString("findings.json", findingsSchema)

// POIFinding is one point of interest the model identified in the scope
// under analysis.
type POIFinding struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
	Line int    `json:"line,omitempty"`
}

// RelationshipFinding is one candidate relationship. Endpoints are named
// loosely; the analysis worker resolves them to stable POI ids, dropping
// candidates whose targets cannot be resolved.
type RelationshipFinding struct {
	SourceName string  `json:"source_name"`
	SourceKind string  `json:"source_kind,omitempty"`
	SourcePath string  `json:"source_path,omitempty"`
	SourceLine int     `json:"source_line,omitempty"`
	TargetName string  `json:"target_name"`
	TargetKind string  `json:"target_kind,omitempty"`
	TargetPath string  `json:"target_path,omitempty"`
	TargetLine int     `json:"target_line,omitempty"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// Findings is the parsed result of one analysis round.
type Findings struct {
	POIs          []POIFinding          `json:"pois"`
	Relationships []RelationshipFinding `json:"relationships"`
}

// ParseFindings sanitizes raw model output, validates it against the
// findings schema, and decodes it. The returned error is safe to embed in a
// correction prompt.
func ParseFindings(raw string) (*Findings, error) {
	cleaned := Sanitize(raw)

	var generic any
	if err := json.Unmarshal([]byte(cleaned), &generic); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}

	if err := compiledFindingsSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("response violates findings schema: %w", err)
	}

	var findings Findings
	if err := json.Unmarshal([]byte(cleaned), &findings); err != nil {
		return nil, fmt.Errorf("failed to decode findings: %w", err)
	}

	return &findings, nil
}

// SchemaText returns the findings schema for embedding in prompts.
func SchemaText() string {
	return strings.TrimSpace(findingsSchema)
}
