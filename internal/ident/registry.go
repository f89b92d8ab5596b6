package ident

import (
	"errors"
	"fmt"
)

// POI kinds recognized by the pipeline.
const (
	KindFile     = "file"
	KindFunction = "function"
	KindClass    = "class"
	KindMethod   = "method"
	KindVariable = "variable"
	KindImport   = "import"
)

// Relationship types recognized by the pipeline.
const (
	TypeCalls      = "CALLS"
	TypeDefines    = "DEFINES"
	TypeImports    = "IMPORTS"
	TypeUses       = "USES"
	TypeExtends    = "EXTENDS"
	TypeImplements = "IMPLEMENTS"
	TypeReferences = "REFERENCES"
	TypeContains   = "CONTAINS"
	TypeDependsOn  = "DEPENDS_ON"
	TypeRelatedTo  = "RELATED_TO"
)

// ErrUnknownRelationshipType is returned when a proposed relationship type is
// not in the registry. Candidates with unknown types are invalid payloads and
// never reach the evidence log.
var ErrUnknownRelationshipType = errors.New("unknown relationship type")

// relationshipTypes is the closed registry of edge types.
// The value records whether the type is directed: undirected types hash
// symmetrically in node order, directed types do not.
var relationshipTypes = map[string]bool{
	TypeCalls:      true,
	TypeDefines:    true,
	TypeImports:    true,
	TypeUses:       true,
	TypeExtends:    true,
	TypeImplements: true,
	TypeReferences: true,
	TypeContains:   true,
	TypeDependsOn:  true,
	TypeRelatedTo:  false,
}

// ValidateRelationshipType checks a proposed type against the registry.
func ValidateRelationshipType(relType string) error {
	if _, ok := relationshipTypes[relType]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRelationshipType, relType)
	}

	return nil
}

// IsDirected reports whether the relationship type preserves node order.
// Unknown types are treated as directed; they are rejected upstream by
// ValidateRelationshipType before any hash is computed.
func IsDirected(relType string) bool {
	directed, ok := relationshipTypes[relType]
	if !ok {
		return true
	}

	return directed
}

// RelationshipTypes returns all registered relationship types.
func RelationshipTypes() []string {
	types := make([]string, 0, len(relationshipTypes))
	for t := range relationshipTypes {
		types = append(types, t)
	}

	return types
}
