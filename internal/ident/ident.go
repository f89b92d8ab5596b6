// Package ident provides stable identity construction for Points of Interest
// and candidate relationships.
//
// POI ids are semantic identifiers that enable cross-worker correlation of the
// same code entity across different analysis scopes.
//
// POI id format: {kind}:{name}@{filePath}[:{line}]
//
// Examples:
//   - Function: "function:parseConfig@src/config.js:42"
//   - Class:    "class:Scheduler@src/scheduler.js:10"
//   - File:     "file:main.js@src/main.js"
//
// Relationship hashes are deterministic digests identifying a candidate edge
// regardless of which worker proposed it. Two workers proposing the same
// (source, target, type) triple always compute the same hash.
//
// NEVER construct POI ids or relationship hashes manually via string
// concatenation. Divergent id generation breaks evidence triangulation: a
// counter incremented under one hash never meets an expectation seeded under
// another.
package ident

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Sentinel errors for identity operations.
var (
	ErrEmptyKind     = errors.New("POI kind cannot be empty")
	ErrEmptyName     = errors.New("POI name cannot be empty")
	ErrEmptyFilePath = errors.New("POI file path cannot be empty")
	ErrMalformedID   = errors.New("malformed POI id")
)

// POI represents the identity components of a Point of Interest.
type POI struct {
	Kind     string
	Name     string
	FilePath string
	Line     int // 0 means no line component (file-level POIs)
}

// ID returns the stable semantic id for the POI.
//
// The id is deterministic and collision-free for a given source tree: kind,
// name and file path uniquely identify an entity, and the optional line
// disambiguates same-named entities within one file.
func (p POI) ID() string {
	if p.Line > 0 {
		return fmt.Sprintf("%s:%s@%s:%d", p.Kind, p.Name, p.FilePath, p.Line)
	}

	return fmt.Sprintf("%s:%s@%s", p.Kind, p.Name, p.FilePath)
}

// Validate checks that all required identity components are present.
func (p POI) Validate() error {
	if strings.TrimSpace(p.Kind) == "" {
		return ErrEmptyKind
	}

	if strings.TrimSpace(p.Name) == "" {
		return ErrEmptyName
	}

	if strings.TrimSpace(p.FilePath) == "" {
		return ErrEmptyFilePath
	}

	return nil
}

// FilePOI returns the POI identity for a source file itself.
// File POIs anchor every other POI discovered inside the file.
func FilePOI(filePath string) POI {
	name := filePath
	if idx := strings.LastIndex(filePath, "/"); idx != -1 {
		name = filePath[idx+1:]
	}

	return POI{Kind: KindFile, Name: name, FilePath: filePath}
}

// ParseID parses a stable POI id back into its components.
//
// Format: {kind}:{name}@{filePath}[:{line}]
//
// The name may itself contain ':' (method qualifiers), so the kind is taken
// from the first ':' and the file path from the last '@'.
func ParseID(id string) (POI, error) {
	kindIdx := strings.Index(id, ":")
	if kindIdx <= 0 {
		return POI{}, fmt.Errorf("%w: %q missing kind separator", ErrMalformedID, id)
	}

	atIdx := strings.LastIndex(id, "@")
	if atIdx == -1 || atIdx < kindIdx {
		return POI{}, fmt.Errorf("%w: %q missing file separator", ErrMalformedID, id)
	}

	poi := POI{
		Kind: id[:kindIdx],
		Name: id[kindIdx+1 : atIdx],
	}

	rest := id[atIdx+1:]
	if rest == "" {
		return POI{}, fmt.Errorf("%w: %q has empty file path", ErrMalformedID, id)
	}

	// A trailing ":<digits>" is a line suffix; anything else is part of the path.
	if colonIdx := strings.LastIndex(rest, ":"); colonIdx != -1 {
		var line int
		if _, err := fmt.Sscanf(rest[colonIdx+1:], "%d", &line); err == nil && line > 0 {
			poi.FilePath = rest[:colonIdx]
			poi.Line = line

			return poi, nil
		}
	}

	poi.FilePath = rest

	return poi, nil
}

// RelationshipHash computes the deterministic digest identifying a candidate
// relationship.
//
// The two POI ids are sorted lexicographically for undirected types, making
// the hash symmetric in node order; directed types preserve proposal order so
// that A-CALLS->B and B-CALLS->A stay distinct edges. In both cases the digest
// is stable across proposers. The stored relationship record preserves
// direction either way.
func RelationshipHash(sourceID, targetID, relType string) string {
	a, b := sourceID, targetID
	if !IsDirected(relType) && b < a {
		a, b = b, a
	}

	sum := blake3.Sum256([]byte(a + "|" + b + "|" + relType))

	return hex.EncodeToString(sum[:])
}

// EvidenceID computes the deterministic id of one evidence payload.
//
// Keyed on (jobID, relationship hash) so a redelivered analysis job computes
// the same id and its insert collides instead of duplicating evidence. This is
// the idempotency key behind the outbox/evidence atomicity contract.
func EvidenceID(jobID, relationshipHash string) string {
	sum := blake3.Sum256([]byte(jobID + "|" + relationshipHash))

	return hex.EncodeToString(sum[:])
}

// Checksum computes the content digest stored on files rows so re-runs can
// detect unchanged files.
func Checksum(content []byte) string {
	sum := blake3.Sum256(content)

	return hex.EncodeToString(sum[:])
}
