package ident

import (
	"errors"
	"fmt"
)

// WorkerKind identifies the worker role that produced a piece of evidence or
// consumes a class of jobs. It is a closed enumeration; the reconciliation
// weight table and the expectation authority ranking are both keyed by it.
type WorkerKind string

// The closed set of worker kinds.
const (
	WorkerFile       WorkerKind = "file"
	WorkerDirectory  WorkerKind = "directory"
	WorkerGlobal     WorkerKind = "global"
	WorkerValidation WorkerKind = "validation"
	WorkerReconcile  WorkerKind = "reconcile"
	WorkerGraphBuild WorkerKind = "graph-build"
)

// ErrUnknownWorkerKind is returned when parsing an unrecognized worker kind.
var ErrUnknownWorkerKind = errors.New("unknown worker kind")

// analysisAuthority ranks the analysis scopes for expectation seeding and
// evidence consolidation: global > directory > file. Non-analysis kinds have
// no authority and rank 0.
var analysisAuthority = map[WorkerKind]int{
	WorkerFile:      1,
	WorkerDirectory: 2,
	WorkerGlobal:    3,
}

// IsValid reports whether the kind is a member of the closed enumeration.
func (k WorkerKind) IsValid() bool {
	switch k {
	case WorkerFile, WorkerDirectory, WorkerGlobal, WorkerValidation, WorkerReconcile, WorkerGraphBuild:
		return true
	}

	return false
}

// IsAnalysis reports whether the kind is one of the three analysis scopes.
func (k WorkerKind) IsAnalysis() bool {
	return analysisAuthority[k] > 0
}

// Authority returns the scope authority rank used for expectation raises and
// consolidation ties. Higher outranks lower; zero means no authority.
func (k WorkerKind) Authority() int {
	return analysisAuthority[k]
}

// ParseWorkerKind parses a stored worker kind string.
func ParseWorkerKind(s string) (WorkerKind, error) {
	kind := WorkerKind(s)
	if !kind.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownWorkerKind, s)
	}

	return kind, nil
}
