package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidModule     = errors.New("invalid module")
	ErrModuleExists      = errors.New("module already registered")
	ErrModuleNotFound    = errors.New("module not found")
	ErrMissingDependency = errors.New("missing dependency")
	ErrDependentExists   = errors.New("module has dependents")
	ErrCyclicDependency  = errors.New("cyclic dependency")
)

// DependencyError describes a registration or graph violation. Kind is one
// of the sentinels above; Refs holds the offending names (for cycles, the
// path with the first module repeated at the end).
type DependencyError struct {
	Kind   error
	Module string
	Refs   []string
}

func (e *DependencyError) Error() string {
	var b strings.Builder
	b.WriteString("pipeline: ")
	if e.Module != "" {
		fmt.Fprintf(&b, "module %q: ", e.Module)
	}
	b.WriteString(e.Kind.Error())
	if len(e.Refs) > 0 {
		sep := ", "
		if errors.Is(e.Kind, ErrCyclicDependency) {
			sep = " -> "
		}
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Refs, sep))
	}
	return b.String()
}

func (e *DependencyError) Unwrap() error { return e.Kind }

func depErr(kind error, module string, refs ...string) error {
	return &DependencyError{Kind: kind, Module: module, Refs: refs}
}
