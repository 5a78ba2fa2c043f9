package model

import (
	"fmt"
	"strings"
)

// RefKind is the kind of a package reference.
type RefKind string

const (
	RefKindApp     RefKind = "app"
	RefKindRuntime RefKind = "runtime"
)

// Ref is a parsed package reference in the `kind/name/arch/branch` form.
type Ref struct {
	Kind   RefKind
	Name   string
	Arch   string
	Branch string
}

// ParseRef parses a `kind/name/arch/branch` package reference.
func ParseRef(s string) (Ref, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 {
		return Ref{}, fmt.Errorf("ref %q must have kind/name/arch/branch form: %w", s, ErrNotValid)
	}

	for _, p := range parts {
		if p == "" {
			return Ref{}, fmt.Errorf("ref %q has empty parts: %w", s, ErrNotValid)
		}
	}

	kind := RefKind(parts[0])
	if kind != RefKindApp && kind != RefKindRuntime {
		return Ref{}, fmt.Errorf("ref %q has unknown kind %q: %w", s, parts[0], ErrNotValid)
	}

	return Ref{Kind: kind, Name: parts[1], Arch: parts[2], Branch: parts[3]}, nil
}

func (r Ref) String() string {
	return strings.Join([]string{string(r.Kind), r.Name, r.Arch, r.Branch}, "/")
}

// IsRuntime returns true if the ref is a runtime.
func (r Ref) IsRuntime() bool { return r.Kind == RefKindRuntime }

// PackageRef is a package reference together with the remote it comes from.
type PackageRef struct {
	Ref    string
	Remote string
}

// InstalledRef is a package deployed on an installation.
type InstalledRef struct {
	Ref           string
	Origin        string
	Commit        string
	InstalledSize uint64
}
