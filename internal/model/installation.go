package model

import "fmt"

const (
	// SystemInstallationName is the name of the single system-wide installation.
	SystemInstallationName = "default"
	// UserInstallationName is the name of the single per-user installation.
	UserInstallationName = "user"
)

// Installation describes a package store. Installations travel across process
// boundaries by value and are resolved into live backend handles on each use.
type Installation struct {
	// Name identifies the installation, "default" and "user" are well-known.
	Name string
	// IsUser is true for per-user installations.
	IsUser bool
	// Path is the on-disk location of the store, ignored for the well-known installations.
	Path string
	// Title is an optional human readable name.
	Title string
}

// SystemInstallation returns the well-known system-wide installation descriptor.
func SystemInstallation() Installation {
	return Installation{Name: SystemInstallationName, Title: "System"}
}

// UserInstallation returns the well-known per-user installation descriptor.
func UserInstallation() Installation {
	return Installation{Name: UserInstallationName, IsUser: true, Title: "User"}
}

// IsSystem returns true if the descriptor points to the well-known system installation.
func (i Installation) IsSystem() bool {
	return i.Name == SystemInstallationName && !i.IsUser
}

// IsDefaultUser returns true if the descriptor points to the well-known per-user installation.
func (i Installation) IsDefaultUser() bool {
	return i.Name == UserInstallationName && i.IsUser
}

// IsWellKnown returns true for descriptors that resolve without a path.
func (i Installation) IsWellKnown() bool {
	return i.IsSystem() || i.IsDefaultUser()
}

// Validate validates the installation descriptor.
func (i Installation) Validate() error {
	if i.IsWellKnown() {
		return nil
	}

	if i.Name == "" {
		return fmt.Errorf("installation name is required: %w", ErrNotValid)
	}
	if i.Path == "" {
		return fmt.Errorf("installation %q requires a path: %w", i.Name, ErrNotValid)
	}

	return nil
}

// Remote is a named source of packages and metadata an installation can pull from.
type Remote struct {
	Name  string
	URL   string
	Title string
	// Installation is the installation the remote is (or would be) configured on.
	Installation Installation
}
