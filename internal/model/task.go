package model

import "fmt"

// TaskKind is the kind of work a task requests.
type TaskKind string

const (
	// TaskKindInstall installs a ref from a remote.
	TaskKindInstall TaskKind = "install"
	// TaskKindInstallBundle installs a ref from a local bundle file.
	TaskKindInstallBundle TaskKind = "install-bundle"
	// TaskKindUninstall uninstalls a ref.
	TaskKindUninstall TaskKind = "uninstall"
	// TaskKindUpdate updates a single installed ref.
	TaskKindUpdate TaskKind = "update"
	// TaskKindUpdateInstallation updates every ref of an installation.
	TaskKindUpdateInstallation TaskKind = "update-installation"
	// TaskKindAppstreamEnsure fetches the application metadata of the remotes that don't have it yet.
	TaskKindAppstreamEnsure TaskKind = "appstream-ensure"
	// TaskKindAppstreamUpdate refreshes the application metadata of every remote.
	TaskKindAppstreamUpdate TaskKind = "appstream-update"
)

// TaskKinds are all the known task kinds.
var TaskKinds = []TaskKind{
	TaskKindInstall,
	TaskKindInstallBundle,
	TaskKindUninstall,
	TaskKindUpdate,
	TaskKindUpdateInstallation,
	TaskKindAppstreamEnsure,
	TaskKindAppstreamUpdate,
}

// Valid returns true if the kind is a known task kind.
func (k TaskKind) Valid() bool {
	for _, kk := range TaskKinds {
		if k == kk {
			return true
		}
	}
	return false
}

// IsAppstream returns true for the application metadata synchronization family.
func (k TaskKind) IsAppstream() bool {
	return k == TaskKindAppstreamEnsure || k == TaskKindAppstreamUpdate
}

// Task is a unit of work submitted by a caller.
type Task struct {
	// ID is set on submission and never reused.
	ID           string
	Kind         TaskKind
	Installation Installation
	DryRun       bool
	// Ref is the package reference for install, uninstall and update tasks.
	Ref string
	// Remote is the remote to install Ref from.
	Remote string
	// Path is the bundle file for install-bundle tasks.
	Path string
	// UninstallBeforeInstall removes Ref (installed from another remote) before installing it.
	UninstallBeforeInstall bool
	// Uncancellable tasks reject cancellation requests.
	Uncancellable bool
}

// Validate validates the task parameters for its kind. The installation descriptor
// is validated when resolved.
func (t Task) Validate() error {
	if !t.Kind.Valid() {
		return fmt.Errorf("unknown task kind %q: %w", t.Kind, ErrNotValid)
	}

	switch t.Kind {
	case TaskKindInstall:
		if t.Remote == "" {
			return fmt.Errorf("remote is required for %s tasks: %w", t.Kind, ErrNotValid)
		}
		if _, err := ParseRef(t.Ref); err != nil {
			return fmt.Errorf("invalid ref: %w", err)
		}
	case TaskKindUninstall, TaskKindUpdate:
		if _, err := ParseRef(t.Ref); err != nil {
			return fmt.Errorf("invalid ref: %w", err)
		}
	case TaskKindInstallBundle:
		if t.Path == "" {
			return fmt.Errorf("path is required for %s tasks: %w", t.Kind, ErrNotValid)
		}
	}

	if t.UninstallBeforeInstall && t.Kind != TaskKindInstall && t.Kind != TaskKindInstallBundle {
		return fmt.Errorf("uninstall before install only applies to install tasks: %w", ErrNotValid)
	}

	return nil
}
