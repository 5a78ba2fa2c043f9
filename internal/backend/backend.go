package backend

import (
	"context"
	"time"

	"github.com/slok/pkgworker/internal/model"
)

// Backend opens package stores. It's the package-transaction library the worker
// orchestrates: dependency resolution, remote access, verification and filesystem
// mutation are its responsibility.
type Backend interface {
	// Open returns a handle to the package store located at path. It must not create
	// or modify anything.
	Open(ctx context.Context, inst model.Installation, path string) (Installation, error)
}

// Installation is a live handle on a package store.
type Installation interface {
	// Info returns the descriptor the installation was opened with.
	Info() model.Installation
	// Path returns the on-disk location of the store.
	Path() string
	// ListInstalled returns the deployed refs.
	ListInstalled(ctx context.Context) ([]model.InstalledRef, error)
	// ListRemotes returns the configured remotes.
	ListRemotes(ctx context.Context) ([]model.Remote, error)
	// AddRemote configures a new remote.
	AddRemote(ctx context.Context, r model.Remote) error
	// UpdateAppstream fetches the application metadata of a remote into the store cache.
	UpdateAppstream(ctx context.Context, remote string) error
	// AppstreamPath returns the location of the cached application metadata of a remote.
	AppstreamPath(remote string) string
	// NewTransaction returns an empty transaction against the installation.
	NewTransaction(ctx context.Context) (Transaction, error)
	// Close releases the handle.
	Close() error
}

// Transaction is a set of ref operations applied together.
type Transaction interface {
	AddInstall(remote, ref string) error
	AddInstallBundle(path string) error
	AddUninstall(ref string) error
	AddUpdate(ref string) error
	// SetHooks registers the transaction callbacks, must be called before Resolve or Run.
	SetHooks(h Hooks)
	// Resolve computes the ordered operation list without applying any change.
	Resolve(ctx context.Context) ([]Operation, error)
	// Run resolves and applies the operations in order. Cancellation is checked on the
	// backend checkpoints through ctx and reported with ErrCancelled.
	Run(ctx context.Context) error
	// Operations returns the resolved operation list, empty before resolution.
	Operations() []Operation
}

// Hooks are the transaction callbacks. They are called from the goroutine running
// the transaction and must not block.
type Hooks struct {
	// NewOperation is called when an operation starts being applied.
	NewOperation func(op Operation)
	// OperationProgress is called while an operation transfers data.
	OperationProgress func(ev ProgressEvent)
	// OperationDone is called when an operation has been applied.
	OperationDone func(op Operation)
	// AddNewRemote is called when resolution requires a remote the installation doesn't
	// have, returning false aborts the transaction.
	AddNewRemote func(r model.Remote) bool
}

// Operation is one atomic step of a transaction.
type Operation struct {
	Ref           string
	Remote        string
	Kind          model.OperationKind
	Commit        string
	DownloadSize  uint64
	InstalledSize uint64
	// IsRuntime is true when the operation was added by dependency resolution.
	IsRuntime bool
	// BundlePath is the source file of bundle installs.
	BundlePath string
}

// ID returns the identity of the operation inside its transaction.
func (o Operation) ID() string { return string(o.Kind) + ":" + o.Ref }

// Package returns the package reference the operation concerns.
func (o Operation) Package() model.PackageRef {
	return model.PackageRef{Ref: o.Ref, Remote: o.Remote}
}

// ProgressEvent is a raw progress report of an operation.
type ProgressEvent struct {
	Operation        Operation
	BytesTransferred uint64
	StartedAt        time.Time
	// Progress is the coarse percentage reported by the backend.
	Progress int
}
