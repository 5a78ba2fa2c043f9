package dryrun

import (
	"context"
	"fmt"
	"sync"

	"github.com/slok/pkgworker/internal/backend"
	"github.com/slok/pkgworker/internal/log"
	"github.com/slok/pkgworker/internal/model"
)

// MetadataLookup resolves the application metadata of a package. A package without
// metadata is not an error, implementations return nil values instead.
type MetadataLookup interface {
	Lookup(ctx context.Context, inst backend.Installation, pkg model.PackageRef) (metadata []byte, icon []byte, err error)
}

type noopLookup struct{}

func (noopLookup) Lookup(context.Context, backend.Installation, model.PackageRef) ([]byte, []byte, error) {
	return nil, nil, nil
}

// SimulatorConfig is the configuration for the dry-run simulator.
type SimulatorConfig struct {
	Lookup MetadataLookup
	Logger log.Logger
}

func (c *SimulatorConfig) defaults() error {
	if c.Lookup == nil {
		c.Lookup = noopLookup{}
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "dryrun.Simulator"})
	return nil
}

// Simulator predicts the effect of a task without mutating the installation.
type Simulator struct {
	lookup MetadataLookup
	logger log.Logger
}

// NewSimulator creates a new dry-run simulator.
func NewSimulator(cfg SimulatorConfig) (*Simulator, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Simulator{lookup: cfg.Lookup, logger: cfg.Logger}, nil
}

// Simulate resolves the transaction implied by the task and aggregates its operations
// into a forecast. The forecast is complete or the result is an error.
func (s *Simulator) Simulate(ctx context.Context, task model.Task, inst backend.Installation) model.TaskResult {
	logger := s.logger.WithCtxValues(ctx)

	tx, err := inst.NewTransaction(ctx)
	if err != nil {
		return errorResult(fmt.Errorf("could not create transaction: %w", err))
	}

	if err := backend.BuildTransaction(ctx, tx, task, inst); err != nil {
		return errorResult(fmt.Errorf("could not build transaction: %w", err))
	}

	var (
		newRemotes []model.Remote
		mu         sync.Mutex
	)
	tx.SetHooks(backend.Hooks{
		AddNewRemote: func(r model.Remote) bool {
			mu.Lock()
			defer mu.Unlock()
			newRemotes = append(newRemotes, r)
			return true
		},
	})

	ops, err := tx.Resolve(ctx)
	if err != nil {
		return errorResult(err)
	}

	installed, err := inst.ListInstalled(ctx)
	if err != nil {
		return errorResult(fmt.Errorf("could not list installed refs: %w", err))
	}
	remotes, err := inst.ListRemotes(ctx)
	if err != nil {
		return errorResult(fmt.Errorf("could not list remotes: %w", err))
	}

	f := model.DryRunForecast{Remotes: newRemotes}

	if task.Kind == model.TaskKindUpdateInstallation {
		f.Package = model.DryRunPackage{OperationKind: model.OperationKindUpdate}
		f.HasUpdateSource = true
		for _, op := range ops {
			pkg := s.dryRunPackage(ctx, inst, op)
			if op.IsRuntime {
				f.Runtimes = append(f.Runtimes, pkg)
				continue
			}
			f.Updates = append(f.Updates, pkg)
		}
		logger.Debugf("Installation update would apply %d operations", len(ops))
		return model.NewDryRunResult(f)
	}

	primary, ok := primaryOperation(task, ops)
	if !ok {
		// Nothing to apply, the requested ref is already at the latest commit.
		current, found := findInstalled(installed, task.Ref)
		if !found {
			return errorResult(fmt.Errorf("%s: %w", task.Ref, backend.ErrNotInstalled))
		}
		primary = backend.Operation{Ref: current.Ref, Remote: current.Origin, Kind: taskOperationKind(task.Kind), Commit: current.Commit}
	}

	f.Package = s.dryRunPackage(ctx, inst, primary)
	for _, op := range ops {
		if op.IsRuntime {
			f.Runtimes = append(f.Runtimes, s.dryRunPackage(ctx, inst, op))
		}
	}

	if current, found := findInstalled(installed, primary.Ref); found {
		f.IsAlreadyInstalled = current.Commit == primary.Commit
		f.IsUpdate = current.Commit != primary.Commit
		if replacesOrigin(primary, current) {
			replaced := findRemote(remotes, current.Origin)
			replaced.Installation = inst.Info()
			f.IsReplacingRemote = &replaced
		}
	}

	f.HasUpdateSource = hasUpdateSource(primary.Remote, remotes, newRemotes)

	logger.Debugf("Forecast for %s: %d runtimes, %d new remotes", primary.Ref, len(f.Runtimes), len(f.Remotes))
	return model.NewDryRunResult(f)
}

func (s *Simulator) dryRunPackage(ctx context.Context, inst backend.Installation, op backend.Operation) model.DryRunPackage {
	pkg := model.DryRunPackage{
		Package:       op.Package(),
		OperationKind: op.Kind,
		Commit:        op.Commit,
		DownloadSize:  op.DownloadSize,
		InstalledSize: op.InstalledSize,
		IsRuntime:     op.IsRuntime,
	}

	metadata, icon, err := s.lookup.Lookup(ctx, inst, op.Package())
	if err != nil {
		s.logger.Debugf("Could not resolve metadata of %s: %s", op.Ref, err)
		return pkg
	}
	pkg.Metadata = metadata
	pkg.Icon = icon

	return pkg
}

// primaryOperation returns the operation of the ref the task targets.
func primaryOperation(task model.Task, ops []backend.Operation) (backend.Operation, bool) {
	for _, op := range ops {
		if op.IsRuntime {
			continue
		}

		switch task.Kind {
		case model.TaskKindInstallBundle:
			if op.Kind == model.OperationKindInstallBundle {
				return op, true
			}
		case model.TaskKindUninstall:
			if op.Ref == task.Ref {
				return op, true
			}
		default:
			if op.Ref == task.Ref && op.Kind != model.OperationKindUninstall {
				return op, true
			}
		}
	}

	return backend.Operation{}, false
}

func taskOperationKind(k model.TaskKind) model.OperationKind {
	switch k {
	case model.TaskKindInstallBundle:
		return model.OperationKindInstallBundle
	case model.TaskKindUninstall:
		return model.OperationKindUninstall
	case model.TaskKindUpdate, model.TaskKindUpdateInstallation:
		return model.OperationKindUpdate
	default:
		return model.OperationKindInstall
	}
}

// replacesOrigin reports if applying op conflicts with the origin of the installed ref.
// Bundles without origin conflict with any remote the ref was installed from.
func replacesOrigin(op backend.Operation, current model.InstalledRef) bool {
	switch op.Kind {
	case model.OperationKindInstall, model.OperationKindInstallBundle:
		return current.Origin != op.Remote
	}
	return false
}

func hasUpdateSource(remote string, configured, added []model.Remote) bool {
	if remote == "" {
		return false
	}
	for _, r := range append(append([]model.Remote{}, configured...), added...) {
		if r.Name == remote {
			return true
		}
	}
	return false
}

func findInstalled(refs []model.InstalledRef, ref string) (model.InstalledRef, bool) {
	for _, r := range refs {
		if r.Ref == ref {
			return r, true
		}
	}
	return model.InstalledRef{}, false
}

func findRemote(remotes []model.Remote, name string) model.Remote {
	for _, r := range remotes {
		if r.Name == name {
			return r
		}
	}
	return model.Remote{Name: name}
}

func errorResult(err error) model.TaskResult {
	return model.NewErrorResult(backend.ClassifyError(err, true))
}
