package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/slok/pkgworker/internal/backend"
	"github.com/slok/pkgworker/internal/log"
	"github.com/slok/pkgworker/internal/model"
)

// Package is a ref served by a fake remote.
type Package struct {
	Ref           string
	Commit        string
	DownloadSize  uint64
	InstalledSize uint64
	Runtime       string
}

// Remote is a fake remote with its packages.
type Remote struct {
	Name     string
	URL      string
	Packages []Package
}

// Bundle is a fake bundle file.
type Bundle struct {
	Package Package
	// Origin is the remote the bundle was built from, empty for sideloads.
	Origin string
}

// InstallationConfig is the configuration of a fake installation.
type InstallationConfig struct {
	Info model.Installation
	Path string
	// Remotes are the configured remotes.
	Remotes []Remote
	// ReachableRemotes are remotes not configured but reachable through runtime repos.
	ReachableRemotes []Remote
	// RuntimeRepos maps a runtime ref to the reachable remote that serves it.
	RuntimeRepos map[string]string
	Bundles      map[string]Bundle
	Installed    []model.InstalledRef
	// Gate blocks every operation until it's closed or the context is done.
	Gate chan struct{}
	// FailRef makes applying the operation of this ref fail with FailErr.
	FailRef string
	FailErr error
	Logger  log.Logger
}

func (c *InstallationConfig) defaults() error {
	if c.Path == "" {
		return fmt.Errorf("path is required")
	}
	if c.FailRef != "" && c.FailErr == nil {
		c.FailErr = fmt.Errorf("fake failure")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "backend.Fake"})
	return nil
}

// Installation is a fake in-memory package store.
type Installation struct {
	cfg       InstallationConfig
	remotes   map[string]Remote
	installed map[string]model.InstalledRef
	appstream map[string]bool
	mu        sync.Mutex
	logger    log.Logger
}

// NewInstallation creates a new fake installation.
func NewInstallation(cfg InstallationConfig) (*Installation, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	i := &Installation{
		cfg:       cfg,
		remotes:   map[string]Remote{},
		installed: map[string]model.InstalledRef{},
		appstream: map[string]bool{},
		logger:    cfg.Logger,
	}
	for _, r := range cfg.Remotes {
		i.remotes[r.Name] = r
	}
	for _, r := range cfg.Installed {
		i.installed[r.Ref] = r
	}

	return i, nil
}

// Backend is a fake backend.Backend serving fake installations by path.
type Backend struct {
	installations map[string]*Installation
}

// NewBackend returns a fake backend serving the installations.
func NewBackend(installations ...*Installation) *Backend {
	b := &Backend{installations: map[string]*Installation{}}
	for _, i := range installations {
		b.installations[i.cfg.Path] = i
	}
	return b
}

// Open returns the fake installation at path.
func (b *Backend) Open(ctx context.Context, inst model.Installation, path string) (backend.Installation, error) {
	i, ok := b.installations[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, backend.ErrInvalidStore)
	}
	return i, nil
}

func (i *Installation) Info() model.Installation { return i.cfg.Info }
func (i *Installation) Path() string             { return i.cfg.Path }
func (i *Installation) Close() error             { return nil }

func (i *Installation) ListInstalled(ctx context.Context) ([]model.InstalledRef, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	refs := make([]model.InstalledRef, 0, len(i.installed))
	for _, r := range i.installed {
		refs = append(refs, r)
	}
	sort.Slice(refs, func(a, b int) bool { return refs[a].Ref < refs[b].Ref })

	return refs, nil
}

func (i *Installation) ListRemotes(ctx context.Context) ([]model.Remote, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	remotes := make([]model.Remote, 0, len(i.remotes))
	for _, r := range i.remotes {
		remotes = append(remotes, model.Remote{Name: r.Name, URL: r.URL, Installation: i.cfg.Info})
	}
	sort.Slice(remotes, func(a, b int) bool { return remotes[a].Name < remotes[b].Name })

	return remotes, nil
}

func (i *Installation) AddRemote(ctx context.Context, r model.Remote) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.remotes[r.Name]; ok {
		return fmt.Errorf("remote %s: %w", r.Name, model.ErrAlreadyExists)
	}

	remote := Remote{Name: r.Name, URL: r.URL}
	for _, rr := range i.cfg.ReachableRemotes {
		if rr.Name == r.Name {
			remote = rr
		}
	}
	i.remotes[r.Name] = remote

	return nil
}

func (i *Installation) UpdateAppstream(ctx context.Context, remote string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.remotes[remote]; !ok {
		return fmt.Errorf("remote %s: %w", remote, backend.ErrRemoteNotFound)
	}
	i.appstream[remote] = true

	return nil
}

// AppstreamUpdated returns true if the remote application metadata has been updated.
func (i *Installation) AppstreamUpdated(remote string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.appstream[remote]
}

func (i *Installation) AppstreamPath(remote string) string {
	return i.cfg.Path + "/appstream/" + remote + "/appstream.yaml"
}

// Installed returns an installed ref.
func (i *Installation) Installed(ref string) (model.InstalledRef, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	r, ok := i.installed[ref]
	return r, ok
}

func (i *Installation) NewTransaction(ctx context.Context) (backend.Transaction, error) {
	return &transaction{inst: i}, nil
}

type request struct {
	kind   model.OperationKind
	remote string
	ref    string
	path   string
}

type transaction struct {
	inst  *Installation
	reqs  []request
	hooks backend.Hooks
	ops   []backend.Operation
	mu    sync.Mutex
}

func (t *transaction) AddInstall(remote, ref string) error {
	t.reqs = append(t.reqs, request{kind: model.OperationKindInstall, remote: remote, ref: ref})
	return nil
}

func (t *transaction) AddInstallBundle(path string) error {
	t.reqs = append(t.reqs, request{kind: model.OperationKindInstallBundle, path: path})
	return nil
}

func (t *transaction) AddUninstall(ref string) error {
	t.reqs = append(t.reqs, request{kind: model.OperationKindUninstall, ref: ref})
	return nil
}

func (t *transaction) AddUpdate(ref string) error {
	t.reqs = append(t.reqs, request{kind: model.OperationKindUpdate, ref: ref})
	return nil
}

func (t *transaction) SetHooks(h backend.Hooks) { t.hooks = h }

func (t *transaction) Operations() []backend.Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]backend.Operation(nil), t.ops...)
}

func (t *transaction) Resolve(ctx context.Context) ([]backend.Operation, error) {
	ops, err := t.resolve(ctx, false)
	if err != nil {
		return nil, err
	}
	return ops, nil
}

func (t *transaction) resolve(ctx context.Context, apply bool) ([]backend.Operation, error) {
	if ctx.Err() != nil {
		return nil, fmt.Errorf("resolving: %w", backend.ErrCancelled)
	}

	i := t.inst
	i.mu.Lock()
	defer i.mu.Unlock()

	remotes := map[string]Remote{}
	for k, v := range i.remotes {
		remotes[k] = v
	}

	var ops []backend.Operation
	planned := map[string]bool{}

	addRuntime := func(runtime, ref, preferred string) error {
		if runtime == "" || planned[runtime] {
			return nil
		}
		if _, ok := i.installed[runtime]; ok {
			return nil
		}

		pkg, remote, ok := findPackage(remotes, runtime, preferred)
		if !ok {
			repo, ok := i.cfg.RuntimeRepos[runtime]
			if !ok {
				return &backend.RuntimeNotFoundError{Runtime: runtime, Ref: ref}
			}
			var newRemote Remote
			for _, r := range i.cfg.ReachableRemotes {
				if r.Name == repo {
					newRemote = r
				}
			}
			mr := model.Remote{Name: newRemote.Name, URL: newRemote.URL, Installation: i.cfg.Info}
			if t.hooks.AddNewRemote == nil || !t.hooks.AddNewRemote(mr) {
				return fmt.Errorf("new remote %s for %s was not accepted", newRemote.Name, runtime)
			}
			remotes[newRemote.Name] = newRemote
			if apply {
				i.remotes[newRemote.Name] = newRemote
			}
			pkg, remote, ok = findPackage(remotes, runtime, newRemote.Name)
			if !ok {
				return &backend.RuntimeNotFoundError{Runtime: runtime, Ref: ref}
			}
		}

		planned[runtime] = true
		ops = append(ops, backend.Operation{
			Ref:           pkg.Ref,
			Remote:        remote,
			Kind:          model.OperationKindInstall,
			Commit:        pkg.Commit,
			DownloadSize:  pkg.DownloadSize,
			InstalledSize: pkg.InstalledSize,
			IsRuntime:     true,
		})
		return nil
	}

	for _, req := range t.reqs {
		switch req.kind {
		case model.OperationKindInstall:
			remote, ok := remotes[req.remote]
			if !ok {
				return nil, fmt.Errorf("remote %s: %w", req.remote, backend.ErrRemoteNotFound)
			}
			pkg, ok := remote.find(req.ref)
			if !ok {
				return nil, fmt.Errorf("%s in %s: %w", req.ref, req.remote, backend.ErrRefNotFound)
			}
			if err := addRuntime(pkg.Runtime, pkg.Ref, remote.Name); err != nil {
				return nil, err
			}
			kind := model.OperationKindInstall
			if inst, ok := i.installed[req.ref]; ok && inst.Origin == req.remote {
				kind = model.OperationKindUpdate
			}
			planned[pkg.Ref] = true
			ops = append(ops, operation(pkg, remote.Name, kind))

		case model.OperationKindInstallBundle:
			b, ok := i.cfg.Bundles[req.path]
			if !ok {
				return nil, fmt.Errorf("bundle %s: %w", req.path, model.ErrNotFound)
			}
			if err := addRuntime(b.Package.Runtime, b.Package.Ref, b.Origin); err != nil {
				return nil, err
			}
			op := operation(b.Package, b.Origin, model.OperationKindInstallBundle)
			op.BundlePath = req.path
			ops = append(ops, op)

		case model.OperationKindUninstall:
			inst, ok := i.installed[req.ref]
			if !ok {
				return nil, fmt.Errorf("%s: %w", req.ref, backend.ErrNotInstalled)
			}
			ops = append(ops, backend.Operation{Ref: inst.Ref, Remote: inst.Origin, Kind: model.OperationKindUninstall, Commit: inst.Commit})

		case model.OperationKindUpdate:
			inst, ok := i.installed[req.ref]
			if !ok {
				return nil, fmt.Errorf("%s: %w", req.ref, backend.ErrNotInstalled)
			}
			remote, ok := remotes[inst.Origin]
			if !ok {
				continue
			}
			pkg, ok := remote.find(req.ref)
			if !ok || pkg.Commit == inst.Commit {
				continue
			}
			if err := addRuntime(pkg.Runtime, pkg.Ref, remote.Name); err != nil {
				return nil, err
			}
			ops = append(ops, operation(pkg, remote.Name, model.OperationKindUpdate))
		}
	}

	t.mu.Lock()
	t.ops = ops
	t.mu.Unlock()

	return ops, nil
}

func (t *transaction) Run(ctx context.Context) error {
	ops, err := t.resolve(ctx, true)
	if err != nil {
		return err
	}

	i := t.inst
	for _, op := range ops {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op.Ref, backend.ErrCancelled)
		}

		if t.hooks.NewOperation != nil {
			t.hooks.NewOperation(op)
		}

		if i.cfg.Gate != nil {
			select {
			case <-i.cfg.Gate:
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", op.Ref, backend.ErrCancelled)
			}
		}

		start := time.Now().Add(-time.Second)
		for _, pct := range []int{50, 100} {
			if t.hooks.OperationProgress != nil {
				t.hooks.OperationProgress(backend.ProgressEvent{
					Operation:        op,
					BytesTransferred: op.DownloadSize * uint64(pct) / 100,
					StartedAt:        start,
					Progress:         pct,
				})
			}
		}

		if op.Ref == i.cfg.FailRef {
			return fmt.Errorf("applying %s: %w", op.Ref, i.cfg.FailErr)
		}

		if err := i.apply(op); err != nil {
			return err
		}
		i.logger.Debugf("Applied %s %s", op.Kind, op.Ref)

		if t.hooks.OperationDone != nil {
			t.hooks.OperationDone(op)
		}
	}

	return nil
}

func (i *Installation) apply(op backend.Operation) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	switch op.Kind {
	case model.OperationKindUninstall:
		delete(i.installed, op.Ref)
	default:
		if inst, ok := i.installed[op.Ref]; ok && op.Kind != model.OperationKindUpdate && inst.Origin != op.Remote {
			return fmt.Errorf("%s is installed from %s: %w", op.Ref, inst.Origin, backend.ErrAlreadyInstalled)
		}
		i.installed[op.Ref] = model.InstalledRef{Ref: op.Ref, Origin: op.Remote, Commit: op.Commit, InstalledSize: op.InstalledSize}
	}

	return nil
}

func (r Remote) find(ref string) (Package, bool) {
	for _, p := range r.Packages {
		if p.Ref == ref {
			return p, true
		}
	}
	return Package{}, false
}

func findPackage(remotes map[string]Remote, ref, preferred string) (Package, string, bool) {
	if r, ok := remotes[preferred]; ok {
		if p, ok := r.find(ref); ok {
			return p, r.Name, true
		}
	}

	names := make([]string, 0, len(remotes))
	for n := range remotes {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, n := range names {
		if p, ok := remotes[n].find(ref); ok {
			return p, n, true
		}
	}
	return Package{}, "", false
}

func operation(p Package, remote string, kind model.OperationKind) backend.Operation {
	return backend.Operation{
		Ref:           p.Ref,
		Remote:        remote,
		Kind:          kind,
		Commit:        p.Commit,
		DownloadSize:  p.DownloadSize,
		InstalledSize: p.InstalledSize,
	}
}
