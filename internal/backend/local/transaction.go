package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/slok/pkgworker/internal/backend"
	"github.com/slok/pkgworker/internal/conventions"
	"github.com/slok/pkgworker/internal/log"
	"github.com/slok/pkgworker/internal/model"
)

const payloadFile = "payload"

type request struct {
	kind   model.OperationKind
	remote string
	ref    string
	path   string
}

// step is a resolved operation with the location of its payload.
type step struct {
	op backend.Operation
	// source is the remote URL serving the payload, or the bundle dir.
	source  string
	payload string
}

type plan struct {
	steps      []step
	newRemotes []model.Remote
}

type transaction struct {
	inst   *Installation
	reqs   []request
	hooks  backend.Hooks
	ops    []backend.Operation
	mu     sync.Mutex
	logger log.Logger
}

func (t *transaction) AddInstall(remote, ref string) error {
	if _, err := model.ParseRef(ref); err != nil {
		return err
	}
	t.reqs = append(t.reqs, request{kind: model.OperationKindInstall, remote: remote, ref: ref})
	return nil
}

func (t *transaction) AddInstallBundle(path string) error {
	if path == "" {
		return fmt.Errorf("bundle path is required: %w", model.ErrNotValid)
	}
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
	p, err := t.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return operations(p), nil
}

// resolver holds the state of one resolution.
type resolver struct {
	t         *transaction
	remotes   map[string]model.Remote
	installed map[string]model.InstalledRef
	removed   map[string]bool
	planned   map[string]bool
	catalogs  map[string]*catalog
	plan      plan
}

func (t *transaction) resolve(ctx context.Context) (*plan, error) {
	if ctx.Err() != nil {
		return nil, fmt.Errorf("resolving: %w", backend.ErrCancelled)
	}

	remotes, err := t.inst.store.listRemotes(ctx)
	if err != nil {
		return nil, err
	}
	installed, err := t.inst.ListInstalled(ctx)
	if err != nil {
		return nil, err
	}

	r := &resolver{
		t:         t,
		remotes:   map[string]model.Remote{},
		installed: map[string]model.InstalledRef{},
		removed:   map[string]bool{},
		planned:   map[string]bool{},
		catalogs:  map[string]*catalog{},
	}
	for _, rm := range remotes {
		r.remotes[rm.Name] = rm
	}
	for _, ir := range installed {
		r.installed[ir.Ref] = ir
	}

	for _, req := range t.reqs {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("resolving: %w", backend.ErrCancelled)
		}

		var err error
		switch req.kind {
		case model.OperationKindInstall:
			err = r.install(ctx, req)
		case model.OperationKindInstallBundle:
			err = r.installBundle(ctx, req)
		case model.OperationKindUninstall:
			err = r.uninstall(req)
		case model.OperationKindUpdate:
			err = r.update(ctx, req)
		}
		if err != nil {
			return nil, err
		}
	}

	t.mu.Lock()
	t.ops = operations(&r.plan)
	t.mu.Unlock()

	return &r.plan, nil
}

func (r *resolver) isInstalled(ref string) (model.InstalledRef, bool) {
	if r.removed[ref] {
		return model.InstalledRef{}, false
	}
	ir, ok := r.installed[ref]
	return ir, ok
}

func (r *resolver) catalog(ctx context.Context, remote string) (*catalog, error) {
	if c, ok := r.catalogs[remote]; ok {
		return c, nil
	}

	rm, ok := r.remotes[remote]
	if !ok {
		return nil, fmt.Errorf("remote %s: %w", remote, backend.ErrRemoteNotFound)
	}

	c, err := r.t.inst.fetcher.catalog(ctx, rm.URL)
	if err != nil {
		return nil, err
	}
	r.catalogs[remote] = c

	return c, nil
}

func (r *resolver) install(ctx context.Context, req request) error {
	c, err := r.catalog(ctx, req.remote)
	if err != nil {
		return err
	}
	cr, ok := c.find(req.ref)
	if !ok {
		return fmt.Errorf("%s in %s: %w", req.ref, req.remote, backend.ErrRefNotFound)
	}

	kind := model.OperationKindInstall
	if ir, ok := r.isInstalled(req.ref); ok && ir.Origin == req.remote {
		if ir.Commit == cr.Commit {
			r.t.logger.Debugf("%s is already installed at commit %s", req.ref, ir.Commit)
			return nil
		}
		kind = model.OperationKindUpdate
	}

	if err := r.runtime(ctx, cr.Runtime, cr.RuntimeRepo, cr.Ref, req.remote); err != nil {
		return err
	}

	r.add(stepFromCatalog(cr, r.remotes[req.remote], kind))
	return nil
}

func (r *resolver) installBundle(ctx context.Context, req request) error {
	b, err := readBundle(req.path)
	if err != nil {
		return err
	}

	if err := r.runtime(ctx, b.Runtime, b.RuntimeRepo, b.Ref, b.Origin); err != nil {
		return err
	}

	info, err := os.Stat(filepath.Join(filepath.Dir(req.path), filepath.FromSlash(b.Payload)))
	if err != nil {
		return fmt.Errorf("could not stat bundle payload: %w", err)
	}

	r.add(step{
		op: backend.Operation{
			Ref:           b.Ref,
			Remote:        b.Origin,
			Kind:          model.OperationKindInstallBundle,
			Commit:        b.Commit,
			DownloadSize:  uint64(info.Size()),
			InstalledSize: b.InstalledSize,
			BundlePath:    req.path,
		},
		source:  filepath.Dir(req.path),
		payload: b.Payload,
	})
	return nil
}

func (r *resolver) uninstall(req request) error {
	ir, ok := r.isInstalled(req.ref)
	if !ok {
		return fmt.Errorf("%s: %w", req.ref, backend.ErrNotInstalled)
	}

	r.removed[req.ref] = true
	r.add(step{op: backend.Operation{
		Ref:           ir.Ref,
		Remote:        ir.Origin,
		Kind:          model.OperationKindUninstall,
		Commit:        ir.Commit,
		InstalledSize: ir.InstalledSize,
	}})
	return nil
}

func (r *resolver) update(ctx context.Context, req request) error {
	ir, ok := r.isInstalled(req.ref)
	if !ok {
		return fmt.Errorf("%s: %w", req.ref, backend.ErrNotInstalled)
	}
	if r.planned[req.ref] {
		return nil
	}

	if _, ok := r.remotes[ir.Origin]; !ok {
		r.t.logger.Debugf("%s has no update source", req.ref)
		return nil
	}
	c, err := r.catalog(ctx, ir.Origin)
	if err != nil {
		return err
	}
	cr, ok := c.find(req.ref)
	if !ok || cr.Commit == ir.Commit {
		return nil
	}

	if err := r.runtime(ctx, cr.Runtime, cr.RuntimeRepo, cr.Ref, ir.Origin); err != nil {
		return err
	}

	r.add(stepFromCatalog(cr, r.remotes[ir.Origin], model.OperationKindUpdate))
	return nil
}

// runtime plans the install of a missing runtime. It's searched on the preferred remote,
// then on the rest of configured remotes and finally on the runtime repo of the ref.
func (r *resolver) runtime(ctx context.Context, runtime string, repo *remoteRef, ref, preferred string) error {
	if runtime == "" || r.planned[runtime] {
		return nil
	}
	if _, ok := r.isInstalled(runtime); ok {
		return nil
	}

	names := make([]string, 0, len(r.remotes))
	for n := range r.remotes {
		if n != preferred {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	if _, ok := r.remotes[preferred]; ok {
		names = append([]string{preferred}, names...)
	}

	for _, n := range names {
		c, err := r.catalog(ctx, n)
		if err != nil {
			if errors.Is(err, backend.ErrCancelled) {
				return err
			}
			r.t.logger.Warningf("Skipping remote %s while searching runtime %s: %s", n, runtime, err)
			continue
		}
		if cr, ok := c.find(runtime); ok {
			s := stepFromCatalog(cr, r.remotes[n], model.OperationKindInstall)
			s.op.IsRuntime = true
			r.add(s)
			return nil
		}
	}

	if repo == nil || repo.Name == "" {
		return &backend.RuntimeNotFoundError{Runtime: runtime, Ref: ref}
	}
	if _, ok := r.remotes[repo.Name]; ok {
		return &backend.RuntimeNotFoundError{Runtime: runtime, Ref: ref}
	}

	newRemote := repo.model(r.t.inst.info)
	if r.t.hooks.AddNewRemote == nil || !r.t.hooks.AddNewRemote(newRemote) {
		return fmt.Errorf("remote %s required by %s was not accepted", newRemote.Name, runtime)
	}
	r.remotes[newRemote.Name] = newRemote
	r.plan.newRemotes = append(r.plan.newRemotes, newRemote)

	c, err := r.catalog(ctx, newRemote.Name)
	if err != nil {
		return err
	}
	cr, ok := c.find(runtime)
	if !ok {
		return &backend.RuntimeNotFoundError{Runtime: runtime, Ref: ref}
	}

	s := stepFromCatalog(cr, newRemote, model.OperationKindInstall)
	s.op.IsRuntime = true
	r.add(s)
	return nil
}

func (r *resolver) add(s step) {
	r.planned[s.op.Ref] = true
	r.plan.steps = append(r.plan.steps, s)
}

func stepFromCatalog(cr catalogRef, remote model.Remote, kind model.OperationKind) step {
	return step{
		op: backend.Operation{
			Ref:           cr.Ref,
			Remote:        remote.Name,
			Kind:          kind,
			Commit:        cr.Commit,
			DownloadSize:  cr.DownloadSize,
			InstalledSize: cr.InstalledSize,
		},
		source:  remote.URL,
		payload: cr.Payload,
	}
}

func operations(p *plan) []backend.Operation {
	ops := make([]backend.Operation, 0, len(p.steps))
	for _, s := range p.steps {
		ops = append(ops, s.op)
	}
	return ops
}

func (t *transaction) Run(ctx context.Context) error {
	p, err := t.resolve(ctx)
	if err != nil {
		return err
	}

	for _, r := range p.newRemotes {
		if err := t.inst.store.addRemote(ctx, r); err != nil && !errors.Is(err, model.ErrAlreadyExists) {
			return fmt.Errorf("could not add remote %s: %w", r.Name, err)
		}
		t.logger.Infof("Added remote %s (%s)", r.Name, r.URL)
	}

	for _, s := range p.steps {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", s.op.Ref, backend.ErrCancelled)
		}

		if t.hooks.NewOperation != nil {
			t.hooks.NewOperation(s.op)
		}

		if err := t.apply(ctx, s); err != nil {
			return err
		}
		t.logger.Debugf("Applied %s %s", s.op.Kind, s.op.Ref)

		if t.hooks.OperationDone != nil {
			t.hooks.OperationDone(s.op)
		}
	}

	return nil
}

func (t *transaction) apply(ctx context.Context, s step) error {
	st := t.inst.store

	if s.op.Kind == model.OperationKindUninstall {
		ir, err := st.getInstalled(ctx, s.op.Ref)
		if err != nil {
			return fmt.Errorf("%s: %w", s.op.Ref, backend.ErrNotInstalled)
		}
		if err := os.RemoveAll(ir.DeployPath); err != nil {
			return fmt.Errorf("could not remove deployment of %s: %w", s.op.Ref, err)
		}
		return st.deleteInstalled(ctx, s.op.Ref)
	}

	current, err := st.getInstalled(ctx, s.op.Ref)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	if current != nil && s.op.Kind != model.OperationKindUpdate && current.Origin != s.op.Remote {
		return fmt.Errorf("%s is installed from %s: %w", s.op.Ref, current.Origin, backend.ErrAlreadyInstalled)
	}

	deployPath := conventions.DeployPath(t.inst.path, s.op.Ref)
	if err := t.deploy(ctx, s, deployPath); err != nil {
		return err
	}

	return st.putInstalled(ctx, installedRow{
		InstalledRef: model.InstalledRef{
			Ref:           s.op.Ref,
			Origin:        s.op.Remote,
			Commit:        s.op.Commit,
			InstalledSize: s.op.InstalledSize,
		},
		DeployPath:  deployPath,
		InstalledAt: time.Now().UTC(),
	})
}

// deploy copies the payload into a temporary dir and swaps it with the current deployment.
func (t *transaction) deploy(ctx context.Context, s step, deployPath string) error {
	src, err := t.openPayload(ctx, s)
	if err != nil {
		return err
	}
	defer src.Close()

	parent := filepath.Dir(deployPath)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("could not create deploy dir: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, ".deploy-*")
	if err != nil {
		return fmt.Errorf("could not create temp deploy dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	dst, err := os.Create(filepath.Join(tmp, payloadFile))
	if err != nil {
		return fmt.Errorf("could not create payload file: %w", err)
	}
	defer dst.Close()

	startedAt := time.Now()
	pw := newProgressWriter(ctx, dst, s.op.DownloadSize, func(written uint64, pct int) {
		if t.hooks.OperationProgress == nil {
			return
		}
		t.hooks.OperationProgress(backend.ProgressEvent{
			Operation:        s.op,
			BytesTransferred: written,
			StartedAt:        startedAt,
			Progress:         pct,
		})
	})

	if _, err := io.Copy(pw, src); err != nil {
		if errors.Is(err, backend.ErrCancelled) {
			return fmt.Errorf("%s: %w", s.op.Ref, err)
		}
		return fmt.Errorf("could not transfer payload of %s: %w", s.op.Ref, err)
	}
	pw.Finish()

	if err := dst.Close(); err != nil {
		return fmt.Errorf("could not close payload file: %w", err)
	}
	if err := os.RemoveAll(deployPath); err != nil {
		return fmt.Errorf("could not remove previous deployment: %w", err)
	}
	if err := os.Rename(tmp, deployPath); err != nil {
		return fmt.Errorf("could not move deployment: %w", err)
	}

	return nil
}

func (t *transaction) openPayload(ctx context.Context, s step) (io.ReadCloser, error) {
	if s.op.Kind == model.OperationKindInstallBundle {
		return openFile(filepath.Join(s.source, filepath.FromSlash(s.payload)))
	}
	return t.inst.fetcher.open(ctx, s.source, s.payload)
}
