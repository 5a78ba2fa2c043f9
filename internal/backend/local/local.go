package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/slok/pkgworker/internal/appstream"
	"github.com/slok/pkgworker/internal/backend"
	"github.com/slok/pkgworker/internal/conventions"
	"github.com/slok/pkgworker/internal/log"
	"github.com/slok/pkgworker/internal/model"
)

// BackendConfig is the configuration for the local backend.
type BackendConfig struct {
	// HTTPClient is the client used for http(s) remotes.
	HTTPClient *resty.Client
	Logger     log.Logger
}

func (c *BackendConfig) defaults() error {
	if c.HTTPClient == nil {
		c.HTTPClient = resty.New().
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond)
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "backend.Local"})
	return nil
}

// Backend is a backend.Backend over on-disk package stores backed by sqlite.
type Backend struct {
	fetcher *fetcher
	logger  log.Logger
}

// NewBackend creates a new local backend.
func NewBackend(cfg BackendConfig) (*Backend, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Backend{fetcher: newFetcher(cfg.HTTPClient), logger: cfg.Logger}, nil
}

// Open opens an existing package store.
func (b *Backend) Open(ctx context.Context, inst model.Installation, path string) (backend.Installation, error) {
	if _, err := os.Stat(conventions.DatabasePath(path)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("no store at %s: %w", path, backend.ErrInvalidStore)
		}
		return nil, fmt.Errorf("could not check store at %s: %w", path, err)
	}

	return b.open(ctx, inst, path)
}

// Init creates a package store at path, it's a no-op for existing stores. It's the
// only way the schema of a store is created or migrated.
func (b *Backend) Init(ctx context.Context, inst model.Installation, path string) (backend.Installation, error) {
	for _, dir := range []string{path, filepath.Join(path, conventions.DeployDir), filepath.Join(path, conventions.AppstreamDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("could not create store directory: %w", err)
		}
	}

	logger := b.logger.WithValues(log.Kv{"installation": inst.Name})
	s, err := initStore(ctx, conventions.DatabasePath(path), logger)
	if err != nil {
		return nil, fmt.Errorf("could not initialize store at %s: %w", path, err)
	}
	b.logger.Infof("Package store initialized at %s", path)

	return b.newInstallation(inst, path, s, logger), nil
}

func (b *Backend) open(ctx context.Context, inst model.Installation, path string) (*Installation, error) {
	logger := b.logger.WithValues(log.Kv{"installation": inst.Name})

	s, err := openStore(ctx, conventions.DatabasePath(path), logger)
	if err != nil {
		return nil, fmt.Errorf("invalid store at %s: %w: %w", path, backend.ErrInvalidStore, err)
	}

	return b.newInstallation(inst, path, s, logger), nil
}

func (b *Backend) newInstallation(inst model.Installation, path string, s *store, logger log.Logger) *Installation {
	inst.Path = path
	return &Installation{info: inst, path: path, store: s, fetcher: b.fetcher, logger: logger}
}

// Installation is a live handle on a local package store.
type Installation struct {
	info    model.Installation
	path    string
	store   *store
	fetcher *fetcher
	logger  log.Logger
}

func (i *Installation) Info() model.Installation { return i.info }
func (i *Installation) Path() string             { return i.path }
func (i *Installation) Close() error             { return i.store.close() }

func (i *Installation) ListInstalled(ctx context.Context) ([]model.InstalledRef, error) {
	rows, err := i.store.listInstalled(ctx)
	if err != nil {
		return nil, err
	}

	refs := make([]model.InstalledRef, 0, len(rows))
	for _, r := range rows {
		refs = append(refs, r.InstalledRef)
	}

	return refs, nil
}

func (i *Installation) ListRemotes(ctx context.Context) ([]model.Remote, error) {
	remotes, err := i.store.listRemotes(ctx)
	if err != nil {
		return nil, err
	}

	for idx := range remotes {
		remotes[idx].Installation = i.info
	}

	return remotes, nil
}

func (i *Installation) AddRemote(ctx context.Context, r model.Remote) error {
	if r.Name == "" {
		return fmt.Errorf("remote name is required: %w", model.ErrNotValid)
	}
	if r.URL == "" {
		return fmt.Errorf("remote %s URL is required: %w", r.Name, model.ErrNotValid)
	}

	return i.store.addRemote(ctx, r)
}

func (i *Installation) getRemote(ctx context.Context, name string) (model.Remote, error) {
	remotes, err := i.store.listRemotes(ctx)
	if err != nil {
		return model.Remote{}, err
	}

	for _, r := range remotes {
		if r.Name == name {
			return r, nil
		}
	}

	return model.Remote{}, fmt.Errorf("remote %s: %w", name, backend.ErrRemoteNotFound)
}

func (i *Installation) UpdateAppstream(ctx context.Context, remote string) error {
	r, err := i.getRemote(ctx, remote)
	if err != nil {
		return err
	}

	c, err := i.fetcher.catalog(ctx, r.URL)
	if err != nil {
		return err
	}

	doc := appstream.Document{Remote: r.Name, UpdatedAt: time.Now().UTC()}
	for _, ref := range c.Refs {
		if ref.Appstream == nil {
			continue
		}
		doc.Components = append(doc.Components, appstream.Component{Ref: ref.Ref, Metadata: *ref.Appstream})
	}

	if err := appstream.WriteDocument(i.AppstreamPath(r.Name), doc); err != nil {
		return err
	}
	i.logger.Debugf("Cached appstream of %s with %d components", r.Name, len(doc.Components))

	return nil
}

func (i *Installation) AppstreamPath(remote string) string {
	return conventions.AppstreamPath(i.path, remote)
}

func (i *Installation) NewTransaction(ctx context.Context) (backend.Transaction, error) {
	return &transaction{inst: i, logger: i.logger}, nil
}
