package appstream

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/slok/pkgworker/internal/backend"
	"github.com/slok/pkgworker/internal/log"
	"github.com/slok/pkgworker/internal/model"
)

// RefresherConfig is the configuration for the appstream refresher.
type RefresherConfig struct {
	Logger log.Logger
}

func (c *RefresherConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "appstream.Refresher"})
	return nil
}

// Refresher keeps the application metadata cache of the installation remotes.
type Refresher struct {
	logger log.Logger
}

// NewRefresher creates a new appstream refresher.
func NewRefresher(cfg RefresherConfig) (*Refresher, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Refresher{logger: cfg.Logger}, nil
}

// Run executes an appstream task. A dry-run refresh fetches nothing and returns an
// empty forecast.
func (r *Refresher) Run(ctx context.Context, task model.Task, inst backend.Installation) model.TaskResult {
	if !task.Kind.IsAppstream() {
		err := fmt.Errorf("task kind %s is not an appstream task: %w", task.Kind, model.ErrNotValid)
		return model.NewErrorResult(backend.ClassifyError(err, task.DryRun))
	}

	if task.DryRun {
		if _, err := inst.ListRemotes(ctx); err != nil {
			return model.NewErrorResult(backend.ClassifyError(err, true))
		}
		return model.NewDryRunResult(model.DryRunForecast{})
	}

	var err error
	if task.Kind == model.TaskKindAppstreamEnsure {
		err = r.Ensure(ctx, inst)
	} else {
		err = r.Update(ctx, inst)
	}
	if err != nil {
		return model.NewErrorResult(backend.ClassifyError(err, false))
	}

	return model.NewDoneResult()
}

// Ensure fetches the metadata of the remotes without a cached copy.
func (r *Refresher) Ensure(ctx context.Context, inst backend.Installation) error {
	return r.refresh(ctx, inst, false)
}

// Update fetches the metadata of every remote.
func (r *Refresher) Update(ctx context.Context, inst backend.Installation) error {
	return r.refresh(ctx, inst, true)
}

func (r *Refresher) refresh(ctx context.Context, inst backend.Installation, force bool) error {
	logger := r.logger.WithCtxValues(ctx)

	remotes, err := inst.ListRemotes(ctx)
	if err != nil {
		return fmt.Errorf("could not list remotes: %w", err)
	}

	var errs []error
	for _, rm := range remotes {
		if ctx.Err() != nil {
			return fmt.Errorf("refreshing appstream: %w", backend.ErrCancelled)
		}

		if !force {
			if _, err := os.Stat(inst.AppstreamPath(rm.Name)); err == nil {
				logger.Debugf("Appstream of remote %s already cached", rm.Name)
				continue
			}
		}

		if err := inst.UpdateAppstream(ctx, rm.Name); err != nil {
			if errors.Is(err, backend.ErrCancelled) {
				return err
			}
			logger.Warningf("Could not update appstream of remote %s: %s", rm.Name, err)
			errs = append(errs, fmt.Errorf("remote %s: %w", rm.Name, err))
			continue
		}
		logger.Infof("Appstream of remote %s updated", rm.Name)
	}

	return errors.Join(errs...)
}

// LookupConfig is the configuration for the appstream metadata lookup.
type LookupConfig struct {
	Logger log.Logger
}

func (c *LookupConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "appstream.Lookup"})
	return nil
}

// Lookup resolves package metadata from the installation appstream cache.
type Lookup struct {
	logger log.Logger
}

// NewLookup creates a new appstream metadata lookup.
func NewLookup(cfg LookupConfig) (*Lookup, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Lookup{logger: cfg.Logger}, nil
}

// Lookup returns the serialized metadata and the icon of a package, both nil when
// the remote has no cached metadata for it.
func (l *Lookup) Lookup(ctx context.Context, inst backend.Installation, pkg model.PackageRef) ([]byte, []byte, error) {
	if pkg.Remote == "" {
		return nil, nil, nil
	}

	doc, err := ReadDocument(inst.AppstreamPath(pkg.Remote))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	c, ok := doc.Find(pkg.Ref)
	if !ok {
		return nil, nil, nil
	}

	var icon []byte
	if c.Icon != "" {
		icon, err = base64.StdEncoding.DecodeString(c.Icon)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid icon of %s: %w", pkg.Ref, err)
		}
	}

	c.Icon = ""
	metadata, err := yaml.Marshal(c)
	if err != nil {
		return nil, nil, fmt.Errorf("could not encode metadata of %s: %w", pkg.Ref, err)
	}

	return metadata, icon, nil
}
