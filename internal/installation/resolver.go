package installation

import (
	"context"
	"errors"
	"fmt"

	"github.com/slok/pkgworker/internal/backend"
	"github.com/slok/pkgworker/internal/log"
	"github.com/slok/pkgworker/internal/model"
)

// ResolverConfig is the configuration for the installation resolver.
type ResolverConfig struct {
	Backend backend.Backend
	// SystemPath is the location of the well-known system installation.
	SystemPath string
	// UserPath is the location of the well-known per-user installation.
	UserPath string
	Logger   log.Logger
}

func (c *ResolverConfig) defaults() error {
	if c.Backend == nil {
		return fmt.Errorf("backend is required")
	}
	if c.SystemPath == "" {
		return fmt.Errorf("system path is required")
	}
	if c.UserPath == "" {
		return fmt.Errorf("user path is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "installation.Resolver"})
	return nil
}

// Resolver turns installation descriptors into live backend handles.
type Resolver struct {
	backend    backend.Backend
	systemPath string
	userPath   string
	logger     log.Logger
}

// NewResolver creates a new installation resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Resolver{
		backend:    cfg.Backend,
		systemPath: cfg.SystemPath,
		userPath:   cfg.UserPath,
		logger:     cfg.Logger,
	}, nil
}

// Resolve opens the package store the descriptor points to. The well-known installations
// ignore the descriptor path, any other installation is opened strictly at its path.
// Resolving never creates a store.
func (r *Resolver) Resolve(ctx context.Context, inst model.Installation) (backend.Installation, error) {
	if err := inst.Validate(); err != nil {
		return nil, err
	}

	inst = r.WithPath(inst)
	h, err := r.backend.Open(ctx, inst, inst.Path)
	if err != nil {
		if errors.Is(err, backend.ErrInvalidStore) {
			return nil, fmt.Errorf("installation %q at %s: %w: %w", inst.Name, inst.Path, model.ErrNotFound, err)
		}
		return nil, fmt.Errorf("could not open installation %q at %s: %w", inst.Name, inst.Path, err)
	}
	r.logger.Debugf("Installation %q resolved at %s", inst.Name, inst.Path)

	return h, nil
}

// WithPath returns the descriptor with the path it resolves to.
func (r *Resolver) WithPath(inst model.Installation) model.Installation {
	switch {
	case inst.IsSystem():
		inst.Path = r.systemPath
	case inst.IsDefaultUser():
		inst.Path = r.userPath
	}
	return inst
}
