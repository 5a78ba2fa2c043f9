package installation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/slok/pkgworker/internal/log"
	"github.com/slok/pkgworker/internal/model"
)

// descriptor is the on-disk format of a custom installation.
type descriptor struct {
	Name   string `yaml:"name"`
	Title  string `yaml:"title"`
	Path   string `yaml:"path"`
	IsUser bool   `yaml:"is_user"`
}

// RegistryConfig is the configuration for the installation registry.
type RegistryConfig struct {
	// ConfigDir is the directory holding one YAML descriptor per custom installation.
	ConfigDir  string
	SystemPath string
	UserPath   string
	// ReloadDelay groups bursts of config dir changes into a single reload.
	ReloadDelay time.Duration
	Logger      log.Logger
}

func (c *RegistryConfig) defaults() error {
	if c.SystemPath == "" {
		return fmt.Errorf("system path is required")
	}
	if c.UserPath == "" {
		return fmt.Errorf("user path is required")
	}
	if c.ReloadDelay <= 0 {
		c.ReloadDelay = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "installation.Registry"})
	return nil
}

// Registry knows the installations available on the system: the well-known ones
// plus the custom ones described in the config dir.
type Registry struct {
	cfg    RegistryConfig
	custom []model.Installation
	mu     sync.RWMutex
	logger log.Logger
}

// NewRegistry creates a new registry with the config dir already loaded.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	r := &Registry{cfg: cfg, logger: cfg.Logger}
	if err := r.Reload(); err != nil {
		return nil, err
	}

	return r, nil
}

// List returns the known installations with their paths, well-known ones first.
func (r *Registry) List() []model.Installation {
	system := model.SystemInstallation()
	system.Path = r.cfg.SystemPath
	user := model.UserInstallation()
	user.Path = r.cfg.UserPath

	r.mu.RLock()
	defer r.mu.RUnlock()

	insts := []model.Installation{system, user}
	return append(insts, r.custom...)
}

// Get returns a known installation by name.
func (r *Registry) Get(name string) (model.Installation, error) {
	for _, inst := range r.List() {
		if inst.Name == name {
			return inst, nil
		}
	}
	return model.Installation{}, fmt.Errorf("installation %q: %w", name, model.ErrNotFound)
}

// Reload reads again the installation descriptors. A missing config dir means no
// custom installations, invalid descriptors are skipped.
func (r *Registry) Reload() error {
	custom, err := r.load()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.custom = custom
	r.mu.Unlock()

	r.logger.Debugf("Loaded %d custom installations", len(custom))
	return nil
}

func (r *Registry) load() ([]model.Installation, error) {
	if r.cfg.ConfigDir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(r.cfg.ConfigDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not read installations config dir: %w", err)
	}

	seen := map[string]bool{model.SystemInstallationName: true, model.UserInstallationName: true}
	var custom []model.Installation
	for _, e := range entries {
		if e.IsDir() || !isDescriptorFile(e.Name()) {
			continue
		}

		path := filepath.Join(r.cfg.ConfigDir, e.Name())
		inst, err := readDescriptor(path)
		if err != nil {
			r.logger.Warningf("Ignoring installation descriptor %s: %s", path, err)
			continue
		}
		if seen[inst.Name] {
			r.logger.Warningf("Ignoring installation descriptor %s: duplicated name %q", path, inst.Name)
			continue
		}
		seen[inst.Name] = true
		custom = append(custom, inst)
	}

	sort.Slice(custom, func(i, j int) bool { return custom[i].Name < custom[j].Name })
	return custom, nil
}

func readDescriptor(path string) (model.Installation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Installation{}, err
	}

	var d descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return model.Installation{}, fmt.Errorf("could not decode YAML: %w", err)
	}

	inst := model.Installation{Name: d.Name, Title: d.Title, Path: d.Path, IsUser: d.IsUser}
	if err := inst.Validate(); err != nil {
		return model.Installation{}, err
	}
	if !filepath.IsAbs(inst.Path) {
		return model.Installation{}, fmt.Errorf("installation path %q must be absolute: %w", inst.Path, model.ErrNotValid)
	}

	return inst, nil
}

func isDescriptorFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return !strings.HasPrefix(name, ".") && (ext == ".yaml" || ext == ".yml")
}

// Watch reloads the registry when the config dir changes, it blocks until the
// context is done.
func (r *Registry) Watch(ctx context.Context) error {
	if r.cfg.ConfigDir == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("could not create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.cfg.ConfigDir); err != nil {
		r.logger.Warningf("Installations config dir %s not watched: %s", r.cfg.ConfigDir, err)
		<-ctx.Done()
		return nil
	}
	r.logger.Debugf("Watching installations config dir %s", r.cfg.ConfigDir)

	timer := time.NewTimer(r.cfg.ReloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isDescriptorFile(filepath.Base(ev.Name)) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(r.cfg.ReloadDelay)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warningf("Installations config dir watcher error: %s", err)

		case <-timer.C:
			if err := r.Reload(); err != nil {
				r.logger.Errorf("Could not reload installations: %s", err)
				continue
			}
			r.logger.Infof("Installations reloaded")
		}
	}
}
