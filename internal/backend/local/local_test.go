package local_test

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/pkgworker/internal/appstream"
	"github.com/slok/pkgworker/internal/backend"
	"github.com/slok/pkgworker/internal/backend/local"
	"github.com/slok/pkgworker/internal/conventions"
	"github.com/slok/pkgworker/internal/model"
)

const (
	appRef     = "app/org.example.Foo/x86_64/stable"
	runtimeRef = "runtime/org.example.Platform/x86_64/23.08"
)

// newRemote writes a remote with its catalog and payload objects into a temp dir.
func newRemote(t *testing.T, catalog string, objects map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, conventions.CatalogFile), []byte(catalog), 0o644))
	for name, content := range objects {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func newInstallation(t *testing.T, remotes map[string]string) backend.Installation {
	t.Helper()
	b, err := local.NewBackend(local.BackendConfig{})
	require.NoError(t, err)

	inst, err := b.Init(context.Background(), model.SystemInstallation(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close() })

	for name, url := range remotes {
		require.NoError(t, inst.AddRemote(context.Background(), model.Remote{Name: name, URL: url}))
	}
	return inst
}

const flathubCatalog = `
title: Flathub
refs:
  - ref: app/org.example.Foo/x86_64/stable
    commit: c2
    download_size: 9
    installed_size: 90
    runtime: runtime/org.example.Platform/x86_64/23.08
    payload: objects/foo
    appstream:
      name: Foo
      summary: The foo app
  - ref: runtime/org.example.Platform/x86_64/23.08
    commit: r1
    download_size: 7
    installed_size: 70
    payload: objects/platform
`

var flathubObjects = map[string]string{"objects/foo": "foo-bytes", "objects/platform": "runtime"}

type recorder struct {
	mu      sync.Mutex
	started []string
	done    []string
	events  []backend.ProgressEvent
}

func (r *recorder) hooks() backend.Hooks {
	return backend.Hooks{
		NewOperation: func(op backend.Operation) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.started = append(r.started, op.ID())
		},
		OperationProgress: func(ev backend.ProgressEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, ev)
		},
		OperationDone: func(op backend.Operation) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.done = append(r.done, op.ID())
		},
		AddNewRemote: func(model.Remote) bool { return true },
	}
}

func TestBackendOpen(t *testing.T) {
	b, err := local.NewBackend(local.BackendConfig{})
	require.NoError(t, err)

	_, err = b.Open(context.Background(), model.SystemInstallation(), t.TempDir())
	assert.ErrorIs(t, err, backend.ErrInvalidStore)

	path := t.TempDir()
	inst, err := b.Init(context.Background(), model.SystemInstallation(), path)
	require.NoError(t, err)
	require.NoError(t, inst.AddRemote(context.Background(), model.Remote{Name: "flathub", URL: "/repo"}))
	require.NoError(t, inst.Close())

	inst, err = b.Open(context.Background(), model.SystemInstallation(), path)
	require.NoError(t, err)
	defer inst.Close()

	remotes, err := inst.ListRemotes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.Remote{{Name: "flathub", URL: "/repo", Installation: model.Installation{Name: "default", Title: "System", Path: path}}}, remotes)

	err = inst.AddRemote(context.Background(), model.Remote{Name: "flathub", URL: "/other"})
	assert.ErrorIs(t, err, model.ErrAlreadyExists)
}

func TestBackendOpenInvalidStore(t *testing.T) {
	tests := map[string]struct {
		setup func(t *testing.T, dbPath string)
	}{
		"A missing database should not be a store.": {
			setup: func(t *testing.T, dbPath string) {},
		},

		"An empty database file should not be a store.": {
			setup: func(t *testing.T, dbPath string) {
				require.NoError(t, os.WriteFile(dbPath, nil, 0o644))
			},
		},

		"A file that is not a database should not be a store.": {
			setup: func(t *testing.T, dbPath string) {
				require.NoError(t, os.WriteFile(dbPath, []byte("definitely not sqlite"), 0o644))
			},
		},

		"A foreign sqlite database should not be a store.": {
			setup: func(t *testing.T, dbPath string) {
				db, err := sql.Open("sqlite", dbPath)
				require.NoError(t, err)
				defer db.Close()
				_, err = db.Exec(`CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)`)
				require.NoError(t, err)
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			path := t.TempDir()
			dbPath := conventions.DatabasePath(path)
			test.setup(t, dbPath)
			before := dirSnapshot(t, path)

			b, err := local.NewBackend(local.BackendConfig{})
			require.NoError(err)
			_, err = b.Open(context.Background(), model.Installation{Name: "extra", Path: path}, path)
			assert.ErrorIs(err, backend.ErrInvalidStore)

			// Opening must leave the location untouched.
			assert.Equal(before, dirSnapshot(t, path))
		})
	}
}

// dirSnapshot returns the name and content of every file in dir.
func dirSnapshot(t *testing.T, dir string) map[string]string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	snap := map[string]string{}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		snap[e.Name()] = string(data)
	}
	return snap
}

func TestTransactionInstall(t *testing.T) {
	remote := newRemote(t, flathubCatalog, flathubObjects)
	inst := newInstallation(t, map[string]string{"flathub": remote})

	tx, err := inst.NewTransaction(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.AddInstall("flathub", appRef))
	rec := &recorder{}
	tx.SetHooks(rec.hooks())

	// Resolving should not change anything.
	ops, err := tx.Resolve(context.Background())
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, backend.Operation{Ref: runtimeRef, Remote: "flathub", Kind: model.OperationKindInstall, Commit: "r1", DownloadSize: 7, InstalledSize: 70, IsRuntime: true}, ops[0])
	assert.Equal(t, backend.Operation{Ref: appRef, Remote: "flathub", Kind: model.OperationKindInstall, Commit: "c2", DownloadSize: 9, InstalledSize: 90}, ops[1])
	installed, err := inst.ListInstalled(context.Background())
	require.NoError(t, err)
	assert.Empty(t, installed)

	require.NoError(t, tx.Run(context.Background()))

	assert.Equal(t, []string{"install:" + runtimeRef, "install:" + appRef}, rec.started)
	assert.Equal(t, []string{"install:" + runtimeRef, "install:" + appRef}, rec.done)
	require.NotEmpty(t, rec.events)
	last := rec.events[len(rec.events)-1]
	assert.Equal(t, 100, last.Progress)
	assert.Equal(t, uint64(9), last.BytesTransferred)
	assert.False(t, last.StartedAt.IsZero())

	installed, err = inst.ListInstalled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.InstalledRef{
		{Ref: appRef, Origin: "flathub", Commit: "c2", InstalledSize: 90},
		{Ref: runtimeRef, Origin: "flathub", Commit: "r1", InstalledSize: 70},
	}, installed)

	data, err := os.ReadFile(filepath.Join(conventions.DeployPath(inst.Path(), appRef), "payload"))
	require.NoError(t, err)
	assert.Equal(t, "foo-bytes", string(data))

	// Installing again the same commit is a no-op.
	tx, err = inst.NewTransaction(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.AddInstall("flathub", appRef))
	ops, err = tx.Resolve(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestTransactionErrors(t *testing.T) {
	tests := map[string]struct {
		catalog string
		objects map[string]string
		build   func(tx backend.Transaction) error
		cancel  bool
		expErr  error
		check   func(t *testing.T, err error)
	}{
		"A missing runtime should fail with a runtime not found error.": {
			catalog: "refs:\n  - ref: app/org.example.Foo/x86_64/stable\n    commit: c1\n    runtime: runtime/org.example.Platform/x86_64/23.08\n    payload: objects/foo\n",
			build:   func(tx backend.Transaction) error { return tx.AddInstall("flathub", appRef) },
			check: func(t *testing.T, err error) {
				var rtErr *backend.RuntimeNotFoundError
				require.ErrorAs(t, err, &rtErr)
				assert.Equal(t, runtimeRef, rtErr.Runtime)
				assert.Equal(t, appRef, rtErr.Ref)
			},
		},

		"A missing ref should fail.": {
			catalog: "refs: []\n",
			build:   func(tx backend.Transaction) error { return tx.AddInstall("flathub", appRef) },
			expErr:  backend.ErrRefNotFound,
		},

		"A missing remote should fail.": {
			catalog: flathubCatalog,
			build:   func(tx backend.Transaction) error { return tx.AddInstall("missing", appRef) },
			expErr:  backend.ErrRemoteNotFound,
		},

		"Uninstalling a not installed ref should fail.": {
			catalog: flathubCatalog,
			build:   func(tx backend.Transaction) error { return tx.AddUninstall(appRef) },
			expErr:  backend.ErrNotInstalled,
		},

		"A cancelled transaction should fail as cancelled.": {
			catalog: flathubCatalog,
			objects: flathubObjects,
			build:   func(tx backend.Transaction) error { return tx.AddInstall("flathub", appRef) },
			cancel:  true,
			expErr:  backend.ErrCancelled,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			remote := newRemote(t, test.catalog, test.objects)
			inst := newInstallation(t, map[string]string{"flathub": remote})

			tx, err := inst.NewTransaction(context.Background())
			require.NoError(t, err)
			require.NoError(t, test.build(tx))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if test.cancel {
				cancel()
			}

			err = tx.Run(ctx)
			require.Error(t, err)
			if test.expErr != nil {
				assert.ErrorIs(t, err, test.expErr)
			}
			if test.check != nil {
				test.check(t, err)
			}

			installed, err := inst.ListInstalled(context.Background())
			require.NoError(t, err)
			assert.Empty(t, installed)
		})
	}
}

func TestTransactionReplaceRemote(t *testing.T) {
	flathub := newRemote(t, flathubCatalog, flathubObjects)
	other := newRemote(t, "refs:\n  - ref: app/org.example.Foo/x86_64/stable\n    commit: o1\n    download_size: 5\n    runtime: runtime/org.example.Platform/x86_64/23.08\n    payload: foo\n", map[string]string{"foo": "other"})
	inst := newInstallation(t, map[string]string{"flathub": flathub, "other-remote": other})

	tx, _ := inst.NewTransaction(context.Background())
	require.NoError(t, tx.AddInstall("flathub", appRef))
	require.NoError(t, tx.Run(context.Background()))

	// Installing from another remote conflicts with the current install.
	tx, _ = inst.NewTransaction(context.Background())
	require.NoError(t, tx.AddInstall("other-remote", appRef))
	ops, err := tx.Resolve(context.Background())
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, model.OperationKindInstall, ops[0].Kind)
	err = tx.Run(context.Background())
	assert.ErrorIs(t, err, backend.ErrAlreadyInstalled)

	// Uninstalling first replaces the remote.
	tx, _ = inst.NewTransaction(context.Background())
	require.NoError(t, tx.AddUninstall(appRef))
	require.NoError(t, tx.AddInstall("other-remote", appRef))
	require.NoError(t, tx.Run(context.Background()))

	installed, err := inst.ListInstalled(context.Background())
	require.NoError(t, err)
	assert.Contains(t, installed, model.InstalledRef{Ref: appRef, Origin: "other-remote", Commit: "o1"})
}

func TestTransactionUpdateAndUninstall(t *testing.T) {
	dir := newRemote(t, flathubCatalog, flathubObjects)
	inst := newInstallation(t, map[string]string{"flathub": dir})

	tx, _ := inst.NewTransaction(context.Background())
	require.NoError(t, tx.AddInstall("flathub", appRef))
	require.NoError(t, tx.Run(context.Background()))

	// Nothing to update while the remote has the same commits.
	tx, _ = inst.NewTransaction(context.Background())
	require.NoError(t, tx.AddUpdate(appRef))
	require.NoError(t, tx.AddUpdate(runtimeRef))
	ops, err := tx.Resolve(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ops)

	// Publish a new commit.
	updated := strings.Replace(flathubCatalog, "commit: c2", "commit: c3", 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, conventions.CatalogFile), []byte(updated), 0o644))

	tx, _ = inst.NewTransaction(context.Background())
	require.NoError(t, tx.AddUpdate(appRef))
	require.NoError(t, tx.AddUpdate(runtimeRef))
	rec := &recorder{}
	tx.SetHooks(rec.hooks())
	require.NoError(t, tx.Run(context.Background()))
	assert.Equal(t, []string{"update:" + appRef}, rec.done)

	installed, err := inst.ListInstalled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c3", installed[0].Commit)

	tx, _ = inst.NewTransaction(context.Background())
	require.NoError(t, tx.AddUninstall(appRef))
	require.NoError(t, tx.Run(context.Background()))

	installed, err = inst.ListInstalled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.InstalledRef{{Ref: runtimeRef, Origin: "flathub", Commit: "r1", InstalledSize: 70}}, installed)
	_, err = os.Stat(conventions.DeployPath(inst.Path(), appRef))
	assert.True(t, os.IsNotExist(err))
}

func TestTransactionRuntimeRepo(t *testing.T) {
	platform := newRemote(t, "refs:\n  - ref: runtime/org.example.Platform/x86_64/23.08\n    commit: r1\n    download_size: 7\n    payload: objects/platform\n", map[string]string{"objects/platform": "runtime"})
	catalog := "refs:\n  - ref: app/org.example.Foo/x86_64/stable\n    commit: c1\n    runtime: runtime/org.example.Platform/x86_64/23.08\n    runtime_repo:\n      name: platform-repo\n      url: " + platform + "\n    payload: foo\n"
	flathub := newRemote(t, catalog, map[string]string{"foo": "foo"})

	t.Run("A rejected new remote should abort the transaction.", func(t *testing.T) {
		inst := newInstallation(t, map[string]string{"flathub": flathub})
		tx, _ := inst.NewTransaction(context.Background())
		require.NoError(t, tx.AddInstall("flathub", appRef))
		tx.SetHooks(backend.Hooks{AddNewRemote: func(model.Remote) bool { return false }})
		_, err := tx.Resolve(context.Background())
		assert.Error(t, err)
	})

	t.Run("An accepted new remote should be added when applying.", func(t *testing.T) {
		inst := newInstallation(t, map[string]string{"flathub": flathub})
		tx, _ := inst.NewTransaction(context.Background())
		require.NoError(t, tx.AddInstall("flathub", appRef))

		var added []model.Remote
		tx.SetHooks(backend.Hooks{AddNewRemote: func(r model.Remote) bool {
			added = append(added, r)
			return true
		}})

		ops, err := tx.Resolve(context.Background())
		require.NoError(t, err)
		require.Len(t, ops, 2)
		assert.Equal(t, "platform-repo", ops[0].Remote)
		assert.True(t, ops[0].IsRuntime)
		require.Len(t, added, 1)
		assert.Equal(t, platform, added[0].URL)

		remotes, err := inst.ListRemotes(context.Background())
		require.NoError(t, err)
		assert.Len(t, remotes, 1)

		require.NoError(t, tx.Run(context.Background()))
		remotes, err = inst.ListRemotes(context.Background())
		require.NoError(t, err)
		assert.Len(t, remotes, 2)
	})
}

func TestTransactionInstallBundle(t *testing.T) {
	flathub := newRemote(t, flathubCatalog, flathubObjects)
	inst := newInstallation(t, map[string]string{"flathub": flathub})

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "foo.payload"), []byte("bundle-payload"), 0o644))
	bundlePath := filepath.Join(dir, "foo.bundle")
	require.NoError(t, os.WriteFile(bundlePath, []byte("ref: app/org.example.Foo/x86_64/stable\ncommit: b1\nruntime: runtime/org.example.Platform/x86_64/23.08\npayload: foo.payload\n"), 0o644))

	tx, _ := inst.NewTransaction(context.Background())
	require.NoError(t, tx.AddInstallBundle(bundlePath))
	ops, err := tx.Resolve(context.Background())
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, model.OperationKindInstallBundle, ops[1].Kind)
	assert.Equal(t, "", ops[1].Remote)
	assert.Equal(t, uint64(14), ops[1].DownloadSize)
	assert.Equal(t, bundlePath, ops[1].BundlePath)

	require.NoError(t, tx.Run(context.Background()))
	installed, err := inst.ListInstalled(context.Background())
	require.NoError(t, err)
	assert.Contains(t, installed, model.InstalledRef{Ref: appRef, Commit: "b1"})
}

func TestHTTPRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repo/catalog.yaml":
			_, _ = w.Write([]byte(flathubCatalog))
		case "/repo/objects/foo":
			_, _ = w.Write([]byte("foo-bytes"))
		case "/repo/objects/platform":
			_, _ = w.Write([]byte("runtime"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	inst := newInstallation(t, map[string]string{"flathub": srv.URL + "/repo", "broken": srv.URL + "/missing"})

	tx, _ := inst.NewTransaction(context.Background())
	require.NoError(t, tx.AddInstall("flathub", appRef))
	require.NoError(t, tx.Run(context.Background()))

	installed, err := inst.ListInstalled(context.Background())
	require.NoError(t, err)
	assert.Len(t, installed, 2)

	require.NoError(t, inst.UpdateAppstream(context.Background(), "flathub"))
	doc, err := appstream.ReadDocument(inst.AppstreamPath("flathub"))
	require.NoError(t, err)
	assert.Equal(t, []appstream.Component{{Ref: appRef, Metadata: appstream.Metadata{Name: "Foo", Summary: "The foo app"}}}, doc.Components)

	err = inst.UpdateAppstream(context.Background(), "broken")
	assert.ErrorIs(t, err, model.ErrNotFound)

	err = inst.UpdateAppstream(context.Background(), "missing")
	assert.ErrorIs(t, err, backend.ErrRemoteNotFound)
}
