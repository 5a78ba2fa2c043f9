package installation_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/pkgworker/internal/backend/fake"
	"github.com/slok/pkgworker/internal/backend/local"
	"github.com/slok/pkgworker/internal/conventions"
	"github.com/slok/pkgworker/internal/installation"
	"github.com/slok/pkgworker/internal/model"
)

func TestResolverResolve(t *testing.T) {
	tests := map[string]struct {
		inst    model.Installation
		expPath string
		expErr  error
	}{
		"The system installation should resolve to the system path.": {
			inst:    model.SystemInstallation(),
			expPath: "/sys",
		},

		"The system installation should ignore the descriptor path.": {
			inst:    model.Installation{Name: "default", Path: "/somewhere/else"},
			expPath: "/sys",
		},

		"The user installation should resolve to the user path.": {
			inst:    model.UserInstallation(),
			expPath: "/home/user",
		},

		"A custom installation should resolve to its own path.": {
			inst:    model.Installation{Name: "extra", Path: "/extra"},
			expPath: "/extra",
		},

		"A custom installation without a store should fail as not found.": {
			inst:   model.Installation{Name: "missing", Path: "/missing"},
			expErr: model.ErrNotFound,
		},

		"A custom installation without path should fail as not valid.": {
			inst:   model.Installation{Name: "extra"},
			expErr: model.ErrNotValid,
		},

		"A user installation that is not the well-known one needs a path.": {
			inst:   model.Installation{Name: "other", IsUser: true},
			expErr: model.ErrNotValid,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			var insts []*fake.Installation
			for _, p := range []string{"/sys", "/home/user", "/extra"} {
				i, err := fake.NewInstallation(fake.InstallationConfig{Path: p})
				require.NoError(t, err)
				insts = append(insts, i)
			}

			r, err := installation.NewResolver(installation.ResolverConfig{
				Backend:    fake.NewBackend(insts...),
				SystemPath: "/sys",
				UserPath:   "/home/user",
			})
			require.NoError(t, err)

			// Resolving twice should be idempotent.
			for range 2 {
				got, err := r.Resolve(context.Background(), test.inst)
				if test.expErr != nil {
					assert.ErrorIs(t, err, test.expErr)
					continue
				}
				require.NoError(t, err)
				assert.Equal(t, test.expPath, got.Path())
			}
		})
	}
}

func TestResolverResolveLocalStore(t *testing.T) {
	tests := map[string]struct {
		setup  func(t *testing.T, b *local.Backend, path string)
		expErr error
	}{
		"An initialized store should resolve.": {
			setup: func(t *testing.T, b *local.Backend, path string) {
				inst, err := b.Init(context.Background(), model.Installation{Name: "extra", Path: path}, path)
				require.NoError(t, err)
				require.NoError(t, inst.Close())
			},
		},

		"An empty database file should not resolve and should be left untouched.": {
			setup: func(t *testing.T, b *local.Backend, path string) {
				require.NoError(t, os.WriteFile(conventions.DatabasePath(path), nil, 0o644))
			},
			expErr: model.ErrNotFound,
		},

		"An empty directory should not resolve and should be left untouched.": {
			setup:  func(t *testing.T, b *local.Backend, path string) {},
			expErr: model.ErrNotFound,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			b, err := local.NewBackend(local.BackendConfig{})
			require.NoError(err)
			path := t.TempDir()
			test.setup(t, b, path)
			before := listFiles(t, path)

			r, err := installation.NewResolver(installation.ResolverConfig{
				Backend:    b,
				SystemPath: t.TempDir(),
				UserPath:   t.TempDir(),
			})
			require.NoError(err)

			got, err := r.Resolve(context.Background(), model.Installation{Name: "extra", Path: path})
			if test.expErr != nil {
				assert.ErrorIs(err, test.expErr)
				assert.Equal(before, listFiles(t, path))
				return
			}
			require.NoError(err)
			defer got.Close()
			assert.Equal(path, got.Path())

			_, err = got.ListInstalled(context.Background())
			assert.NoError(err)
		})
	}
}

// listFiles returns the files in dir with their sizes.
func listFiles(t *testing.T, dir string) map[string]int64 {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	files := map[string]int64{}
	for _, e := range entries {
		info, err := e.Info()
		require.NoError(t, err)
		files[e.Name()] = info.Size()
	}
	return files
}
