package dryrun_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/slok/pkgworker/internal/backend/fake"
	"github.com/slok/pkgworker/internal/dryrun"
	"github.com/slok/pkgworker/internal/dryrun/dryrunmock"
	"github.com/slok/pkgworker/internal/model"
)

const (
	appRef     = "app/org.example.Foo/x86_64/stable"
	runtimeRef = "runtime/org.example.Platform/x86_64/23.08"
	fakePath   = "/fake/installation"
)

var systemInst = model.SystemInstallation()

func flathub() fake.Remote {
	return fake.Remote{
		Name: "flathub",
		URL:  "https://dl.example.org/repo",
		Packages: []fake.Package{
			{Ref: appRef, Commit: "c2", DownloadSize: 2000, InstalledSize: 8000, Runtime: runtimeRef},
			{Ref: runtimeRef, Commit: "r1", DownloadSize: 1000, InstalledSize: 4000},
		},
	}
}

func TestSimulatorSimulate(t *testing.T) {
	tests := map[string]struct {
		cfg       fake.InstallationConfig
		task      model.Task
		mock      func(m *dryrunmock.MockMetadataLookup)
		expResult model.TaskResult
		cancel    bool
		expCheck  func(t *testing.T, f model.DryRunForecast)
	}{
		"Installing a new app should forecast the app and its missing runtime.": {
			cfg:  fake.InstallationConfig{Remotes: []fake.Remote{flathub()}},
			task: model.Task{Kind: model.TaskKindInstall, Ref: appRef, Remote: "flathub", DryRun: true},
			mock: func(m *dryrunmock.MockMetadataLookup) {
				m.On("Lookup", mock.Anything, mock.Anything, model.PackageRef{Ref: appRef, Remote: "flathub"}).Once().Return([]byte("name: Foo"), []byte("png"), nil)
				m.On("Lookup", mock.Anything, mock.Anything, model.PackageRef{Ref: runtimeRef, Remote: "flathub"}).Once().Return(nil, nil, nil)
			},
			expResult: model.NewDryRunResult(model.DryRunForecast{
				Package: model.DryRunPackage{
					Package:       model.PackageRef{Ref: appRef, Remote: "flathub"},
					OperationKind: model.OperationKindInstall,
					Commit:        "c2",
					DownloadSize:  2000,
					InstalledSize: 8000,
					Metadata:      []byte("name: Foo"),
					Icon:          []byte("png"),
				},
				Runtimes: []model.DryRunPackage{{
					Package:       model.PackageRef{Ref: runtimeRef, Remote: "flathub"},
					OperationKind: model.OperationKindInstall,
					Commit:        "r1",
					DownloadSize:  1000,
					InstalledSize: 4000,
					IsRuntime:     true,
				}},
				HasUpdateSource: true,
			}),
		},

		"A ref installed from another remote should be reported as replacing the remote.": {
			cfg: fake.InstallationConfig{
				Remotes: []fake.Remote{
					flathub(),
					{Name: "other-remote", URL: "https://other.example.org/repo", Packages: []fake.Package{{Ref: appRef, Commit: "o2", Runtime: runtimeRef}}},
				},
				Installed: []model.InstalledRef{
					{Ref: appRef, Origin: "flathub", Commit: "c2"},
					{Ref: runtimeRef, Origin: "flathub", Commit: "r1"},
				},
			},
			task: model.Task{Kind: model.TaskKindInstall, Ref: appRef, Remote: "other-remote", DryRun: true},
			expCheck: func(t *testing.T, f model.DryRunForecast) {
				require.NotNil(t, f.IsReplacingRemote)
				assert.Equal(t, model.Remote{Name: "flathub", URL: "https://dl.example.org/repo", Installation: systemInst}, *f.IsReplacingRemote)
				assert.True(t, f.IsUpdate)
				assert.False(t, f.IsAlreadyInstalled)
				assert.Empty(t, f.Runtimes)
			},
		},

		"A runtime missing from every remote should fail the whole forecast.": {
			cfg: fake.InstallationConfig{Remotes: []fake.Remote{{
				Name:     "flathub",
				Packages: []fake.Package{{Ref: appRef, Commit: "c2", Runtime: runtimeRef}},
			}}},
			task: model.Task{Kind: model.TaskKindInstall, Ref: appRef, Remote: "flathub", DryRun: true},
			expResult: model.NewErrorResult(model.TaskError{
				Kind:    model.ErrorKindDryRunRuntimeNotFound,
				Message: "runtime runtime/org.example.Platform/x86_64/23.08 required by app/org.example.Foo/x86_64/stable not found in any remote",
				Ref:     runtimeRef,
			}),
		},

		"The exact installed commit should be reported as already installed.": {
			cfg: fake.InstallationConfig{
				Remotes: []fake.Remote{flathub()},
				Installed: []model.InstalledRef{
					{Ref: appRef, Origin: "flathub", Commit: "c2"},
					{Ref: runtimeRef, Origin: "flathub", Commit: "r1"},
				},
			},
			task: model.Task{Kind: model.TaskKindInstall, Ref: appRef, Remote: "flathub", DryRun: true},
			expCheck: func(t *testing.T, f model.DryRunForecast) {
				assert.True(t, f.IsAlreadyInstalled)
				assert.False(t, f.IsUpdate)
				assert.Nil(t, f.IsReplacingRemote)
			},
		},

		"A sideloaded bundle should not have an update source.": {
			cfg: fake.InstallationConfig{
				Remotes: []fake.Remote{flathub()},
				Bundles: map[string]fake.Bundle{"/tmp/foo.bundle": {Package: fake.Package{Ref: appRef, Commit: "b1", DownloadSize: 10, Runtime: runtimeRef}}},
			},
			task: model.Task{Kind: model.TaskKindInstallBundle, Path: "/tmp/foo.bundle", DryRun: true},
			expCheck: func(t *testing.T, f model.DryRunForecast) {
				assert.False(t, f.HasUpdateSource)
				assert.Equal(t, model.OperationKindInstallBundle, f.Package.OperationKind)
				assert.Equal(t, appRef, f.Package.Package.Ref)
				require.Len(t, f.Runtimes, 1)
				assert.Equal(t, "flathub", f.Runtimes[0].Package.Remote)
			},
		},

		"A bundle over a ref installed from a remote should report the replaced remote.": {
			cfg: fake.InstallationConfig{
				Remotes: []fake.Remote{flathub()},
				Installed: []model.InstalledRef{
					{Ref: appRef, Origin: "flathub", Commit: "c2"},
					{Ref: runtimeRef, Origin: "flathub", Commit: "r1"},
				},
				Bundles: map[string]fake.Bundle{"/tmp/foo.bundle": {Package: fake.Package{Ref: appRef, Commit: "b1", Runtime: runtimeRef}}},
			},
			task: model.Task{Kind: model.TaskKindInstallBundle, Path: "/tmp/foo.bundle", DryRun: true},
			expCheck: func(t *testing.T, f model.DryRunForecast) {
				require.NotNil(t, f.IsReplacingRemote)
				assert.Equal(t, model.Remote{Name: "flathub", URL: "https://dl.example.org/repo", Installation: systemInst}, *f.IsReplacingRemote)
				assert.True(t, f.IsUpdate)
				assert.False(t, f.HasUpdateSource)
			},
		},

		"A runtime from a new remote should be reported without registering it.": {
			cfg: fake.InstallationConfig{
				Remotes:          []fake.Remote{{Name: "flathub", Packages: []fake.Package{{Ref: appRef, Commit: "c2", Runtime: runtimeRef}}}},
				ReachableRemotes: []fake.Remote{{Name: "platform-repo", URL: "https://platform.example.org", Packages: []fake.Package{{Ref: runtimeRef, Commit: "r1", DownloadSize: 5}}}},
				RuntimeRepos:     map[string]string{runtimeRef: "platform-repo"},
			},
			task: model.Task{Kind: model.TaskKindInstall, Ref: appRef, Remote: "flathub", DryRun: true},
			expCheck: func(t *testing.T, f model.DryRunForecast) {
				require.Len(t, f.Remotes, 1)
				assert.Equal(t, model.Remote{Name: "platform-repo", URL: "https://platform.example.org", Installation: systemInst}, f.Remotes[0])
				require.Len(t, f.Runtimes, 1)
				assert.Equal(t, uint64(5), f.Runtimes[0].DownloadSize)
			},
		},

		"Metadata lookup errors should be omitted from the forecast.": {
			cfg:  fake.InstallationConfig{Remotes: []fake.Remote{flathub()}, Installed: []model.InstalledRef{{Ref: runtimeRef, Origin: "flathub", Commit: "r1"}}},
			task: model.Task{Kind: model.TaskKindInstall, Ref: appRef, Remote: "flathub", DryRun: true},
			mock: func(m *dryrunmock.MockMetadataLookup) {
				m.On("Lookup", mock.Anything, mock.Anything, mock.Anything).Once().Return(nil, nil, errors.New("corrupted cache"))
			},
			expCheck: func(t *testing.T, f model.DryRunForecast) {
				assert.Nil(t, f.Package.Metadata)
				assert.Nil(t, f.Package.Icon)
				assert.Equal(t, uint64(2000), f.Package.DownloadSize)
			},
		},

		"Updating an installation should forecast every outdated ref.": {
			cfg: fake.InstallationConfig{
				Remotes: []fake.Remote{flathub()},
				Installed: []model.InstalledRef{
					{Ref: appRef, Origin: "flathub", Commit: "c1"},
					{Ref: runtimeRef, Origin: "flathub", Commit: "r0"},
				},
			},
			task: model.Task{Kind: model.TaskKindUpdateInstallation, DryRun: true},
			expCheck: func(t *testing.T, f model.DryRunForecast) {
				assert.Len(t, f.Updates, 2)
				assert.Equal(t, uint64(3000), f.DownloadSize())
			},
		},

		"A cancelled simulation should return a cancelled result.": {
			cfg:       fake.InstallationConfig{Remotes: []fake.Remote{flathub()}},
			task:      model.Task{Kind: model.TaskKindInstall, Ref: appRef, Remote: "flathub", DryRun: true},
			cancel:    true,
			expResult: model.NewCancelledResult(),
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			test.cfg.Path = fakePath
			test.cfg.Info = systemInst
			inst, err := fake.NewInstallation(test.cfg)
			require.NoError(t, err)

			cfg := dryrun.SimulatorConfig{}
			if test.mock != nil {
				m := dryrunmock.NewMockMetadataLookup(t)
				test.mock(m)
				cfg.Lookup = m
			}
			sim, err := dryrun.NewSimulator(cfg)
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if test.cancel {
				cancel()
			}

			installedBefore, _ := inst.ListInstalled(context.Background())
			remotesBefore, _ := inst.ListRemotes(context.Background())

			got := sim.Simulate(ctx, test.task, inst)

			assert.NotEqual(t, model.ResultKindDone, got.Kind)
			if test.expCheck != nil {
				require.Equal(t, model.ResultKindDoneDryRun, got.Kind)
				require.NotNil(t, got.Forecast)
				test.expCheck(t, *got.Forecast)
			} else {
				assert.Equal(t, test.expResult, got)
			}

			// Simulations never mutate the installation.
			installedAfter, _ := inst.ListInstalled(context.Background())
			remotesAfter, _ := inst.ListRemotes(context.Background())
			assert.Equal(t, installedBefore, installedAfter)
			assert.Equal(t, remotesBefore, remotesAfter)
		})
	}
}
