package dispatcher_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/pkgworker/internal/appstream"
	"github.com/slok/pkgworker/internal/backend"
	"github.com/slok/pkgworker/internal/backend/fake"
	"github.com/slok/pkgworker/internal/dispatcher"
	"github.com/slok/pkgworker/internal/dryrun"
	"github.com/slok/pkgworker/internal/executor"
	"github.com/slok/pkgworker/internal/installation"
	"github.com/slok/pkgworker/internal/model"
)

const (
	appRef     = "app/org.example.Foo/x86_64/stable"
	runtimeRef = "runtime/org.example.Platform/x86_64/23.08"
	systemPath = "/fake/system"
)

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

type collector struct {
	mu   sync.Mutex
	msgs []model.TaskMessage
	got  chan model.TaskMessage
}

func newCollector() *collector {
	return &collector{got: make(chan model.TaskMessage, 1024)}
}

func (c *collector) Send(msg model.TaskMessage) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	c.got <- msg
	return nil
}

func (c *collector) forTask(id string) []model.TaskMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	var msgs []model.TaskMessage
	for _, m := range c.msgs {
		if m.TaskID == id {
			msgs = append(msgs, m)
		}
	}
	return msgs
}

func (c *collector) updates(id string) []model.TaskUpdate {
	var us []model.TaskUpdate
	for _, m := range c.forTask(id) {
		if m.Update != nil {
			us = append(us, *m.Update)
		}
	}
	return us
}

func (c *collector) result(t *testing.T, id string) model.TaskResult {
	t.Helper()
	var results []model.TaskResult
	for _, m := range c.forTask(id) {
		if m.Result != nil {
			results = append(results, *m.Result)
		}
	}
	require.Len(t, results, 1, "exactly one result expected")
	return results[0]
}

// waitUpdate waits until an update of the task is delivered.
func (c *collector) waitUpdate(t *testing.T, id string) model.TaskUpdate {
	t.Helper()
	for {
		select {
		case m := <-c.got:
			if m.TaskID == id && m.Update != nil {
				return *m.Update
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for update")
		}
	}
}

// gatedResolver blocks resolutions until released.
type gatedResolver struct {
	dispatcher.InstallationResolver
	release chan struct{}
}

func (g gatedResolver) Resolve(ctx context.Context, inst model.Installation) (backend.Installation, error) {
	<-g.release
	return g.InstallationResolver.Resolve(ctx, inst)
}

type executorFunc func(ctx context.Context, task model.Task, inst backend.Installation, emit executor.EmitFunc) model.TaskResult

func (f executorFunc) Run(ctx context.Context, task model.Task, inst backend.Installation, emit executor.EmitFunc) model.TaskResult {
	return f(ctx, task, inst, emit)
}

type config struct {
	inst     fake.InstallationConfig
	resolver func(r dispatcher.InstallationResolver) dispatcher.InstallationResolver
	executor dispatcher.TransactionExecutor
}

func newDispatcher(t *testing.T, cfg config) (*dispatcher.Dispatcher, *fake.Installation, *collector) {
	t.Helper()

	cfg.inst.Path = systemPath
	cfg.inst.Info = model.SystemInstallation()
	inst, err := fake.NewInstallation(cfg.inst)
	require.NoError(t, err)

	var resolver dispatcher.InstallationResolver
	resolver, err = installation.NewResolver(installation.ResolverConfig{
		Backend:    fake.NewBackend(inst),
		SystemPath: systemPath,
		UserPath:   "/fake/user",
	})
	require.NoError(t, err)
	if cfg.resolver != nil {
		resolver = cfg.resolver(resolver)
	}

	exec := cfg.executor
	if exec == nil {
		e, err := executor.NewExecutor(executor.ExecutorConfig{})
		require.NoError(t, err)
		exec = e
	}
	sim, err := dryrun.NewSimulator(dryrun.SimulatorConfig{})
	require.NoError(t, err)
	ref, err := appstream.NewRefresher(appstream.RefresherConfig{})
	require.NoError(t, err)

	col := newCollector()
	d, err := dispatcher.NewDispatcher(dispatcher.DispatcherConfig{
		Resolver:  resolver,
		Executor:  exec,
		Simulator: sim,
		Appstream: ref,
		Sink:      col,
	})
	require.NoError(t, err)
	t.Cleanup(d.Close)

	return d, inst, col
}

func installTask() model.Task {
	return model.Task{Kind: model.TaskKindInstall, Installation: model.SystemInstallation(), Ref: appRef, Remote: "flathub"}
}

func TestDispatcherInstall(t *testing.T) {
	d, inst, col := newDispatcher(t, config{inst: fake.InstallationConfig{
		Remotes:   []fake.Remote{flathub()},
		Installed: []model.InstalledRef{{Ref: runtimeRef, Origin: "flathub", Commit: "r1"}},
	}})

	id, err := d.Submit(context.Background(), installTask())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	d.Close()

	assert.Equal(t, model.NewDoneResult(), col.result(t, id))
	msgs := col.forTask(id)
	assert.NotNil(t, msgs[len(msgs)-1].Result, "result should be the last message")

	updates := col.updates(id)
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, model.UpdateStatusDone, last.Status)
	assert.Equal(t, 100, last.Progress)
	assert.Equal(t, appRef, last.Package.Ref)
	for _, u := range updates {
		assert.Equal(t, 0, u.Index)
		if u.Status == model.UpdateStatusPending {
			assert.Zero(t, u.DownloadRate)
		}
	}

	_, ok := inst.Installed(appRef)
	assert.True(t, ok)
}

func TestDispatcherDryRun(t *testing.T) {
	d, inst, col := newDispatcher(t, config{inst: fake.InstallationConfig{Remotes: []fake.Remote{flathub()}}})

	task := installTask()
	task.DryRun = true
	id, err := d.Submit(context.Background(), task)
	require.NoError(t, err)
	d.Close()

	res := col.result(t, id)
	require.Equal(t, model.ResultKindDoneDryRun, res.Kind)
	assert.False(t, res.Forecast.IsAlreadyInstalled)
	assert.False(t, res.Forecast.IsUpdate)
	assert.True(t, res.Forecast.HasUpdateSource)
	require.Len(t, res.Forecast.Runtimes, 1)
	assert.NotZero(t, res.Forecast.Runtimes[0].DownloadSize)
	assert.Empty(t, col.updates(id))

	_, ok := inst.Installed(appRef)
	assert.False(t, ok)
}

func TestDispatcherCancelBeforeStart(t *testing.T) {
	release := make(chan struct{})
	d, inst, col := newDispatcher(t, config{
		inst: fake.InstallationConfig{Remotes: []fake.Remote{flathub()}},
		resolver: func(r dispatcher.InstallationResolver) dispatcher.InstallationResolver {
			return gatedResolver{InstallationResolver: r, release: release}
		},
	})

	id, err := d.Submit(context.Background(), installTask())
	require.NoError(t, err)
	require.NoError(t, d.Cancel(context.Background(), id))
	close(release)
	d.Wait()
	d.Close()

	assert.Equal(t, model.NewCancelledResult(), col.result(t, id))
	assert.Empty(t, col.updates(id))
	_, ok := inst.Installed(appRef)
	assert.False(t, ok)
}

func TestDispatcherCancelRunning(t *testing.T) {
	gate := make(chan struct{})
	d, inst, col := newDispatcher(t, config{inst: fake.InstallationConfig{
		Remotes: []fake.Remote{flathub()},
		Gate:    gate,
	}})

	id, err := d.Submit(context.Background(), installTask())
	require.NoError(t, err)

	first := col.waitUpdate(t, id)
	assert.Equal(t, model.UpdateStatusPending, first.Status)
	assert.Equal(t, runtimeRef, first.Package.Ref)

	require.NoError(t, d.Cancel(context.Background(), id))
	// A second cancellation is accepted too.
	require.NoError(t, d.Cancel(context.Background(), id))
	d.Wait()
	d.Close()

	assert.Equal(t, model.NewCancelledResult(), col.result(t, id))
	for _, u := range col.updates(id) {
		assert.NotEqual(t, model.UpdateStatusDone, u.Status)
	}
	_, ok := inst.Installed(runtimeRef)
	assert.False(t, ok)

	err = d.Cancel(context.Background(), id)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDispatcherCancelErrors(t *testing.T) {
	gate := make(chan struct{})
	d, _, col := newDispatcher(t, config{inst: fake.InstallationConfig{
		Remotes: []fake.Remote{flathub()},
		Gate:    gate,
	}})

	err := d.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	task := installTask()
	task.Uncancellable = true
	id, err := d.Submit(context.Background(), task)
	require.NoError(t, err)

	err = d.Cancel(context.Background(), id)
	assert.ErrorIs(t, err, model.ErrNotCancellable)
	assert.Equal(t, []string{id}, d.InFlight())

	close(gate)
	d.Wait()
	d.Close()
	assert.Equal(t, model.NewDoneResult(), col.result(t, id))
	assert.Empty(t, d.InFlight())
}

func TestDispatcherSubmitErrors(t *testing.T) {
	tests := map[string]struct {
		task model.Task
	}{
		"An unknown kind should be rejected.": {
			task: model.Task{Kind: "reboot", Installation: model.SystemInstallation()},
		},

		"An install without remote should be rejected.": {
			task: model.Task{Kind: model.TaskKindInstall, Installation: model.SystemInstallation(), Ref: appRef},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			d, _, _ := newDispatcher(t, config{})
			_, err := d.Submit(context.Background(), test.task)
			assert.ErrorIs(t, err, model.ErrNotValid)
		})
	}
}

func TestDispatcherResults(t *testing.T) {
	tests := map[string]struct {
		task      model.Task
		executor  dispatcher.TransactionExecutor
		expResult func(t *testing.T, res model.TaskResult)
	}{
		"An unresolvable installation should error without running the executor.": {
			task: model.Task{Kind: model.TaskKindInstall, Installation: model.Installation{Name: "extra", Path: "/nowhere"}, Ref: appRef, Remote: "flathub"},
			executor: executorFunc(func(context.Context, model.Task, backend.Installation, executor.EmitFunc) model.TaskResult {
				panic("executor should not be called")
			}),
			expResult: func(t *testing.T, res model.TaskResult) {
				require.Equal(t, model.ResultKindError, res.Kind)
				assert.Equal(t, model.ErrorKindBackend, res.Error.Kind)
				assert.Contains(t, res.Error.Message, "/nowhere")
			},
		},

		"A custom installation without path should error.": {
			task: model.Task{Kind: model.TaskKindUpdateInstallation, Installation: model.Installation{Name: "extra"}},
			expResult: func(t *testing.T, res model.TaskResult) {
				require.Equal(t, model.ResultKindError, res.Kind)
			},
		},

		"A panicking task should error without crashing the worker.": {
			task: installTask(),
			executor: executorFunc(func(context.Context, model.Task, backend.Installation, executor.EmitFunc) model.TaskResult {
				panic("boom")
			}),
			expResult: func(t *testing.T, res model.TaskResult) {
				require.Equal(t, model.ResultKindError, res.Kind)
				assert.Equal(t, "task panicked: boom", res.Error.Message)
			},
		},

		"Updates of a custom executor should be delivered before the result.": {
			task: installTask(),
			executor: executorFunc(func(_ context.Context, _ model.Task, _ backend.Installation, emit executor.EmitFunc) model.TaskResult {
				emit(model.TaskUpdate{Status: model.UpdateStatusPending})
				return model.NewDoneResult()
			}),
			expResult: func(t *testing.T, res model.TaskResult) {
				assert.Equal(t, model.NewDoneResult(), res)
			},
		},

		"A dry-run result from a real task should be reported as done.": {
			task: installTask(),
			executor: executorFunc(func(context.Context, model.Task, backend.Installation, executor.EmitFunc) model.TaskResult {
				return model.NewDryRunResult(model.DryRunForecast{})
			}),
			expResult: func(t *testing.T, res model.TaskResult) {
				assert.Equal(t, model.NewDoneResult(), res)
			},
		},

		"An appstream task should be routed to the refresher.": {
			task: model.Task{Kind: model.TaskKindAppstreamUpdate, Installation: model.SystemInstallation()},
			expResult: func(t *testing.T, res model.TaskResult) {
				assert.Equal(t, model.NewDoneResult(), res)
			},
		},

		"A dry-run appstream task should never be done.": {
			task: model.Task{Kind: model.TaskKindAppstreamEnsure, Installation: model.SystemInstallation(), DryRun: true},
			expResult: func(t *testing.T, res model.TaskResult) {
				assert.Equal(t, model.ResultKindDoneDryRun, res.Kind)
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			d, _, col := newDispatcher(t, config{
				inst:     fake.InstallationConfig{Remotes: []fake.Remote{flathub()}},
				executor: test.executor,
			})

			id, err := d.Submit(context.Background(), test.task)
			require.NoError(t, err)
			d.Close()

			msgs := col.forTask(id)
			require.NotEmpty(t, msgs)
			assert.NotNil(t, msgs[len(msgs)-1].Result)
			test.expResult(t, col.result(t, id))
		})
	}
}

func TestDispatcherManyTasks(t *testing.T) {
	var remotes []fake.Remote
	var tasks []model.Task
	for i := range 10 {
		ref := fmt.Sprintf("app/org.example.App%d/x86_64/stable", i)
		remotes = append(remotes, fake.Remote{Name: fmt.Sprintf("remote-%d", i), Packages: []fake.Package{
			{Ref: ref, Commit: "c1", DownloadSize: 10, Runtime: runtimeRef},
			{Ref: runtimeRef, Commit: "r1", DownloadSize: 10},
		}})
		task := model.Task{Kind: model.TaskKindInstall, Installation: model.SystemInstallation(), Ref: ref, Remote: fmt.Sprintf("remote-%d", i)}
		tasks = append(tasks, task)
		task.DryRun = true
		tasks = append(tasks, task)
	}

	d, _, col := newDispatcher(t, config{inst: fake.InstallationConfig{Remotes: remotes}})

	ids := map[string]model.Task{}
	for _, task := range tasks {
		id, err := d.Submit(context.Background(), task)
		require.NoError(t, err)
		_, dup := ids[id]
		require.False(t, dup, "task ids should be unique")
		ids[id] = task
	}
	d.Close()

	for id, task := range ids {
		msgs := col.forTask(id)
		require.NotEmpty(t, msgs)
		assert.NotNil(t, msgs[len(msgs)-1].Result, "result should be the last message")

		res := col.result(t, id)
		if task.DryRun {
			assert.NotEqual(t, model.ResultKindDone, res.Kind)
			assert.Empty(t, col.updates(id))
			continue
		}
		assert.NotEqual(t, model.ResultKindDoneDryRun, res.Kind)

		updates := col.updates(id)
		if len(updates) == 0 {
			continue
		}
		assert.Equal(t, 0, updates[0].Index)
		prev := 0
		for _, u := range updates {
			assert.GreaterOrEqual(t, u.Index, prev)
			assert.Less(t, u.Index, 2)
			prev = u.Index
		}
	}
}

func TestDispatcherClosed(t *testing.T) {
	d, _, _ := newDispatcher(t, config{})
	d.Close()

	_, err := d.Submit(context.Background(), installTask())
	assert.Error(t, err)
}
