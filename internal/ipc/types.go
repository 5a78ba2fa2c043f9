package ipc

import (
	"github.com/slok/pkgworker/internal/model"
)

// Inbound message types.
const (
	TypeSubmit        = "submit"
	TypeCancel        = "cancel"
	TypeInstallations = "installations"
)

// Outbound message types.
const (
	TypeAccepted = "accepted"
	TypeUpdate   = "update"
	TypeResult   = "result"
	TypeError    = "error"
)

// Error codes of the error replies.
const (
	ErrorCodeNotValid       = "not-valid"
	ErrorCodeNotFound       = "not-found"
	ErrorCodeNotCancellable = "not-cancellable"
	ErrorCodeInternal       = "internal"
)

// Inbound is a message sent by the caller.
type Inbound struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	// Request is set on submit messages.
	Request *Request `json:"request,omitempty"`
	// TaskID is set on cancel messages.
	TaskID string `json:"task_id,omitempty"`
}

// Outbound is a message sent by the worker. Replies carry the request ID, task
// messages carry the task ID.
type Outbound struct {
	Type          string         `json:"type"`
	RequestID     string         `json:"request_id,omitempty"`
	TaskID        string         `json:"task_id,omitempty"`
	Update        *TaskUpdate    `json:"update,omitempty"`
	Result        *TaskResult    `json:"result,omitempty"`
	Installations []Installation `json:"installations,omitempty"`
	Error         *Error         `json:"error,omitempty"`
}

// Error is the payload of an error reply.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Installation struct {
	Name   string `json:"name"`
	IsUser bool   `json:"is_user"`
	Path   string `json:"path,omitempty"`
	Title  string `json:"title,omitempty"`
}

// Request is a task request.
type Request struct {
	Kind                   string       `json:"kind"`
	Installation           Installation `json:"installation"`
	DryRun                 bool         `json:"dry_run"`
	Ref                    string       `json:"ref,omitempty"`
	Remote                 string       `json:"remote,omitempty"`
	Path                   string       `json:"path,omitempty"`
	UninstallBeforeInstall bool         `json:"uninstall_before_install,omitempty"`
	Uncancellable          bool         `json:"uncancellable,omitempty"`
}

type Package struct {
	Ref    string `json:"ref"`
	Remote string `json:"remote"`
}

type TaskUpdate struct {
	Index         uint32  `json:"index"`
	OperationKind string  `json:"operation_kind"`
	Status        string  `json:"status"`
	Progress      int     `json:"progress"`
	DownloadRate  uint64  `json:"download_rate"`
	Package       Package `json:"package"`
}

type TaskError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

type Remote struct {
	Name         string       `json:"name"`
	URL          string       `json:"url,omitempty"`
	Title        string       `json:"title,omitempty"`
	Installation Installation `json:"installation"`
}

type DryRunPackage struct {
	Package       Package `json:"package"`
	OperationKind string  `json:"operation_kind"`
	Commit        string  `json:"commit,omitempty"`
	DownloadSize  uint64  `json:"download_size"`
	InstalledSize uint64  `json:"installed_size"`
	IsRuntime     bool    `json:"is_runtime"`
	Metadata      string  `json:"metadata,omitempty"`
	// Icon is base64 encoded on the wire.
	Icon []byte `json:"icon,omitempty"`
}

type Forecast struct {
	Package            DryRunPackage   `json:"package"`
	Runtimes           []DryRunPackage `json:"runtimes"`
	Updates            []DryRunPackage `json:"updates,omitempty"`
	Remotes            []Remote        `json:"remotes"`
	HasUpdateSource    bool            `json:"has_update_source"`
	IsReplacingRemote  *Remote         `json:"is_replacing_remote,omitempty"`
	IsAlreadyInstalled bool            `json:"is_already_installed"`
	IsUpdate           bool            `json:"is_update"`
	DownloadSize       uint64          `json:"download_size"`
	InstalledSize      uint64          `json:"installed_size"`
}

type TaskResult struct {
	Kind     string     `json:"kind"`
	Forecast *Forecast  `json:"forecast,omitempty"`
	Error    *TaskError `json:"error,omitempty"`
}

// Task converts a request into a task.
func (r Request) Task() model.Task {
	return model.Task{
		Kind:                   model.TaskKind(r.Kind),
		Installation:           r.Installation.Model(),
		DryRun:                 r.DryRun,
		Ref:                    r.Ref,
		Remote:                 r.Remote,
		Path:                   r.Path,
		UninstallBeforeInstall: r.UninstallBeforeInstall,
		Uncancellable:          r.Uncancellable,
	}
}

// NewRequest returns the request of a task.
func NewRequest(t model.Task) Request {
	return Request{
		Kind:                   string(t.Kind),
		Installation:           NewInstallation(t.Installation),
		DryRun:                 t.DryRun,
		Ref:                    t.Ref,
		Remote:                 t.Remote,
		Path:                   t.Path,
		UninstallBeforeInstall: t.UninstallBeforeInstall,
		Uncancellable:          t.Uncancellable,
	}
}

func (i Installation) Model() model.Installation {
	return model.Installation{Name: i.Name, IsUser: i.IsUser, Path: i.Path, Title: i.Title}
}

func NewInstallation(i model.Installation) Installation {
	return Installation{Name: i.Name, IsUser: i.IsUser, Path: i.Path, Title: i.Title}
}

func NewInstallations(insts []model.Installation) []Installation {
	is := make([]Installation, 0, len(insts))
	for _, i := range insts {
		is = append(is, NewInstallation(i))
	}
	return is
}

func NewTaskUpdate(u model.TaskUpdate) TaskUpdate {
	return TaskUpdate{
		Index:         uint32(u.Index),
		OperationKind: string(u.OperationKind),
		Status:        string(u.Status),
		Progress:      u.Progress,
		DownloadRate:  u.DownloadRate,
		Package:       Package{Ref: u.Package.Ref, Remote: u.Package.Remote},
	}
}

func NewTaskResult(r model.TaskResult) TaskResult {
	res := TaskResult{Kind: string(r.Kind)}
	if r.Forecast != nil {
		f := NewForecast(*r.Forecast)
		res.Forecast = &f
	}
	if r.Error != nil {
		res.Error = &TaskError{Kind: string(r.Error.Kind), Message: r.Error.Message, Ref: r.Error.Ref}
	}
	return res
}

func NewForecast(f model.DryRunForecast) Forecast {
	out := Forecast{
		Package:            newDryRunPackage(f.Package),
		Runtimes:           make([]DryRunPackage, 0, len(f.Runtimes)),
		Remotes:            make([]Remote, 0, len(f.Remotes)),
		HasUpdateSource:    f.HasUpdateSource,
		IsAlreadyInstalled: f.IsAlreadyInstalled,
		IsUpdate:           f.IsUpdate,
		DownloadSize:       f.DownloadSize(),
		InstalledSize:      f.InstalledSize(),
	}
	for _, r := range f.Runtimes {
		out.Runtimes = append(out.Runtimes, newDryRunPackage(r))
	}
	for _, u := range f.Updates {
		out.Updates = append(out.Updates, newDryRunPackage(u))
	}
	for _, r := range f.Remotes {
		out.Remotes = append(out.Remotes, newRemote(r))
	}
	if f.IsReplacingRemote != nil {
		r := newRemote(*f.IsReplacingRemote)
		out.IsReplacingRemote = &r
	}
	return out
}

func newDryRunPackage(p model.DryRunPackage) DryRunPackage {
	return DryRunPackage{
		Package:       Package{Ref: p.Package.Ref, Remote: p.Package.Remote},
		OperationKind: string(p.OperationKind),
		Commit:        p.Commit,
		DownloadSize:  p.DownloadSize,
		InstalledSize: p.InstalledSize,
		IsRuntime:     p.IsRuntime,
		Metadata:      string(p.Metadata),
		Icon:          p.Icon,
	}
}

func newRemote(r model.Remote) Remote {
	return Remote{Name: r.Name, URL: r.URL, Title: r.Title, Installation: NewInstallation(r.Installation)}
}
