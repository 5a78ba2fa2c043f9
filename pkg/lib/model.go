package lib

import (
	"github.com/slok/pkgworker/internal/ipc"
	"github.com/slok/pkgworker/internal/model"
)

// Wire types of the worker protocol.
type (
	// Request is a task request.
	Request = ipc.Request
	// Installation describes a package store, the well-known ones only need their name.
	Installation = ipc.Installation
	// TaskUpdate is a point-in-time snapshot of one operation's progress.
	TaskUpdate = ipc.TaskUpdate
	// TaskResult is the terminal outcome of a task.
	TaskResult = ipc.TaskResult
	// Forecast is the prediction of a dry-run task.
	Forecast = ipc.Forecast
	// DryRunPackage is the predicted effect of one operation.
	DryRunPackage = ipc.DryRunPackage
	// TaskError is the classified failure of a task.
	TaskError = ipc.TaskError
	Remote    = ipc.Remote
	Package   = ipc.Package
)

// Task kinds.
const (
	TaskKindInstall            = string(model.TaskKindInstall)
	TaskKindInstallBundle      = string(model.TaskKindInstallBundle)
	TaskKindUninstall          = string(model.TaskKindUninstall)
	TaskKindUpdate             = string(model.TaskKindUpdate)
	TaskKindUpdateInstallation = string(model.TaskKindUpdateInstallation)
	TaskKindAppstreamEnsure    = string(model.TaskKindAppstreamEnsure)
	TaskKindAppstreamUpdate    = string(model.TaskKindAppstreamUpdate)
)

// Result kinds.
const (
	ResultKindDone       = string(model.ResultKindDone)
	ResultKindDoneDryRun = string(model.ResultKindDoneDryRun)
	ResultKindError      = string(model.ResultKindError)
	ResultKindCancelled  = string(model.ResultKindCancelled)
)

var (
	// SystemInstallation is the well-known system-wide installation.
	SystemInstallation = ipc.NewInstallation(model.SystemInstallation())
	// UserInstallation is the well-known per-user installation.
	UserInstallation = ipc.NewInstallation(model.UserInstallation())
)

var (
	// ErrNotFound is returned when a task is unknown or already finished.
	ErrNotFound = model.ErrNotFound
	// ErrNotValid is returned when a request is not valid.
	ErrNotValid = model.ErrNotValid
	// ErrNotCancellable is returned when cancelling an uncancellable task.
	ErrNotCancellable = model.ErrNotCancellable
)
