package model

// ResultKind is the kind of a task terminal outcome.
type ResultKind string

const (
	ResultKindDone       ResultKind = "done"
	ResultKindDoneDryRun ResultKind = "done-dry-run"
	ResultKindError      ResultKind = "error"
	ResultKindCancelled  ResultKind = "cancelled"
)

// TaskResult is the terminal outcome of a task, delivered exactly once.
type TaskResult struct {
	Kind     ResultKind
	Forecast *DryRunForecast
	Error    *TaskError
}

// NewDoneResult returns a done result.
func NewDoneResult() TaskResult { return TaskResult{Kind: ResultKindDone} }

// NewDryRunResult returns a dry-run result with its forecast.
func NewDryRunResult(f DryRunForecast) TaskResult {
	return TaskResult{Kind: ResultKindDoneDryRun, Forecast: &f}
}

// NewErrorResult returns an error result. Cancellation errors become cancelled results.
func NewErrorResult(err TaskError) TaskResult {
	if err.Kind == ErrorKindCancelled {
		return NewCancelledResult()
	}
	return TaskResult{Kind: ResultKindError, Error: &err}
}

// NewCancelledResult returns a cancelled result.
func NewCancelledResult() TaskResult { return TaskResult{Kind: ResultKindCancelled} }

// DryRunPackage is the predicted effect of one operation.
type DryRunPackage struct {
	Package       PackageRef
	OperationKind OperationKind
	Commit        string
	DownloadSize  uint64
	InstalledSize uint64
	// IsRuntime is true for dependent runtimes pulled by the primary package.
	IsRuntime bool
	// Metadata is the serialized application metadata, empty when not resolvable.
	Metadata []byte
	// Icon is the raw icon blob, empty when not resolvable.
	Icon []byte
}

// DryRunForecast is the structured prediction of a simulated transaction.
type DryRunForecast struct {
	Package  DryRunPackage
	Runtimes []DryRunPackage
	// Updates are the refs an installation-wide update would update.
	Updates []DryRunPackage
	// Remotes are the remotes the transaction would newly register.
	Remotes []Remote
	// HasUpdateSource is false for packages with no reachable future-update source.
	HasUpdateSource bool
	// IsReplacingRemote is set when the ref is installed from a different remote.
	IsReplacingRemote  *Remote
	IsAlreadyInstalled bool
	IsUpdate           bool
}

// DownloadSize returns the total bytes the transaction would download.
func (f DryRunForecast) DownloadSize() uint64 {
	total := f.Package.DownloadSize
	for _, r := range f.Runtimes {
		total += r.DownloadSize
	}
	for _, r := range f.Updates {
		total += r.DownloadSize
	}
	return total
}

// InstalledSize returns the total bytes the transaction would use on disk.
func (f DryRunForecast) InstalledSize() uint64 {
	total := f.Package.InstalledSize
	for _, r := range f.Runtimes {
		total += r.InstalledSize
	}
	for _, r := range f.Updates {
		total += r.InstalledSize
	}
	return total
}
