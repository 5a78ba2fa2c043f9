package model

// OperationKind is the kind of an atomic step inside a transaction.
type OperationKind string

const (
	OperationKindInstall       OperationKind = "install"
	OperationKindInstallBundle OperationKind = "install-bundle"
	OperationKindUninstall     OperationKind = "uninstall"
	OperationKindUpdate        OperationKind = "update"
)

// UpdateStatus is the coarse status of an operation.
type UpdateStatus string

const (
	UpdateStatusPending          UpdateStatus = "pending"
	UpdateStatusPreparing        UpdateStatus = "preparing"
	UpdateStatusInstalling       UpdateStatus = "installing"
	UpdateStatusInstallingBundle UpdateStatus = "installing-bundle"
	UpdateStatusUninstalling     UpdateStatus = "uninstalling"
	UpdateStatusUpdating         UpdateStatus = "updating"
	UpdateStatusDone             UpdateStatus = "done"
	UpdateStatusCancelled        UpdateStatus = "cancelled"
	UpdateStatusError            UpdateStatus = "error"
)

// RunningStatus returns the status of an operation of this kind while it's being applied.
func (k OperationKind) RunningStatus() UpdateStatus {
	switch k {
	case OperationKindInstallBundle:
		return UpdateStatusInstallingBundle
	case OperationKindUninstall:
		return UpdateStatusUninstalling
	case OperationKindUpdate:
		return UpdateStatusUpdating
	default:
		return UpdateStatusInstalling
	}
}

// TaskUpdate is a point-in-time snapshot of one operation's progress.
type TaskUpdate struct {
	// Index is the 0-based position of the operation in the transaction.
	Index         int
	OperationKind OperationKind
	Status        UpdateStatus
	// Progress is the completion percentage (0-100).
	Progress int
	// DownloadRate is in bytes per second.
	DownloadRate uint64
	Package      PackageRef
}

// TaskMessage is an outbound message about a task: an update or its terminal result.
type TaskMessage struct {
	TaskID string
	Update *TaskUpdate
	Result *TaskResult
}
