package printer

import "github.com/slok/pkgworker/internal/model"

// Printer knows how to print task and installation information in different formats.
type Printer interface {
	PrintUpdate(u model.TaskUpdate) error
	PrintResult(r model.TaskResult) error
	PrintInstallations(insts []model.Installation) error
	PrintRemotes(remotes []model.Remote) error
	PrintInstalled(refs []model.InstalledRef) error
	PrintMessage(msg string) error
}
