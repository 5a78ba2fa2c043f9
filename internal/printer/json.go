package printer

import (
	"encoding/json"
	"io"

	"github.com/slok/pkgworker/internal/ipc"
	"github.com/slok/pkgworker/internal/model"
)

// JSONPrinter prints information in JSON format, using the IPC schema for tasks.
type JSONPrinter struct {
	writer io.Writer
}

// NewJSONPrinter creates a new JSON printer.
func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

type remoteOutput struct {
	Name  string `json:"name"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

type installedOutput struct {
	Ref           string `json:"ref"`
	Origin        string `json:"origin"`
	Commit        string `json:"commit"`
	InstalledSize uint64 `json:"installed_size"`
}

// messageOutput represents a simple message output.
type messageOutput struct {
	Message string `json:"message"`
}

// PrintUpdate prints a task update on a single line so updates can be streamed.
func (j *JSONPrinter) PrintUpdate(u model.TaskUpdate) error {
	return json.NewEncoder(j.writer).Encode(ipc.NewTaskUpdate(u))
}

// PrintResult prints a task result.
func (j *JSONPrinter) PrintResult(r model.TaskResult) error {
	return j.encode(ipc.NewTaskResult(r))
}

// PrintInstallations prints installation descriptors.
func (j *JSONPrinter) PrintInstallations(insts []model.Installation) error {
	return j.encode(ipc.NewInstallations(insts))
}

// PrintRemotes prints the remotes of an installation.
func (j *JSONPrinter) PrintRemotes(remotes []model.Remote) error {
	items := make([]remoteOutput, len(remotes))
	for i, r := range remotes {
		items[i] = remoteOutput{Name: r.Name, URL: r.URL, Title: r.Title}
	}
	return j.encode(items)
}

// PrintInstalled prints the installed refs of an installation.
func (j *JSONPrinter) PrintInstalled(refs []model.InstalledRef) error {
	items := make([]installedOutput, len(refs))
	for i, r := range refs {
		items[i] = installedOutput{Ref: r.Ref, Origin: r.Origin, Commit: r.Commit, InstalledSize: r.InstalledSize}
	}
	return j.encode(items)
}

// PrintMessage prints a simple message in JSON format.
func (j *JSONPrinter) PrintMessage(msg string) error {
	return j.encode(messageOutput{Message: msg})
}

func (j *JSONPrinter) encode(v any) error {
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
