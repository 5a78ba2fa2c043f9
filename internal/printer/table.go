package printer

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/slok/pkgworker/internal/model"
)

// TablePrinter prints information in a human readable format.
type TablePrinter struct {
	writer io.Writer
}

// NewTablePrinter creates a new table printer.
func NewTablePrinter(w io.Writer) *TablePrinter {
	return &TablePrinter{writer: w}
}

// PrintUpdate prints a task update as a progress line.
func (t *TablePrinter) PrintUpdate(u model.TaskUpdate) error {
	line := fmt.Sprintf("[%d] %-17s %3d%%  %s", u.Index+1, u.Status, u.Progress, u.Package.Ref)
	if rate := FormatRate(u.DownloadRate); rate != "" {
		line += "  " + rate
	}
	fmt.Fprintln(t.writer, line)
	return nil
}

// PrintResult prints a task result, dry-run results print their forecast.
func (t *TablePrinter) PrintResult(r model.TaskResult) error {
	switch r.Kind {
	case model.ResultKindDoneDryRun:
		if r.Forecast == nil {
			fmt.Fprintln(t.writer, "Nothing to do")
			return nil
		}
		return t.printForecast(*r.Forecast)
	case model.ResultKindError:
		if r.Error == nil {
			fmt.Fprintln(t.writer, "Error")
			return nil
		}
		fmt.Fprintf(t.writer, "Error (%s): %s\n", r.Error.Kind, r.Error.Message)
		if r.Error.Ref != "" {
			fmt.Fprintf(t.writer, "Ref: %s\n", r.Error.Ref)
		}
	case model.ResultKindCancelled:
		fmt.Fprintln(t.writer, "Cancelled")
	default:
		fmt.Fprintln(t.writer, "Done")
	}

	return nil
}

func (t *TablePrinter) printForecast(f model.DryRunForecast) error {
	if f.Package.Package.Ref != "" {
		fmt.Fprintf(t.writer, "Package:        %s (%s)\n", f.Package.Package.Ref, f.Package.Package.Remote)
	}
	fmt.Fprintf(t.writer, "Operation:      %s\n", f.Package.OperationKind)
	fmt.Fprintf(t.writer, "Download:       %s\n", FormatBytes(f.DownloadSize()))
	fmt.Fprintf(t.writer, "Installed:      %s\n", FormatBytes(f.InstalledSize()))
	fmt.Fprintf(t.writer, "Update source:  %s\n", yesNo(f.HasUpdateSource))

	switch {
	case f.IsAlreadyInstalled:
		fmt.Fprintln(t.writer, "Status:         already installed")
	case f.IsUpdate:
		fmt.Fprintln(t.writer, "Status:         update")
	}
	if f.IsReplacingRemote != nil {
		fmt.Fprintf(t.writer, "Replacing:      installed from %s\n", f.IsReplacingRemote.Name)
	}

	for _, r := range f.Remotes {
		fmt.Fprintf(t.writer, "New remote:     %s (%s)\n", r.Name, r.URL)
	}

	ops := append(append([]model.DryRunPackage{}, f.Runtimes...), f.Updates...)
	if len(ops) == 0 {
		return nil
	}

	fmt.Fprintln(t.writer)
	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "REF\tREMOTE\tOPERATION\tDOWNLOAD\tINSTALLED")
	for _, p := range ops {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			p.Package.Ref,
			p.Package.Remote,
			p.OperationKind,
			FormatBytes(p.DownloadSize),
			FormatBytes(p.InstalledSize),
		)
	}

	return nil
}

// PrintInstallations prints installation descriptors in a table format.
func (t *TablePrinter) PrintInstallations(insts []model.Installation) error {
	if len(insts) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "NAME\tTYPE\tTITLE\tPATH")
	for _, i := range insts {
		typ := "system"
		if i.IsUser {
			typ = "user"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", i.Name, typ, i.Title, i.Path)
	}

	return nil
}

// PrintRemotes prints remotes in a table format.
func (t *TablePrinter) PrintRemotes(remotes []model.Remote) error {
	if len(remotes) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "NAME\tTITLE\tURL")
	for _, r := range remotes {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Name, r.Title, r.URL)
	}

	return nil
}

// PrintInstalled prints installed refs in a table format.
func (t *TablePrinter) PrintInstalled(refs []model.InstalledRef) error {
	if len(refs) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "REF\tORIGIN\tCOMMIT\tSIZE")
	for _, r := range refs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Ref, r.Origin, r.Commit, FormatBytes(r.InstalledSize))
	}

	return nil
}

// PrintMessage prints a simple text message.
func (t *TablePrinter) PrintMessage(msg string) error {
	fmt.Fprintln(t.writer, msg)
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
