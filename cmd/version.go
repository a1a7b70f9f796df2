package cmd

import (
	"runtime"

	"grimm.is/xtables/internal/brand"
)

// RunVersion prints build information.
func (e *Env) RunVersion() {
	Printer.Fprintf(e.Out, "%s %s\n", brand.Name, brand.Version)
	Printer.Fprintf(e.Out, "  commit:  %s\n", brand.GitCommit)
	Printer.Fprintf(e.Out, "  built:   %s\n", brand.BuildTime)
	Printer.Fprintf(e.Out, "  go:      %s\n", runtime.Version())
}
