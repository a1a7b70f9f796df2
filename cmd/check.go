package cmd

import (
	"fmt"
	"strings"

	"grimm.is/xtables/internal/compiler"
	"grimm.is/xtables/internal/config"
	"grimm.is/xtables/internal/extension"
	"grimm.is/xtables/internal/table"
	"grimm.is/xtables/internal/transport"
)

// RunCheck validates a policy file without touching the kernel: every table
// is staged onto an empty in-memory copy and compiled. Interfaces the policy
// names but the host lacks are reported as warnings.
func (e *Env) RunCheck(path string, verbose bool) error {
	if path == "" {
		return fmt.Errorf("usage: xtables check [-v] <policy-file>")
	}
	cfg, err := loadPolicy(path)
	if err != nil {
		return err
	}

	stores := make(map[extension.Family]*transport.Memory)
	var chains, rules int
	for i := range cfg.Tables {
		tc := &cfg.Tables[i]
		family, err := config.ParseFamily(tc.Family)
		if err != nil {
			return err
		}

		c := compiler.New(extension.NewRegistry(), family, compiler.WithLogger(e.Logger.WithComponent("compiler")))
		mem, ok := stores[family]
		if !ok {
			mem = transport.NewMemory(transport.WithLogger(e.Logger.WithComponent("transport")))
			stores[family] = mem
		}
		if err := mem.SeedEmpty(c, tc.Name); err != nil {
			return err
		}
		tbl, err := table.Open(tc.Name, mem, c, table.WithLogger(e.Logger.WithComponent("table")))
		if err != nil {
			return err
		}
		if err := tc.Stage(tbl); err != nil {
			return fmt.Errorf("table %s: %w", tc.Name, err)
		}
		if err := tbl.Commit(); err != nil {
			return fmt.Errorf("table %s: %w", tc.Name, err)
		}

		for _, s := range tbl.Stats() {
			chains++
			rules += s.Rules
		}
		if verbose {
			if err := tbl.Dump(e.Out); err != nil {
				return err
			}
		}
	}

	Printer.Fprintf(e.Out, "Policy valid: %d tables, %d chains, %d rules\n", len(cfg.Tables), chains, rules)

	for _, name := range e.missingInterfaces(cfg) {
		Printer.Fprintf(e.Out, "warning: interface %s not present on this host\n", name)
	}
	return nil
}

// missingInterfaces returns the policy's interfaces that match no link. A
// wildcard matches any link with its prefix.
func (e *Env) missingInterfaces(cfg *config.Config) []string {
	if e.Links == nil {
		return nil
	}
	links, err := e.Links()
	if err != nil {
		e.Logger.Warn("Cannot check interfaces", "error", err)
		return nil
	}

	var missing []string
	for _, name := range cfg.Interfaces() {
		found := false
		for _, l := range links {
			if prefix, ok := strings.CutSuffix(name, "+"); ok {
				found = strings.HasPrefix(l, prefix)
			} else {
				found = l == name
			}
			if found {
				break
			}
		}
		if !found {
			missing = append(missing, name)
		}
	}
	return missing
}
