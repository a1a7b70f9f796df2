package cmd

import (
	"fmt"

	"grimm.is/xtables/internal/extension"
)

// RunList prints a table in iptables-save format. With counters, rules carry
// their [packets:bytes] prefix as iptables-save -c prints them.
func (e *Env) RunList(name string, family extension.Family, counters bool) error {
	tbl, err := e.open(name, family)
	if err != nil {
		return fmt.Errorf("failed to read table %s: %w", name, err)
	}
	if counters {
		return tbl.Save(e.Out)
	}
	return tbl.Dump(e.Out)
}
