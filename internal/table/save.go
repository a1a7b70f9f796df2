package table

import (
	"bufio"
	"fmt"
	"io"
)

// Save writes the model in iptables-save format, counters included.
func (t *Table) Save(w io.Writer) error { return t.save(w, true) }

// Dump writes the model like Save but without any counters, so two dumps of
// the same rules compare equal. Dry runs diff dumps.
func (t *Table) Dump(w io.Writer) error { return t.save(w, false) }

func (t *Table) save(w io.Writer, counters bool) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "*%s\n", t.name)

	names := t.Chains()
	for _, name := range names {
		c, _ := t.find(name)
		if counters {
			fmt.Fprintf(bw, ":%s %s [%d:%d]\n", c.Name, c.PolicyName(), c.PolicyCounters.Packets, c.PolicyCounters.Bytes)
		} else {
			fmt.Fprintf(bw, ":%s %s\n", c.Name, c.PolicyName())
		}
	}
	for _, name := range names {
		c, _ := t.find(name)
		for _, r := range c.Rules {
			if counters {
				cnt := r.Counters()
				fmt.Fprintf(bw, "[%d:%d] ", cnt.Packets, cnt.Bytes)
			}
			if s := r.String(); s != "" {
				fmt.Fprintf(bw, "-A %s %s\n", c.Name, s)
			} else {
				fmt.Fprintf(bw, "-A %s\n", c.Name)
			}
		}
	}
	fmt.Fprintln(bw, "COMMIT")
	return bw.Flush()
}
