package table

import "grimm.is/xtables/internal/metrics"

// Stats returns per-chain rule counts and counter sums, built-in chains
// first. Policy counters count toward their chain.
func (t *Table) Stats() []metrics.ChainStats {
	var out []metrics.ChainStats
	for _, name := range t.Chains() {
		c, _ := t.find(name)
		s := metrics.ChainStats{
			Table:   t.name,
			Chain:   c.Name,
			Rules:   len(c.Rules),
			Packets: c.PolicyCounters.Packets,
			Bytes:   c.PolicyCounters.Bytes,
		}
		for _, r := range c.Rules {
			cnt := r.Counters()
			s.Packets += cnt.Packets
			s.Bytes += cnt.Bytes
		}
		out = append(out, s)
	}
	return out
}
