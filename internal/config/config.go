package config

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"

	"grimm.is/xtables/internal/extension"
)

// Config is the top-level structure of a policy file.
type Config struct {
	Tables []TableConfig `hcl:"table,block" json:"tables"`
}

// TableConfig is the desired content of one table.
type TableConfig struct {
	Name   string        `hcl:"name,label" json:"name"`
	Family string        `hcl:"family,optional" json:"family,omitempty"` // ipv4 (default) or ipv6
	Prune  bool          `hcl:"prune,optional" json:"prune,omitempty"`   // delete user chains not named here
	Chains []ChainConfig `hcl:"chain,block" json:"chains"`
}

// ChainConfig is the desired content of one chain.
type ChainConfig struct {
	Name   string       `hcl:"name,label" json:"name"`
	Policy string       `hcl:"policy,optional" json:"policy,omitempty"` // built-in chains only
	Rules  []RuleConfig `hcl:"rule,block" json:"rules"`
}

// RuleConfig describes one rule. Selector fields take the same text as the
// rule setters, including a leading "!" for negation.
type RuleConfig struct {
	Source       string `hcl:"source,optional" json:"source,omitempty"`
	Destination  string `hcl:"destination,optional" json:"destination,omitempty"`
	InInterface  string `hcl:"in_interface,optional" json:"in_interface,omitempty"`
	OutInterface string `hcl:"out_interface,optional" json:"out_interface,omitempty"`
	Protocol     string `hcl:"protocol,optional" json:"protocol,omitempty"`
	Fragment     *bool  `hcl:"fragment,optional" json:"fragment,omitempty"` // true: -f, false: ! -f
	Goto         bool   `hcl:"goto,optional" json:"goto,omitempty"`
	Comment      string `hcl:"comment,optional" json:"comment,omitempty"` // shorthand for a comment match

	Matches []MatchConfig `hcl:"match,block" json:"matches,omitempty"`

	Target         string         `hcl:"target" json:"target"`
	TargetRevision *int           `hcl:"target_revision,optional" json:"target_revision,omitempty"`
	TargetOptions  hcl.Expression `hcl:"target_options,optional" json:"-"`
}

// MatchConfig is one extension match. Revision pins an explicit revision;
// otherwise the highest one the kernel accepts is used.
type MatchConfig struct {
	Name     string         `hcl:"name,label" json:"name"`
	Revision *int           `hcl:"revision,optional" json:"revision,omitempty"`
	Options  hcl.Expression `hcl:"options,optional" json:"-"`
}

// ParseFamily maps "ipv4", "ipv6" (or "inet", "inet6") to a family. The empty
// string means IPv4.
func ParseFamily(s string) (extension.Family, error) {
	switch strings.ToLower(s) {
	case "", "ipv4", "inet":
		return extension.IPv4, nil
	case "ipv6", "inet6":
		return extension.IPv6, nil
	default:
		return extension.Unspec, fmt.Errorf("unknown family %q (want ipv4 or ipv6)", s)
	}
}

// Table returns the table block with the given name and family.
func (c *Config) Table(name string, family extension.Family) (*TableConfig, bool) {
	for i := range c.Tables {
		t := &c.Tables[i]
		f, err := ParseFamily(t.Family)
		if err == nil && t.Name == name && f == family {
			return t, true
		}
	}
	return nil, false
}

// Interfaces returns the interface names the policy refers to, without
// negation. Wildcards are returned as written, with the trailing "+".
func (c *Config) Interfaces() []string {
	seen := make(map[string]bool)
	var names []string
	add := func(s string) {
		s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "!"))
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		names = append(names, s)
	}
	for _, t := range c.Tables {
		for _, ch := range t.Chains {
			for _, r := range ch.Rules {
				add(r.InInterface)
				add(r.OutInterface)
			}
		}
	}
	return names
}
