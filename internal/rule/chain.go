package rule

import (
	"grimm.is/xtables/internal/abi"
)

// UserHook is the hook of a user-defined chain.
const UserHook = -1

// Chain is an ordered list of rules. Built-in chains are attached to a hook
// and end in a policy; user chains are only reachable by jumps.
type Chain struct {
	Name           string
	Hook           int
	Policy         int32
	PolicyCounters Counters
	Rules          []*Rule
}

// NewBuiltinChain returns the chain for hook with an ACCEPT policy.
func NewBuiltinChain(hook int) *Chain {
	return &Chain{Name: abi.HookChains[hook], Hook: hook, Policy: abi.VerdictAccept}
}

// NewUserChain returns an empty user chain.
func NewUserChain(name string) *Chain {
	return &Chain{Name: name, Hook: UserHook}
}

// Builtin reports whether the chain is attached to a hook.
func (c *Chain) Builtin() bool { return c.Hook != UserHook }

// References reports whether any rule of c jumps to the named chain.
func (c *Chain) References(name string) bool {
	for _, r := range c.Rules {
		if t := r.Target(); t != nil && t.Kind() == Jump && t.Chain() == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (c *Chain) Clone() *Chain {
	out := *c
	out.Rules = make([]*Rule, len(c.Rules))
	for i, r := range c.Rules {
		out.Rules[i] = r.Clone()
	}
	return &out
}

// PolicyName returns the policy verdict name, "-" for user chains.
func (c *Chain) PolicyName() string {
	if !c.Builtin() {
		return "-"
	}
	name, ok := VerdictName(c.Policy)
	if !ok {
		return "-"
	}
	return name
}
