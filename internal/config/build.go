package config

import (
	"fmt"

	"grimm.is/xtables/internal/abi"
	"grimm.is/xtables/internal/extension"
	"grimm.is/xtables/internal/rule"
	"grimm.is/xtables/internal/table"
)

// BuildRule turns a rule block into a rule for family, resolving matches and
// targets through reg.
func BuildRule(reg *extension.Registry, family extension.Family, rc RuleConfig) (*rule.Rule, error) {
	r := rule.New(family)

	if err := r.SetSource(rc.Source); err != nil {
		return nil, err
	}
	if err := r.SetDestination(rc.Destination); err != nil {
		return nil, err
	}
	if err := r.SetInInterface(rc.InInterface); err != nil {
		return nil, err
	}
	if err := r.SetOutInterface(rc.OutInterface); err != nil {
		return nil, err
	}
	// protocol first: it is the hint for implicit protocol matches
	if err := r.SetProtocol(rc.Protocol); err != nil {
		return nil, err
	}
	if rc.Fragment != nil {
		r.SetFragment(rule.Fragment{Set: true, Negated: !*rc.Fragment})
	}

	for _, mc := range rc.Matches {
		m, err := buildMatch(reg, r, mc)
		if err != nil {
			return nil, err
		}
		r.AddMatch(m)
	}
	if rc.Comment != "" {
		m, err := rule.NewMatch(reg, r, "comment")
		if err != nil {
			return nil, err
		}
		if err := m.Set("comment", rc.Comment); err != nil {
			return nil, err
		}
		r.AddMatch(m)
	}

	t, err := buildTarget(reg, r, rc)
	if err != nil {
		return nil, err
	}
	r.SetTarget(t)

	if rc.Goto {
		if t.Kind() != rule.Jump {
			return nil, fmt.Errorf("goto: target %s is not a user chain", rc.Target)
		}
		r.SetGoto(true)
	}
	return r, nil
}

func buildMatch(reg *extension.Registry, r *rule.Rule, mc MatchConfig) (*rule.Match, error) {
	var (
		m   *rule.Match
		err error
	)
	if mc.Revision != nil {
		rev, rerr := revision(*mc.Revision)
		if rerr != nil {
			return nil, fmt.Errorf("match %s: %w", mc.Name, rerr)
		}
		m, err = rule.NewMatchRevision(reg, r, mc.Name, rev)
	} else {
		m, err = rule.NewMatch(reg, r, mc.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("match %s: %w", mc.Name, err)
	}

	opts, err := evalOptions(mc.Options)
	if err != nil {
		return nil, fmt.Errorf("match %s: %w", mc.Name, err)
	}
	for _, o := range opts {
		if err := m.Set(o.Name, o.Value); err != nil {
			return nil, fmt.Errorf("match %s: %w", mc.Name, err)
		}
	}
	return m, nil
}

func buildTarget(reg *extension.Registry, r *rule.Rule, rc RuleConfig) (*rule.Target, error) {
	var (
		t   *rule.Target
		err error
	)
	if rc.TargetRevision != nil {
		rev, rerr := revision(*rc.TargetRevision)
		if rerr != nil {
			return nil, fmt.Errorf("target %s: %w", rc.Target, rerr)
		}
		t, err = rule.NewTargetRevision(reg, r, rc.Target, rev)
	} else {
		t, err = rule.NewTarget(reg, r, rc.Target)
	}
	if err != nil {
		return nil, err
	}

	opts, err := evalOptions(rc.TargetOptions)
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", rc.Target, err)
	}
	if len(opts) > 0 && t.Kind() != rule.Extension {
		return nil, fmt.Errorf("target %s takes no options", rc.Target)
	}
	for _, o := range opts {
		if err := t.Set(o.Name, o.Value); err != nil {
			return nil, fmt.Errorf("target %s: %w", rc.Target, err)
		}
	}
	return t, nil
}

func revision(n int) (uint8, error) {
	if n < 0 || n > 255 {
		return 0, fmt.Errorf("revision %d out of range", n)
	}
	return uint8(n), nil
}

// Stage applies the table block to t without committing. Every chain named
// in the block is created if missing, flushed and refilled; built-in
// policies are set when given. With Prune, user chains the block does not
// name are flushed and deleted. Rules are built before t is touched; an
// error after that may leave part of the changes staged, and callers
// discard them.
func (tc *TableConfig) Stage(t *table.Table) error {
	family, err := ParseFamily(tc.Family)
	if err != nil {
		return err
	}
	if family != t.Family() {
		return fmt.Errorf("table %s: policy is %s, table is %s", tc.Name, family, t.Family())
	}
	reg := t.Compiler().Registry()

	built := make([][]*rule.Rule, len(tc.Chains))
	for i, ch := range tc.Chains {
		for j, rc := range ch.Rules {
			r, err := BuildRule(reg, family, rc)
			if err != nil {
				return fmt.Errorf("chain %s rule %d: %w", ch.Name, j, err)
			}
			built[i] = append(built[i], r)
		}
	}

	named := make(map[string]bool)
	for _, ch := range tc.Chains {
		named[ch.Name] = true
		if !t.IsChain(ch.Name) {
			if isBuiltinName(ch.Name) {
				return fmt.Errorf("table %s has no built-in chain %s", tc.Name, ch.Name)
			}
			if err := t.CreateChain(ch.Name); err != nil {
				return err
			}
		}
	}

	for i, ch := range tc.Chains {
		if err := t.FlushChain(ch.Name); err != nil {
			return err
		}
		if ch.Policy != "" {
			v, ok := rule.ParseVerdict(ch.Policy)
			if !ok {
				return fmt.Errorf("chain %s: invalid policy %q", ch.Name, ch.Policy)
			}
			if err := t.SetPolicy(ch.Name, v); err != nil {
				return err
			}
		}
		for _, r := range built[i] {
			if err := t.AppendRule(ch.Name, r); err != nil {
				return err
			}
		}
	}

	if tc.Prune {
		return prune(t, named)
	}
	return nil
}

// prune removes user chains not in keep. They are flushed first so chains
// that only reference each other can go.
func prune(t *table.Table, keep map[string]bool) error {
	var stale []string
	for _, name := range t.Chains() {
		c, err := t.Chain(name)
		if err != nil {
			return err
		}
		if c.Hook == rule.UserHook && !keep[name] {
			stale = append(stale, name)
		}
	}
	for _, name := range stale {
		if err := t.FlushChain(name); err != nil {
			return err
		}
	}
	for _, name := range stale {
		if err := t.DeleteChain(name); err != nil {
			return fmt.Errorf("prune %s: %w", name, err)
		}
	}
	return nil
}

// Builtins returns the built-in chain names of the named table, in hook
// order.
func Builtins(tableName string) []string {
	hooks, _ := abi.TableHooks(tableName)
	names := make([]string, 0, len(hooks))
	for _, h := range hooks {
		names = append(names, abi.HookChains[h])
	}
	return names
}
