package config

import (
	"fmt"
	"slices"
	"strings"

	"grimm.is/xtables/internal/abi"
	"grimm.is/xtables/internal/rule"
	"grimm.is/xtables/internal/validation"
)

// ValidationError represents a policy validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate checks names, families and policies. Rule contents are checked
// when rules are built, since that needs the extension registry.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]bool)

	for i, t := range c.Tables {
		field := fmt.Sprintf("table[%d]", i)
		if t.Name != "" {
			field = fmt.Sprintf("table.%s", t.Name)
		}

		if err := validation.ValidateTableName(t.Name); err != nil {
			errs = append(errs, ValidationError{Field: field, Message: err.Error()})
			continue
		}
		if _, ok := abi.TableHooks(t.Name); !ok {
			errs = append(errs, ValidationError{Field: field, Message: "unknown table"})
			continue
		}
		family, err := ParseFamily(t.Family)
		if err != nil {
			errs = append(errs, ValidationError{Field: field + ".family", Message: err.Error()})
			continue
		}
		key := t.Name + "/" + family.String()
		if seen[key] {
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("duplicate table for %s", family)})
		}
		seen[key] = true

		errs = append(errs, t.validateChains(field)...)
	}

	return errs
}

func (t *TableConfig) validateChains(field string) ValidationErrors {
	var errs ValidationErrors

	builtin := make(map[string]bool)
	for _, name := range Builtins(t.Name) {
		builtin[name] = true
	}

	var names []string
	for _, ch := range t.Chains {
		cf := fmt.Sprintf("%s.chain.%s", field, ch.Name)
		if slices.Contains(names, ch.Name) {
			errs = append(errs, ValidationError{Field: cf, Message: "duplicate chain"})
		}
		names = append(names, ch.Name)

		if builtin[ch.Name] {
			if ch.Policy != "" {
				if msg := checkPolicy(ch.Policy); msg != "" {
					errs = append(errs, ValidationError{Field: cf + ".policy", Message: msg})
				}
			}
		} else {
			if err := validation.ValidateChainName(ch.Name); err != nil {
				errs = append(errs, ValidationError{Field: cf, Message: err.Error()})
			} else if isBuiltinName(ch.Name) {
				errs = append(errs, ValidationError{Field: cf, Message: fmt.Sprintf("table %s has no built-in chain %s", t.Name, ch.Name)})
			}
			if ch.Policy != "" {
				errs = append(errs, ValidationError{Field: cf + ".policy", Message: "only built-in chains have a policy"})
			}
		}

		for j, r := range ch.Rules {
			errs = append(errs, r.validate(fmt.Sprintf("%s.rule[%d]", cf, j))...)
		}
	}
	return errs
}

func checkPolicy(p string) string {
	v, ok := rule.ParseVerdict(p)
	if !ok {
		return fmt.Sprintf("invalid policy %q (want ACCEPT, DROP or QUEUE)", p)
	}
	if v == abi.VerdictReturn {
		return "RETURN cannot be a policy"
	}
	return ""
}

// isBuiltinName reports whether name is a hook chain of some table, which a
// user chain cannot borrow.
func isBuiltinName(name string) bool {
	return slices.Contains(abi.HookChains[:], name)
}

func (r *RuleConfig) validate(field string) ValidationErrors {
	var errs ValidationErrors
	if strings.TrimSpace(r.Target) == "" {
		errs = append(errs, ValidationError{Field: field + ".target", Message: "target is required"})
	}
	for _, iface := range []struct{ name, value string }{
		{"in_interface", r.InInterface},
		{"out_interface", r.OutInterface},
	} {
		name := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(iface.value), "!"))
		if iface.value == "" {
			continue
		}
		if err := validation.ValidateInterfaceName(name); err != nil {
			errs = append(errs, ValidationError{Field: field + "." + iface.name, Message: err.Error()})
		}
	}
	if r.Goto {
		if _, verdict := rule.ParseVerdict(r.Target); verdict {
			errs = append(errs, ValidationError{Field: field + ".goto", Message: "goto needs a user chain target"})
		}
	}
	return errs
}
