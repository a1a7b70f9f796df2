package option

import (
	"slices"
	"strings"
	"unicode"
)

// Spec declares one option of an extension.
type Spec struct {
	Name    string
	Aliases []string
	Codec   Codec

	// Default is the value the kernel structure carries when the option is
	// not given. nil means the option has no default.
	Default   Value
	Negatable bool
	Required  bool
}

// Is reports whether name refers to this option.
func (s *Spec) Is(name string) bool {
	return name == s.Name || slices.Contains(s.Aliases, name)
}

// Parse converts raw into a Setting. A leading "!", optionally followed by
// whitespace, negates the value.
func (s *Spec) Parse(raw string) (Setting, error) {
	body, negated := raw, false
	if _, lit := s.Codec.(literal); !lit || s.Negatable {
		if rest, ok := strings.CutPrefix(strings.TrimLeftFunc(raw, unicode.IsSpace), "!"); ok {
			body, negated = strings.TrimLeftFunc(rest, unicode.IsSpace), true
		}
	}
	if negated && !s.Negatable {
		return Setting{}, &Error{Option: s.Name, Value: raw, Reason: "option cannot be negated"}
	}
	v, err := s.Codec.Parse(body)
	if err != nil {
		return Setting{}, &Error{Option: s.Name, Value: raw, Reason: err.Error()}
	}
	return Setting{Value: v, Negated: negated}, nil
}

// Format renders a setting in canonical form.
func (s *Spec) Format(st Setting) string {
	return st.String()
}

// Schema is the ordered option list of an extension.
type Schema []*Spec

// Lookup finds the option called name, by its primary name or an alias.
func (sc Schema) Lookup(name string) (*Spec, bool) {
	for _, s := range sc {
		if s.Is(name) {
			return s, true
		}
	}
	return nil, false
}

// Defaults returns the settings every unset option falls back to.
func (sc Schema) Defaults() Values {
	v := Values{}
	for _, s := range sc {
		if s.Default != nil {
			v[s.Name] = Setting{Value: s.Default}
		}
	}
	return v
}

// Resolve returns v with defaults filled in for unset options.
func (sc Schema) Resolve(v Values) Values {
	out := sc.Defaults()
	for name, st := range v {
		out[name] = st
	}
	return out
}

// Normalize drops settings that equal their default and are not negated, so
// that an explicit default compares equal to an unset option.
func (sc Schema) Normalize(v Values) Values {
	out := Values{}
	for name, st := range v {
		if !st.IsSet() {
			continue
		}
		if s, ok := sc.Lookup(name); ok && !st.Negated && s.Default != nil && st.Value == s.Default {
			continue
		}
		out[name] = st
	}
	return out
}

// Missing returns the names of required options that are not set in v.
func (sc Schema) Missing(v Values) []string {
	var missing []string
	for _, s := range sc {
		if s.Required && !v[s.Name].IsSet() {
			missing = append(missing, s.Name)
		}
	}
	return missing
}
