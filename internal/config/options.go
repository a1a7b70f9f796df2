package config

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// optionPair is one evaluated option, in key order.
type optionPair struct {
	Name  string
	Value string
}

// evalOptions evaluates an options object. A missing attribute evaluates to
// null and yields no options. Keys use "_" or "-" interchangeably.
func evalOptions(expr hcl.Expression) ([]optionPair, error) {
	if expr == nil {
		return nil, nil
	}
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, fmt.Errorf("options: %s", diags.Error())
	}
	if val.IsNull() {
		return nil, nil
	}
	if !val.IsWhollyKnown() {
		return nil, fmt.Errorf("options: value is not known")
	}
	ty := val.Type()
	if !ty.IsObjectType() && !ty.IsMapType() {
		return nil, fmt.Errorf("options: expected an object, got %s", ty.FriendlyName())
	}

	var pairs []optionPair
	for it := val.ElementIterator(); it.Next(); {
		k, v := it.Element()
		name := strings.ReplaceAll(k.AsString(), "_", "-")
		s, err := optionString(v)
		if err != nil {
			return nil, fmt.Errorf("options: %s: %w", name, err)
		}
		pairs = append(pairs, optionPair{Name: name, Value: s})
	}
	return pairs, nil
}

// optionString converts a primitive value to the text the option codecs
// parse.
func optionString(v cty.Value) (string, error) {
	if v.IsNull() {
		return "", fmt.Errorf("value is null")
	}
	if !v.Type().IsPrimitiveType() {
		return "", fmt.Errorf("expected a string, number or bool, got %s", v.Type().FriendlyName())
	}
	s, err := convert.Convert(v, cty.String)
	if err != nil {
		return "", err
	}
	return s.AsString(), nil
}
