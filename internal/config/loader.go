package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// LoadFile loads a policy file. Files ending in .json use HCL's JSON syntax;
// everything else is parsed as native HCL.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	if strings.ToLower(filepath.Ext(path)) == ".json" {
		return LoadJSON(data, path)
	}
	return LoadHCL(data, path)
}

// LoadHCL loads a policy from HCL bytes. filename is only used in
// diagnostics.
func LoadHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse error: %s", diags.Error())
	}
	return decode(file)
}

// LoadJSON loads a policy from HCL JSON syntax.
func LoadJSON(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseJSON(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("JSON parse error: %s", diags.Error())
	}
	return decode(file)
}

func decode(file *hcl.File) (*Config, error) {
	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode policy: %s", diags.Error())
	}
	return &cfg, nil
}
