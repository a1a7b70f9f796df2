// Package brand holds the product identity shared by the CLI, logs and
// metrics, embedded from brand.json.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

//go:embed brand.json
var identityJSON []byte

type identity struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	EnvPrefix   string `json:"envPrefix"`
	ConfigDir   string `json:"configDir"`
	StateDir    string `json:"stateDir"`
	PolicyFile  string `json:"policyFile"`
	HistoryFile string `json:"historyFile"`
}

var id = mustParse(identityJSON)

func mustParse(data []byte) identity {
	var v identity
	if err := json.Unmarshal(data, &v); err != nil {
		panic("brand.json: " + err.Error())
	}
	return v
}

var (
	Name        = id.Name
	LowerName   = strings.ToLower(id.Name)
	BinaryName  = LowerName
	Description = id.Description

	// Set at build time via -ldflags "-X grimm.is/xtables/internal/brand.Version=...".
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// dir returns $<PREFIX>_<suffix>_DIR, then $<PREFIX>_PREFIX/<sub>, then def.
func dir(suffix, sub, def string) string {
	if d := os.Getenv(id.EnvPrefix + "_" + suffix + "_DIR"); d != "" {
		return d
	}
	if prefix := os.Getenv(id.EnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, sub)
	}
	return def
}

// ConfigDir is where policy files live.
func ConfigDir() string {
	return dir("CONFIG", "etc", id.ConfigDir)
}

// StateDir is where the commit history is kept.
func StateDir() string {
	return dir("STATE", "var", id.StateDir)
}

// DefaultPolicyPath returns the policy file used when none is given.
func DefaultPolicyPath() string {
	return filepath.Join(ConfigDir(), id.PolicyFile)
}

// DefaultHistoryPath returns the commit history database path.
func DefaultHistoryPath() string {
	return filepath.Join(StateDir(), id.HistoryFile)
}
