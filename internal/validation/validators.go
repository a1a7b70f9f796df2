package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// Name validation
var (
	// Valid interface name: alphanumeric, dash, underscore, dot (for VLANs),
	// optionally ending in the "+" wildcard; max 15 chars in total
	interfaceNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]*\+?$`)

	// Valid table name: lowercase alphanumeric and underscore
	tableNameRegex = regexp.MustCompile(`^[a-z0-9_]{1,31}$`)

	// Dangerous characters that should never appear in names
	dangerousChars = []string{";", "|", "&", "$", "`", "(", ")", "<", ">", "\\", "\"", "'", "\n", "\r"}
)

// reservedChainNames cannot name a user chain because the standard target
// would read them as verdicts.
var reservedChainNames = []string{"ACCEPT", "DROP", "QUEUE", "RETURN", "ERROR"}

// ValidateInterfaceName validates a network interface name. A trailing "+"
// matches every interface with that prefix.
func ValidateInterfaceName(name string) error {
	if name == "" {
		return fmt.Errorf("interface name cannot be empty")
	}

	if len(name) > 15 {
		return fmt.Errorf("interface name too long (max 15 characters): %s", name)
	}

	// Check for dangerous characters
	for _, char := range dangerousChars {
		if strings.Contains(name, char) {
			return fmt.Errorf("interface name contains dangerous character: %s", char)
		}
	}

	if !interfaceNameRegex.MatchString(name) {
		return fmt.Errorf("invalid interface name: %s (must be alphanumeric with -_. and an optional trailing +)", name)
	}

	return nil
}

// ValidateChainName validates a user-defined chain name.
func ValidateChainName(name string) error {
	if name == "" {
		return fmt.Errorf("chain name cannot be empty")
	}

	if len(name) > 28 {
		return fmt.Errorf("chain name too long (max 28 characters): %s", name)
	}

	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, "!") {
		return fmt.Errorf("chain name cannot start with %q: %s", name[:1], name)
	}

	if strings.ContainsFunc(name, func(r rune) bool { return r <= ' ' || r == 0x7f }) {
		return fmt.Errorf("chain name contains whitespace or control characters: %q", name)
	}

	for _, reserved := range reservedChainNames {
		if name == reserved {
			return fmt.Errorf("chain name is reserved: %s", name)
		}
	}

	return nil
}

// ValidateTableName validates a table name.
func ValidateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("table name cannot be empty")
	}

	if !tableNameRegex.MatchString(name) {
		return fmt.Errorf("invalid table name: %s (must be lowercase alphanumeric with _, max 31 characters)", name)
	}

	return nil
}
