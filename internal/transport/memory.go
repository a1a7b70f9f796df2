package transport

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"sync"

	"golang.org/x/sys/unix"

	"grimm.is/xtables/internal/abi"
	"grimm.is/xtables/internal/compiler"
	"grimm.is/xtables/internal/extension"
	"grimm.is/xtables/internal/logging"
)

// Memory keeps table blobs in process. It checks blobs the way the kernel's
// header checks would and handles entry counters like the kernel, but does
// not interpret matches or targets.
type Memory struct {
	mu       sync.Mutex
	tables   map[string][]byte
	families map[string]extension.Family
	replaces map[string]int
	family   extension.Family
	logger   *logging.Logger
}

// NewMemory returns an empty in-memory transport.
func NewMemory(opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		tables:   make(map[string][]byte),
		families: make(map[string]extension.Family),
		replaces: make(map[string]int),
		family:   o.family,
		logger:   o.logger,
	}
}

// Seed stores blob as the current state of table.
func (m *Memory) Seed(table string, blob []byte) error {
	if _, err := checkBlob(table, blob); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table] = bytes.Clone(blob)
	return nil
}

// SeedEmpty stores each table with only its built-in chains.
func (m *Memory) SeedEmpty(c *compiler.Compiler, tables ...string) error {
	for _, name := range tables {
		blob, err := c.Empty(name)
		if err != nil {
			return err
		}
		if err := m.Seed(name, blob); err != nil {
			return err
		}
		m.mu.Lock()
		m.families[name] = c.Family()
		m.mu.Unlock()
	}
	return nil
}

func (m *Memory) layout(table string) abi.EntryLayout {
	if f, ok := m.families[table]; ok {
		return entryLayout(f)
	}
	return entryLayout(m.family)
}

// Fetch returns a copy of the stored blob. Unknown tables fail with ENOENT,
// as the kernel does.
func (m *Memory) Fetch(table string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.tables[table]
	if !ok {
		return nil, fmt.Errorf("table %s: %w", table, unix.ENOENT)
	}
	return bytes.Clone(blob), nil
}

// Replace stores blob with every entry's counters cleared. Like the kernel,
// it refuses to change the set of built-in chains of an existing table.
func (m *Memory) Replace(table string, blob []byte) error {
	h, err := checkBlob(table, blob)
	if err != nil {
		return fmt.Errorf("%w: %v", unix.EINVAL, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.tables[table]; ok {
		oh, err := checkBlob(table, old)
		if err == nil && oh.ValidHooks != h.ValidHooks {
			return fmt.Errorf("table %s: hooks 0x%x do not match 0x%x: %w", table, h.ValidHooks, oh.ValidHooks, unix.EINVAL)
		}
	}
	stored := bytes.Clone(blob)
	if err := m.layout(table).ZeroCounters(stored); err != nil {
		return fmt.Errorf("table %s: %v: %w", table, err, unix.EINVAL)
	}
	m.tables[table] = stored
	m.replaces[table]++
	m.logger.Debug("Stored table", "table", table, "size", len(blob), "entries", h.NumEntries)
	return nil
}

// AddCounters adds cs to the counters of the stored table's entries. Like
// SO_SET_ADD_COUNTERS, it needs exactly one pair per entry.
func (m *Memory) AddCounters(table string, cs []abi.Counters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.tables[table]
	if !ok {
		return fmt.Errorf("table %s: %w", table, unix.ENOENT)
	}
	if err := m.layout(table).AddCounters(blob, cs); err != nil {
		return fmt.Errorf("table %s: %v: %w", table, err, unix.EINVAL)
	}
	return nil
}

// Replaces returns how many times table has been replaced.
func (m *Memory) Replaces(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replaces[table]
}

// Tables returns the names of the stored tables, sorted.
func (m *Memory) Tables() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.tables))
}
