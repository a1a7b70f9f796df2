// Package table stages chain and rule changes against an in-memory copy of a
// kernel table and commits them as one atomic replace.
//
// A Table is not safe for concurrent use. Callers serialize all calls on one
// Table; distinct tables are independent.
package table

import (
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sys/unix"

	"grimm.is/xtables/internal/abi"
	"grimm.is/xtables/internal/clock"
	"grimm.is/xtables/internal/compiler"
	"grimm.is/xtables/internal/extension"
	"grimm.is/xtables/internal/logging"
	"grimm.is/xtables/internal/metrics"
	"grimm.is/xtables/internal/rule"
	"grimm.is/xtables/internal/validation"
)

var (
	ErrDuplicateChain         = errors.New("chain already exists")
	ErrChainNotFound          = errors.New("chain not found")
	ErrChainNotEmpty          = errors.New("chain not empty")
	ErrChainInUse             = errors.New("chain is referenced")
	ErrBuiltinChain           = errors.New("built-in chain")
	ErrRuleNotFound           = errors.New("rule not found")
	ErrInvalidPosition        = errors.New("invalid rule position")
	ErrDanglingChainReference = errors.New("jump to missing chain")
	ErrCommitFailed           = errors.New("commit failed")
)

// CommitError is returned when the transport rejects a fetch or replace.
// Code is the kernel errno, or -1 when the failure carried none.
type CommitError struct {
	Table string
	Code  int
	Err   error
}

func newCommitError(table string, err error) *CommitError {
	code := -1
	var errno unix.Errno
	if errors.As(err, &errno) {
		code = int(errno)
	}
	return &CommitError{Table: table, Code: code, Err: err}
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("table %s: %v (code %d): %v", e.Table, ErrCommitFailed, e.Code, e.Err)
}

func (e *CommitError) Unwrap() []error { return []error{ErrCommitFailed, e.Err} }

// Transport moves table blobs to and from the kernel.
type Transport interface {
	Fetch(table string) ([]byte, error)
	Replace(table string, blob []byte) error
	AddCounters(table string, counters []abi.Counters) error
}

// State tells whether the model has staged changes.
type State int

const (
	Clean State = iota
	Dirty
)

func (s State) String() string {
	if s == Dirty {
		return "dirty"
	}
	return "clean"
}

// Table is the working copy of one kernel table.
type Table struct {
	name      string
	transport Transport
	compiler  *compiler.Compiler
	logger    *logging.Logger
	metrics   *metrics.Registry
	clock     clock.Clock

	chains []*rule.Chain
	blob   []byte
	state  State
}

// Option configures a Table.
type Option func(*Table)

// WithLogger sets the table's logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *Table) { t.logger = l }
}

// WithMetrics records fetches and commits in m.
func WithMetrics(m *metrics.Registry) Option {
	return func(t *Table) { t.metrics = m }
}

// WithClock sets the clock commits are timed with.
func WithClock(c clock.Clock) Option {
	return func(t *Table) { t.clock = c }
}

// Open fetches the named table and builds its model.
func Open(name string, transport Transport, c *compiler.Compiler, opts ...Option) (*Table, error) {
	if err := validation.ValidateTableName(name); err != nil {
		return nil, err
	}
	t := &Table{name: name, transport: transport, compiler: c}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logging.WithComponent("table")
	}
	t.clock = clock.OrReal(t.clock)
	t.logger = t.logger.WithTable(name, c.Family().String())

	if err := t.Refresh(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) Name() string                 { return t.name }
func (t *Table) Family() extension.Family     { return t.compiler.Family() }
func (t *Table) State() State                 { return t.state }
func (t *Table) Compiler() *compiler.Compiler { return t.compiler }

// Size returns the length of the last fetched or committed blob.
func (t *Table) Size() int { return len(t.blob) }

// Refresh refetches the table from the kernel, dropping staged changes. On
// error the model is left as it was.
func (t *Table) Refresh() error {
	blob, err := t.transport.Fetch(t.name)
	if t.metrics != nil {
		t.metrics.RecordFetch(t.name, len(blob), err)
	}
	if err != nil {
		return newCommitError(t.name, err)
	}
	chains, err := t.decompile(blob)
	if err != nil {
		return err
	}
	t.chains, t.blob, t.state = chains, blob, Clean
	t.recordRules()
	t.logger.Debug("Fetched table", "chains", len(chains), "size", len(blob))
	return nil
}

// Discard drops staged changes and rebuilds the model from the last fetched
// or committed blob.
func (t *Table) Discard() error {
	chains, err := t.decompile(t.blob)
	if err != nil {
		return err
	}
	t.chains, t.state = chains, Clean
	return nil
}

func (t *Table) decompile(blob []byte) ([]*rule.Chain, error) {
	name, chains, err := t.compiler.DecompileTable(blob)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", t.name, err)
	}
	if name != t.name {
		return nil, fmt.Errorf("%w: asked for table %s, got %s", compiler.ErrMalformedBlob, t.name, name)
	}
	return chains, nil
}

// Commit compiles the whole model and replaces the kernel table with it.
// On any error the model is left untouched and the state stays Dirty.
func (t *Table) Commit() error {
	blob, layout, err := t.compile()
	if err != nil {
		return err
	}

	start := t.clock.Now()
	err = t.transport.Replace(t.name, blob)
	if t.metrics != nil {
		t.metrics.RecordCommit(t.name, len(blob), t.clock.Since(start), err)
	}
	if err != nil {
		cerr := newCommitError(t.name, err)
		t.logger.Error("Table replace failed", "code", cerr.Code, "error", err)
		return cerr
	}

	t.restoreCounters(blob)
	t.blob, t.state = blob, Clean
	t.recordRules()
	t.logger.Audit("commit", "table/"+t.name, map[string]any{
		"chains":  len(t.chains),
		"entries": layout.NumEntries,
		"size":    layout.Size,
	})
	return nil
}

// restoreCounters puts the model's rule and policy counters back after a
// replace, which zeroes them all. The table is already committed, so a
// failure is only logged.
func (t *Table) restoreCounters(blob []byte) {
	cs, err := t.compiler.EntryLayout().ReadCounters(blob)
	if err != nil {
		t.logger.Warn("Failed to read counters of committed table", "error", err)
		return
	}
	if !slices.ContainsFunc(cs, func(c abi.Counters) bool { return !c.IsZero() }) {
		return
	}
	if err := t.transport.AddCounters(t.name, cs); err != nil {
		t.logger.Warn("Failed to restore counters, they restart from zero", "error", err)
	}
}

// Check compiles the model without replacing anything, returning the error
// Commit would return before any I/O.
func (t *Table) Check() error {
	_, _, err := t.compile()
	return err
}

func (t *Table) compile() ([]byte, *compiler.Layout, error) {
	if err := t.checkJumps(); err != nil {
		return nil, nil, err
	}
	blob, layout, err := t.compiler.CompileTable(t.name, t.chains)
	if err != nil {
		return nil, nil, fmt.Errorf("table %s: %w", t.name, err)
	}
	return blob, layout, nil
}

func (t *Table) recordRules() {
	if t.metrics == nil {
		return
	}
	for _, c := range t.chains {
		t.metrics.SetChainRules(t.name, c.Name, len(c.Rules))
	}
}

// checkJumps verifies every jump names an existing user chain.
func (t *Table) checkJumps() error {
	for _, c := range t.chains {
		for i, r := range c.Rules {
			tg := r.Target()
			if tg == nil || tg.Kind() != rule.Jump {
				continue
			}
			dst, ok := t.find(tg.Chain())
			if !ok || dst.Builtin() {
				return fmt.Errorf("%w: %s rule %d jumps to %q", ErrDanglingChainReference, c.Name, i+1, tg.Chain())
			}
		}
	}
	return nil
}

func (t *Table) find(name string) (*rule.Chain, bool) {
	for _, c := range t.chains {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

func (t *Table) mustFind(name string) (*rule.Chain, error) {
	c, ok := t.find(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s in table %s", ErrChainNotFound, name, t.name)
	}
	return c, nil
}

// Chains returns the chain names in table order: built-in chains, then user
// chains in creation order.
func (t *Table) Chains() []string {
	names := make([]string, 0, len(t.chains))
	for _, c := range t.chains {
		if c.Builtin() {
			names = append(names, c.Name)
		}
	}
	for _, c := range t.chains {
		if !c.Builtin() {
			names = append(names, c.Name)
		}
	}
	return names
}

// Chain returns a copy of the named chain.
func (t *Table) Chain(name string) (*rule.Chain, error) {
	c, err := t.mustFind(name)
	if err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// IsChain reports whether the table has the named chain.
func (t *Table) IsChain(name string) bool {
	_, ok := t.find(name)
	return ok
}

// Rules returns copies of the rules of a chain.
func (t *Table) Rules(chain string) ([]*rule.Rule, error) {
	c, err := t.Chain(chain)
	if err != nil {
		return nil, err
	}
	return c.Rules, nil
}

// CreateChain stages a new empty user chain.
func (t *Table) CreateChain(name string) error {
	if t.IsChain(name) {
		return fmt.Errorf("%w: %s in table %s", ErrDuplicateChain, name, t.name)
	}
	if err := validation.ValidateChainName(name); err != nil {
		return err
	}
	t.chains = append(t.chains, rule.NewUserChain(name))
	t.state = Dirty
	return nil
}

// DeleteChain stages removal of an empty, unreferenced user chain.
func (t *Table) DeleteChain(name string) error {
	c, err := t.mustFind(name)
	if err != nil {
		return err
	}
	if c.Builtin() {
		return fmt.Errorf("%w: cannot delete %s", ErrBuiltinChain, name)
	}
	if len(c.Rules) > 0 {
		return fmt.Errorf("%w: %s has %d rules", ErrChainNotEmpty, name, len(c.Rules))
	}
	for _, o := range t.chains {
		if o != c && o.References(name) {
			return fmt.Errorf("%w: %s is referenced from %s", ErrChainInUse, name, o.Name)
		}
	}
	t.chains = slices.DeleteFunc(t.chains, func(o *rule.Chain) bool { return o == c })
	t.state = Dirty
	return nil
}

// FlushChain removes every rule from a chain.
func (t *Table) FlushChain(name string) error {
	c, err := t.mustFind(name)
	if err != nil {
		return err
	}
	if len(c.Rules) > 0 {
		c.Rules = nil
		t.state = Dirty
	}
	return nil
}

// RenameChain renames a user chain and rewrites every jump to it.
func (t *Table) RenameChain(from, to string) error {
	c, err := t.mustFind(from)
	if err != nil {
		return err
	}
	if c.Builtin() {
		return fmt.Errorf("%w: cannot rename %s", ErrBuiltinChain, from)
	}
	if t.IsChain(to) {
		return fmt.Errorf("%w: %s in table %s", ErrDuplicateChain, to, t.name)
	}
	if err := validation.ValidateChainName(to); err != nil {
		return err
	}
	for _, o := range t.chains {
		for _, r := range o.Rules {
			if tg := r.Target(); tg != nil && tg.Kind() == rule.Jump && tg.Chain() == from {
				r.SetTarget(rule.NewJump(to))
			}
		}
	}
	c.Name = to
	t.state = Dirty
	return nil
}

// Policy returns a built-in chain's policy verdict and counters.
func (t *Table) Policy(chain string) (int32, rule.Counters, error) {
	c, err := t.mustFind(chain)
	if err != nil {
		return 0, rule.Counters{}, err
	}
	if !c.Builtin() {
		return 0, rule.Counters{}, fmt.Errorf("%w: %s has no policy", ErrChainNotFound, chain)
	}
	return c.Policy, c.PolicyCounters, nil
}

// SetPolicy sets a built-in chain's policy. Only ACCEPT, DROP and QUEUE are
// valid policies.
func (t *Table) SetPolicy(chain string, verdict int32) error {
	c, err := t.mustFind(chain)
	if err != nil {
		return err
	}
	if !c.Builtin() {
		return fmt.Errorf("%w: %s is a user chain and has no policy", ErrChainNotFound, chain)
	}
	if _, ok := rule.VerdictName(verdict); !ok || verdict == abi.VerdictReturn {
		return fmt.Errorf("%w: policy %d", compiler.ErrInvalidRule, verdict)
	}
	if c.Policy != verdict {
		c.Policy = verdict
		t.state = Dirty
	}
	return nil
}

// ZeroCounters clears the rule and policy counters of a chain, or of every
// chain when name is empty.
func (t *Table) ZeroCounters(name string) error {
	chains := t.chains
	if name != "" {
		c, err := t.mustFind(name)
		if err != nil {
			return err
		}
		chains = []*rule.Chain{c}
	}
	for _, c := range chains {
		c.PolicyCounters = rule.Counters{}
		for _, r := range c.Rules {
			r.SetCounters(rule.Counters{})
		}
	}
	t.state = Dirty
	return nil
}

func (t *Table) checkRule(r *rule.Rule) error {
	if r == nil {
		return fmt.Errorf("%w: nil rule", compiler.ErrInvalidRule)
	}
	if r.Family() != t.Family() {
		return fmt.Errorf("%w: %s rule in %s table %s", compiler.ErrInvalidRule, r.Family(), t.Family(), t.name)
	}
	return nil
}

// InsertRule inserts a copy of r at pos, counting from 0. A pos equal to the
// chain length appends.
func (t *Table) InsertRule(chain string, r *rule.Rule, pos int) error {
	c, err := t.mustFind(chain)
	if err != nil {
		return err
	}
	if err := t.checkRule(r); err != nil {
		return err
	}
	if pos < 0 || pos > len(c.Rules) {
		return fmt.Errorf("%w: %d in %s with %d rules", ErrInvalidPosition, pos, chain, len(c.Rules))
	}
	c.Rules = slices.Insert(c.Rules, pos, r.Clone())
	t.state = Dirty
	return nil
}

// AppendRule appends a copy of r.
func (t *Table) AppendRule(chain string, r *rule.Rule) error {
	c, err := t.mustFind(chain)
	if err != nil {
		return err
	}
	return t.InsertRule(chain, r, len(c.Rules))
}

func (t *Table) indexOf(c *rule.Chain, r *rule.Rule) (int, error) {
	if err := t.checkRule(r); err != nil {
		return -1, err
	}
	i := slices.IndexFunc(c.Rules, r.Equal)
	if i < 0 {
		return -1, fmt.Errorf("%w: %s in %s", ErrRuleNotFound, r, c.Name)
	}
	return i, nil
}

// DeleteRule removes the first rule of chain structurally equal to r.
func (t *Table) DeleteRule(chain string, r *rule.Rule) error {
	c, err := t.mustFind(chain)
	if err != nil {
		return err
	}
	i, err := t.indexOf(c, r)
	if err != nil {
		return err
	}
	c.Rules = slices.Delete(c.Rules, i, i+1)
	t.state = Dirty
	return nil
}

// DeleteRuleAt removes the rule at pos, counting from 0.
func (t *Table) DeleteRuleAt(chain string, pos int) error {
	c, err := t.mustFind(chain)
	if err != nil {
		return err
	}
	if pos < 0 || pos >= len(c.Rules) {
		return fmt.Errorf("%w: %d in %s with %d rules", ErrInvalidPosition, pos, chain, len(c.Rules))
	}
	c.Rules = slices.Delete(c.Rules, pos, pos+1)
	t.state = Dirty
	return nil
}

// ReplaceRule replaces the first rule structurally equal to old with a copy
// of r.
func (t *Table) ReplaceRule(chain string, old, r *rule.Rule) error {
	c, err := t.mustFind(chain)
	if err != nil {
		return err
	}
	if err := t.checkRule(r); err != nil {
		return err
	}
	i, err := t.indexOf(c, old)
	if err != nil {
		return err
	}
	c.Rules[i] = r.Clone()
	t.state = Dirty
	return nil
}
