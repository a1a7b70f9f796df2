package extension

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"grimm.is/xtables/internal/logging"
	"grimm.is/xtables/internal/metrics"
)

// RevisionChecker asks the kernel whether it supports a revision of an
// extension. An extension the kernel does not know at all is reported as
// unsupported, not as an error.
type RevisionChecker interface {
	Supports(name string, kind Kind, family Family, revision uint8) (bool, error)
}

// AllRevisions is a RevisionChecker that accepts every revision. It is used
// for dry runs and tests, where no kernel is consulted.
type AllRevisions struct{}

func (AllRevisions) Supports(string, Kind, Family, uint8) (bool, error) { return true, nil }

type nameKey struct {
	name string
	kind Kind
}

type resolveKey struct {
	name   string
	kind   Kind
	family Family
}

type supportKey struct {
	name     string
	kind     Kind
	family   Family
	revision uint8
}

// Registry holds the known extension descriptors and caches which revision
// of each one the kernel accepts. It is safe for concurrent use.
type Registry struct {
	checker RevisionChecker
	logger  *logging.Logger
	metrics *metrics.Registry

	mu        sync.RWMutex
	descs     map[nameKey][]*Descriptor // highest revision first
	supported map[supportKey]bool
	resolved  map[resolveKey]*Descriptor
}

// Option configures a Registry.
type Option func(*Registry)

// WithRevisionChecker sets the revision checker. The default accepts every revision.
func WithRevisionChecker(p RevisionChecker) Option {
	return func(r *Registry) { r.checker = p }
}

// WithLogger sets the registry's logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics enables resolution metrics.
func WithMetrics(m *metrics.Registry) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry returns a registry holding the built-in descriptors.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		checker:   AllRevisions{},
		descs:     make(map[nameKey][]*Descriptor),
		supported: make(map[supportKey]bool),
		resolved:  make(map[resolveKey]*Descriptor),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.WithComponent("extension")
	}
	for _, d := range Builtin() {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a descriptor. Registering the same (name, kind, family,
// revision) twice is an error.
func (r *Registry) Register(d *Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := nameKey{d.Name, d.Kind}
	for _, e := range r.descs[k] {
		if e.Revision == d.Revision && (e.Family == d.Family || e.Family == Unspec || d.Family == Unspec) {
			return fmt.Errorf("%s already registered", d)
		}
	}
	list := append(r.descs[k], d)
	slices.SortStableFunc(list, func(a, b *Descriptor) int {
		return cmp.Compare(b.Revision, a.Revision)
	})
	r.descs[k] = list

	// Cached resolutions may now be stale.
	clear(r.resolved)
	return nil
}

// Resolve picks the highest revision of an extension that the kernel
// accepts. An empty match name selects the implicit match for proto, which
// is how "-p udp" gains access to the udp options.
func (r *Registry) Resolve(name string, kind Kind, family Family, proto uint8) (*Descriptor, error) {
	d, err := r.resolve(name, kind, family, proto)
	if r.metrics != nil {
		r.metrics.RecordResolution(kind.String(), err)
	}
	return d, err
}

func (r *Registry) resolve(name string, kind Kind, family Family, proto uint8) (*Descriptor, error) {
	if name == "" {
		implicit, ok := r.implicitName(kind, proto)
		if !ok {
			return nil, fmt.Errorf("%w: no implicit %s for protocol %d", ErrUnknownExtension, kind, proto)
		}
		name = implicit
	}

	rk := resolveKey{name, kind, family}
	r.mu.RLock()
	d, ok := r.resolved[rk]
	r.mu.RUnlock()
	if ok {
		return d, nil
	}

	candidates := r.candidates(name, kind, family)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s %q for %s", ErrUnknownExtension, kind, name, family)
	}
	for _, c := range candidates {
		supported, err := r.supports(c, family)
		if err != nil {
			return nil, err
		}
		if supported {
			r.mu.Lock()
			r.resolved[rk] = c
			r.mu.Unlock()
			r.logger.Debug("Resolved extension", "kind", kind.String(), "name", name, "family", family.String(), "revision", c.Revision)
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %q for %s", ErrNoCompatibleRevision, kind, name, family)
}

// ResolveRevision returns a specific revision, failing when the kernel does
// not accept it.
func (r *Registry) ResolveRevision(name string, kind Kind, family Family, revision uint8) (*Descriptor, error) {
	d, ok := r.Lookup(name, kind, family, revision)
	if !ok {
		if len(r.candidates(name, kind, family)) == 0 {
			return nil, fmt.Errorf("%w: %s %q for %s", ErrUnknownExtension, kind, name, family)
		}
		return nil, fmt.Errorf("%w: %s %q has no revision %d", ErrNoCompatibleRevision, kind, name, revision)
	}
	supported, err := r.supports(d, family)
	if err != nil {
		return nil, err
	}
	if !supported {
		return nil, fmt.Errorf("%w: kernel rejects %s", ErrNoCompatibleRevision, d)
	}
	return d, nil
}

// Lookup finds an exact revision without asking the kernel. The decompiler
// uses it: whatever the kernel handed back is by definition supported.
func (r *Registry) Lookup(name string, kind Kind, family Family, revision uint8) (*Descriptor, bool) {
	for _, d := range r.candidates(name, kind, family) {
		if d.Revision == revision {
			return d, true
		}
	}
	return nil, false
}

// Known reports whether any descriptor of that name and kind exists.
func (r *Registry) Known(name string, kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.descs[nameKey{name, kind}]) > 0
}

func (r *Registry) candidates(name string, kind Kind, family Family) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Descriptor
	for _, d := range r.descs[nameKey{name, kind}] {
		if d.Serves(family) {
			out = append(out, d)
		}
	}
	return out
}

func (r *Registry) implicitName(kind Kind, proto uint8) (string, bool) {
	if kind != Match || proto == 0 {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k, list := range r.descs {
		if k.kind == Match && list[0].Proto == proto {
			return k.name, true
		}
	}
	return "", false
}

func (r *Registry) supports(d *Descriptor, family Family) (bool, error) {
	pk := supportKey{d.Name, d.Kind, family, d.Revision}

	r.mu.RLock()
	ok, cached := r.supported[pk]
	r.mu.RUnlock()
	if cached {
		return ok, nil
	}

	ok, err := r.checker.Supports(d.Name, d.Kind, family, d.Revision)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", d, err)
	}

	r.mu.Lock()
	r.supported[pk] = ok
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("Kernel rejects extension revision", "kind", d.Kind.String(), "name", d.Name, "revision", d.Revision)
	}
	return ok, nil
}
