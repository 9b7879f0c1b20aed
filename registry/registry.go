package registry

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/signature"
)

// DefaultNamespace is used when a registration names no namespace.
const DefaultNamespace = "env"

// Func implements a host function. Arguments are read from call and
// results are stored with call.Return. A returned error aborts the guest
// call that reached the import.
type Func func(ctx context.Context, call *Call) error

// Descriptor is one registered host function.
type Descriptor struct {
	Func      Func
	Data      any
	Namespace string
	Name      string
	Doc       string
	Signature signature.Signature
}

// Key returns "namespace#name".
func (d *Descriptor) Key() string {
	return d.Namespace + "#" + d.Name
}

// Registry collects host functions before instantiation. It is safe for
// concurrent use. Instances never see the registry directly; they get an
// ImportTable snapshot from Bind.
type Registry struct {
	entries   map[string]*Descriptor
	logger    *zap.Logger
	namespace string
	mu        sync.RWMutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithNamespace sets the namespace used when Register is given "".
func WithNamespace(ns string) Option {
	return func(r *Registry) {
		r.namespace = ns
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries:   make(map[string]*Descriptor),
		namespace: DefaultNamespace,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Namespace returns the default namespace.
func (r *Registry) Namespace() string {
	return r.namespace
}

// RegisterOption adjusts a single registration.
type RegisterOption func(*Descriptor)

// WithData attaches per-registration context, available to the function
// as Call.Data.
func WithData(data any) RegisterOption {
	return func(d *Descriptor) {
		d.Data = data
	}
}

// WithDoc attaches a one-line description shown by tooling.
func WithDoc(doc string) RegisterOption {
	return func(d *Descriptor) {
		d.Doc = doc
	}
}

// Register adds fn as namespace.name with the prototype sig, e.g. "(iiii)".
// A name already bound in the namespace is a RegistrationConflict and the
// first binding stays in place.
func (r *Registry) Register(namespace, name, sig string, fn Func, opts ...RegisterOption) error {
	if namespace == "" {
		namespace = r.namespace
	}
	if namespace == "" || name == "" {
		return errors.InvalidInput(errors.PhaseSetup, "host function needs a namespace and a name")
	}
	if fn == nil {
		return errors.New(errors.PhaseSetup, errors.KindInvalidInput).
			Path(namespace, name).
			Detail("nil function").
			Build()
	}
	parsed, err := signature.Parse(sig)
	if err != nil {
		return err
	}

	d := &Descriptor{
		Namespace: namespace,
		Name:      name,
		Signature: parsed,
		Func:      fn,
	}
	for _, opt := range opts {
		opt(d)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[d.Key()]; exists {
		return errors.RegistrationConflict(namespace, name)
	}
	r.entries[d.Key()] = d

	r.logger.Debug("host function registered",
		zap.String("namespace", namespace),
		zap.String("name", name),
		zap.String("signature", parsed.String()))
	return nil
}

// MustRegister is Register that panics on error, for static setup.
func (r *Registry) MustRegister(namespace, name, sig string, fn Func, opts ...RegisterOption) {
	if err := r.Register(namespace, name, sig, fn, opts...); err != nil {
		panic(err)
	}
}

// Lookup returns the current registration of namespace.name.
func (r *Registry) Lookup(namespace, name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.entries[namespace+"#"+name]
	return d, ok
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Bind freezes the current registrations into an ImportTable. Later
// registrations do not affect the returned table.
func (r *Registry) Bind() *ImportTable {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t := &ImportTable{
		entries: make([]*Descriptor, 0, len(r.entries)),
		byKey:   make(map[string]*Descriptor, len(r.entries)),
	}
	for key, d := range r.entries {
		cp := *d
		cp.Signature = signature.Signature{
			Params:  append([]signature.Token(nil), d.Signature.Params...),
			Results: append([]signature.Token(nil), d.Signature.Results...),
		}
		t.entries = append(t.entries, &cp)
		t.byKey[key] = &cp
	}
	sort.Slice(t.entries, func(i, j int) bool {
		return t.entries[i].Key() < t.entries[j].Key()
	})
	return t
}
