package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseSetup    Phase = "setup"    // registry and engine construction
	PhaseBind     Phase = "bind"     // import table binding
	PhaseLookup   Phase = "lookup"   // export resolution
	PhaseEncode   Phase = "encode"   // host value to guest representation
	PhaseDecode   Phase = "decode"   // guest representation to host value
	PhaseMemory   Phase = "memory"   // memory bridge operations
	PhaseRuntime  Phase = "runtime"  // calls across the boundary
	PhaseHost     Phase = "host"     // host function execution
	PhaseLoad     Phase = "load"     // module loading
	PhaseParse    Phase = "parse"    // signature and config parsing
	PhaseValidate Phase = "validate" // config validation
)

// Kind categorizes the error
type Kind string

const (
	KindRegistrationConflict Kind = "registration_conflict"
	KindSignatureMismatch    Kind = "signature_mismatch"
	KindExportNotFound       Kind = "export_not_found"
	KindInvalidHandle        Kind = "invalid_handle"
	KindOutOfMemory          Kind = "out_of_memory"
	KindTrap                 Kind = "trap"
	KindShapeMismatch        Kind = "shape_mismatch"
	KindShortRead            Kind = "short_read"
	KindOutOfBounds          Kind = "out_of_bounds"
	KindOverflow             Kind = "overflow"
	KindUnsupported          Kind = "unsupported"
	KindInvalidData          Kind = "invalid_data"
	KindInvalidInput         Kind = "invalid_input"
	KindMissingImport        Kind = "missing_import"
	KindReentrantCall        Kind = "reentrant_call"
	KindClosed               Kind = "closed"
	KindNotInitialized       Kind = "not_initialized"
	KindHostFailure          Kind = "host_failure"
	KindInstantiation        Kind = "instantiation"
)

// Error is the structured error type used throughout the bridge
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	GoType string
	Type   string
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.GoType != "" || e.Type != "" {
		b.WriteString(": ")
		if e.GoType != "" && e.Type != "" {
			b.WriteString("Go type ")
			b.WriteString(e.GoType)
			b.WriteString(", wire type ")
			b.WriteString(e.Type)
		} else if e.GoType != "" {
			b.WriteString("Go type ")
			b.WriteString(e.GoType)
		} else {
			b.WriteString("wire type ")
			b.WriteString(e.Type)
		}
	}

	if e.Detail != "" {
		if e.GoType != "" || e.Type != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// A target with an empty Phase matches on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Phase == "" || t.Phase == e.Phase
}

// Sentinel targets for errors.Is. They carry no phase, so they match
// any error of the same kind.
var (
	ErrRegistrationConflict = &Error{Kind: KindRegistrationConflict}
	ErrSignatureMismatch    = &Error{Kind: KindSignatureMismatch}
	ErrExportNotFound       = &Error{Kind: KindExportNotFound}
	ErrInvalidHandle        = &Error{Kind: KindInvalidHandle}
	ErrOutOfMemory          = &Error{Kind: KindOutOfMemory}
	ErrTrap                 = &Error{Kind: KindTrap}
	ErrShapeMismatch        = &Error{Kind: KindShapeMismatch}
	ErrShortRead            = &Error{Kind: KindShortRead}
	ErrOutOfBounds          = &Error{Kind: KindOutOfBounds}
	ErrOverflow             = &Error{Kind: KindOverflow}
	ErrMissingImport        = &Error{Kind: KindMissingImport}
	ErrReentrantCall        = &Error{Kind: KindReentrantCall}
	ErrClosed               = &Error{Kind: KindClosed}
)

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the field path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// GoType sets the Go type name
func (b *Builder) GoType(t string) *Builder {
	b.err.GoType = t
	return b
}

// Type sets the wire (signature or core value) type name
func (b *Builder) Type(t string) *Builder {
	b.err.Type = t
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// RegistrationConflict reports a (namespace, name) pair bound twice
func RegistrationConflict(namespace, name string) *Error {
	return &Error{
		Phase:  PhaseSetup,
		Kind:   KindRegistrationConflict,
		Detail: fmt.Sprintf("%s#%s is already registered", namespace, name),
	}
}

// SignatureMismatch reports a declared shape that disagrees with the actual one
func SignatureMismatch(phase Phase, name, declared, actual string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindSignatureMismatch,
		Path:   []string{name},
		Type:   declared,
		Detail: fmt.Sprintf("declared %s, actual %s", declared, actual),
	}
}

// ExportNotFound reports a guest function that is not exported
func ExportNotFound(name string) *Error {
	return &Error{
		Phase:  PhaseLookup,
		Kind:   KindExportNotFound,
		Detail: fmt.Sprintf("export %q not found", name),
		Value:  name,
	}
}

// InvalidHandle reports an unknown, freed or foreign memory handle
func InvalidHandle(handle uint64, detail string) *Error {
	return &Error{
		Phase:  PhaseMemory,
		Kind:   KindInvalidHandle,
		Detail: fmt.Sprintf("handle %#x: %s", handle, detail),
		Value:  handle,
	}
}

// OutOfMemory reports a guest allocation that could not be satisfied
func OutOfMemory(size uint32, cause error) *Error {
	return &Error{
		Phase:  PhaseMemory,
		Kind:   KindOutOfMemory,
		Detail: fmt.Sprintf("cannot allocate %d bytes in guest memory", size),
		Value:  size,
		Cause:  cause,
	}
}

// Trap reports an engine-detected guest fault
func Trap(export string, cause error) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindTrap,
		Path:   []string{export},
		Detail: "guest trapped, instance is no longer usable",
		Cause:  cause,
	}
}

// ShapeMismatch reports a field count or order disagreement
func ShapeMismatch(phase Phase, goType string, want, got int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindShapeMismatch,
		GoType: goType,
		Detail: fmt.Sprintf("expected %d primitive values, got %d", want, got),
	}
}

// ShortRead reports a read that would run past the end of a region
func ShortRead(phase Phase, offset, want, have uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindShortRead,
		Detail: fmt.Sprintf("read of %d bytes at offset %d exceeds region of %d bytes", want, offset, have),
	}
}

// OutOfBounds creates an out of bounds error for guest memory access
func OutOfBounds(phase Phase, offset, length uint32, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("guest memory access out of bounds: offset=%d, length=%d", offset, length),
		Cause:  cause,
	}
}

// Overflow creates an overflow error
func Overflow(phase Phase, path []string, value any, targetType string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOverflow,
		Path:   path,
		Type:   targetType,
		Detail: fmt.Sprintf("value %v overflows %s", value, targetType),
		Value:  value,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Path:   path,
		Detail: detail,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// NotInitialized creates a not-initialized error for missing module/instance
func NotInitialized(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", component),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Closed reports use of a torn-down instance or runtime
func Closed(what string) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindClosed,
		Detail: fmt.Sprintf("%s is closed", what),
	}
}

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindInstantiation,
		Detail: "instantiate module",
		Cause:  cause,
	}
}

// Load creates a module loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}

// MissingImport represents a single unresolved guest import
type MissingImport struct {
	Namespace string // e.g., "null0"
	Function  string // e.g., "debug_color"
}

// MissingImportsError is returned when a guest imports functions the
// bound import table does not provide
type MissingImportsError struct {
	Imports []MissingImport
}

// NewMissingImportsError creates an error from a list of "namespace#function" strings
func NewMissingImportsError(imports []string) *MissingImportsError {
	result := &MissingImportsError{
		Imports: make([]MissingImport, 0, len(imports)),
	}
	for _, imp := range imports {
		ns, fn := parseImportKey(imp)
		result.Imports = append(result.Imports, MissingImport{
			Namespace: ns,
			Function:  fn,
		})
	}
	return result
}

func parseImportKey(key string) (namespace, function string) {
	ns, fn, found := strings.Cut(key, "#")
	if found {
		return ns, fn
	}
	return key, ""
}

func (e *MissingImportsError) Error() string {
	if len(e.Imports) == 0 {
		return "[bind] missing_import: no imports specified"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("missing %d host function(s):\n", len(e.Imports)))

	// Group by namespace for cleaner output
	byNS := make(map[string][]string)
	var nsOrder []string
	for _, imp := range e.Imports {
		if _, exists := byNS[imp.Namespace]; !exists {
			nsOrder = append(nsOrder, imp.Namespace)
		}
		byNS[imp.Namespace] = append(byNS[imp.Namespace], imp.Function)
	}

	for _, ns := range nsOrder {
		b.WriteString("\n  ")
		b.WriteString(ns)
		b.WriteString(":\n")
		for _, fn := range byNS[ns] {
			b.WriteString("    - ")
			b.WriteString(fn)
			b.WriteByte('\n')
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// Is reports whether target matches this error type. It also matches
// ErrMissingImport so callers can branch on kind alone.
func (e *MissingImportsError) Is(target error) bool {
	if _, ok := target.(*MissingImportsError); ok {
		return true
	}
	t, ok := target.(*Error)
	return ok && t.Kind == KindMissingImport
}

// CallScoped reports whether err aborts only the current call and leaves
// the instance usable. Traps and unknown failures are instance-fatal.
func CallScoped(err error) bool {
	var e *Error
	if !As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindTrap, KindClosed:
		return false
	}
	return true
}
