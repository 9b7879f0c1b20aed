package diag

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/marshal"
	"github.com/wippyai/wasm-bridge/memory"
	"github.com/wippyai/wasm-bridge/registry"
)

// ReportKind says how a report reached the host.
type ReportKind string

const (
	KindString  ReportKind = "string"
	KindBytes   ReportKind = "bytes"
	KindValue   ReportKind = "value"
	KindPointer ReportKind = "pointer"
)

// Report is one message from a guest.
type Report struct {
	Value     any
	Bytes     []byte
	Namespace string
	Name      string
	Text      string
	Kind      ReportKind
	Ptr       uint32
}

func (r Report) String() string {
	switch r.Kind {
	case KindString:
		return r.Text
	case KindBytes:
		return fmt.Sprintf("% x", r.Bytes)
	case KindPointer:
		return fmt.Sprintf("%v @%#x", r.Value, r.Ptr)
	default:
		return fmt.Sprintf("%v", r.Value)
	}
}

// Sink receives reports. It must not call back into the guest.
type Sink func(ctx context.Context, r Report)

// ZapSink logs each report at Info.
func ZapSink(l *zap.Logger) Sink {
	return func(_ context.Context, r Report) {
		fields := []zap.Field{
			zap.String("import", r.Namespace+"."+r.Name),
			zap.String("kind", string(r.Kind)),
		}
		if r.Kind == KindPointer {
			fields = append(fields, zap.Uint32("ptr", r.Ptr))
		}
		l.Info(r.String(), fields...)
	}
}

// Channel is the guest-to-host reporting path. Its imports never return a
// value and never write guest memory.
type Channel struct {
	sink      Sink
	maxString uint32
}

// Option configures a Channel.
type Option func(*Channel)

// WithSink replaces the default zap sink.
func WithSink(s Sink) Option {
	return func(c *Channel) {
		if s != nil {
			c.sink = s
		}
	}
}

// WithLogger sends reports to l through ZapSink.
func WithLogger(l *zap.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.sink = ZapSink(l)
		}
	}
}

// WithMaxString bounds string scans and byte dumps. 0 keeps the default.
func WithMaxString(n uint32) Option {
	return func(c *Channel) {
		if n > 0 {
			c.maxString = n
		}
	}
}

// New creates a channel. Without options reports go to a no-op logger.
func New(opts ...Option) *Channel {
	c := &Channel{
		sink:      ZapSink(zap.NewNop()),
		maxString: memory.DefaultMaxString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxString returns the scan limit for strings and byte dumps.
func (c *Channel) MaxString() uint32 {
	return c.maxString
}

// Report delivers r to the sink.
func (c *Channel) Report(ctx context.Context, r Report) {
	c.sink(ctx, r)
}

func (c *Channel) report(ctx context.Context, call *registry.Call, r Report) error {
	r.Namespace = call.Descriptor.Namespace
	r.Name = call.Descriptor.Name
	c.Report(ctx, r)
	return nil
}

// Install registers debug_string($) and debug_bytes(*i) under namespace.
func (c *Channel) Install(reg *registry.Registry, namespace string) error {
	err := reg.Register(namespace, "debug_string", "($)", c.debugString,
		registry.WithDoc("report a NUL-terminated string"))
	if err != nil {
		return err
	}
	return reg.Register(namespace, "debug_bytes", "(*i)", c.debugBytes,
		registry.WithDoc("report a length-delimited byte sequence"))
}

func (c *Channel) debugString(ctx context.Context, call *registry.Call) error {
	s, err := call.CString(0, c.maxString)
	if err != nil {
		return err
	}
	return c.report(ctx, call, Report{Kind: KindString, Text: s, Ptr: call.Ptr(0)})
}

func (c *Channel) debugBytes(ctx context.Context, call *registry.Call) error {
	n := call.U32(1)
	if n > c.maxString {
		return errors.InvalidInput(errors.PhaseHost,
			fmt.Sprintf("byte dump of %d exceeds limit %d", n, c.maxString))
	}
	var b []byte
	if n > 0 {
		view, err := call.View(0, n)
		if err != nil {
			return err
		}
		if b, err = view.Bytes(); err != nil {
			return err
		}
	}
	return c.report(ctx, call, Report{Kind: KindBytes, Bytes: b, Ptr: call.Ptr(0)})
}

// RegisterValue registers a reporter taking T flattened into parameters,
// e.g. "(iiii)" for Color.
func RegisterValue[T any](c *Channel, reg *registry.Registry, namespace, name string) error {
	var zero T
	tokens, err := marshal.SignatureOf(zero)
	if err != nil {
		return err
	}
	return reg.Register(namespace, name, "("+tokens+")", func(ctx context.Context, call *registry.Call) error {
		var v T
		if err := call.Unflatten(&v); err != nil {
			return err
		}
		return c.report(ctx, call, Report{Kind: KindValue, Value: v})
	}, registry.WithDoc(fmt.Sprintf("report a %T by value", zero)))
}

// RegisterPointer registers a reporter taking a pointer to T in guest
// memory.
func RegisterPointer[T any](c *Channel, reg *registry.Registry, namespace, name string) error {
	var zero T
	if _, err := marshal.LayoutFor[T](); err != nil {
		return err
	}
	return reg.Register(namespace, name, "(*)", func(ctx context.Context, call *registry.Call) error {
		var v T
		if err := call.ReadRef(0, &v); err != nil {
			return err
		}
		return c.report(ctx, call, Report{Kind: KindPointer, Value: v, Ptr: call.Ptr(0)})
	}, registry.WithDoc(fmt.Sprintf("report a %T by pointer", zero)))
}

// InstallAggregates registers the Color and Dimensions reporters:
// debug_color, debug_color_pointer, debug_dimensions and
// debug_dimensions_pointer.
func (c *Channel) InstallAggregates(reg *registry.Registry, namespace string) error {
	steps := []func() error{
		func() error { return RegisterValue[marshal.Color](c, reg, namespace, "debug_color") },
		func() error { return RegisterPointer[marshal.Color](c, reg, namespace, "debug_color_pointer") },
		func() error { return RegisterValue[marshal.Dimensions](c, reg, namespace, "debug_dimensions") },
		func() error { return RegisterPointer[marshal.Dimensions](c, reg, namespace, "debug_dimensions_pointer") },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// Recorder is a Sink that keeps every report, for tests and the CLI.
type Recorder struct {
	reports []Report
	mu      sync.Mutex
}

// Sink returns the recording sink.
func (r *Recorder) Sink() Sink {
	return func(_ context.Context, rep Report) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.reports = append(r.reports, rep)
	}
}

// Reports returns a copy of the recorded reports.
func (r *Recorder) Reports() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Report(nil), r.reports...)
}

// Reset drops all recorded reports.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = nil
}

// Tee fans a report out to several sinks in order.
func Tee(sinks ...Sink) Sink {
	return func(ctx context.Context, r Report) {
		for _, s := range sinks {
			s(ctx, r)
		}
	}
}
