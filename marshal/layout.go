package marshal

import (
	"reflect"
	"strconv"
	"sync"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/signature"
)

// Field is one primitive leaf of an aggregate, in flattening order.
type Field struct {
	Type   reflect.Type
	Wit    wit.Type
	Name   string
	Path   []string
	index  []int // struct field or array element index per nesting level
	Offset uint32
	Size   uint32
	Kind   reflect.Kind
}

// Token returns the signature token the field flattens to.
func (f Field) Token() signature.Token {
	switch f.Kind {
	case reflect.Int64, reflect.Uint64:
		return signature.I64
	case reflect.Float32:
		return signature.F32
	case reflect.Float64:
		return signature.F64
	default:
		return signature.I32
	}
}

// Layout is the fixed byte image and flattening order of a Go aggregate.
// Fields are laid out in declaration order at natural alignment, as a C
// compiler for a 32-bit little-endian target would.
type Layout struct {
	Type   reflect.Type
	Fields []Field
	Size   uint32
	Align  uint32
}

// Tokens returns the flattened signature tokens.
func (l *Layout) Tokens() []signature.Token {
	tokens := make([]signature.Token, len(l.Fields))
	for i, f := range l.Fields {
		tokens[i] = f.Token()
	}
	return tokens
}

// Signature returns the by-value prototype "(tokens)" for passing the
// aggregate as parameters.
func (l *Layout) Signature() signature.Signature {
	return signature.Signature{Params: l.Tokens()}
}

var layouts sync.Map // reflect.Type -> *Layout

// LayoutOf computes the layout of t, or of t's element if t is a pointer.
// Supported leaves are bool, sized integers and floats; aggregates may
// nest structs and fixed-size arrays. Results are cached.
func LayoutOf(t reflect.Type) (*Layout, error) {
	if t == nil {
		return nil, errors.InvalidInput(errors.PhaseEncode, "nil type")
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if cached, ok := layouts.Load(t); ok {
		return cached.(*Layout), nil
	}

	l := &Layout{Type: t}
	size, align, err := l.add(t, nil, nil, 0)
	if err != nil {
		return nil, err
	}
	l.Size = alignUp(size, align)
	l.Align = align

	actual, _ := layouts.LoadOrStore(t, l)
	return actual.(*Layout), nil
}

// LayoutFor is LayoutOf for the static type T.
func LayoutFor[T any]() (*Layout, error) {
	return LayoutOf(reflect.TypeOf((*T)(nil)).Elem())
}

// add appends the leaves of t at base and returns t's size and alignment.
func (l *Layout) add(t reflect.Type, path []string, index []int, base uint32) (uint32, uint32, error) {
	switch t.Kind() {
	case reflect.Struct:
		var offset uint32
		maxAlign := uint32(1)
		for i := 0; i < t.NumField(); i++ {
			sf := t.Field(i)
			if !sf.IsExported() {
				return 0, 0, errors.New(errors.PhaseEncode, errors.KindUnsupported).
					Path(append(clonePath(path), sf.Name)...).
					GoType(t.String()).
					Detail("unexported field").
					Build()
			}
			fa, err := alignOf(sf.Type)
			if err != nil {
				return 0, 0, err
			}
			offset = alignUp(offset, fa)
			fs, _, err := l.add(sf.Type, append(clonePath(path), sf.Name), appendIndex(index, i), base+offset)
			if err != nil {
				return 0, 0, err
			}
			offset += fs
			if fa > maxAlign {
				maxAlign = fa
			}
		}
		return alignUp(offset, maxAlign), maxAlign, nil

	case reflect.Array:
		ea, err := alignOf(t.Elem())
		if err != nil {
			return 0, 0, err
		}
		var offset uint32
		for i := 0; i < t.Len(); i++ {
			es, _, err := l.add(t.Elem(), append(clonePath(path), strconv.Itoa(i)), appendIndex(index, i), base+offset)
			if err != nil {
				return 0, 0, err
			}
			offset += alignUp(es, ea)
		}
		return offset, ea, nil
	}

	size, wt, ok := primitive(t.Kind())
	if !ok {
		return 0, 0, errors.New(errors.PhaseEncode, errors.KindUnsupported).
			Path(path...).
			GoType(t.String()).
			Detail("only bool, sized integers, floats, structs and arrays can cross the boundary").
			Build()
	}
	name := t.Name()
	if len(path) > 0 {
		name = path[len(path)-1]
	}
	l.Fields = append(l.Fields, Field{
		Type:   t,
		Wit:    wt,
		Name:   name,
		Path:   path,
		index:  index,
		Offset: base,
		Size:   size,
		Kind:   t.Kind(),
	})
	return size, size, nil
}

func alignOf(t reflect.Type) (uint32, error) {
	switch t.Kind() {
	case reflect.Struct:
		maxAlign := uint32(1)
		for i := 0; i < t.NumField(); i++ {
			a, err := alignOf(t.Field(i).Type)
			if err != nil {
				return 0, err
			}
			if a > maxAlign {
				maxAlign = a
			}
		}
		return maxAlign, nil
	case reflect.Array:
		return alignOf(t.Elem())
	}
	size, _, ok := primitive(t.Kind())
	if !ok {
		return 0, errors.New(errors.PhaseEncode, errors.KindUnsupported).
			GoType(t.String()).
			Detail("unsupported kind %s", t.Kind()).
			Build()
	}
	return size, nil
}

// primitive returns the byte size and WIT type of a leaf kind.
func primitive(k reflect.Kind) (uint32, wit.Type, bool) {
	switch k {
	case reflect.Bool:
		return 1, wit.Bool{}, true
	case reflect.Int8:
		return 1, wit.S8{}, true
	case reflect.Uint8:
		return 1, wit.U8{}, true
	case reflect.Int16:
		return 2, wit.S16{}, true
	case reflect.Uint16:
		return 2, wit.U16{}, true
	case reflect.Int32:
		return 4, wit.S32{}, true
	case reflect.Uint32:
		return 4, wit.U32{}, true
	case reflect.Float32:
		return 4, wit.F32{}, true
	case reflect.Int64:
		return 8, wit.S64{}, true
	case reflect.Uint64:
		return 8, wit.U64{}, true
	case reflect.Float64:
		return 8, wit.F64{}, true
	}
	return 0, nil, false
}

// WitName returns the WIT spelling of a leaf type, e.g. "u8".
func WitName(t wit.Type) string {
	switch t.(type) {
	case wit.Bool:
		return "bool"
	case wit.U8:
		return "u8"
	case wit.S8:
		return "s8"
	case wit.U16:
		return "u16"
	case wit.S16:
		return "s16"
	case wit.U32:
		return "u32"
	case wit.S32:
		return "s32"
	case wit.U64:
		return "u64"
	case wit.S64:
		return "s64"
	case wit.F32:
		return "f32"
	case wit.F64:
		return "f64"
	}
	return "unknown"
}

func alignUp(v, align uint32) uint32 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func clonePath(p []string) []string {
	return append([]string(nil), p...)
}

func appendIndex(idx []int, i int) []int {
	return append(append([]int(nil), idx...), i)
}
