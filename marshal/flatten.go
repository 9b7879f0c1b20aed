package marshal

import (
	"math"
	"reflect"

	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/signature"
)

// Flatten returns the primitive fields of v in layout order, each widened
// to its stack representation. v may be an aggregate or a pointer to one.
func Flatten(v any) ([]Value, error) {
	rv, l, err := inspect(v, errors.PhaseEncode)
	if err != nil {
		return nil, err
	}
	out := make([]Value, len(l.Fields))
	for i, f := range l.Fields {
		out[i] = flattenLeaf(f, leaf(rv, f))
	}
	return out, nil
}

// FlattenWords is Flatten reduced to raw stack words.
func FlattenWords(v any) ([]uint64, error) {
	values, err := Flatten(v)
	if err != nil {
		return nil, err
	}
	return Words(values), nil
}

func flattenLeaf(f Field, fv reflect.Value) Value {
	switch f.Kind {
	case reflect.Bool:
		return Bool(fv.Bool())
	case reflect.Int8, reflect.Int16, reflect.Int32:
		return I32(int32(fv.Int()))
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return U32(uint32(fv.Uint()))
	case reflect.Int64:
		return I64(fv.Int())
	case reflect.Uint64:
		return U64(fv.Uint())
	case reflect.Float32:
		return F32(float32(fv.Float()))
	default:
		return F64(fv.Float())
	}
}

// Unflatten rebuilds an aggregate from stack words. out must be a non-nil
// pointer. The word count must equal the field count, and every word must
// fit its field; nothing is narrowed silently.
func Unflatten(words []uint64, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.InvalidInput(errors.PhaseDecode, "unflatten target must be a non-nil pointer")
	}
	l, err := LayoutOf(rv.Type())
	if err != nil {
		return err
	}
	if len(words) != len(l.Fields) {
		return errors.ShapeMismatch(errors.PhaseDecode, l.Type.String(), len(l.Fields), len(words))
	}

	target := reflect.New(l.Type).Elem()
	for i, f := range l.Fields {
		if err := unflattenLeaf(f, words[i], leaf(target, f)); err != nil {
			return err
		}
	}
	rv.Elem().Set(target)
	return nil
}

// UnflattenValues checks tokens against the layout before unflattening.
func UnflattenValues(values []Value, out any) error {
	l, err := LayoutOf(reflect.TypeOf(out))
	if err != nil {
		return err
	}
	if len(values) != len(l.Fields) {
		return errors.ShapeMismatch(errors.PhaseDecode, l.Type.String(), len(l.Fields), len(values))
	}
	for i, f := range l.Fields {
		if values[i].Kind != f.Token() {
			return errors.New(errors.PhaseDecode, errors.KindShapeMismatch).
				Path(f.Path...).
				GoType(f.Type.String()).
				Type(values[i].Kind.String()).
				Detail("field %d expects %s", i, f.Token()).
				Build()
		}
	}
	return Unflatten(Words(values), out)
}

func unflattenLeaf(f Field, w uint64, fv reflect.Value) error {
	overflow := func() error {
		return errors.Overflow(errors.PhaseDecode, f.Path, w, WitName(f.Wit))
	}

	if f.Token() == signature.I32 || f.Kind == reflect.Float32 {
		if w>>32 != 0 {
			return overflow()
		}
	}
	lo := uint32(w)

	switch f.Kind {
	case reflect.Bool:
		if lo > 1 {
			return overflow()
		}
		fv.SetBool(lo == 1)
	case reflect.Int8:
		if v := int32(lo); v < math.MinInt8 || v > math.MaxInt8 {
			return overflow()
		}
		fv.SetInt(int64(int32(lo)))
	case reflect.Int16:
		if v := int32(lo); v < math.MinInt16 || v > math.MaxInt16 {
			return overflow()
		}
		fv.SetInt(int64(int32(lo)))
	case reflect.Int32:
		fv.SetInt(int64(int32(lo)))
	case reflect.Uint8:
		if lo > math.MaxUint8 {
			return overflow()
		}
		fv.SetUint(uint64(lo))
	case reflect.Uint16:
		if lo > math.MaxUint16 {
			return overflow()
		}
		fv.SetUint(uint64(lo))
	case reflect.Uint32:
		fv.SetUint(uint64(lo))
	case reflect.Int64:
		fv.SetInt(int64(w))
	case reflect.Uint64:
		fv.SetUint(w)
	case reflect.Float32:
		fv.SetFloat(float64(math.Float32frombits(lo)))
	case reflect.Float64:
		fv.SetFloat(math.Float64frombits(w))
	}
	return nil
}

// SignatureOf returns the flattened token string of v's type, e.g. "iiii"
// for a four-byte colour.
func SignatureOf(v any) (string, error) {
	l, err := LayoutOf(reflect.TypeOf(v))
	if err != nil {
		return "", err
	}
	tokens := l.Tokens()
	b := make([]byte, len(tokens))
	for i, t := range tokens {
		b[i] = byte(t)
	}
	return string(b), nil
}

func inspect(v any, phase errors.Phase) (reflect.Value, *Layout, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return reflect.Value{}, nil, errors.InvalidInput(phase, "nil value")
	}
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return reflect.Value{}, nil, errors.InvalidInput(phase, "nil pointer")
		}
		rv = rv.Elem()
	}
	l, err := LayoutOf(rv.Type())
	if err != nil {
		return reflect.Value{}, nil, err
	}
	return rv, l, nil
}

// leaf walks the struct and array indices of f inside root.
func leaf(root reflect.Value, f Field) reflect.Value {
	v := root
	for _, i := range f.index {
		if v.Kind() == reflect.Array {
			v = v.Index(i)
		} else {
			v = v.Field(i)
		}
	}
	return v
}
