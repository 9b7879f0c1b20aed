package marshal

import (
	"encoding/binary"
	"math"
	"reflect"

	"github.com/wippyai/wasm-bridge/errors"
)

// Encode returns the byte image of v in its Layout. Padding bytes are zero.
func Encode(v any) ([]byte, error) {
	rv, l, err := inspect(v, errors.PhaseEncode)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, l.Size)
	for _, f := range l.Fields {
		encodeLeaf(buf[f.Offset:f.Offset+f.Size], f, leaf(rv, f))
	}
	return buf, nil
}

func encodeLeaf(b []byte, f Field, fv reflect.Value) {
	switch f.Kind {
	case reflect.Bool:
		if fv.Bool() {
			b[0] = 1
		}
	case reflect.Int8:
		b[0] = byte(int8(fv.Int()))
	case reflect.Uint8:
		b[0] = byte(fv.Uint())
	case reflect.Int16:
		binary.LittleEndian.PutUint16(b, uint16(int16(fv.Int())))
	case reflect.Uint16:
		binary.LittleEndian.PutUint16(b, uint16(fv.Uint()))
	case reflect.Int32:
		binary.LittleEndian.PutUint32(b, uint32(int32(fv.Int())))
	case reflect.Uint32:
		binary.LittleEndian.PutUint32(b, uint32(fv.Uint()))
	case reflect.Int64:
		binary.LittleEndian.PutUint64(b, uint64(fv.Int()))
	case reflect.Uint64:
		binary.LittleEndian.PutUint64(b, fv.Uint())
	case reflect.Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(fv.Float())))
	case reflect.Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(fv.Float()))
	}
}

// Decode fills out from a byte image produced by Encode or by guest code
// using the same layout. A buffer shorter than the layout is ShortRead;
// bytes past the layout are ignored.
func Decode(b []byte, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.InvalidInput(errors.PhaseDecode, "decode target must be a non-nil pointer")
	}
	l, err := LayoutOf(rv.Type())
	if err != nil {
		return err
	}
	if uint64(len(b)) < uint64(l.Size) {
		return errors.ShortRead(errors.PhaseDecode, 0, l.Size, uint32(len(b)))
	}

	target := reflect.New(l.Type).Elem()
	for _, f := range l.Fields {
		if err := decodeLeaf(b[f.Offset:f.Offset+f.Size], f, leaf(target, f)); err != nil {
			return err
		}
	}
	rv.Elem().Set(target)
	return nil
}

func decodeLeaf(b []byte, f Field, fv reflect.Value) error {
	switch f.Kind {
	case reflect.Bool:
		if b[0] > 1 {
			return errors.InvalidData(errors.PhaseDecode, f.Path, "bool byte must be 0 or 1")
		}
		fv.SetBool(b[0] == 1)
	case reflect.Int8:
		fv.SetInt(int64(int8(b[0])))
	case reflect.Uint8:
		fv.SetUint(uint64(b[0]))
	case reflect.Int16:
		fv.SetInt(int64(int16(binary.LittleEndian.Uint16(b))))
	case reflect.Uint16:
		fv.SetUint(uint64(binary.LittleEndian.Uint16(b)))
	case reflect.Int32:
		fv.SetInt(int64(int32(binary.LittleEndian.Uint32(b))))
	case reflect.Uint32:
		fv.SetUint(uint64(binary.LittleEndian.Uint32(b)))
	case reflect.Int64:
		fv.SetInt(int64(binary.LittleEndian.Uint64(b)))
	case reflect.Uint64:
		fv.SetUint(binary.LittleEndian.Uint64(b))
	case reflect.Float32:
		fv.SetFloat(float64(math.Float32frombits(binary.LittleEndian.Uint32(b))))
	case reflect.Float64:
		fv.SetFloat(math.Float64frombits(binary.LittleEndian.Uint64(b)))
	}
	return nil
}
