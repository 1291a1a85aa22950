package dc

import (
	"fmt"

	"github.com/toonlabs/otpd/internal/wire"
)

// ReadArgs consumes exactly one packed argument tuple for the field from it
// and returns a copy of the raw bytes. The State Server stores and re-emits
// these tuples without interpreting them.
func (f *Field) ReadArgs(it *wire.Iterator) ([]byte, error) {
	start := it.Offset()
	for _, a := range f.Args {
		var err error
		switch a {
		case Uint8:
			err = it.Skip(1)
		case Uint16:
			err = it.Skip(2)
		case Uint32, Int32:
			err = it.Skip(4)
		case Uint64:
			err = it.Skip(8)
		case String, Blob:
			_, err = it.ReadBlob()
		case Uint32List:
			var n uint16
			if n, err = it.ReadUint16(); err == nil {
				err = it.Skip(int(n) * 4)
			}
		case PairU32U8List:
			var n uint16
			if n, err = it.ReadUint16(); err == nil {
				err = it.Skip(int(n) * 5)
			}
		default:
			err = fmt.Errorf("dc: field %q: unknown arg type %d", f.Name, a)
		}
		if err != nil {
			return nil, fmt.Errorf("dc: unpack %q: %w", f.Name, err)
		}
	}
	consumed := it.Since(start)
	raw := make([]byte, len(consumed))
	copy(raw, consumed)
	return raw, nil
}

// Decode unpacks a raw tuple into typed values: uint8, uint16, uint32,
// uint64, int32, string, []byte, []uint32, or [][2]uint64 for pair lists.
// The whole buffer must be consumed.
func (f *Field) Decode(data []byte) ([]any, error) {
	it := wire.NewIterator(data)
	vals := make([]any, 0, len(f.Args))
	for _, a := range f.Args {
		var v any
		var err error
		switch a {
		case Uint8:
			v, err = it.ReadUint8()
		case Uint16:
			v, err = it.ReadUint16()
		case Uint32:
			v, err = it.ReadUint32()
		case Uint64:
			v, err = it.ReadUint64()
		case Int32:
			v, err = it.ReadInt32()
		case String:
			v, err = it.ReadString()
		case Blob:
			var b []byte
			if b, err = it.ReadBlob(); err == nil {
				cp := make([]byte, len(b))
				copy(cp, b)
				v = cp
			}
		case Uint32List:
			var n uint16
			if n, err = it.ReadUint16(); err == nil {
				list := make([]uint32, n)
				for i := range list {
					if list[i], err = it.ReadUint32(); err != nil {
						break
					}
				}
				v = list
			}
		case PairU32U8List:
			var n uint16
			if n, err = it.ReadUint16(); err == nil {
				pairs := make([][2]uint64, n)
				for i := range pairs {
					var id uint32
					var kind uint8
					if id, err = it.ReadUint32(); err != nil {
						break
					}
					if kind, err = it.ReadUint8(); err != nil {
						break
					}
					pairs[i] = [2]uint64{uint64(id), uint64(kind)}
				}
				v = pairs
			}
		default:
			err = fmt.Errorf("unknown arg type %d", a)
		}
		if err != nil {
			return nil, fmt.Errorf("dc: decode %q: %w", f.Name, err)
		}
		vals = append(vals, v)
	}
	if it.RemainingLen() != 0 {
		return nil, fmt.Errorf("dc: decode %q: %d trailing bytes", f.Name, it.RemainingLen())
	}
	return vals, nil
}

// Encode packs typed values into a raw tuple. Numeric values may arrive as
// any integer type or float64 (JSON decoding yields float64); lists may
// arrive as []any.
func (f *Field) Encode(vals []any) ([]byte, error) {
	if len(vals) != len(f.Args) {
		return nil, fmt.Errorf("dc: encode %q: want %d values, got %d", f.Name, len(f.Args), len(vals))
	}
	dg := wire.NewDatagram()
	for i, a := range f.Args {
		v := vals[i]
		var err error
		switch a {
		case Uint8:
			var n uint64
			if n, err = asUint(v); err == nil {
				dg.AddUint8(uint8(n))
			}
		case Uint16:
			var n uint64
			if n, err = asUint(v); err == nil {
				dg.AddUint16(uint16(n))
			}
		case Uint32:
			var n uint64
			if n, err = asUint(v); err == nil {
				dg.AddUint32(uint32(n))
			}
		case Uint64:
			var n uint64
			if n, err = asUint(v); err == nil {
				dg.AddUint64(n)
			}
		case Int32:
			var n uint64
			if n, err = asUint(v); err == nil {
				dg.AddInt32(int32(n))
			}
		case String:
			if s, ok := v.(string); ok {
				dg.AddString(s)
			} else {
				err = fmt.Errorf("want string, got %T", v)
			}
		case Blob:
			switch b := v.(type) {
			case []byte:
				dg.AddBlob(b)
			case string:
				dg.AddBlob([]byte(b))
			default:
				err = fmt.Errorf("want blob, got %T", v)
			}
		case Uint32List:
			var list []uint64
			if list, err = asUintSlice(v); err == nil {
				dg.AddUint16(uint16(len(list)))
				for _, n := range list {
					dg.AddUint32(uint32(n))
				}
			}
		case PairU32U8List:
			var pairs [][2]uint64
			if pairs, err = asPairSlice(v); err == nil {
				dg.AddUint16(uint16(len(pairs)))
				for _, p := range pairs {
					dg.AddUint32(uint32(p[0]))
					dg.AddUint8(uint8(p[1]))
				}
			}
		default:
			err = fmt.Errorf("unknown arg type %d", a)
		}
		if err != nil {
			return nil, fmt.Errorf("dc: encode %q arg %d: %w", f.Name, i, err)
		}
	}
	return dg.Bytes(), nil
}

// Pack is Encode with variadic values, a convenience for senders that build
// tuples inline.
func (f *Field) Pack(vals ...any) ([]byte, error) {
	return f.Encode(vals)
}

func asUint(v any) (uint64, error) {
	switch n := v.(type) {
	case uint8:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case uint64:
		return n, nil
	case int:
		return uint64(n), nil
	case int32:
		return uint64(uint32(n)), nil
	case int64:
		return uint64(n), nil
	case float64:
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("want integer, got %T", v)
	}
}

func asUintSlice(v any) ([]uint64, error) {
	switch list := v.(type) {
	case []uint32:
		out := make([]uint64, len(list))
		for i, n := range list {
			out[i] = uint64(n)
		}
		return out, nil
	case []uint64:
		return list, nil
	case []any:
		out := make([]uint64, len(list))
		for i, e := range list {
			n, err := asUint(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("want integer list, got %T", v)
	}
}

func asPairSlice(v any) ([][2]uint64, error) {
	switch list := v.(type) {
	case [][2]uint64:
		return list, nil
	case []any:
		out := make([][2]uint64, len(list))
		for i, e := range list {
			pair, err := asUintSlice(e)
			if err != nil {
				return nil, err
			}
			if len(pair) != 2 {
				return nil, fmt.Errorf("want pair, got %d elements", len(pair))
			}
			out[i] = [2]uint64{pair[0], pair[1]}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("want pair list, got %T", v)
	}
}
