package value

import (
	"encoding/binary"
	"math"
	"unicode/utf8"

	"github.com/andreyvit/tap"
)

type codecBase struct {
	heap *Heap
	id   tap.TypeID
	name string
}

func (c *codecBase) TypeID() tap.TypeID { return c.id }
func (c *codecBase) Name() string       { return c.name }
func (c *codecBase) Container() bool    { return false }

func (c *codecBase) Traverse(obj any, visit func(any) error) error {
	return nil
}

func (c *codecBase) UnmarshalInit(obj any, data []byte, p *tap.Peer) error {
	return nil
}

// scalarCodec handles immutable objects without references, decoded
// entirely by UnmarshalAlloc.
type scalarCodec[T any] struct {
	codecBase
	size   func(o *T) int
	encode func(o *T, buf []byte)
	decode func(data []byte) (*T, error)
}

func (c *scalarCodec[T]) MarshaledSize(obj any) (int, error) {
	return c.size(obj.(*T)), nil
}

func (c *scalarCodec[T]) Marshal(obj any, buf []byte, p *tap.Peer) error {
	c.encode(obj.(*T), buf)
	return nil
}

func (c *scalarCodec[T]) UnmarshalAlloc(data []byte) (any, error) {
	return c.decode(data)
}

func fixedSize(data []byte, n int) error {
	if len(data) != n {
		return tap.NewDataError(data, 0, nil, "payload is %d bytes, wanted %d", len(data), n)
	}
	return nil
}

func noneCodec(h *Heap) tap.Codec {
	return &scalarCodec[None]{
		codecBase: codecBase{h, TypeNone, "none"},
		size:      func(*None) int { return 0 },
		encode:    func(*None, []byte) {},
		decode: func(data []byte) (*None, error) {
			if err := fixedSize(data, 0); err != nil {
				return nil, err
			}
			return &None{}, nil
		},
	}
}

func boolCodec(h *Heap) tap.Codec {
	return &scalarCodec[Bool]{
		codecBase: codecBase{h, TypeBool, "bool"},
		size:      func(*Bool) int { return 1 },
		encode: func(o *Bool, buf []byte) {
			if o.V {
				buf[0] = 1
			} else {
				buf[0] = 0
			}
		},
		decode: func(data []byte) (*Bool, error) {
			if err := fixedSize(data, 1); err != nil {
				return nil, err
			}
			if data[0] > 1 {
				return nil, tap.NewDataError(data, 0, nil, "invalid bool")
			}
			return &Bool{data[0] == 1}, nil
		},
	}
}

func intCodec(h *Heap) tap.Codec {
	return &scalarCodec[Int]{
		codecBase: codecBase{h, TypeInt, "int"},
		size:      func(*Int) int { return 8 },
		encode: func(o *Int, buf []byte) {
			binary.LittleEndian.PutUint64(buf, uint64(o.V))
		},
		decode: func(data []byte) (*Int, error) {
			if err := fixedSize(data, 8); err != nil {
				return nil, err
			}
			return &Int{int64(binary.LittleEndian.Uint64(data))}, nil
		},
	}
}

func floatCodec(h *Heap) tap.Codec {
	return &scalarCodec[Float]{
		codecBase: codecBase{h, TypeFloat, "float"},
		size:      func(*Float) int { return 8 },
		encode: func(o *Float, buf []byte) {
			binary.LittleEndian.PutUint64(buf, math.Float64bits(o.V))
		},
		decode: func(data []byte) (*Float, error) {
			if err := fixedSize(data, 8); err != nil {
				return nil, err
			}
			return &Float{math.Float64frombits(binary.LittleEndian.Uint64(data))}, nil
		},
	}
}

func strCodec(h *Heap) tap.Codec {
	return &scalarCodec[Str]{
		codecBase: codecBase{h, TypeStr, "str"},
		size:      func(o *Str) int { return len(o.V) },
		encode:    func(o *Str, buf []byte) { copy(buf, o.V) },
		decode: func(data []byte) (*Str, error) {
			if !utf8.Valid(data) {
				return nil, tap.NewDataError(data, 0, nil, "invalid UTF-8")
			}
			return &Str{string(data)}, nil
		},
	}
}

func bytesCodec(h *Heap) tap.Codec {
	return &scalarCodec[Bytes]{
		codecBase: codecBase{h, TypeBytes, "bytes"},
		size:      func(o *Bytes) int { return len(o.V) },
		encode:    func(o *Bytes, buf []byte) { copy(buf, o.V) },
		decode: func(data []byte) (*Bytes, error) {
			return &Bytes{append([]byte{}, data...)}, nil
		},
	}
}
