package tap

import (
	"bytes"
	"reflect"
	"unicode/utf8"
)

// OpaqueTypeID is reserved for objects without a dedicated codec.
const OpaqueTypeID TypeID = 2

// Opaque stands in for a remote object whose kind cannot be transferred.
// Only the name of its type crosses the wire.
type Opaque struct {
	TypeName string
}

func (o *Opaque) String() string {
	return "<opaque " + o.TypeName + ">"
}

// TypeNameOf returns the name the opaque fallback records for obj.
func TypeNameOf(obj any) string {
	if o, ok := obj.(*Opaque); ok {
		return o.TypeName
	}
	return reflect.TypeOf(obj).String()
}

type opaqueCodec struct{}

func (opaqueCodec) TypeID() TypeID  { return OpaqueTypeID }
func (opaqueCodec) Name() string    { return "opaque" }
func (opaqueCodec) Container() bool { return false }

func (opaqueCodec) Traverse(obj any, visit func(any) error) error {
	return nil
}

func (opaqueCodec) MarshaledSize(obj any) (int, error) {
	return len(TypeNameOf(obj)), nil
}

func (opaqueCodec) Marshal(obj any, buf []byte, p *Peer) error {
	copy(buf, TypeNameOf(obj))
	return nil
}

func (opaqueCodec) UnmarshalAlloc(data []byte) (any, error) {
	if err := validateOpaqueName(data); err != nil {
		return nil, err
	}
	return &Opaque{TypeName: string(data)}, nil
}

func (opaqueCodec) UnmarshalInit(obj any, data []byte, p *Peer) error {
	return nil
}

// UnmarshalUpdate accepts a resend of an opaque object as long as the type
// name did not change. The receiving side may hold either a placeholder or
// the real object the placeholder stands for.
func (opaqueCodec) UnmarshalUpdate(obj any, data []byte, p *Peer) (func(), error) {
	if err := validateOpaqueName(data); err != nil {
		return nil, err
	}
	if name := TypeNameOf(obj); name != string(data) {
		return nil, dataErrf(data, 0, ErrTypeMismatch, "opaque type changed from %q", name)
	}
	return nil, nil
}

func validateOpaqueName(data []byte) error {
	if len(data) == 0 {
		return dataErrf(data, 0, nil, "empty opaque type name")
	}
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return dataErrf(data, i, nil, "NUL in opaque type name")
	}
	if !utf8.Valid(data) {
		return dataErrf(data, 0, nil, "opaque type name is not UTF-8")
	}
	return nil
}
