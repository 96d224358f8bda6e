package value

import (
	"bytes"
	"unicode/utf8"

	"github.com/andreyvit/tap"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// codeCodec payload: consts key, then msgpack-encoded CodeMeta.
type codeCodec struct {
	codecBase
}

func (c *codeCodec) Traverse(obj any, visit func(any) error) error {
	if consts := obj.(*Code).consts; consts != nil {
		return visit(consts)
	}
	return nil
}

func encodeMeta(meta *CodeMeta) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(meta); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *codeCodec) MarshaledSize(obj any) (int, error) {
	b, err := encodeMeta(&obj.(*Code).Meta)
	if err != nil {
		return 0, err
	}
	return keySize + len(b), nil
}

func (c *codeCodec) Marshal(obj any, buf []byte, p *tap.Peer) error {
	code := obj.(*Code)
	k, err := refKey(p, code.consts)
	if err != nil {
		return err
	}
	tap.PutKey(buf, k)
	b, err := encodeMeta(&code.Meta)
	if err != nil {
		return err
	}
	if len(b) != len(buf)-keySize {
		return errors.Errorf("code metadata changed size during marshaling")
	}
	copy(buf[keySize:], b)
	return nil
}

func (c *codeCodec) UnmarshalAlloc(data []byte) (any, error) {
	if len(data) < keySize {
		return nil, tap.NewDataError(data, 0, nil, "code payload too short")
	}
	code := &Code{}
	if err := msgpack.Unmarshal(data[keySize:], &code.Meta); err != nil {
		return nil, tap.NewDataError(data, keySize, err, "code metadata")
	}
	return code, nil
}

func (c *codeCodec) UnmarshalInit(obj any, data []byte, p *tap.Peer) error {
	consts, err := resolveTyped[*Tuple](p, tap.GetKey(data), "consts")
	if err != nil {
		return err
	}
	if consts != nil {
		c.heap.Retain(consts)
	}
	obj.(*Code).consts = consts
	return nil
}

func (c *codeCodec) References(data []byte) ([]tap.Key, error) {
	if len(data) < keySize {
		return nil, tap.NewDataError(data, 0, nil, "code payload too short")
	}
	return []tap.Key{tap.GetKey(data)}, nil
}

// refKey writes key 0 for nil pointers, which would otherwise be non-nil
// interface values.
func refKey[T comparable](p *tap.Peer, obj T) (tap.Key, error) {
	var zero T
	if obj == zero {
		return 0, nil
	}
	return p.KeyForRemote(obj)
}

func resolveTyped[T any](p *tap.Peer, k tap.Key, what string) (T, error) {
	var zero T
	if k == 0 {
		return zero, nil
	}
	obj, err := p.MustLookupRemote(k)
	if err != nil {
		return zero, errors.Wrap(err, what)
	}
	v, ok := obj.(T)
	if !ok {
		return zero, errors.Wrapf(tap.ErrTypeMismatch, "%s is %T", what, obj)
	}
	return v, nil
}

func parseName(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", tap.NewDataError(data, 0, nil, "name is not UTF-8")
	}
	return string(data), nil
}

// functionCodec payload: code, globals and defaults keys, then the name.
type functionCodec struct {
	codecBase
}

const functionHeaderSize = 3 * keySize

func (c *functionCodec) Traverse(obj any, visit func(any) error) error {
	f := obj.(*Function)
	if f.code != nil {
		if err := visit(f.code); err != nil {
			return err
		}
	}
	if f.globals != nil {
		if err := visit(f.globals); err != nil {
			return err
		}
	}
	if f.defaults != nil {
		return visit(f.defaults)
	}
	return nil
}

func (c *functionCodec) MarshaledSize(obj any) (int, error) {
	return functionHeaderSize + len(obj.(*Function).name), nil
}

func (c *functionCodec) Marshal(obj any, buf []byte, p *tap.Peer) error {
	f := obj.(*Function)
	codeKey, err := refKey(p, f.code)
	if err != nil {
		return err
	}
	globalsKey, err := refKey(p, f.globals)
	if err != nil {
		return err
	}
	defaultsKey, err := refKey(p, f.defaults)
	if err != nil {
		return err
	}
	tap.PutKey(buf, codeKey)
	tap.PutKey(buf[keySize:], globalsKey)
	tap.PutKey(buf[2*keySize:], defaultsKey)
	copy(buf[functionHeaderSize:], f.name)
	return nil
}

func (c *functionCodec) UnmarshalAlloc(data []byte) (any, error) {
	if len(data) < functionHeaderSize {
		return nil, tap.NewDataError(data, 0, nil, "function payload too short")
	}
	if _, err := parseName(data[functionHeaderSize:]); err != nil {
		return nil, err
	}
	return &Function{heap: c.heap}, nil
}

func (c *functionCodec) UnmarshalInit(obj any, data []byte, p *tap.Peer) error {
	return initFrom(c, obj, data, p)
}

func (c *functionCodec) UnmarshalUpdate(obj any, data []byte, p *tap.Peer) (func(), error) {
	if len(data) < functionHeaderSize {
		return nil, tap.NewDataError(data, 0, nil, "function payload too short")
	}
	name, err := parseName(data[functionHeaderSize:])
	if err != nil {
		return nil, err
	}
	code, err := resolveTyped[*Code](p, tap.GetKey(data), "code")
	if err != nil {
		return nil, err
	}
	globals, err := resolveTyped[*Dict](p, tap.GetKey(data[keySize:]), "globals")
	if err != nil {
		return nil, err
	}
	defaults, err := resolveTyped[*Tuple](p, tap.GetKey(data[2*keySize:]), "defaults")
	if err != nil {
		return nil, err
	}
	f := obj.(*Function)
	return func() {
		f.name = name
		f.set(code, globals, defaults)
	}, nil
}

func (c *functionCodec) References(data []byte) ([]tap.Key, error) {
	if len(data) < functionHeaderSize {
		return nil, tap.NewDataError(data, 0, nil, "function payload too short")
	}
	return parseKeys(data[:functionHeaderSize])
}

// moduleCodec payload: dict key, then the name.
type moduleCodec struct {
	codecBase
}

func (c *moduleCodec) Traverse(obj any, visit func(any) error) error {
	if d := obj.(*Module).dict; d != nil {
		return visit(d)
	}
	return nil
}

func (c *moduleCodec) MarshaledSize(obj any) (int, error) {
	return keySize + len(obj.(*Module).name), nil
}

func (c *moduleCodec) Marshal(obj any, buf []byte, p *tap.Peer) error {
	m := obj.(*Module)
	k, err := refKey(p, m.dict)
	if err != nil {
		return err
	}
	tap.PutKey(buf, k)
	copy(buf[keySize:], m.name)
	return nil
}

func (c *moduleCodec) UnmarshalAlloc(data []byte) (any, error) {
	if len(data) < keySize {
		return nil, tap.NewDataError(data, 0, nil, "module payload too short")
	}
	if _, err := parseName(data[keySize:]); err != nil {
		return nil, err
	}
	return &Module{heap: c.heap}, nil
}

func (c *moduleCodec) UnmarshalInit(obj any, data []byte, p *tap.Peer) error {
	return initFrom(c, obj, data, p)
}

func (c *moduleCodec) UnmarshalUpdate(obj any, data []byte, p *tap.Peer) (func(), error) {
	if len(data) < keySize {
		return nil, tap.NewDataError(data, 0, nil, "module payload too short")
	}
	name, err := parseName(data[keySize:])
	if err != nil {
		return nil, err
	}
	dict, err := resolveTyped[*Dict](p, tap.GetKey(data), "dict")
	if err != nil {
		return nil, err
	}
	m := obj.(*Module)
	return func() {
		m.name = name
		m.set(dict)
	}, nil
}

func (c *moduleCodec) References(data []byte) ([]tap.Key, error) {
	if len(data) < keySize {
		return nil, tap.NewDataError(data, 0, nil, "module payload too short")
	}
	return []tap.Key{tap.GetKey(data)}, nil
}
