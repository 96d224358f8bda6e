package value

import (
	"github.com/andreyvit/tap"
	"github.com/pkg/errors"
)

const keySize = 4

func putKeys(buf []byte, p *tap.Peer, items []any) error {
	for i, item := range items {
		k, err := p.KeyForRemote(item)
		if err != nil {
			return err
		}
		tap.PutKey(buf[i*keySize:], k)
	}
	return nil
}

func parseKeys(data []byte) ([]tap.Key, error) {
	if len(data)%keySize != 0 {
		return nil, tap.NewDataError(data, 0, nil, "payload size %d is not a multiple of %d", len(data), keySize)
	}
	keys := make([]tap.Key, len(data)/keySize)
	for i := range keys {
		keys[i] = tap.GetKey(data[i*keySize:])
		if keys[i] < 0 {
			return nil, tap.NewDataError(data, i*keySize, nil, "negative key")
		}
	}
	return keys, nil
}

func resolveKeys(data []byte, p *tap.Peer) ([]any, error) {
	keys, err := parseKeys(data)
	if err != nil {
		return nil, err
	}
	items := make([]any, len(keys))
	for i, k := range keys {
		items[i], err = p.MustLookupRemote(k)
		if err != nil {
			return nil, err
		}
	}
	return items, nil
}

// initFrom fills a freshly allocated object by applying its staged update
// at once. Nothing else can see the object before the buffer commits.
func initFrom(u tap.Updater, obj any, data []byte, p *tap.Peer) error {
	apply, err := u.UnmarshalUpdate(obj, data, p)
	if err != nil {
		return err
	}
	apply()
	return nil
}

func visitAll(items []any, visit func(any) error) error {
	for _, item := range items {
		if err := visit(item); err != nil {
			return err
		}
	}
	return nil
}

func keyPayloadSize(n int) (int, error) {
	return n * keySize, nil
}

func allocKeys(data []byte) error {
	_, err := parseKeys(data)
	return err
}

type tupleCodec struct {
	codecBase
}

func (c *tupleCodec) Traverse(obj any, visit func(any) error) error {
	return visitAll(obj.(*Tuple).items, visit)
}

func (c *tupleCodec) MarshaledSize(obj any) (int, error) {
	return keyPayloadSize(len(obj.(*Tuple).items))
}

func (c *tupleCodec) Marshal(obj any, buf []byte, p *tap.Peer) error {
	return putKeys(buf, p, obj.(*Tuple).items)
}

func (c *tupleCodec) UnmarshalAlloc(data []byte) (any, error) {
	if err := allocKeys(data); err != nil {
		return nil, err
	}
	return &Tuple{}, nil
}

func (c *tupleCodec) UnmarshalInit(obj any, data []byte, p *tap.Peer) error {
	items, err := resolveKeys(data, p)
	if err != nil {
		return err
	}
	obj.(*Tuple).items = c.heap.adopt(items)
	return nil
}

func (c *tupleCodec) References(data []byte) ([]tap.Key, error) {
	return parseKeys(data)
}

type listCodec struct {
	codecBase
}

func (c *listCodec) Traverse(obj any, visit func(any) error) error {
	return visitAll(obj.(*List).items, visit)
}

func (c *listCodec) MarshaledSize(obj any) (int, error) {
	return keyPayloadSize(len(obj.(*List).items))
}

func (c *listCodec) Marshal(obj any, buf []byte, p *tap.Peer) error {
	return putKeys(buf, p, obj.(*List).items)
}

func (c *listCodec) UnmarshalAlloc(data []byte) (any, error) {
	if err := allocKeys(data); err != nil {
		return nil, err
	}
	return &List{heap: c.heap}, nil
}

func (c *listCodec) UnmarshalInit(obj any, data []byte, p *tap.Peer) error {
	return initFrom(c, obj, data, p)
}

func (c *listCodec) UnmarshalUpdate(obj any, data []byte, p *tap.Peer) (func(), error) {
	items, err := resolveKeys(data, p)
	if err != nil {
		return nil, err
	}
	l := obj.(*List)
	return func() { l.replace(items) }, nil
}

func (c *listCodec) References(data []byte) ([]tap.Key, error) {
	return parseKeys(data)
}

// dictCodec payload: key/value pairs of object keys.
type dictCodec struct {
	codecBase
}

func (c *dictCodec) Container() bool {
	return true
}

func (c *dictCodec) Traverse(obj any, visit func(any) error) error {
	d := obj.(*Dict)
	for i := range d.keys {
		if err := visit(d.keys[i]); err != nil {
			return err
		}
		if err := visit(d.vals[i]); err != nil {
			return err
		}
	}
	return nil
}

func (c *dictCodec) MarshaledSize(obj any) (int, error) {
	return keyPayloadSize(2 * len(obj.(*Dict).keys))
}

func (c *dictCodec) Marshal(obj any, buf []byte, p *tap.Peer) error {
	d := obj.(*Dict)
	for i := range d.keys {
		if err := putKeys(buf[2*i*keySize:], p, []any{d.keys[i], d.vals[i]}); err != nil {
			return err
		}
	}
	return nil
}

func (c *dictCodec) UnmarshalAlloc(data []byte) (any, error) {
	if len(data)%(2*keySize) != 0 {
		return nil, tap.NewDataError(data, 0, nil, "dict payload size %d is not a multiple of %d", len(data), 2*keySize)
	}
	if err := allocKeys(data); err != nil {
		return nil, err
	}
	return &Dict{heap: c.heap, index: make(map[any]int)}, nil
}

func (c *dictCodec) UnmarshalInit(obj any, data []byte, p *tap.Peer) error {
	return initFrom(c, obj, data, p)
}

func (c *dictCodec) UnmarshalUpdate(obj any, data []byte, p *tap.Peer) (func(), error) {
	items, err := resolveKeys(data, p)
	if err != nil {
		return nil, err
	}
	n := len(items) / 2
	keys, vals := make([]any, n), make([]any, n)
	for i := 0; i < n; i++ {
		keys[i], vals[i] = items[2*i], items[2*i+1]
	}
	apply, err := obj.(*Dict).stageReplace(keys, vals)
	if err != nil {
		return nil, errors.Wrap(err, "dict")
	}
	return apply, nil
}

func (c *dictCodec) References(data []byte) ([]tap.Key, error) {
	return parseKeys(data)
}
