package value

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var ErrUnhashable = errors.New("unhashable dict key")

// Dict maps keys to values, keeping insertion order. Scalars and tuples are
// compared by value, everything else by identity.
type Dict struct {
	heap  *Heap
	keys  []any
	vals  []any
	index map[any]int
}

type hashKey struct {
	kind byte
	s    string
}

func hashOf(obj any) (any, error) {
	switch v := obj.(type) {
	case nil:
		return nil, errors.Wrap(ErrUnhashable, "nil")
	case *List, *Dict:
		return nil, errors.Wrapf(ErrUnhashable, "%T", obj)
	case *Tuple:
		var buf strings.Builder
		for _, item := range v.items {
			if err := writeHash(&buf, item); err != nil {
				return nil, err
			}
		}
		return hashKey{'t', buf.String()}, nil
	}
	if k, ok := scalarHash(obj); ok {
		return k, nil
	}
	return obj, nil
}

func scalarHash(obj any) (hashKey, bool) {
	switch v := obj.(type) {
	case *None:
		return hashKey{'n', ""}, true
	case *Bool:
		if v.V {
			return hashKey{'b', "1"}, true
		}
		return hashKey{'b', "0"}, true
	case *Int:
		return hashKey{'i', strconv.FormatInt(v.V, 10)}, true
	case *Float:
		return hashKey{'f', strconv.FormatUint(math.Float64bits(v.V), 16)}, true
	case *Str:
		return hashKey{'s', v.V}, true
	case *Bytes:
		return hashKey{'y', string(v.V)}, true
	default:
		return hashKey{}, false
	}
}

func writeHash(buf *strings.Builder, item any) error {
	h, err := hashOf(item)
	if err != nil {
		return err
	}
	switch k := h.(type) {
	case hashKey:
		fmt.Fprintf(buf, "%c%d:%s", k.kind, len(k.s), k.s)
	default:
		fmt.Fprintf(buf, "p%p;", item)
	}
	return nil
}

func (d *Dict) Len() int {
	return len(d.keys)
}

// Keys returns the keys in insertion order.
func (d *Dict) Keys() []any {
	return append([]any(nil), d.keys...)
}

func (d *Dict) Get(key any) (any, bool, error) {
	h, err := hashOf(key)
	if err != nil {
		return nil, false, err
	}
	i, found := d.index[h]
	if !found {
		return nil, false, nil
	}
	return d.vals[i], true, nil
}

// GetStr looks up a string key.
func (d *Dict) GetStr(key string) (any, bool) {
	i, found := d.index[hashKey{'s', key}]
	if !found {
		return nil, false
	}
	return d.vals[i], true
}

func (d *Dict) Set(key, val any) error {
	h, err := hashOf(key)
	if err != nil {
		return err
	}
	d.heap.Retain(val)
	if i, found := d.index[h]; found {
		old := d.vals[i]
		d.vals[i] = val
		d.heap.touch(d)
		d.heap.Release(old)
		return nil
	}
	d.heap.Retain(key)
	d.index[h] = len(d.keys)
	d.keys = append(d.keys, key)
	d.vals = append(d.vals, val)
	d.heap.touch(d)
	return nil
}

func (d *Dict) Delete(key any) (bool, error) {
	h, err := hashOf(key)
	if err != nil {
		return false, err
	}
	i, found := d.index[h]
	if !found {
		return false, nil
	}
	oldKey, oldVal := d.keys[i], d.vals[i]
	d.keys = append(d.keys[:i], d.keys[i+1:]...)
	d.vals = append(d.vals[:i], d.vals[i+1:]...)
	d.reindex()
	d.heap.touch(d)
	d.heap.Release(oldKey)
	d.heap.Release(oldVal)
	return true, nil
}

func (d *Dict) reindex() {
	d.index = make(map[any]int, len(d.keys))
	for i, k := range d.keys {
		h, _ := hashOf(k)
		d.index[h] = i
	}
}

// stageReplace hashes the new contents and returns a func that swaps them in
// without notifying anyone. d is not modified until the func is called.
func (d *Dict) stageReplace(keys, vals []any) (func(), error) {
	index := make(map[any]int, len(keys))
	var newKeys, newVals []any
	for i, k := range keys {
		h, err := hashOf(k)
		if err != nil {
			return nil, err
		}
		if j, found := index[h]; found {
			newVals[j] = vals[i]
			continue
		}
		index[h] = len(newKeys)
		newKeys = append(newKeys, k)
		newVals = append(newVals, vals[i])
	}

	return func() {
		oldKeys, oldVals := d.keys, d.vals
		d.keys = d.heap.adopt(newKeys)
		d.vals = d.heap.adopt(newVals)
		d.index = index
		d.heap.releaseAll(oldKeys)
		d.heap.releaseAll(oldVals)
	}, nil
}
