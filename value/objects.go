package value

import (
	"fmt"
)

// None is the null object. Each None is a distinct object.
type None struct {
	_ byte
}

type Bool struct {
	V bool
}

type Int struct {
	V int64
}

type Float struct {
	V float64
}

type Str struct {
	V string
}

type Bytes struct {
	V []byte
}

// Tuple is an immutable sequence.
type Tuple struct {
	items []any
}

func (t *Tuple) Len() int       { return len(t.items) }
func (t *Tuple) At(i int) any   { return t.items[i] }
func (t *Tuple) Items() []any   { return append([]any(nil), t.items...) }
func (t *Tuple) String() string { return fmt.Sprintf("tuple(%d)", len(t.items)) }

// List is a mutable sequence.
type List struct {
	heap  *Heap
	items []any
}

func (l *List) Len() int     { return len(l.items) }
func (l *List) At(i int) any { return l.items[i] }
func (l *List) Items() []any { return append([]any(nil), l.items...) }

func (l *List) Append(items ...any) {
	for _, item := range items {
		l.heap.Retain(item)
	}
	l.items = append(l.items, items...)
	l.heap.touch(l)
}

func (l *List) Set(i int, item any) {
	old := l.items[i]
	l.heap.Retain(item)
	l.items[i] = item
	l.heap.touch(l)
	l.heap.Release(old)
}

func (l *List) Remove(i int) {
	old := l.items[i]
	l.items = append(l.items[:i], l.items[i+1:]...)
	l.heap.touch(l)
	l.heap.Release(old)
}

// replace swaps the contents without notifying anyone.
func (l *List) replace(items []any) {
	old := l.items
	l.items = l.heap.adopt(items)
	l.heap.releaseAll(old)
}

// Code is an immutable compiled unit: constants plus scalar metadata.
type Code struct {
	consts *Tuple
	Meta   CodeMeta
}

// CodeMeta is sent as msgpack.
type CodeMeta struct {
	Name      string   `msgpack:"name"`
	Filename  string   `msgpack:"file"`
	FirstLine int      `msgpack:"line"`
	ArgCount  int      `msgpack:"argc"`
	Flags     uint32   `msgpack:"flags"`
	Names     []string `msgpack:"names"`
	Bytecode  []byte   `msgpack:"code"`
}

func (c *Code) Consts() *Tuple { return c.consts }

// Function binds code to a globals dictionary.
type Function struct {
	heap     *Heap
	code     *Code
	globals  *Dict
	defaults *Tuple
	name     string
}

func (f *Function) Code() *Code      { return f.code }
func (f *Function) Globals() *Dict   { return f.globals }
func (f *Function) Defaults() *Tuple { return f.defaults }
func (f *Function) Name() string     { return f.name }

func (f *Function) SetName(name string) {
	f.name = name
	f.heap.touch(f)
}

func (f *Function) SetDefaults(defaults *Tuple) {
	old := f.defaults
	if defaults != nil {
		f.heap.Retain(defaults)
	}
	f.defaults = defaults
	f.heap.touch(f)
	if old != nil {
		f.heap.Release(old)
	}
}

// Module is a named namespace dictionary.
type Module struct {
	heap *Heap
	name string
	dict *Dict
}

func (m *Module) Name() string { return m.name }
func (m *Module) Dict() *Dict  { return m.dict }

func (h *Heap) NewNone() *None {
	o := &None{}
	h.Retain(o)
	return o
}

func (h *Heap) NewBool(v bool) *Bool {
	o := &Bool{v}
	h.Retain(o)
	return o
}

func (h *Heap) NewInt(v int64) *Int {
	o := &Int{v}
	h.Retain(o)
	return o
}

func (h *Heap) NewFloat(v float64) *Float {
	o := &Float{v}
	h.Retain(o)
	return o
}

func (h *Heap) NewStr(v string) *Str {
	o := &Str{v}
	h.Retain(o)
	return o
}

func (h *Heap) NewBytes(v []byte) *Bytes {
	o := &Bytes{append([]byte(nil), v...)}
	h.Retain(o)
	return o
}

func (h *Heap) NewTuple(items ...any) *Tuple {
	o := &Tuple{items: h.adopt(items)}
	h.Retain(o)
	return o
}

func (h *Heap) NewList(items ...any) *List {
	o := &List{heap: h, items: h.adopt(items)}
	h.Retain(o)
	return o
}

func (h *Heap) NewDict() *Dict {
	o := &Dict{heap: h, index: make(map[any]int)}
	h.Retain(o)
	return o
}

func (h *Heap) NewCode(consts *Tuple, meta CodeMeta) *Code {
	if consts != nil {
		h.Retain(consts)
	}
	o := &Code{consts: consts, Meta: meta}
	h.Retain(o)
	return o
}

func (h *Heap) NewFunction(name string, code *Code, globals *Dict, defaults *Tuple) *Function {
	o := &Function{heap: h, name: name}
	o.set(code, globals, defaults)
	h.Retain(o)
	return o
}

// set replaces the references of f without notifying anyone.
func (f *Function) set(code *Code, globals *Dict, defaults *Tuple) {
	h := f.heap
	old := detach(f)
	if code != nil {
		h.Retain(code)
	}
	if globals != nil {
		h.Retain(globals)
	}
	if defaults != nil {
		h.Retain(defaults)
	}
	f.code, f.globals, f.defaults = code, globals, defaults
	h.releaseAll(old)
}

func (h *Heap) NewModule(name string, dict *Dict) *Module {
	o := &Module{heap: h, name: name}
	o.set(dict)
	h.Retain(o)
	return o
}

func (m *Module) set(dict *Dict) {
	old := detach(m)
	if dict != nil {
		m.heap.Retain(dict)
	}
	m.dict = dict
	m.heap.releaseAll(old)
}
