package value

import (
	"sync"

	"github.com/andreyvit/tap"
	"go.uber.org/zap"
)

// Heap owns a set of reference-counted objects. It implements tap.Host.
//
// Every constructor returns an object holding one reference for the caller,
// which must Release it when done. Containers hold a reference to each of
// their items. An object whose count drops to zero is freed: attached
// instances are notified and its items are released in turn. Reference
// cycles are never freed.
type Heap struct {
	mu        sync.Mutex
	refs      map[any]int
	observers []*tap.Instance
	registry  *tap.Registry
}

var (
	_ tap.Host      = (*Heap)(nil)
	_ tap.Discarder = (*Heap)(nil)
)

func NewHeap() *Heap {
	h := &Heap{
		refs: make(map[any]int),
	}
	h.registry = newRegistry(h)
	return h
}

// Registry returns the codecs for objects of this heap.
func (h *Heap) Registry() *tap.Registry {
	return h.registry
}

// Attach makes inst receive free and touch notifications for this heap.
func (h *Heap) Attach(inst *tap.Instance) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, inst)
}

// NewInstance creates an instance hosted by h and attaches it.
func (h *Heap) NewInstance(logger *zap.Logger) *tap.Instance {
	inst := tap.NewInstance(tap.InstanceOptions{Host: h, Logger: logger})
	h.Attach(inst)
	return inst
}

// NewPeer is a shortcut for a peer using this heap's registry.
func (h *Heap) NewPeer(inst *tap.Instance, role tap.Role, opt tap.Options) *tap.Peer {
	if opt.Registry == nil {
		opt.Registry = h.registry
	}
	return inst.NewPeer(role, opt)
}

func (h *Heap) Alive(obj any) bool {
	return h.Refs(obj) > 0
}

// Refs returns the reference count of obj.
func (h *Heap) Refs(obj any) int {
	if obj == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs[obj]
}

// Len returns the number of live objects.
func (h *Heap) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.refs)
}

func (h *Heap) Retain(obj any) {
	if obj == nil {
		return
	}
	h.mu.Lock()
	h.refs[obj]++
	h.mu.Unlock()
}

func (h *Heap) Release(obj any) {
	work := []any{obj}
	for len(work) > 0 {
		o := work[len(work)-1]
		work = work[:len(work)-1]
		if o == nil || !h.decref(o) {
			continue
		}
		for _, inst := range h.instances() {
			inst.ObjectFreed(o)
		}
		work = append(work, detach(o)...)
	}
}

// Discard drops the references held by an object that never became live.
func (h *Heap) Discard(obj any) {
	for _, c := range detach(obj) {
		h.Release(c)
	}
}

// decref returns true when obj has just been freed.
func (h *Heap) decref(obj any) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.refs[obj]
	if n <= 0 {
		return false
	}
	if n == 1 {
		delete(h.refs, obj)
		return true
	}
	h.refs[obj] = n - 1
	return false
}

func (h *Heap) instances() []*tap.Instance {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*tap.Instance(nil), h.observers...)
}

func (h *Heap) touch(obj any) {
	for _, inst := range h.instances() {
		inst.Touch(obj)
	}
}

// adopt copies items, taking a reference to each.
func (h *Heap) adopt(items []any) []any {
	result := make([]any, len(items))
	copy(result, items)
	for _, item := range result {
		h.Retain(item)
	}
	return result
}

func (h *Heap) releaseAll(items []any) {
	for _, item := range items {
		h.Release(item)
	}
}

// detach empties a dead object and returns the items it referenced.
func detach(obj any) []any {
	switch v := obj.(type) {
	case *Tuple:
		items := v.items
		v.items = nil
		return items
	case *List:
		items := v.items
		v.items = nil
		return items
	case *Dict:
		items := make([]any, 0, 2*len(v.keys))
		items = append(items, v.keys...)
		items = append(items, v.vals...)
		v.keys, v.vals, v.index = nil, nil, nil
		return items
	case *Code:
		var items []any
		if v.consts != nil {
			items = append(items, v.consts)
		}
		v.consts = nil
		return items
	case *Function:
		var items []any
		if v.code != nil {
			items = append(items, v.code)
		}
		if v.globals != nil {
			items = append(items, v.globals)
		}
		if v.defaults != nil {
			items = append(items, v.defaults)
		}
		v.code, v.globals, v.defaults = nil, nil, nil
		return items
	case *Module:
		var items []any
		if v.dict != nil {
			items = append(items, v.dict)
		}
		v.dict = nil
		return items
	default:
		return nil
	}
}
