package bufmux

import (
	"sync"

	"github.com/iiodproj/iiod"
)

// slotKey identifies one (device, buffer index) slot.
type slotKey struct {
	devIdx uint16
	bufIdx uint16
}

// Registry is the daemon-global buffer registry: a fast
// lookup table plus the cyclic-exclusivity arbiter for every
// (device, index) slot. The authoritative owner of each buffer is
// always its session; entries here are removed before the owning record
// is destroyed.
type Registry struct {
	mu      sync.Mutex
	nextID  uint64
	buffers map[uint64]*Buffer
	slots   map[slotKey]int    // open buffers per slot
	cyclic  map[slotKey]uint64 // cyclic owner per slot, by buffer id
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		buffers: make(map[uint64]*Buffer),
		slots:   make(map[slotKey]int),
		cyclic:  make(map[slotKey]uint64),
	}
}

// register claims b's (device, index) slot and assigns its id. A slot
// with a live cyclic owner rejects every newcomer, and a cyclic
// newcomer requires the slot to be empty).
func (r *Registry) register(b *Buffer) error {
	key := slotKey{devIdx: b.devIdx, bufIdx: b.bufIdx}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, owned := r.cyclic[key]; owned {
		return iiod.NewBusy("CREATE_BUFFER", "cyclic buffer owns this device/index")
	}
	if b.cyclic && r.slots[key] > 0 {
		return iiod.NewBusy("CREATE_BUFFER", "device/index already in use")
	}

	r.nextID++
	b.id = r.nextID
	r.buffers[b.id] = b
	r.slots[key]++
	if b.cyclic {
		r.cyclic[key] = b.id
	}
	return nil
}

// unregister releases b's slot. Idempotent; Destroy calls it after the
// kernel buffer is gone, and failed creates call it for cleanup.
func (r *Registry) unregister(b *Buffer) {
	key := slotKey{devIdx: b.devIdx, bufIdx: b.bufIdx}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.buffers[b.id]; !ok {
		return
	}
	delete(r.buffers, b.id)
	if r.slots[key] > 0 {
		r.slots[key]--
		if r.slots[key] == 0 {
			delete(r.slots, key)
		}
	}
	if r.cyclic[key] == b.id {
		delete(r.cyclic, key)
	}
}

// Lookup returns the buffer with the given registry id.
func (r *Registry) Lookup(id uint64) (*Buffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buffers[id]
	return b, ok
}

// Len returns the number of registered buffers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}
