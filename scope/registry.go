package scope

import (
	"errors"
	"sync"
)

// Registry maps scope names to bit positions within a [Mask]. Up to 64
// scopes can be registered; bit positions are assigned in registration
// order and are stable for the lifetime of the process.
type Registry struct {
	mu        sync.RWMutex
	nameToBit map[string]int
	bitToName map[int]string
	frozen    bool
}

// NewRegistry creates an empty scope registry.
func NewRegistry() *Registry {
	return &Registry{
		nameToBit: make(map[string]int),
		bitToName: make(map[int]string),
	}
}

// Register assigns the next available bit to the named scope and returns
// the assigned bit index. Must be called before [Registry.Freeze].
func (r *Registry) Register(name string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return -1, errors.New("registry frozen")
	}

	if name == "" {
		return -1, errors.New("scope name cannot be empty")
	}

	if _, exists := r.nameToBit[name]; exists {
		return -1, errors.New("scope already registered")
	}

	nextBit := len(r.nameToBit)
	if nextBit >= 64 {
		return -1, errors.New("scope limit exceeded")
	}

	r.nameToBit[name] = nextBit
	r.bitToName[nextBit] = name

	return nextBit, nil
}

// Bit returns the bit index for the named scope, or false if not registered.
func (r *Registry) Bit(name string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bit, ok := r.nameToBit[name]
	return bit, ok
}

// Name returns the scope name for the given bit index, or false if unassigned.
func (r *Registry) Name(bit int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.bitToName[bit]
	return name, ok
}

// MaskOf builds a [Mask] from scope names. An unregistered name is an
// error so misspelled grants fail loudly instead of granting nothing.
func (r *Registry) MaskOf(names ...string) (Mask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var m Mask
	for _, name := range names {
		bit, ok := r.nameToBit[name]
		if !ok {
			return 0, errors.New("unknown scope: " + name)
		}
		m.Set(bit)
	}
	return m, nil
}

// Names expands a [Mask] back into the registered scope names, in bit
// order. Bits without a registered name are skipped.
func (r *Registry) Names(m Mask) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.nameToBit))
	for bit := 0; bit < 64; bit++ {
		if !m.Has(bit) {
			continue
		}
		if name, ok := r.bitToName[bit]; ok {
			names = append(names, name)
		}
	}
	return names
}

// Freeze prevents further registrations. Must be called before the
// registry is used for validation.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Count returns the number of registered scopes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nameToBit)
}
