package scope

// Mask is a 64-bit scope set. The zero value grants nothing.
type Mask uint64

// Has reports whether the scope bit is set.
func (m Mask) Has(bit int) bool {
	if bit < 0 || bit >= 64 {
		return false
	}
	return (m & (1 << bit)) != 0
}

// Set turns the scope bit on. Out-of-range bits are ignored.
func (m *Mask) Set(bit int) {
	if bit < 0 || bit >= 64 {
		return
	}
	*m |= (1 << bit)
}

// Clear turns the scope bit off. Out-of-range bits are ignored.
func (m *Mask) Clear(bit int) {
	if bit < 0 || bit >= 64 {
		return
	}
	*m &^= (1 << bit)
}

// Union returns the combination of both masks.
func (m Mask) Union(other Mask) Mask {
	return m | other
}

// Contains reports whether every bit of other is set in m.
func (m Mask) Contains(other Mask) bool {
	return m&other == other
}

// Raw returns the mask as a plain uint64 for storage.
func (m Mask) Raw() uint64 {
	return uint64(m)
}
