package slotmap

// Key identifies a value in a Map. A Key stays valid until its value is removed; after that, lookups
// with it fail even if the slot has been reused.
type Key struct {
	index      uint32
	generation uint32
}

// NilKey never refers to a live value
var NilKey = Key{}

// IsNil reports whether k is NilKey
func (k Key) IsNil() bool {
	return k.generation == 0
}

type slot[T any] struct {
	value      T
	generation uint32
	occupied   bool
}

// Map is an arena of values addressed by generational keys. Removal is O(1) and slots are recycled.
// Iteration visits values in slot order, which is not insertion order once slots have been reused.
type Map[T any] struct {
	slots []slot[T]
	free  []uint32
	count int
}

// Insert stores value and returns its key
func (m *Map[T]) Insert(value T) Key {
	var index uint32
	if len(m.free) > 0 {
		index = m.free[len(m.free)-1]
		m.free = m.free[:len(m.free)-1]
	} else {
		index = uint32(len(m.slots))
		m.slots = append(m.slots, slot[T]{})
	}

	s := &m.slots[index]
	s.generation++
	s.value = value
	s.occupied = true
	m.count++

	return Key{index: index, generation: s.generation}
}

func (m *Map[T]) lookup(key Key) *slot[T] {
	if key.IsNil() || int(key.index) >= len(m.slots) {
		return nil
	}

	s := &m.slots[key.index]
	if !s.occupied || s.generation != key.generation {
		return nil
	}
	return s
}

// Get returns the value stored under key
func (m *Map[T]) Get(key Key) (T, bool) {
	s := m.lookup(key)
	if s == nil {
		var zero T
		return zero, false
	}
	return s.value, true
}

// Contains reports whether key refers to a live value
func (m *Map[T]) Contains(key Key) bool {
	return m.lookup(key) != nil
}

// Remove deletes the value stored under key and returns it
func (m *Map[T]) Remove(key Key) (T, bool) {
	var zero T

	s := m.lookup(key)
	if s == nil {
		return zero, false
	}

	value := s.value
	s.value = zero
	s.occupied = false
	m.free = append(m.free, key.index)
	m.count--

	return value, true
}

// Len returns the number of live values
func (m *Map[T]) Len() int {
	return m.count
}

// Each calls visit for every live value in slot order. Iteration stops early if visit returns false.
// visit must not insert into or remove from the map.
func (m *Map[T]) Each(visit func(key Key, value T) bool) {
	for i := range m.slots {
		s := &m.slots[i]
		if !s.occupied {
			continue
		}
		if !visit(Key{index: uint32(i), generation: s.generation}, s.value) {
			return
		}
	}
}

// Values returns a snapshot of every live value in slot order
func (m *Map[T]) Values() []T {
	values := make([]T, 0, m.count)
	m.Each(func(key Key, value T) bool {
		values = append(values, value)
		return true
	})
	return values
}

// Clear removes every value
func (m *Map[T]) Clear() {
	m.slots = nil
	m.free = nil
	m.count = 0
}
