package utils

import (
	"sync"
)

// OptionalMutex guards an owner that may have been created externally synchronized, in which case
// locking is a no-op. The zero value locks.
type OptionalMutex struct {
	mutex    sync.Mutex
	disabled bool
}

// Synchronize switches locking on or off. It must be called before the owner is shared.
func (m *OptionalMutex) Synchronize(enabled bool) {
	m.disabled = !enabled
}

func (m *OptionalMutex) Lock() {
	if !m.disabled {
		m.mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if !m.disabled {
		m.mutex.Unlock()
	}
}

// OptionalRWMutex is the read/write form of OptionalMutex
type OptionalRWMutex struct {
	mutex    sync.RWMutex
	disabled bool
}

// Synchronize switches locking on or off. It must be called before the owner is shared.
func (m *OptionalRWMutex) Synchronize(enabled bool) {
	m.disabled = !enabled
}

func (m *OptionalRWMutex) Lock() {
	if !m.disabled {
		m.mutex.Lock()
	}
}

func (m *OptionalRWMutex) Unlock() {
	if !m.disabled {
		m.mutex.Unlock()
	}
}

func (m *OptionalRWMutex) RLock() {
	if !m.disabled {
		m.mutex.RLock()
	}
}

func (m *OptionalRWMutex) RUnlock() {
	if !m.disabled {
		m.mutex.RUnlock()
	}
}
