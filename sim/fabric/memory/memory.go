// Package memory models the node-local memory that receiver channels write packets into.
package memory

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Memory is what a receiver channel needs from its node: posted writes, atomic increments and a way to learn that
// every write issued so far has landed.
type Memory interface {
	Write(addr uint64, data []byte)
	AtomicIncrement(addr uint64, increment uint32, wrap uint32)
	WritesFlushed() bool
}

type WriteObserver func(addr uint64, data []byte)

// Local is a flat byte-addressed memory. Writes become visible immediately but are only reported as flushed after
// flushDelay further polls of WritesFlushed, so callers exercise the flush wait.
type Local struct {
	mu          sync.Mutex
	data        []byte
	flushDelay  int
	outstanding int
	observers   []WriteObserver

	writes     uint64
	increments uint64
}

var _ Memory = &Local{}

func NewLocal(size int, flushDelay int) *Local {
	if size <= 0 || flushDelay < 0 {
		panic(fmt.Sprintf("invalid memory configuration: size=%d flushDelay=%d", size, flushDelay))
	}
	return &Local{
		data:       make([]byte, size),
		flushDelay: flushDelay,
	}
}

func (m *Local) Size() int {
	return len(m.data)
}

// the size never changes, so range checks need no lock
func (m *Local) checkRange(addr uint64, n int) {
	if addr > uint64(len(m.data)) || uint64(n) > uint64(len(m.data))-addr {
		panic(fmt.Sprintf("memory access [%#x, %#x) outside of %d bytes", addr, addr+uint64(n), len(m.data)))
	}
}

// Observe registers a callback invoked after every completed write.
func (m *Local) Observe(observer WriteObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, observer)
}

func (m *Local) Write(addr uint64, data []byte) {
	m.checkRange(addr, len(data))
	m.mu.Lock()
	copy(m.data[addr:], data)
	m.writes++
	if m.outstanding < m.flushDelay {
		m.outstanding = m.flushDelay
	}
	observers := m.observers
	m.mu.Unlock()
	for _, o := range observers {
		o(addr, data)
	}
}

// AtomicIncrement adds increment to the little-endian word at addr. With a nonzero wrap the result is taken modulo
// wrap.
func (m *Local) AtomicIncrement(addr uint64, increment uint32, wrap uint32) {
	m.checkRange(addr, 4)
	m.mu.Lock()
	defer m.mu.Unlock()
	word := m.data[addr : addr+4]
	value := uint64(binary.LittleEndian.Uint32(word)) + uint64(increment)
	if wrap != 0 {
		value %= uint64(wrap)
	}
	binary.LittleEndian.PutUint32(word, uint32(value))
	m.increments++
}

func (m *Local) WritesFlushed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outstanding > 0 {
		m.outstanding--
		return false
	}
	return true
}

func (m *Local) Read(addr uint64, n int) []byte {
	m.checkRange(addr, n)
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data[addr:addr+uint64(n)]...)
}

func (m *Local) ReadUint32(addr uint64) uint32 {
	return binary.LittleEndian.Uint32(m.Read(addr, 4))
}

func (m *Local) Writes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *Local) Increments() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.increments
}
