package memory

import (
	"bytes"
	"testing"
)

func TestWriteRead(t *testing.T) {
	m := NewLocal(256, 0)
	var seen []uint64
	m.Observe(func(addr uint64, data []byte) {
		seen = append(seen, addr)
	})
	m.Write(16, []byte{1, 2, 3})
	if !bytes.Equal(m.Read(15, 5), []byte{0, 1, 2, 3, 0}) {
		t.Errorf("unexpected contents %v", m.Read(15, 5))
	}
	if m.Writes() != 1 || len(seen) != 1 || seen[0] != 16 {
		t.Errorf("write not accounted: writes=%d seen=%v", m.Writes(), seen)
	}
}

func TestAtomicIncrementWraps(t *testing.T) {
	m := NewLocal(64, 0)
	cases := []struct {
		inc, wrap, expected uint32
	}{
		{5, 0, 5},
		{5, 0, 10},
		{3, 12, 1},
		{4, 12, 5},
		{0xffffffff, 0, 4},
	}
	for i, c := range cases {
		m.AtomicIncrement(8, c.inc, c.wrap)
		if v := m.ReadUint32(8); v != c.expected {
			t.Errorf("step %d: value %d instead of %d", i, v, c.expected)
		}
	}
	if m.Increments() != uint64(len(cases)) {
		t.Errorf("increments=%d", m.Increments())
	}
}

func TestFlushDelay(t *testing.T) {
	m := NewLocal(64, 2)
	if !m.WritesFlushed() {
		t.Fatal("nothing written yet")
	}
	m.Write(0, []byte{9})
	polls := 0
	for !m.WritesFlushed() {
		polls++
	}
	if polls != 2 {
		t.Errorf("flushed after %d polls instead of 2", polls)
	}
}

func TestOutOfRange(t *testing.T) {
	m := NewLocal(16, 0)
	for _, addr := range []uint64{14, 16, 1 << 63} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("write at %#x accepted", addr)
				}
			}()
			m.Write(addr, []byte{1, 2, 3})
		}()
	}
}
