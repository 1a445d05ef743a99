// Package channel provides the slot rings that packets occupy while they move through an engine.
package channel

import (
	"fmt"
	"sync/atomic"

	"github.com/celskeggs/fabricmover/sim/fabric/packet"
	"github.com/celskeggs/fabricmover/sim/fabric/pointer"
)

// Buffer is a ring of fixed-size packet slots in one contiguous region. Each slot carries a sync marker that the
// link sets once a payload has fully landed and the receiver clears once the slot's writes are flushed.
type Buffer struct {
	id       int
	slotSize int
	memory   []byte
	sent     []atomic.Bool
}

func NewBuffer(id int, numSlots int, slotSize int) *Buffer {
	if !pointer.IsPowerOfTwo(numSlots) {
		panic(fmt.Sprintf("channel %d: slot count %d is not a power of two", id, numSlots))
	}
	if slotSize < packet.HeaderSize {
		panic(fmt.Sprintf("channel %d: slot size %d cannot hold a header", id, slotSize))
	}
	return &Buffer{
		id:       id,
		slotSize: slotSize,
		memory:   make([]byte, numSlots*slotSize),
		sent:     make([]atomic.Bool, numSlots),
	}
}

func (b *Buffer) ID() int {
	return b.id
}

func (b *Buffer) NumSlots() int {
	return len(b.sent)
}

func (b *Buffer) SlotSize() int {
	return b.slotSize
}

func (b *Buffer) checkIndex(i int) {
	if i < 0 || i >= len(b.sent) {
		panic(fmt.Sprintf("channel %d: slot index %d out of range [0,%d)", b.id, i, len(b.sent)))
	}
}

// SlotAddress is the byte offset of slot i within the channel's region.
func (b *Buffer) SlotAddress(i int) int {
	b.checkIndex(i)
	return i * b.slotSize
}

// Slot is the full-capacity view of slot i.
func (b *Buffer) Slot(i int) []byte {
	addr := b.SlotAddress(i)
	return b.memory[addr : addr+b.slotSize : addr+b.slotSize]
}

func (b *Buffer) MarkSent(i int) {
	b.checkIndex(i)
	b.sent[i].Store(true)
}

func (b *Buffer) ClearSent(i int) {
	b.checkIndex(i)
	b.sent[i].Store(false)
}

func (b *Buffer) IsSent(i int) bool {
	b.checkIndex(i)
	return b.sent[i].Load()
}
