package link

import (
	"github.com/celskeggs/fabricmover/sim/fabric/channel"
)

// Transport carries an engine's writes to its peer. Writes issued through one transport arrive in issue order: a
// slot write always lands, with its sync marker set, before any register update issued after it.
type Transport interface {
	// Busy reports whether the transmit queue cannot take another transaction right now.
	Busy() bool
	WriteSlot(dst *channel.Buffer, slot int, data []byte)
	UpdateRegister(dst *Register, delta int32)
}

// Direct applies every write immediately. It connects engines that share an address space and run as goroutines.
type Direct struct{}

var _ Transport = Direct{}

func (Direct) Busy() bool {
	return false
}

func (Direct) WriteSlot(dst *channel.Buffer, slot int, data []byte) {
	copy(dst.Slot(slot), data)
	dst.MarkSent(slot)
}

func (Direct) UpdateRegister(dst *Register, delta int32) {
	dst.Publish(delta)
}
