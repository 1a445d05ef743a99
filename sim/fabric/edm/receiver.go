package edm

import (
	"errors"
	"fmt"
	"log"

	"github.com/celskeggs/fabricmover/sim/fabric/channel"
	"github.com/celskeggs/fabricmover/sim/fabric/link"
	"github.com/celskeggs/fabricmover/sim/fabric/packet"
	"github.com/celskeggs/fabricmover/sim/fabric/pointer"
	"github.com/celskeggs/fabricmover/sim/fabric/routing"
)

var ErrMisrouted = errors.New("packet cannot be routed by this engine")

// receiverChannel tracks four trailing positions in the receive ring:
// completion <= wrFlush <= wrSent <= ack
type receiverChannel struct {
	label      string
	buffer     *channel.Buffer
	ack        pointer.Pointer
	wrSent     pointer.Pointer
	wrFlush    pointer.Pointer
	completion pointer.Pointer

	// set while the slot at wrSent is being held back, so each stall is reported once
	stalled bool
}

func newReceiverChannel(buffer *channel.Buffer, label string) receiverChannel {
	n := buffer.NumSlots()
	return receiverChannel{
		label:      label,
		buffer:     buffer,
		ack:        pointer.New(n),
		wrSent:     pointer.New(n),
		wrFlush:    pointer.New(n),
		completion: pointer.New(n),
	}
}

// ReceiverPointers exposes the receive ring positions for diagnostics.
func (e *Engine) ReceiverPointers() (ack, wrSent, wrFlush, completion uint32) {
	r := &e.receiver
	return r.ack.Value(), r.wrSent.Value(), r.wrFlush.Value(), r.completion.Value()
}

// runReceiverStep performs every receiver action that is possible right now: acknowledge a newly landed packet,
// execute or forward the oldest unprocessed packet, retire flushed slots, and return completions to the sender.
func (e *Engine) runReceiverStep() bool {
	r := &e.receiver
	didSomething := false

	if !e.transport.Busy() && e.local.Registers.ToReceiverPacketsSent.ConsumeOne() {
		slot := r.ack.Index()
		if !r.buffer.IsSent(slot) {
			log.Panicf("%s: packet announced for slot %d before its payload landed", e.Label, slot)
		}
		src := e.sourceChannel(slot)
		e.transport.UpdateRegister(&e.remote.Registers.ToSenderPacketsAcked[src], 1)
		r.ack.Increment()
		e.counters.packetReceived()
		didSomething = true
	}

	if !r.wrSent.IsCaughtUpTo(r.ack) {
		if e.processPacket(r.wrSent.Index()) {
			r.wrSent.Increment()
			r.stalled = false
			didSomething = true
		}
	}

	if !r.wrFlush.IsCaughtUpTo(r.wrSent) && e.memory.WritesFlushed() {
		r.buffer.ClearSent(r.wrFlush.Index())
		r.wrFlush.Increment()
		didSomething = true
	}

	if !r.completion.IsCaughtUpTo(r.wrFlush) && !e.transport.Busy() {
		src := e.sourceChannel(r.completion.Index())
		e.transport.UpdateRegister(&e.remote.Registers.ToSenderPacketsCompleted[src], 1)
		r.completion.Increment()
		e.counters.completionSent(src)
		didSomething = true
	}
	return didSomething
}

func (e *Engine) sourceChannel(slot int) int {
	src := int(packet.SourceChannelOf(e.receiver.buffer.Slot(slot)))
	if src >= link.NumSenderChannels {
		log.Panicf("%s: receiver slot %d stamped with invalid source channel %d", e.Label, slot, src)
	}
	return src
}

// processPacket handles the packet in slot and reports whether the slot is done with. A packet that must be
// forwarded is held until the downstream channel can take all of it.
func (e *Engine) processPacket(slot int) bool {
	r := &e.receiver
	raw := r.buffer.Slot(slot)
	h, err := packet.Decode(raw)
	if err == nil && int(h.PacketSize) > len(raw) {
		err = fmt.Errorf("%w: packet size %d exceeds slot size %d", packet.ErrInvalidPacket, h.PacketSize, len(raw))
	}
	forwarding := routing.Invalid
	if err == nil {
		forwarding = e.strategy.Classify(h)
		if forwarding == routing.Invalid {
			err = fmt.Errorf("%w: destination %v", ErrMisrouted, h.Destination)
		}
	}
	if err != nil {
		return e.handleInvalid(slot, err)
	}

	if forwarding.Remote() && !e.canForwardCompletely() {
		if !r.stalled {
			r.stalled = true
			e.counters.forwardStalled()
			if DetailedDebug {
				e.Debug("receiver slot %d: downstream full, holding %v", slot, h)
			}
		}
		return false
	}

	e.recordHeader(link.ReceiverChannelID, r.label, raw)
	if forwarding.Local() {
		e.executeLocal(h, raw)
	}
	if forwarding.Remote() {
		e.forward(h, raw)
	}
	if DetailedDebug {
		e.Debug("receiver slot %d: %v -> %v", slot, h, forwarding)
	}
	return true
}

func (e *Engine) handleInvalid(slot int, err error) bool {
	r := &e.receiver
	if e.config.InvalidPolicy == StallInvalid {
		if !r.stalled {
			r.stalled = true
			e.counters.invalidStalled()
			e.Debug("receiver slot %d: %v; stalling", slot, err)
		}
		return false
	}
	e.counters.dropped()
	e.Debug("receiver slot %d: %v; dropping", slot, err)
	return true
}

func (e *Engine) canForwardCompletely() bool {
	return e.openDownstream() && e.downstream.HasSpace()
}

func (e *Engine) executeLocal(h packet.Header, raw []byte) {
	if h.Command&packet.CommandAsyncWrite != 0 {
		e.memory.Write(h.TargetAddress, packet.Payload(raw, h))
		e.counters.localWrite()
	}
	if h.Command&packet.CommandAtomicIncrement != 0 {
		addr := h.TargetAddress
		if h.Command&packet.CommandAsyncWrite != 0 {
			addr = h.AtomicAddress
		}
		e.memory.AtomicIncrement(addr, h.Increment, h.WrapBoundary)
		e.counters.atomicIncrement()
	}
}

func (e *Engine) forward(h packet.Header, raw []byte) {
	out := e.scratch[:h.PacketSize]
	copy(out, raw)
	rewritten := h
	e.strategy.Rewrite(&rewritten)
	if rewritten != h {
		rewritten.EncodeInto(out)
	}
	if err := e.downstream.SendPacket(out); err != nil {
		log.Panicf("%s: forward of %v failed: %v", e.Label, h, err)
	}
	e.counters.forwarded()
}
