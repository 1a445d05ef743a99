package edm

import (
	"fmt"

	"github.com/celskeggs/fabricmover/sim/fabric/packet"
	"github.com/celskeggs/fabricmover/sim/fabric/worker"
)

type SenderState int

const (
	SenderDone SenderState = iota
	SenderSignalingWorker
	SenderWaitingForWorker
	SenderSendChannelSync
	SenderWaitWorkerHandshake
	SenderWaitingForEth
)

func (s SenderState) String() string {
	switch s {
	case SenderDone:
		return "DONE"
	case SenderSignalingWorker:
		return "SIGNALING_WORKER"
	case SenderWaitingForWorker:
		return "WAITING_FOR_WORKER"
	case SenderSendChannelSync:
		return "SEND_CHANNEL_SYNC"
	case SenderWaitWorkerHandshake:
		return "WAIT_WORKER_HANDSHAKE"
	case SenderWaitingForEth:
		return "WAITING_FOR_ETH"
	default:
		return fmt.Sprintf("SenderState(%d)", int(s))
	}
}

type senderChannel struct {
	index     int
	label     string
	conn      *worker.Connection
	iface     *worker.Interface
	connected bool
	state     SenderState
}

func newSenderChannel(index int, conn *worker.Connection, label string) *senderChannel {
	return &senderChannel{
		index: index,
		label: label,
		conn:  conn,
		iface: worker.NewInterface(conn),
		state: SenderWaitWorkerHandshake,
	}
}

// backpressured reports whether every local slot is still waiting on the remote receiver to complete it
func (ch *senderChannel) backpressured() bool {
	return ch.iface.LocalRdptr.DistanceBehind(ch.iface.LocalWrptr) >= uint32(ch.conn.NumBuffers())
}

// runSenderStep performs every sender action that is possible right now: put the next packet on the link, absorb
// completions and then acknowledgements from the peer, and service the connection handshake.
func (e *Engine) runSenderStep(ch *senderChannel) bool {
	didSomething := false
	wi := ch.iface

	if wi.HasUnsentPayload() {
		if e.outbound.hasSpaceForPacket() && !e.transport.Busy() && !ch.backpressured() {
			e.sendNextPacket(ch)
			ch.state = SenderSendChannelSync
			didSomething = true
		} else {
			ch.state = SenderWaitingForEth
		}
	} else if ch.connected {
		ch.state = SenderWaitingForWorker
	}

	// completions must be taken before acks, so that the ack count never trails the completion count
	registers := e.local.Registers
	if completions := registers.ToSenderPacketsCompleted[ch.index].ConsumeAll(); completions > 0 {
		e.outbound.completion.IncrementN(completions)
		wi.LocalRdptr.IncrementN(completions)
		e.counters.completionsReceived(ch.index, completions)
		didSomething = true
	}
	if acks := registers.ToSenderPacketsAcked[ch.index].ConsumeAll(); acks > 0 {
		e.outbound.ackptr.IncrementN(acks)
		wi.LocalAckptr.IncrementN(acks)
		e.counters.acksReceived(ch.index, acks)
		if ch.connected {
			wi.UpdateWorkerCopyOfReadPtr()
			ch.state = SenderSignalingWorker
		}
		didSomething = true
	}

	if !ch.connected {
		if wi.ConnectionIsLive() || wi.HasTeardownRequest() {
			ch.connected = true
			wi.UpdateWorkerCopyOfReadPtr()
			e.counters.connected(ch.index)
			if id, ok := wi.Worker(); ok {
				e.Debug("sender channel %d: worker %v connected at wrptr=%v", ch.index, id, wi.LocalWrptr)
			}
			didSomething = true
		} else {
			ch.state = SenderWaitWorkerHandshake
		}
	} else if wi.HasTeardownRequest() {
		ch.connected = false
		wi.TeardownConnection(wi.LocalRdptr.Value())
		e.counters.tornDown(ch.index)
		if DetailedDebug {
			e.Debug("sender channel %d: teardown at rdptr=%v", ch.index, wi.LocalRdptr)
		}
		ch.state = SenderDone
		didSomething = true
	}
	return didSomething
}

func (e *Engine) sendNextPacket(ch *senderChannel) {
	wi := ch.iface
	slot := ch.conn.Buffer().Slot(wi.LocalWrptr.Index())
	packet.SetSourceChannel(slot, uint8(ch.index))
	size := packet.RawSize(slot, len(slot))
	e.recordHeader(ch.index, ch.label, slot)

	remoteSlot := e.outbound.wrptr.Index()
	e.transport.WriteSlot(e.remote.Receiver, remoteSlot, slot[:size])
	wi.LocalWrptr.Increment()
	e.transport.UpdateRegister(&e.remote.Registers.ToReceiverPacketsSent, 1)
	e.outbound.wrptr.Increment()
	e.counters.packetSent(ch.index)

	if DetailedDebug {
		e.Debug("sender channel %d: sent %d bytes into remote slot %d", ch.index, size, remoteSlot)
	}
}
