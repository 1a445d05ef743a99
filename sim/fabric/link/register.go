// Package link models the point-to-point connection between two engines: the stream registers each side exposes to
// its peer, and the transports that carry slot writes and register updates across.
package link

import (
	"fmt"
	"sync/atomic"
)

const NumSenderChannels = 2

// Register is a signed credit counter. The remote side publishes deltas; the local side consumes them.
type Register struct {
	value atomic.Int32
}

func (r *Register) Publish(delta int32) {
	r.value.Add(delta)
}

func (r *Register) Pending() int32 {
	return r.value.Load()
}

// ConsumeAll takes every pending credit at once and returns how many there were.
func (r *Register) ConsumeAll() int32 {
	n := r.value.Load()
	if n < 0 {
		panic(fmt.Sprintf("register underflow: %d", n))
	}
	if n > 0 {
		r.value.Add(-n)
	}
	return n
}

// ConsumeOne takes a single pending credit, if there is one.
func (r *Register) ConsumeOne() bool {
	n := r.value.Load()
	if n < 0 {
		panic(fmt.Sprintf("register underflow: %d", n))
	}
	if n == 0 {
		return false
	}
	r.value.Add(-1)
	return true
}

// Registers are the stream registers one engine exposes to its peer.
type Registers struct {
	ToReceiverPacketsSent    Register
	ToSenderPacketsAcked     [NumSenderChannels]Register
	ToSenderPacketsCompleted [NumSenderChannels]Register
}

// AtRest reports whether no credit is outstanding in any register.
func (r *Registers) AtRest() bool {
	if r.ToReceiverPacketsSent.Pending() != 0 {
		return false
	}
	for i := 0; i < NumSenderChannels; i++ {
		if r.ToSenderPacketsAcked[i].Pending() != 0 || r.ToSenderPacketsCompleted[i].Pending() != 0 {
			return false
		}
	}
	return true
}
