// Package routing decides, for each packet a receiver channel takes off the link, whether it is consumed on this
// node, passed on to the next hop, or both.
package routing

import (
	"fmt"

	"github.com/celskeggs/fabricmover/sim/fabric/packet"
)

type Forwarding int

const (
	Invalid        Forwarding = 0
	LocalOnly      Forwarding = 1
	RemoteOnly     Forwarding = 2
	LocalAndRemote Forwarding = 3
)

func (f Forwarding) Local() bool {
	return f&LocalOnly != 0
}

func (f Forwarding) Remote() bool {
	return f&RemoteOnly != 0
}

func (f Forwarding) String() string {
	switch f {
	case Invalid:
		return "invalid"
	case LocalOnly:
		return "local"
	case RemoteOnly:
		return "remote"
	case LocalAndRemote:
		return "local+remote"
	default:
		return fmt.Sprintf("Forwarding(%d)", int(f))
	}
}

// A Strategy classifies verified headers and prepares the copy that is forwarded downstream.
type Strategy interface {
	Classify(h packet.Header) Forwarding
	Rewrite(h *packet.Header)
}

// Hop describes where a receiver channel sits: the node it is on, the direction packets keep travelling when it
// forwards them, and the neighbour it forwards to, if any.
type Hop struct {
	Self       packet.NodeID
	Direction  packet.Direction
	Downstream *packet.NodeID
}

func (hop Hop) HasDownstream() bool {
	return hop.Downstream != nil
}

// multicast delivers at the destination and keeps going while hop depth remains for the direction of travel. At
// the end of the line the remaining depth is ignored.
func (hop Hop) multicast(h packet.Header) Forwarding {
	if h.IsMulticast() && h.HopDepth[hop.Direction] > 0 && hop.HasDownstream() {
		return LocalAndRemote
	}
	return LocalOnly
}

// Rewrite retargets a multicast leg at the downstream neighbour with one less hop to go. Unicast packets travel
// unchanged.
func (hop Hop) Rewrite(h *packet.Header) {
	if h.Destination != hop.Self || !h.IsMulticast() {
		return
	}
	if h.HopDepth[hop.Direction] == 0 || hop.Downstream == nil {
		panic(fmt.Sprintf("%v: rewrite of multicast packet that does not continue %v", hop.Self, hop.Direction))
	}
	h.HopDepth[hop.Direction]--
	h.Destination = *hop.Downstream
}

// Line routes along a chain of nodes: anything not addressed here keeps travelling.
type Line struct {
	Hop
}

var _ Strategy = Line{}

func (l Line) Classify(h packet.Header) Forwarding {
	if h.Destination == l.Self {
		return l.multicast(h)
	}
	if !l.HasDownstream() {
		return Invalid
	}
	return RemoteOnly
}
