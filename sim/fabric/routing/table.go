package routing

import (
	"github.com/celskeggs/fabricmover/sim/fabric/packet"
)

// Table routes by next-hop lookup: destinations in another mesh by mesh id, destinations in this mesh by device
// id. A packet whose next hop is not this receiver's direction of travel cannot be carried by it.
type Table struct {
	Hop
	InterMesh map[uint16]packet.Direction
	IntraMesh map[uint16]packet.Direction
}

var _ Strategy = Table{}

func (t Table) nextHop(dst packet.NodeID) (packet.Direction, bool) {
	if dst.Mesh != t.Self.Mesh {
		d, ok := t.InterMesh[dst.Mesh]
		return d, ok
	}
	d, ok := t.IntraMesh[dst.Device]
	return d, ok
}

func (t Table) Classify(h packet.Header) Forwarding {
	if h.Destination == t.Self {
		return t.multicast(h)
	}
	d, ok := t.nextHop(h.Destination)
	if !ok || d != t.Direction || !t.HasDownstream() {
		return Invalid
	}
	return RemoteOnly
}

// LineTable builds the routing tables of node index self in a single-mesh line of n nodes whose device ids are
// their indices, with east towards higher indices.
func LineTable(hop Hop, self int, n int) Table {
	t := Table{
		Hop:       hop,
		InterMesh: map[uint16]packet.Direction{},
		IntraMesh: map[uint16]packet.Direction{},
	}
	for dev := 0; dev < n; dev++ {
		if dev > self {
			t.IntraMesh[uint16(dev)] = packet.East
		} else if dev < self {
			t.IntraMesh[uint16(dev)] = packet.West
		}
	}
	return t
}
