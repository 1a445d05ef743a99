package routing

import (
	"testing"

	"github.com/celskeggs/fabricmover/sim/fabric/packet"
)

func node(dev uint16) packet.NodeID {
	return packet.NodeID{Device: dev}
}

func hopAt(self uint16, dir packet.Direction, downstream *packet.NodeID) Hop {
	return Hop{Self: node(self), Direction: dir, Downstream: downstream}
}

func ptr(id packet.NodeID) *packet.NodeID {
	return &id
}

func TestLineClassify(t *testing.T) {
	mid := Line{hopAt(1, packet.East, ptr(node(2)))}
	end := Line{hopAt(3, packet.East, nil)}
	depth := func(e uint8) [packet.NumDirections]uint8 {
		return [packet.NumDirections]uint8{e, 0, 0, 0}
	}

	cases := []struct {
		name     string
		strategy Strategy
		header   packet.Header
		expected Forwarding
	}{
		{"unicast here", mid, packet.AsyncWrite(node(1), 0, 8), LocalOnly},
		{"unicast beyond", mid, packet.AsyncWrite(node(3), 0, 8), RemoteOnly},
		{"unicast past end", end, packet.AsyncWrite(node(4), 0, 8), Invalid},
		{"multicast continues", mid, packet.MulticastWrite(node(1), 0, 8, depth(2)), LocalAndRemote},
		{"multicast last hop", mid, packet.MulticastWrite(node(1), 0, 8, depth(0)), LocalOnly},
		{"multicast overshoots end", end, packet.MulticastWrite(node(3), 0, 8, depth(1)), LocalOnly},
		{"multicast other direction", mid, packet.MulticastWrite(node(1), 0, 8, [packet.NumDirections]uint8{0, 3, 0, 0}), LocalOnly},
		{"atomic here", mid, packet.AtomicIncrement(node(1), 0, 1, 0), LocalOnly},
	}
	for _, c := range cases {
		if f := c.strategy.Classify(c.header); f != c.expected {
			t.Errorf("%s: classified %v instead of %v", c.name, f, c.expected)
		}
	}
}

func TestMulticastRewrite(t *testing.T) {
	strategy := Line{hopAt(1, packet.East, ptr(node(2)))}
	h := packet.MulticastWrite(node(1), 0x80, 4, [packet.NumDirections]uint8{2, 0, 0, 0})
	strategy.Rewrite(&h)
	if h.Destination != node(2) || h.HopDepth[packet.East] != 1 {
		t.Errorf("rewritten header %v", h)
	}

	unicast := packet.AsyncWrite(node(5), 0x80, 4)
	strategy.Rewrite(&unicast)
	if unicast != packet.AsyncWrite(node(5), 0x80, 4) {
		t.Errorf("unicast header changed: %v", unicast)
	}
}

func TestMulticastDepthAcrossHops(t *testing.T) {
	// a packet sent to node 0 with depth 2 east must land on nodes 0, 1 and 2 and nowhere else
	const n = 5
	h := packet.MulticastWrite(node(0), 0, 8, [packet.NumDirections]uint8{2, 0, 0, 0})
	var delivered []uint16
	for dev := uint16(0); dev < n; dev++ {
		var downstream *packet.NodeID
		if dev+1 < n {
			downstream = ptr(node(dev + 1))
		}
		strategy := Line{hopAt(dev, packet.East, downstream)}
		f := strategy.Classify(h)
		if f.Local() {
			delivered = append(delivered, dev)
		}
		if !f.Remote() {
			break
		}
		strategy.Rewrite(&h)
	}
	if len(delivered) != 3 || delivered[0] != 0 || delivered[1] != 1 || delivered[2] != 2 {
		t.Errorf("delivered to %v", delivered)
	}
}

func TestTableClassify(t *testing.T) {
	eastbound := LineTable(hopAt(2, packet.East, ptr(node(3))), 2, 5)
	westbound := LineTable(hopAt(2, packet.West, ptr(node(1))), 2, 5)
	eastbound.InterMesh[7] = packet.East

	cases := []struct {
		name     string
		strategy Table
		dst      packet.NodeID
		expected Forwarding
	}{
		{"here", eastbound, node(2), LocalOnly},
		{"east via eastbound", eastbound, node(4), RemoteOnly},
		{"west via eastbound", eastbound, node(0), Invalid},
		{"west via westbound", westbound, node(0), RemoteOnly},
		{"unknown device", westbound, node(9), Invalid},
		{"other mesh", eastbound, packet.NodeID{Mesh: 7, Device: 0}, RemoteOnly},
		{"unknown mesh", westbound, packet.NodeID{Mesh: 7, Device: 0}, Invalid},
	}
	for _, c := range cases {
		if f := c.strategy.Classify(packet.AsyncWrite(c.dst, 0, 0)); f != c.expected {
			t.Errorf("%s: classified %v instead of %v", c.name, f, c.expected)
		}
	}
}
