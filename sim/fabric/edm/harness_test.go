package edm

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/celskeggs/fabricmover/sim/fabric/channel"
	"github.com/celskeggs/fabricmover/sim/fabric/link"
	"github.com/celskeggs/fabricmover/sim/fabric/memory"
	"github.com/celskeggs/fabricmover/sim/fabric/packet"
	"github.com/celskeggs/fabricmover/sim/fabric/routing"
	"github.com/celskeggs/fabricmover/sim/fabric/worker"
	"github.com/celskeggs/fabricmover/sim/model"
)

const (
	testSlotSize = packet.HeaderSize + 32
	testMemory   = 1 << 16
)

var (
	nodeA = packet.NodeID{Device: 0}
	nodeB = packet.NodeID{Device: 1}
)

// pair is two engines facing each other across one link: A on node 0 facing east, B on node 1 facing west.
type pair struct {
	a, b       *Engine
	memA, memB *memory.Local
	sendersA   [link.NumSenderChannels]*worker.Connection
	sendersB   [link.NumSenderChannels]*worker.Connection
	writesB    []uint64
}

type pairOptions struct {
	buffers   int
	config    func(*Config)
	transport func(from string) link.Transport
	clock     model.Clock
	yielder   Yielder
}

func newPair(t *testing.T, opts pairOptions) *pair {
	t.Helper()
	if opts.buffers == 0 {
		opts.buffers = 4
	}
	if opts.transport == nil {
		opts.transport = func(string) link.Transport { return link.Direct{} }
	}
	if opts.clock == nil {
		opts.clock = model.MakeWallClock()
	}
	p := &pair{
		memA: memory.NewLocal(testMemory, 1),
		memB: memory.NewLocal(testMemory, 1),
	}
	p.memB.Observe(func(addr uint64, data []byte) {
		p.writesB = append(p.writesB, addr)
	})
	endA := link.NewEndpoint(opts.buffers, testSlotSize)
	endB := link.NewEndpoint(opts.buffers, testSlotSize)
	for i := 0; i < link.NumSenderChannels; i++ {
		p.sendersA[i] = worker.NewConnection(channel.NewBuffer(i, opts.buffers, testSlotSize))
		p.sendersB[i] = worker.NewConnection(channel.NewBuffer(i, opts.buffers, testSlotSize))
	}
	configA, configB := DefaultConfig("A/east"), DefaultConfig("B/west")
	configA.SwitchInterval, configB.SwitchInterval = 16, 16
	if opts.config != nil {
		opts.config(&configA)
		opts.config(&configB)
	}
	p.a = NewEngine(configA, Wiring{
		Clock:     opts.clock,
		Local:     endA,
		Remote:    endB,
		Transport: opts.transport("A"),
		Senders:   p.sendersA,
		Strategy:  routing.Line{Hop: routing.Hop{Self: nodeA, Direction: packet.West}},
		Memory:    p.memA,
		Yielder:   opts.yielder,
	})
	p.b = NewEngine(configB, Wiring{
		Clock:     opts.clock,
		Local:     endB,
		Remote:    endA,
		Transport: opts.transport("B"),
		Senders:   p.sendersB,
		Strategy:  routing.Line{Hop: routing.Hop{Self: nodeB, Direction: packet.East}},
		Memory:    p.memB,
		Yielder:   opts.yielder,
	})
	p.a.Start()
	p.b.Start()
	return p
}

// step polls one engine chosen at random, so every test explores a different interleaving
func (p *pair) step(r *rand.Rand) {
	if r.Intn(2) == 0 {
		p.a.Poll()
	} else {
		p.b.Poll()
	}
}

func (p *pair) stepBoth() {
	p.a.Poll()
	p.b.Poll()
}

func (p *pair) drained() bool {
	return p.a.AllChannelsDrained() && p.b.AllChannelsDrained()
}

func writePacket(t *testing.T, dst packet.NodeID, seq int) []byte {
	t.Helper()
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint64(payload, uint64(seq))
	binary.LittleEndian.PutUint64(payload[8:], ^uint64(seq))
	encoded, err := packet.Build(packet.AsyncWrite(dst, uint64(seq*16), len(payload)), payload)
	if err != nil {
		t.Fatal(err)
	}
	return encoded
}

func checkPacket(t *testing.T, mem *memory.Local, seq int) {
	t.Helper()
	data := mem.Read(uint64(seq*16), 16)
	if binary.LittleEndian.Uint64(data) != uint64(seq) || binary.LittleEndian.Uint64(data[8:]) != ^uint64(seq) {
		t.Errorf("packet %d not delivered intact: %x", seq, data)
	}
}

func checkDelivered(t *testing.T, mem *memory.Local, count int) {
	t.Helper()
	for seq := 0; seq < count; seq++ {
		checkPacket(t, mem, seq)
	}
}

func openWorker(t *testing.T, conn *worker.Connection, label string) *worker.Adapter {
	t.Helper()
	a := worker.NewAdapter(conn, worker.NewIdentity(label, 1, 1))
	if ok, err := a.TryOpen(); !ok || err != nil {
		t.Fatalf("worker %s could not connect: %v %v", label, ok, err)
	}
	return a
}
