package edm

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/celskeggs/fabricmover/sim/component"
	"github.com/celskeggs/fabricmover/sim/fabric/channel"
	"github.com/celskeggs/fabricmover/sim/fabric/link"
	"github.com/celskeggs/fabricmover/sim/fabric/memory"
	"github.com/celskeggs/fabricmover/sim/fabric/packet"
	"github.com/celskeggs/fabricmover/sim/fabric/routing"
	"github.com/celskeggs/fabricmover/sim/fabric/worker"
	"github.com/celskeggs/fabricmover/sim/model"
	"github.com/celskeggs/fabricmover/sim/testpoint"
)

func TestSixPacketsThroughFourSlots(t *testing.T) {
	p := newPair(t, pairOptions{buffers: 4})
	w := openWorker(t, p.sendersA[WorkerChannel], "w")

	pushed := 0
	for i := 0; i < 1000 && !(pushed == 6 && p.drained()); i++ {
		for pushed < 6 && w.HasSpace() {
			if err := w.SendPacket(writePacket(t, nodeB, pushed)); err != nil {
				t.Fatal(err)
			}
			pushed++
		}
		p.stepBoth()
	}
	if pushed != 6 || !p.drained() {
		t.Fatalf("pushed %d packets, drained=%v", pushed, p.drained())
	}
	checkDelivered(t, p.memB, 6)

	ack, sent, flush, completion := p.b.ReceiverPointers()
	if ack != 6 || sent != 6 || flush != 6 || completion != 6 {
		t.Errorf("receiver pointers %d/%d/%d/%d", ack, sent, flush, completion)
	}
	snap, ok := p.a.Counters()
	if !ok || snap.Senders[WorkerChannel].PacketsSent != 6 || snap.Senders[WorkerChannel].CompletionsReceived != 6 {
		t.Errorf("sender counters %+v", snap.Senders[WorkerChannel])
	}
	if !w.AllAccepted() {
		t.Error("worker mirror did not catch up")
	}
}

func TestRandomInterleavingsDeliverInOrder(t *testing.T) {
	for seed := int64(0); seed < 20; seed++ {
		r := rand.New(rand.NewSource(seed))
		buffers := 1 << uint(r.Intn(4))
		const count = 100
		p := newPair(t, pairOptions{buffers: buffers})
		w := openWorker(t, p.sendersA[WorkerChannel], "w")

		pushed := 0
		for i := 0; i < 200000 && !(pushed == count && p.drained()); i++ {
			if pushed < count && w.HasSpace() && r.Intn(3) == 0 {
				_ = w.SendPacket(writePacket(t, nodeB, pushed))
				pushed++
			}
			p.step(r)
		}
		if pushed != count || !p.drained() {
			t.Fatalf("seed %d (N=%d): pushed %d, drained=%v", seed, buffers, pushed, p.drained())
		}
		checkDelivered(t, p.memB, count)
		if len(p.writesB) != count {
			t.Fatalf("seed %d: %d writes for %d packets", seed, len(p.writesB), count)
		}
		for i, addr := range p.writesB {
			if addr != uint64(i*16) {
				t.Errorf("seed %d: write %d landed at %#x", seed, i, addr)
				break
			}
		}
		for _, e := range []*Engine{p.a, p.b} {
			if !e.local.Registers.AtRest() {
				t.Errorf("seed %d: %s has outstanding credits", seed, e.Label)
			}
		}
	}
}

func TestRandomPayloadSizes(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	p := newPair(t, pairOptions{buffers: 2})
	w := openWorker(t, p.sendersA[WorkerChannel], "w")
	const count = 16
	payloads := make([][]byte, count)
	pushed := 0
	for i := 0; i < 100000 && !(pushed == count && p.drained()); i++ {
		if pushed < count && w.HasSpace() {
			var encoded []byte
			encoded, payloads[pushed] = testpoint.RandWrite(t, r, nodeB, uint64(pushed*testSlotSize), testSlotSize)
			if err := w.SendPacket(encoded); err != nil {
				t.Fatal(err)
			}
			pushed++
		}
		p.step(r)
	}
	if pushed != count || !p.drained() {
		t.Fatalf("pushed %d, drained=%v", pushed, p.drained())
	}
	for i, payload := range payloads {
		testpoint.AssertPacketsMatch(t, p.memB.Read(uint64(i*testSlotSize), len(payload)), payload)
	}
}

func TestBothDirectionsAndChannels(t *testing.T) {
	r := rand.New(rand.NewSource(77))
	p := newPair(t, pairOptions{buffers: 2})
	east := openWorker(t, p.sendersA[WorkerChannel], "east")
	west := openWorker(t, p.sendersB[ForwardChannel], "west")
	const count = 40
	var pushedEast, pushedWest int
	for i := 0; i < 100000 && !(pushedEast == count && pushedWest == count && p.drained()); i++ {
		if pushedEast < count && east.HasSpace() {
			_ = east.SendPacket(writePacket(t, nodeB, pushedEast))
			pushedEast++
		}
		if pushedWest < count && west.HasSpace() {
			_ = west.SendPacket(writePacket(t, nodeA, pushedWest))
			pushedWest++
		}
		p.step(r)
	}
	if !p.drained() {
		t.Fatal("fabric did not drain")
	}
	checkDelivered(t, p.memB, count)
	checkDelivered(t, p.memA, count)
	snap, _ := p.a.Counters()
	if snap.Receiver.CompletionsSent[ForwardChannel] != count || snap.Receiver.CompletionsSent[WorkerChannel] != 0 {
		t.Errorf("completions returned to the wrong channel: %v", snap.Receiver.CompletionsSent)
	}
}

func TestGracefulTerminationDrainsFirst(t *testing.T) {
	p := newPair(t, pairOptions{buffers: 4})
	w := openWorker(t, p.sendersA[WorkerChannel], "w")
	for i := 0; i < 4; i++ {
		_ = w.SendPacket(writePacket(t, nodeB, i))
	}
	p.a.SetTermination(GracefullyTerminate)
	for i := 0; i < 1000 && !p.a.Finished(); i++ {
		p.stepBoth()
		if p.a.Finished() && p.memB.Writes() < 4 {
			t.Fatalf("sender retired after only %d of 4 packets landed", p.memB.Writes())
		}
	}
	if !p.a.Finished() {
		t.Fatal("sender did not retire")
	}
	checkDelivered(t, p.memB, 4)

	p.b.SetTermination(GracefullyTerminate)
	if !p.b.Poll() {
		t.Error("drained receiver should retire on its next poll")
	}
}

func TestImmediateTerminationAbandonsWork(t *testing.T) {
	p := newPair(t, pairOptions{buffers: 4})
	w := openWorker(t, p.sendersA[WorkerChannel], "w")
	for i := 0; i < 4; i++ {
		_ = w.SendPacket(writePacket(t, nodeB, i))
	}
	p.a.SetTermination(ImmediatelyTerminate)
	if !p.a.Poll() {
		t.Fatal("immediate termination should retire on the next poll")
	}
	for i := 0; i < 100; i++ {
		p.b.Poll()
	}
	if p.memB.Writes() != 0 {
		t.Errorf("%d writes happened after immediate termination", p.memB.Writes())
	}
	if p.a.AllChannelsDrained() {
		t.Error("abandoned packets should leave the sender undrained")
	}
}

func corrupt(encoded []byte) []byte {
	encoded[20] ^= 0x40
	return encoded
}

func TestBadChecksumDropped(t *testing.T) {
	p := newPair(t, pairOptions{buffers: 4})
	w := openWorker(t, p.sendersA[WorkerChannel], "w")
	_ = w.SendPacket(corrupt(writePacket(t, nodeB, 0)))
	_ = w.SendPacket(writePacket(t, nodeB, 1))
	for i := 0; i < 1000 && !p.drained(); i++ {
		p.stepBoth()
	}
	if !p.drained() {
		t.Fatal("dropped packet should still return its credits")
	}
	if p.memB.Writes() != 1 {
		t.Errorf("%d writes instead of 1", p.memB.Writes())
	}
	checkPacket(t, p.memB, 1)
	if snap, _ := p.b.Counters(); snap.Receiver.Dropped != 1 {
		t.Errorf("dropped=%d", snap.Receiver.Dropped)
	}
}

func TestBadChecksumStalls(t *testing.T) {
	p := newPair(t, pairOptions{
		buffers: 4,
		config: func(c *Config) {
			c.InvalidPolicy = StallInvalid
		},
	})
	w := openWorker(t, p.sendersA[WorkerChannel], "w")
	_ = w.SendPacket(corrupt(writePacket(t, nodeB, 0)))
	_ = w.SendPacket(writePacket(t, nodeB, 1))
	p.a.SetTermination(GracefullyTerminate)
	p.b.SetTermination(GracefullyTerminate)
	for i := 0; i < 1000; i++ {
		p.stepBoth()
	}
	if p.memB.Writes() != 0 {
		t.Errorf("stalled channel executed %d writes", p.memB.Writes())
	}
	if p.b.Finished() || p.a.Finished() {
		t.Error("graceful termination cannot complete while a slot is stalled")
	}
	ack, sent, _, _ := p.b.ReceiverPointers()
	if ack != 2 || sent != 0 {
		t.Errorf("ack=%d sent=%d", ack, sent)
	}
	if snap, _ := p.b.Counters(); snap.Receiver.InvalidStalls != 1 {
		t.Errorf("invalid stalls counted %d times", snap.Receiver.InvalidStalls)
	}
	p.b.SetTermination(ImmediatelyTerminate)
	if !p.b.Poll() {
		t.Error("immediate termination must still work")
	}
}

func TestMisroutedPacketDropped(t *testing.T) {
	p := newPair(t, pairOptions{buffers: 2})
	w := openWorker(t, p.sendersA[WorkerChannel], "w")
	_ = w.SendPacket(writePacket(t, packet.NodeID{Device: 9}, 0))
	for i := 0; i < 100 && !p.drained(); i++ {
		p.stepBoth()
	}
	if !p.drained() || p.memB.Writes() != 0 {
		t.Errorf("drained=%v writes=%d", p.drained(), p.memB.Writes())
	}
}

func TestAtomicIncrementWithWrap(t *testing.T) {
	p := newPair(t, pairOptions{buffers: 2})
	w := openWorker(t, p.sendersA[WorkerChannel], "w")
	for i := 0; i < 5; i++ {
		for !w.HasSpace() {
			p.stepBoth()
		}
		encoded, err := packet.Build(packet.AtomicIncrement(nodeB, 0x100, 3, 10), nil)
		if err != nil {
			t.Fatal(err)
		}
		_ = w.SendPacket(encoded)
	}
	payload := []byte{1, 2, 3, 4}
	encoded, err := packet.Build(packet.AsyncWriteAtomicIncrement(nodeB, 0x200, 0x104, len(payload), 1), payload)
	if err != nil {
		t.Fatal(err)
	}
	for !w.HasSpace() {
		p.stepBoth()
	}
	_ = w.SendPacket(encoded)
	for i := 0; i < 1000 && !p.drained(); i++ {
		p.stepBoth()
	}
	// 5 increments of 3 wrapping at 10
	if v := p.memB.ReadUint32(0x100); v != 5 {
		t.Errorf("counter is %d", v)
	}
	if v := p.memB.ReadUint32(0x104); v != 1 {
		t.Errorf("write completion counter is %d", v)
	}
	if got := p.memB.Read(0x200, 4); string(got) != string(payload) {
		t.Errorf("payload %v", got)
	}
}

func TestTeardownAndReconnect(t *testing.T) {
	p := newPair(t, pairOptions{buffers: 2})
	conn := p.sendersA[WorkerChannel]
	first := openWorker(t, conn, "first")
	_ = first.SendPacket(writePacket(t, nodeB, 0))
	_ = first.SendPacket(writePacket(t, nodeB, 1))
	first.RequestClose()
	for i := 0; i < 100 && !first.PollClosed(); i++ {
		p.stepBoth()
	}
	if !first.PollClosed() {
		t.Fatal("teardown never acknowledged")
	}
	if p.a.SenderState(WorkerChannel) != SenderDone && p.a.SenderState(WorkerChannel) != SenderWaitWorkerHandshake &&
		p.a.SenderState(WorkerChannel) != SenderWaitingForEth {
		t.Errorf("unexpected sender state %v", p.a.SenderState(WorkerChannel))
	}

	second := worker.NewAdapter(conn, worker.NewIdentity("second", 2, 2))
	pushed := 2
	for i := 0; i < 1000 && !(pushed == 6 && p.drained()); i++ {
		if !second.IsOpen() {
			if _, err := second.TryOpen(); err != nil {
				t.Fatal(err)
			}
		} else if pushed < 6 && second.HasSpace() {
			_ = second.SendPacket(writePacket(t, nodeB, pushed))
			pushed++
		}
		p.stepBoth()
	}
	checkDelivered(t, p.memB, 6)
	snap, _ := p.a.Counters()
	if snap.Senders[WorkerChannel].Connections != 2 || snap.Senders[WorkerChannel].Teardowns != 1 {
		t.Errorf("connections=%d teardowns=%d", snap.Senders[WorkerChannel].Connections, snap.Senders[WorkerChannel].Teardowns)
	}
}

func TestPersistentRetire(t *testing.T) {
	p := newPair(t, pairOptions{config: func(c *Config) { c.Persistent = true }})
	p.a.SetTermination(GracefullyTerminate)
	for i := 0; i < 10 && !p.a.Finished(); i++ {
		p.a.Poll()
	}
	if !p.a.Finished() {
		t.Fatal("idle engine should retire gracefully at once")
	}
	for i, conn := range p.sendersA {
		if !conn.IsRetired() {
			t.Errorf("sender channel %d not stamped", i)
		}
	}
	late := worker.NewAdapter(p.sendersA[WorkerChannel], worker.NewIdentity("late", 0, 0))
	if _, err := late.TryOpen(); !errors.Is(err, worker.ErrChannelRetired) {
		t.Errorf("late worker got %v", err)
	}
}

func TestIdleEngineYields(t *testing.T) {
	yields := 0
	p := newPair(t, pairOptions{
		yielder: YieldFunc(func() { yields++ }),
		config: func(c *Config) {
			c.SwitchInterval = 10
		},
	})
	for i := 0; i < 100; i++ {
		p.a.Poll()
	}
	if yields != 10 {
		t.Errorf("yielded %d times in 100 idle iterations", yields)
	}
	if snap, _ := p.a.Counters(); snap.Yields != 10 || snap.Iterations != 100 {
		t.Errorf("counters %+v", snap)
	}
}

func TestFairnessAlternatesChannels(t *testing.T) {
	p := newPair(t, pairOptions{
		buffers: 8,
		config: func(c *Config) {
			c.HeaderLogSize = 8
		},
	})
	local := openWorker(t, p.sendersA[WorkerChannel], "local")
	forwarded := openWorker(t, p.sendersA[ForwardChannel], "upstream")
	for i := 0; i < 2; i++ {
		_ = local.SendPacket(writePacket(t, nodeB, i))
		_ = forwarded.SendPacket(writePacket(t, nodeB, 2+i))
	}
	for i := 0; i < 4; i++ {
		p.a.Poll()
	}
	for i := 0; i < 4; i++ {
		p.b.Poll()
	}
	var order []uint8
	for _, h := range p.b.HeaderLog(link.ReceiverChannelID).Recent() {
		order = append(order, packet.SourceChannelOf(h))
	}
	if len(order) == 0 {
		t.Fatal("receiver recorded no headers")
	}
	expected := []uint8{0, 1, 0, 1}
	for i := range order {
		if order[i] != expected[i] {
			t.Errorf("receive order %v, expected alternation", order)
			break
		}
	}
	if p.a.HeaderLog(WorkerChannel).Total() != 2 || p.a.HeaderLog(ForwardChannel).Total() != 2 {
		t.Errorf("sender header logs hold %d and %d", p.a.HeaderLog(WorkerChannel).Total(), p.a.HeaderLog(ForwardChannel).Total())
	}
}

func TestSimulatedLinkDelivery(t *testing.T) {
	sim := component.MakeSimControllerSeeded(31)
	p := newPair(t, pairOptions{
		buffers: 4,
		clock:   sim,
		transport: func(from string) link.Transport {
			return link.NewSimulated(sim, "link-"+from, link.SimulatedConfig{
				Latency:          200 * time.Nanosecond,
				BytesPerInterval: 32,
				Interval:         time.Nanosecond,
				QueueDepth:       4,
			})
		},
	})
	w := openWorker(t, p.sendersA[WorkerChannel], "w")
	const count = 30
	pushed := 0
	var poll func()
	poll = func() {
		for pushed < count && w.HasSpace() {
			_ = w.SendPacket(writePacket(t, nodeB, pushed))
			pushed++
		}
		p.stepBoth()
		sim.SetTimer(sim.Now().Add(5*time.Nanosecond), "poll", poll)
	}
	sim.Later("poll", poll)
	ok := sim.RunUntil(func() bool { return pushed == count && p.drained() }, model.TimeZero.Add(time.Millisecond))
	if !ok {
		t.Fatalf("simulation did not drain: pushed=%d", pushed)
	}
	checkDelivered(t, p.memB, count)
	if sim.Now().Before(model.TimeZero.Add(400 * time.Nanosecond)) {
		t.Errorf("delivery ignored link latency: finished at %v", sim.Now())
	}
}

func TestParseInvalidPacketPolicy(t *testing.T) {
	for name, expected := range map[string]InvalidPacketPolicy{"": DropInvalid, "drop": DropInvalid, "STALL": StallInvalid} {
		policy, err := ParseInvalidPacketPolicy(name)
		if err != nil || policy != expected {
			t.Errorf("%q parsed as %v, %v", name, policy, err)
		}
	}
	if _, err := ParseInvalidPacketPolicy("ignore"); !errors.Is(err, ErrUnknownPolicy) {
		t.Errorf("unknown policy accepted: %v", err)
	}
}

func TestNarrowDownstreamRejected(t *testing.T) {
	build := func(downstreamSlot int) (panicked bool) {
		defer func() {
			panicked = recover() != nil
		}()
		local := link.NewEndpoint(4, testSlotSize)
		remote := link.NewEndpoint(4, testSlotSize)
		var senders [link.NumSenderChannels]*worker.Connection
		for i := range senders {
			senders[i] = worker.NewConnection(channel.NewBuffer(i, 4, testSlotSize))
		}
		downstream := worker.NewConnection(channel.NewBuffer(ForwardChannel, 4, downstreamSlot))
		NewEngine(DefaultConfig("narrow"), Wiring{
			Clock:      model.MakeWallClock(),
			Local:      local,
			Remote:     remote,
			Transport:  link.Direct{},
			Senders:    senders,
			Strategy:   routing.Line{Hop: routing.Hop{Self: nodeB, Direction: packet.East}},
			Memory:     memory.NewLocal(testMemory, 1),
			Downstream: downstream,
		})
		return false
	}
	if !build(testSlotSize - 8) {
		t.Error("engine accepted a downstream channel that cannot hold a full receiver slot")
	}
	if build(testSlotSize) {
		t.Error("engine rejected a downstream channel of matching slot size")
	}
}
