package fabric

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/celskeggs/fabricmover/sim/fabric/packet"
	"github.com/celskeggs/fabricmover/sim/fabric/worker"
	"github.com/celskeggs/fabricmover/sim/model"
)

const (
	// payload bytes [0,8) carry the push time, [8,16) the packet tag
	stampOffset = 0
	tagOffset   = 8
)

type workerState int

const (
	workerOpening workerState = iota
	workerPushing
	workerClosing
	workerDone
)

// Worker pushes a fixed list of encoded packets through one sender channel, then closes the channel.
type Worker struct {
	label   string
	clock   model.Clock
	adapter *worker.Adapter
	packets [][]byte
	next    int
	state   workerState
}

func NewWorker(label string, clock model.Clock, adapter *worker.Adapter, packets [][]byte) *Worker {
	return &Worker{
		label:   label,
		clock:   clock,
		adapter: adapter,
		packets: packets,
	}
}

func (w *Worker) Label() string {
	return w.label
}

func (w *Worker) Sent() int {
	return w.next
}

func (w *Worker) Done() bool {
	return w.state == workerDone
}

// Step makes at most one packet's worth of progress and reports whether the worker did anything.
func (w *Worker) Step() (bool, error) {
	switch w.state {
	case workerOpening:
		ok, err := w.adapter.TryOpen()
		if err != nil {
			return false, fmt.Errorf("%s: %w", w.label, err)
		}
		if ok {
			w.state = workerPushing
		}
		return ok, nil
	case workerPushing:
		if w.next >= len(w.packets) {
			// teardown only once the channel has taken every packet
			if !w.adapter.AllAccepted() {
				return false, nil
			}
			w.adapter.RequestClose()
			w.state = workerClosing
			return true, nil
		}
		if !w.adapter.HasSpace() {
			return false, nil
		}
		encoded := w.packets[w.next]
		if len(encoded) >= packet.HeaderSize+tagOffset {
			binary.LittleEndian.PutUint64(encoded[packet.HeaderSize+stampOffset:], w.clock.Now().Nanoseconds())
		}
		if err := w.adapter.SendPacket(encoded); err != nil {
			return false, fmt.Errorf("%s: packet %d: %w", w.label, w.next, err)
		}
		w.next++
		return true, nil
	case workerClosing:
		if w.adapter.PollClosed() {
			w.state = workerDone
			return true, nil
		}
		return false, nil
	default:
		return false, nil
	}
}

func (l *Line) AddWorker(w *Worker) {
	l.workers = append(l.workers, w)
}

func (l *Line) Workers() []*Worker {
	return l.workers
}

func (l *Line) WorkersDone() bool {
	for _, w := range l.workers {
		if !w.Done() {
			return false
		}
	}
	return true
}

// observeWrite records delivery latency for every workload payload that lands in memory.
func (l *Line) observeWrite(addr uint64, data []byte) {
	if len(data) < tagOffset || addr >= l.expected.regionEnd {
		return
	}
	pushed, ok := model.FromNanoseconds(binary.LittleEndian.Uint64(data[stampOffset:]))
	if !ok {
		return
	}
	l.Latency.Record(l.clock.Now().Since(pushed))
}

type delivery struct {
	node    int
	addr    uint64
	payload []byte
}

type counterKey struct {
	node int
	addr uint64
}

type expectations struct {
	deliveries []delivery
	counters   map[counterKey]uint32
	regionEnd  uint64
}

func newExpectations() expectations {
	return expectations{counters: map[counterKey]uint32{}}
}

func (e *expectations) deliver(nodes []int, addr uint64, payload []byte) {
	for _, n := range nodes {
		e.deliveries = append(e.deliveries, delivery{node: n, addr: addr, payload: payload})
	}
}

func (e *expectations) increment(node int, addr uint64) {
	e.counters[counterKey{node: node, addr: addr}]++
}

func workloadPayload(size int, tag uint64) []byte {
	payload := make([]byte, size)
	binary.LittleEndian.PutUint64(payload[tagOffset:], tag)
	for i := tagOffset + 8; i < size; i++ {
		payload[i] = byte(tag) ^ byte(i*7)
	}
	return payload
}

// AddWorkload creates one worker for every (node, direction) that has a link, each sending the configured number of
// packets towards the far end of the line. Worker w owns payload region w on every node, so writes never collide.
func (l *Line) AddWorkload() error {
	cfg := l.config.Workload
	if cfg.PacketsPerWorker == 0 {
		return nil
	}
	n := l.config.Fabric.Nodes
	region := uint64(cfg.PacketsPerWorker) * uint64(cfg.PayloadSize)
	numWorkers := uint64(2 * n)
	l.expected.regionEnd = numWorkers * region

	for i := 0; i < n; i++ {
		for s, d := range sides {
			conn := l.WorkerConnection(i, d)
			if conn == nil {
				continue
			}
			index := uint64(2*i + s)
			base := index * region
			counterAddr := l.expected.regionEnd + index*4
			// nodes reachable from i in direction d, nearest first
			var reach []int
			for j := l.neighbour(i, d); j >= 0; j = l.neighbour(j, d) {
				reach = append(reach, j)
			}

			packets := make([][]byte, 0, cfg.PacketsPerWorker)
			for seq := 0; seq < cfg.PacketsPerWorker; seq++ {
				addr := base + uint64(seq)*uint64(cfg.PayloadSize)
				payload := workloadPayload(cfg.PayloadSize, index<<32|uint64(seq))
				var h packet.Header
				var targets []int
				switch {
				case cfg.MulticastDepth > 0:
					depth := cfg.MulticastDepth
					if depth > len(reach)-1 {
						depth = len(reach) - 1
					}
					targets = reach[:depth+1]
					var hops [packet.NumDirections]uint8
					hops[d] = uint8(depth)
					h = packet.MulticastWrite(l.Nodes[reach[0]].ID, addr, len(payload), hops)
				default:
					target := reach[seq%len(reach)]
					targets = []int{target}
					h = packet.AsyncWrite(l.Nodes[target].ID, addr, len(payload))
				}
				if cfg.AtomicEvery > 0 && seq%cfg.AtomicEvery == cfg.AtomicEvery-1 {
					h.Command |= packet.CommandAtomicIncrement
					h.Increment = 1
					h.AtomicAddress = counterAddr
					for _, t := range targets {
						l.expected.increment(t, counterAddr)
					}
				}
				encoded, err := packet.Build(h, payload)
				if err != nil {
					return fmt.Errorf("worker %d packet %d: %w", index, seq, err)
				}
				l.expected.deliver(targets, addr, payload)
				packets = append(packets, encoded)
			}

			label := fmt.Sprintf("w%d/%v", i, d)
			identity := worker.NewIdentity(label, uint8(i), uint8(s))
			l.AddWorker(NewWorker(label, l.clock, worker.NewAdapter(conn, identity), packets))
		}
	}
	return nil
}

// Verify checks that every workload payload arrived intact at every node it was addressed to, and that every
// atomic counter holds the number of increments aimed at it.
func (l *Line) Verify() error {
	var result error
	for _, d := range l.expected.deliveries {
		got := l.Nodes[d.node].Memory.Read(d.addr+tagOffset, len(d.payload)-tagOffset)
		if !bytes.Equal(got, d.payload[tagOffset:]) {
			result = multierror.Append(result, fmt.Errorf("node %d address 0x%x: payload tag 0x%x missing or corrupted",
				d.node, d.addr, binary.LittleEndian.Uint64(d.payload[tagOffset:])))
		}
	}
	keys := make([]counterKey, 0, len(l.expected.counters))
	for k := range l.expected.counters {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].node != keys[j].node {
			return keys[i].node < keys[j].node
		}
		return keys[i].addr < keys[j].addr
	})
	for _, k := range keys {
		if got, want := l.Nodes[k.node].Memory.ReadUint32(k.addr), l.expected.counters[k]; got != want {
			result = multierror.Append(result, fmt.Errorf("node %d counter 0x%x: %d increments, expected %d",
				k.node, k.addr, got, want))
		}
	}
	return result
}

// Expected is the number of payload deliveries the workload should produce.
func (l *Line) Expected() int {
	return len(l.expected.deliveries)
}
