// Package fabric builds a line of nodes joined by links, with one datamover engine on each end of every link,
// and drives it either under the deterministic event scheduler or with one goroutine per engine.
package fabric

import (
	"fmt"
	"strings"

	"github.com/celskeggs/fabricmover/sim/component"
	"github.com/celskeggs/fabricmover/sim/fabric/channel"
	"github.com/celskeggs/fabricmover/sim/fabric/config"
	"github.com/celskeggs/fabricmover/sim/fabric/edm"
	"github.com/celskeggs/fabricmover/sim/fabric/link"
	"github.com/celskeggs/fabricmover/sim/fabric/memory"
	"github.com/celskeggs/fabricmover/sim/fabric/packet"
	"github.com/celskeggs/fabricmover/sim/fabric/routing"
	"github.com/celskeggs/fabricmover/sim/fabric/stats"
	"github.com/celskeggs/fabricmover/sim/fabric/worker"
	"github.com/celskeggs/fabricmover/sim/model"
)

type Mode int

const (
	ModeSim Mode = iota
	ModeFree
)

func ParseMode(name string) (Mode, error) {
	switch strings.ToLower(name) {
	case "sim", "":
		return ModeSim, nil
	case "free":
		return ModeFree, nil
	default:
		return ModeSim, fmt.Errorf("%w: unknown run mode %q", config.ErrInvalidConfig, name)
	}
}

// the two sides of a node that can face a link
var sides = [2]packet.Direction{packet.East, packet.West}

func sideIndex(d packet.Direction) int {
	switch d {
	case packet.East:
		return 0
	case packet.West:
		return 1
	default:
		panic(fmt.Sprintf("a line has no %v side", d))
	}
}

type Node struct {
	Index  int
	ID     packet.NodeID
	Memory *memory.Local

	engines [2]*edm.Engine
	senders [2][link.NumSenderChannels]*worker.Connection
}

// Engine returns the engine facing d, or nil at the end of the line.
func (n *Node) Engine(d packet.Direction) *edm.Engine {
	return n.engines[sideIndex(d)]
}

type Options struct {
	// required in simulation mode; built from the configured seed if nil
	Sim      *component.SimController
	Recorder edm.HeaderRecorder
}

type Line struct {
	config config.Config
	mode   Mode
	sim    *component.SimController
	clock  model.Clock

	Nodes      []*Node
	engines    []*edm.Engine
	transports []*link.Simulated
	workers    []*Worker

	Latency   *stats.Latency
	Occupancy *stats.Recorder
	expected  expectations
	failures  error
}

func Build(cfg config.Config, opts Options) (*Line, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mode, err := ParseMode(cfg.Fabric.Mode)
	if err != nil {
		return nil, err
	}
	l := &Line{
		config:    cfg,
		mode:      mode,
		Latency:   stats.NewLatency(),
		Occupancy: stats.NewRecorder(),
		expected:  newExpectations(),
	}
	if mode == ModeSim {
		l.sim = opts.Sim
		if l.sim == nil {
			l.sim = component.MakeSimControllerSeeded(cfg.Fabric.Seed)
		}
		l.clock = l.sim
	} else {
		l.clock = model.MakeWallClock()
	}

	n := cfg.Fabric.Nodes
	endpoints := make([][2]*link.Endpoint, n)
	for i := 0; i < n; i++ {
		node := &Node{
			Index:  i,
			ID:     packet.NodeID{Mesh: cfg.Fabric.MeshId, Device: uint16(i)},
			Memory: memory.NewLocal(cfg.Memory.Size, cfg.Memory.FlushDelay),
		}
		node.Memory.Observe(l.observeWrite)
		for s, d := range sides {
			if l.neighbour(i, d) < 0 {
				continue
			}
			ep := link.NewEndpoint(cfg.Channel.ReceiverBuffers, cfg.Channel.SlotSize)
			endpoints[i][s] = &ep
			for ch := 0; ch < link.NumSenderChannels; ch++ {
				node.senders[s][ch] = worker.NewConnection(channel.NewBuffer(ch, cfg.Channel.SenderBuffers, cfg.Channel.SlotSize))
			}
		}
		l.Nodes = append(l.Nodes, node)
	}

	for i, node := range l.Nodes {
		for s, d := range sides {
			peer := l.neighbour(i, d)
			if peer < 0 {
				continue
			}
			label := fmt.Sprintf("n%d/%v", i, d)
			travel := d.Opposite()
			hop := routing.Hop{Self: node.ID, Direction: travel}
			var downstream *worker.Connection
			if next := l.neighbour(i, travel); next >= 0 {
				nextID := l.Nodes[next].ID
				hop.Downstream = &nextID
				downstream = node.senders[sideIndex(travel)][edm.ForwardChannel]
			}
			var strategy routing.Strategy = routing.Line{Hop: hop}
			if strings.ToLower(cfg.Fabric.Routing) == "table" {
				strategy = routing.LineTable(hop, i, n)
			}

			var transport link.Transport = link.Direct{}
			var yielder edm.Yielder = edm.Gosched
			if mode == ModeSim {
				simulated := link.NewSimulated(l.sim, label+"/link", cfg.SimulatedLink())
				l.transports = append(l.transports, simulated)
				transport = simulated
				yielder = nil
			}

			engine := edm.NewEngine(cfg.EngineConfig(label), edm.Wiring{
				Clock:      l.clock,
				Local:      *endpoints[i][s],
				Remote:     *endpoints[peer][sideIndex(d.Opposite())],
				Transport:  transport,
				Senders:    node.senders[s],
				Strategy:   strategy,
				Memory:     node.Memory,
				Downstream: downstream,
				Yielder:    yielder,
				Recorder:   opts.Recorder,
			})
			node.engines[s] = engine
			l.engines = append(l.engines, engine)
		}
	}
	return l, nil
}

// neighbour returns the index of the node next to node i in direction d, or -1 past the end of the line.
func (l *Line) neighbour(i int, d packet.Direction) int {
	switch d {
	case packet.East:
		if i+1 < l.config.Fabric.Nodes {
			return i + 1
		}
	case packet.West:
		if i > 0 {
			return i - 1
		}
	}
	return -1
}

func (l *Line) Config() config.Config {
	return l.config
}

func (l *Line) Mode() Mode {
	return l.mode
}

func (l *Line) Sim() *component.SimController {
	return l.sim
}

func (l *Line) Clock() model.Clock {
	return l.clock
}

func (l *Line) Engines() []*edm.Engine {
	return l.engines
}

// WorkerConnection is the worker-facing sender channel for traffic leaving node i in direction d.
func (l *Line) WorkerConnection(i int, d packet.Direction) *worker.Connection {
	if l.neighbour(i, d) < 0 {
		return nil
	}
	return l.Nodes[i].senders[sideIndex(d)][edm.WorkerChannel]
}

// Counters snapshots every engine that has counting enabled.
func (l *Line) Counters() []edm.Snapshot {
	var snapshots []edm.Snapshot
	for _, e := range l.engines {
		if s, ok := e.Counters(); ok {
			snapshots = append(snapshots, s)
		}
	}
	return snapshots
}

// LinkBytes is the number of bytes put on simulated links so far.
func (l *Line) LinkBytes() uint64 {
	var total uint64
	for _, t := range l.transports {
		total += t.BytesSent()
	}
	return total
}

func (l *Line) Terminate(signal edm.TerminationSignal) {
	for _, e := range l.engines {
		e.SetTermination(signal)
	}
}

func (l *Line) AllFinished() bool {
	for _, e := range l.engines {
		if !e.Finished() {
			return false
		}
	}
	return true
}
