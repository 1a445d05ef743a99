// Package edm implements the datamover engine that sits on one end of a link: two sender channels that move
// worker packets onto the link, one receiver channel that takes packets off it, and the polling loop that drives
// them until the controller asks the engine to stop.
package edm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/celskeggs/fabricmover/sim/fabric/link"
	"github.com/celskeggs/fabricmover/sim/fabric/memory"
	"github.com/celskeggs/fabricmover/sim/fabric/pointer"
	"github.com/celskeggs/fabricmover/sim/fabric/routing"
	"github.com/celskeggs/fabricmover/sim/fabric/worker"
	"github.com/celskeggs/fabricmover/sim/model"
)

const DetailedDebug = false

const (
	// sender channel fed by workers on this node
	WorkerChannel = 0
	// sender channel fed by the receiver of the opposite-facing engine on this node
	ForwardChannel = 1
)

type TerminationSignal uint32

const (
	KeepRunning TerminationSignal = iota
	GracefullyTerminate
	ImmediatelyTerminate
)

func (t TerminationSignal) String() string {
	switch t {
	case KeepRunning:
		return "KeepRunning"
	case GracefullyTerminate:
		return "GracefullyTerminate"
	case ImmediatelyTerminate:
		return "ImmediatelyTerminate"
	default:
		return fmt.Sprintf("TerminationSignal(%d)", uint32(t))
	}
}

// InvalidPacketPolicy decides what a receiver does with a packet it cannot verify or route.
type InvalidPacketPolicy int

const (
	// consume the slot without side effects and return its credit
	DropInvalid InvalidPacketPolicy = iota
	// leave the slot in place; the channel makes no further progress
	StallInvalid
)

var ErrUnknownPolicy = errors.New("unknown invalid packet policy")

func ParseInvalidPacketPolicy(name string) (InvalidPacketPolicy, error) {
	switch strings.ToLower(name) {
	case "", "drop":
		return DropInvalid, nil
	case "stall":
		return StallInvalid, nil
	default:
		return DropInvalid, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
}

func (p InvalidPacketPolicy) String() string {
	if p == StallInvalid {
		return "stall"
	}
	return "drop"
}

type Yielder interface {
	Yield()
}

type YieldFunc func()

func (f YieldFunc) Yield() {
	f()
}

// Gosched yields to other goroutines; it is the background hook of a free-running engine.
var Gosched Yielder = YieldFunc(runtime.Gosched)

type Config struct {
	Label string
	// idle iterations before the engine yields to its background hook
	SwitchInterval int
	// alternate sender channels every iteration; otherwise stay on a channel while it makes progress
	Fairness      bool
	Counters      bool
	InvalidPolicy InvalidPacketPolicy
	// stamp the sender connection records when the engine retires
	Persistent bool
	// headers remembered per channel; zero disables the in-memory header log
	HeaderLogSize int
}

func DefaultConfig(label string) Config {
	return Config{
		Label:          label,
		SwitchInterval: 1024,
		Fairness:       true,
		Counters:       true,
		InvalidPolicy:  DropInvalid,
	}
}

// Wiring is everything an engine is connected to.
type Wiring struct {
	Clock     model.Clock
	Local     link.Endpoint
	Remote    link.Endpoint
	Transport link.Transport
	Senders   [link.NumSenderChannels]*worker.Connection
	Strategy  routing.Strategy
	Memory    memory.Memory
	// sender channel of the next engine along the direction of travel; nil at the end of a line
	Downstream *worker.Connection
	Yielder    Yielder
	Recorder   HeaderRecorder
}

// outbound is the senders' shared view of the remote receiver's ring
type outbound struct {
	wrptr      pointer.Pointer
	ackptr     pointer.Pointer
	completion pointer.Pointer
}

func (o *outbound) hasSpaceForPacket() bool {
	return o.completion.DistanceBehind(o.wrptr) < uint32(o.wrptr.NumBuffers())
}

type Engine struct {
	Label  string
	config Config
	clock  model.Clock

	local     link.Endpoint
	remote    link.Endpoint
	transport link.Transport
	strategy  routing.Strategy
	memory    memory.Memory
	yielder   Yielder
	recorder  HeaderRecorder

	senders  [link.NumSenderChannels]*senderChannel
	outbound outbound
	receiver receiverChannel

	downstream *worker.Adapter
	scratch    []byte

	activeSender   int
	idleIterations int

	termination atomic.Uint32
	finished    atomic.Bool
	drained     atomic.Bool
	iterations  atomic.Uint64

	counters   *Counters
	headerLogs [link.NumSenderChannels + 1]*HeaderLog
}

func NewEngine(config Config, wiring Wiring) *Engine {
	if config.SwitchInterval <= 0 {
		panic(fmt.Sprintf("%s: switch interval must be positive", config.Label))
	}
	if wiring.Clock == nil || wiring.Transport == nil || wiring.Strategy == nil || wiring.Memory == nil {
		panic(fmt.Sprintf("%s: incomplete engine wiring", config.Label))
	}
	yielder := wiring.Yielder
	if yielder == nil {
		yielder = YieldFunc(func() {})
	}
	e := &Engine{
		Label:     config.Label,
		config:    config,
		clock:     wiring.Clock,
		local:     wiring.Local,
		remote:    wiring.Remote,
		transport: wiring.Transport,
		strategy:  wiring.Strategy,
		memory:    wiring.Memory,
		yielder:   yielder,
		recorder:  wiring.Recorder,
		outbound: outbound{
			wrptr:      pointer.New(wiring.Remote.Receiver.NumSlots()),
			ackptr:     pointer.New(wiring.Remote.Receiver.NumSlots()),
			completion: pointer.New(wiring.Remote.Receiver.NumSlots()),
		},
		receiver: newReceiverChannel(wiring.Local.Receiver, config.Label+"/receiver"),
		scratch:  make([]byte, wiring.Local.Receiver.SlotSize()),
	}
	for i, conn := range wiring.Senders {
		if conn == nil {
			panic(fmt.Sprintf("%s: sender channel %d not wired", config.Label, i))
		}
		if conn.Buffer().SlotSize() > wiring.Remote.Receiver.SlotSize() {
			panic(fmt.Sprintf("%s: sender slots (%d bytes) larger than remote receiver slots (%d bytes)",
				config.Label, conn.Buffer().SlotSize(), wiring.Remote.Receiver.SlotSize()))
		}
		e.senders[i] = newSenderChannel(i, conn, fmt.Sprintf("%s/sender%d", config.Label, i))
	}
	if wiring.Downstream != nil {
		if wiring.Downstream.Buffer().SlotSize() < wiring.Local.Receiver.SlotSize() {
			panic(fmt.Sprintf("%s: downstream slots (%d bytes) smaller than receiver slots (%d bytes)",
				config.Label, wiring.Downstream.Buffer().SlotSize(), wiring.Local.Receiver.SlotSize()))
		}
		e.downstream = worker.NewAdapter(wiring.Downstream, worker.NewIdentity(config.Label+"/forward", 0, 0))
	}
	if config.Counters {
		e.counters = &Counters{}
	}
	if config.HeaderLogSize > 0 {
		for i := range e.headerLogs {
			e.headerLogs[i] = NewHeaderLog(config.HeaderLogSize)
		}
	}
	return e
}

func (e *Engine) Debug(explanation string, args ...interface{}) {
	log.Printf("%v [%s] FDM: %s", e.clock.Now(), e.Label, fmt.Sprintf(explanation, args...))
}

func (e *Engine) SetTermination(signal TerminationSignal) {
	e.termination.Store(uint32(signal))
}

func (e *Engine) Termination() TerminationSignal {
	return TerminationSignal(e.termination.Load())
}

// Start opens the connection to the downstream sender channel. If another worker still holds it, the receiver
// retries when it first needs to forward.
func (e *Engine) Start() {
	e.openDownstream()
	e.Debug("starting (fairness=%v, switch interval=%d, invalid packets: %v)",
		e.config.Fairness, e.config.SwitchInterval, e.config.InvalidPolicy)
}

func (e *Engine) openDownstream() bool {
	if e.downstream == nil {
		return false
	}
	if e.downstream.IsOpen() {
		return true
	}
	ok, err := e.downstream.TryOpen()
	if err != nil {
		if DetailedDebug {
			e.Debug("cannot open downstream channel: %v", err)
		}
		return false
	}
	return ok
}

// Step performs one iteration of the main loop and reports whether anything happened.
func (e *Engine) Step() bool {
	e.CheckInvariants()

	didSomething := e.runSenderStep(e.senders[e.activeSender])
	if e.config.Fairness || !didSomething {
		e.activeSender = 1 - e.activeSender
	}
	if e.runReceiverStep() {
		didSomething = true
	}

	if didSomething {
		e.idleIterations = 0
	} else {
		e.idleIterations++
		if e.idleIterations >= e.config.SwitchInterval {
			e.idleIterations = 0
			e.counters.yielded()
			e.yielder.Yield()
		}
	}
	e.iterations.Add(1)
	return didSomething
}

// Poll checks the termination signal and otherwise runs one iteration. It reports true once the engine has
// retired; further polls do nothing.
func (e *Engine) Poll() bool {
	if e.finished.Load() {
		return true
	}
	switch e.Termination() {
	case ImmediatelyTerminate:
		e.finish()
		return true
	case GracefullyTerminate:
		if e.AllChannelsDrained() {
			e.finish()
			return true
		}
	}
	e.Step()
	e.drained.Store(e.AllChannelsDrained())
	return false
}

// Run polls until the engine retires. Cancelling ctx is an immediate termination.
func (e *Engine) Run(ctx context.Context) error {
	e.Start()
	done := ctx.Done()
	for !e.Poll() {
		select {
		case <-done:
			e.SetTermination(ImmediatelyTerminate)
		default:
		}
	}
	return nil
}

func (e *Engine) finish() {
	if e.config.Persistent {
		for _, ch := range e.senders {
			ch.conn.Retire()
		}
	}
	e.Debug("terminating on %v after %d iterations (drained=%v)", e.Termination(), e.iterations.Load(), e.AllChannelsDrained())
	e.finished.Store(true)
}

// AllChannelsDrained reports whether every packet this engine sent has been completed by the peer, nothing waits
// in a sender channel, every received packet has been completed, and no credit is outstanding.
func (e *Engine) AllChannelsDrained() bool {
	for _, ch := range e.senders {
		if !ch.iface.AllPacketsCompleted() || ch.iface.HasUnsentPayload() {
			return false
		}
	}
	return e.receiver.completion.IsCaughtUpTo(e.receiver.ack) && e.local.Registers.AtRest()
}

// Drained is the value of AllChannelsDrained after the most recent poll. It may be read from any goroutine.
func (e *Engine) Drained() bool {
	return e.drained.Load()
}

func (e *Engine) Finished() bool {
	return e.finished.Load()
}

func (e *Engine) Iterations() uint64 {
	return e.iterations.Load()
}

func (e *Engine) SenderState(ch int) SenderState {
	return e.senders[ch].state
}

// Counters returns a snapshot of the engine's counters, if counting is enabled.
func (e *Engine) Counters() (Snapshot, bool) {
	if e.counters == nil {
		return Snapshot{}, false
	}
	return e.counters.Snapshot(e.Label, e.iterations.Load()), true
}

// HeaderLog returns the recent headers of channel ch (0 and 1 are the senders, 2 the receiver), if enabled.
func (e *Engine) HeaderLog(ch int) *HeaderLog {
	return e.headerLogs[ch]
}

func (e *Engine) recordHeader(ch int, label string, slot []byte) {
	if l := e.headerLogs[ch]; l != nil {
		l.Add(slot)
	}
	if e.recorder != nil {
		e.recorder.Record(label, slot[:HeaderBytes])
	}
}

// CheckInvariants panics if the ring pointers are out of order or further apart than a ring.
func (e *Engine) CheckInvariants() {
	r := &e.receiver
	n := uint32(r.buffer.NumSlots())
	flush := r.completion.DistanceBehind(r.wrFlush)
	sent := r.completion.DistanceBehind(r.wrSent)
	ack := r.completion.DistanceBehind(r.ack)
	if !(flush <= sent && sent <= ack && ack <= n) {
		log.Panicf("%s: inconsistent receiver state:\n\tcompletion=%v\n\twrFlush=%v\n\twrSent=%v\n\tack=%v\n",
			e.Label, r.completion, r.wrFlush, r.wrSent, r.ack)
	}
	o := &e.outbound
	if acked, written := o.completion.DistanceBehind(o.ackptr), o.completion.DistanceBehind(o.wrptr); !(acked <= written && written <= uint32(o.wrptr.NumBuffers())) {
		log.Panicf("%s: inconsistent outbound state:\n\tcompletion=%v\n\tack=%v\n\twr=%v\n", e.Label, o.completion, o.ackptr, o.wrptr)
	}
	for _, ch := range e.senders {
		wi := ch.iface
		acked, written := wi.LocalRdptr.DistanceBehind(wi.LocalAckptr), wi.LocalRdptr.DistanceBehind(wi.LocalWrptr)
		if !(acked <= written && written <= uint32(ch.conn.NumBuffers())) {
			log.Panicf("%s: inconsistent sender channel %d:\n\trd=%v\n\tack=%v\n\twr=%v\n", e.Label, ch.index, wi.LocalRdptr, wi.LocalAckptr, wi.LocalWrptr)
		}
	}
}
