package link

import (
	"fmt"
	"time"

	"github.com/celskeggs/fabricmover/sim/fabric/channel"
	"github.com/celskeggs/fabricmover/sim/model"
)

// register updates occupy the wire like a small write
const registerWriteBytes = 16

type SimulatedConfig struct {
	Latency time.Duration
	// the link moves BytesPerInterval bytes every Interval
	BytesPerInterval int
	Interval         time.Duration
	// number of transactions queued for the wire before the link reports busy; a caller that saw it idle may
	// still issue the few transactions that make up one operation
	QueueDepth int
}

type transaction struct {
	arriveAt model.VirtualTime
	apply    func()
}

// Simulated is a transport with serialization delay, propagation latency and a bounded transmit queue, driven by a
// SimController.
type Simulated struct {
	ctx    model.SimContext
	name   string
	config SimulatedConfig

	queued     int
	wireFreeAt model.VirtualTime
	inFlight   []transaction

	bytesSent    uint64
	transactions uint64
}

var _ Transport = &Simulated{}

func NewSimulated(ctx model.SimContext, name string, config SimulatedConfig) *Simulated {
	if config.BytesPerInterval <= 0 || config.Interval <= 0 || config.QueueDepth <= 0 || config.Latency < 0 {
		panic(fmt.Sprintf("invalid simulated link configuration: %+v", config))
	}
	return &Simulated{
		ctx:        ctx,
		name:       name,
		config:     config,
		wireFreeAt: model.TimeZero,
	}
}

func (s *Simulated) Busy() bool {
	return s.queued >= s.config.QueueDepth
}

func (s *Simulated) serializationTime(bytes int) time.Duration {
	intervals := (bytes + s.config.BytesPerInterval - 1) / s.config.BytesPerInterval
	return time.Duration(intervals) * s.config.Interval
}

func (s *Simulated) submit(bytes int, apply func()) {
	start := model.Later(s.ctx.Now(), s.wireFreeAt)
	departAt := start.Add(s.serializationTime(bytes))
	arriveAt := departAt.Add(s.config.Latency)
	s.wireFreeAt = departAt
	s.queued++
	s.bytesSent += uint64(bytes)
	s.transactions++
	s.inFlight = append(s.inFlight, transaction{arriveAt: arriveAt, apply: apply})
	s.ctx.SetTimer(departAt, s.name+"/Depart", func() {
		s.queued--
	})
	s.ctx.SetTimer(arriveAt, s.name+"/Arrive", s.deliver)
}

// deliver applies, in issue order, every transaction whose arrival time has passed
func (s *Simulated) deliver() {
	now := s.ctx.Now()
	for len(s.inFlight) > 0 && s.inFlight[0].arriveAt.AtOrBefore(now) {
		next := s.inFlight[0]
		s.inFlight[0] = transaction{}
		s.inFlight = s.inFlight[1:]
		next.apply()
	}
}

func (s *Simulated) WriteSlot(dst *channel.Buffer, slot int, data []byte) {
	payload := append([]byte(nil), data...)
	s.submit(len(payload), func() {
		copy(dst.Slot(slot), payload)
		dst.MarkSent(slot)
	})
}

func (s *Simulated) UpdateRegister(dst *Register, delta int32) {
	s.submit(registerWriteBytes, func() {
		dst.Publish(delta)
	})
}

// InFlight is the number of transactions issued but not yet applied at the far end.
func (s *Simulated) InFlight() int {
	return len(s.inFlight)
}

func (s *Simulated) BytesSent() uint64 {
	return s.bytesSent
}

func (s *Simulated) Transactions() uint64 {
	return s.transactions
}
