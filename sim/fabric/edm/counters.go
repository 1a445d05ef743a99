package edm

import (
	"sync/atomic"

	"github.com/celskeggs/fabricmover/sim/fabric/link"
	"github.com/sugawarayuuta/sonnet"
)

type SenderCounters struct {
	PacketsSent         atomic.Uint64
	AcksReceived        atomic.Uint64
	CompletionsReceived atomic.Uint64
	Connections         atomic.Uint64
	Teardowns           atomic.Uint64
}

type ReceiverCounters struct {
	PacketsReceived  atomic.Uint64
	CompletionsSent  [link.NumSenderChannels]atomic.Uint64
	LocalWrites      atomic.Uint64
	AtomicIncrements atomic.Uint64
	Forwarded        atomic.Uint64
	ForwardStalls    atomic.Uint64
	Dropped          atomic.Uint64
	InvalidStalls    atomic.Uint64
}

// Counters are updated by the engine's own goroutine and may be snapshotted from any other. A nil *Counters
// ignores every update.
type Counters struct {
	Senders  [link.NumSenderChannels]SenderCounters
	Receiver ReceiverCounters
	Yields   atomic.Uint64
}

func (c *Counters) packetSent(ch int) {
	if c != nil {
		c.Senders[ch].PacketsSent.Add(1)
	}
}

func (c *Counters) acksReceived(ch int, n int32) {
	if c != nil {
		c.Senders[ch].AcksReceived.Add(uint64(n))
	}
}

func (c *Counters) completionsReceived(ch int, n int32) {
	if c != nil {
		c.Senders[ch].CompletionsReceived.Add(uint64(n))
	}
}

func (c *Counters) connected(ch int) {
	if c != nil {
		c.Senders[ch].Connections.Add(1)
	}
}

func (c *Counters) tornDown(ch int) {
	if c != nil {
		c.Senders[ch].Teardowns.Add(1)
	}
}

func (c *Counters) packetReceived() {
	if c != nil {
		c.Receiver.PacketsReceived.Add(1)
	}
}

func (c *Counters) completionSent(src int) {
	if c != nil {
		c.Receiver.CompletionsSent[src].Add(1)
	}
}

func (c *Counters) localWrite() {
	if c != nil {
		c.Receiver.LocalWrites.Add(1)
	}
}

func (c *Counters) atomicIncrement() {
	if c != nil {
		c.Receiver.AtomicIncrements.Add(1)
	}
}

func (c *Counters) forwarded() {
	if c != nil {
		c.Receiver.Forwarded.Add(1)
	}
}

func (c *Counters) forwardStalled() {
	if c != nil {
		c.Receiver.ForwardStalls.Add(1)
	}
}

func (c *Counters) dropped() {
	if c != nil {
		c.Receiver.Dropped.Add(1)
	}
}

func (c *Counters) invalidStalled() {
	if c != nil {
		c.Receiver.InvalidStalls.Add(1)
	}
}

func (c *Counters) yielded() {
	if c != nil {
		c.Yields.Add(1)
	}
}

type SenderSnapshot struct {
	PacketsSent         uint64 `json:"packets_sent"`
	AcksReceived        uint64 `json:"acks_received"`
	CompletionsReceived uint64 `json:"completions_received"`
	Connections         uint64 `json:"connections"`
	Teardowns           uint64 `json:"teardowns"`
}

type ReceiverSnapshot struct {
	PacketsReceived  uint64                         `json:"packets_received"`
	CompletionsSent  [link.NumSenderChannels]uint64 `json:"completions_sent"`
	LocalWrites      uint64                         `json:"local_writes"`
	AtomicIncrements uint64                         `json:"atomic_increments"`
	Forwarded        uint64                         `json:"forwarded"`
	ForwardStalls    uint64                         `json:"forward_stalls"`
	Dropped          uint64                         `json:"dropped"`
	InvalidStalls    uint64                         `json:"invalid_stalls"`
}

type Snapshot struct {
	Label      string                                 `json:"label"`
	Iterations uint64                                 `json:"iterations"`
	Yields     uint64                                 `json:"yields"`
	Senders    [link.NumSenderChannels]SenderSnapshot `json:"senders"`
	Receiver   ReceiverSnapshot                       `json:"receiver"`
}

func (c *Counters) Snapshot(label string, iterations uint64) Snapshot {
	s := Snapshot{
		Label:      label,
		Iterations: iterations,
		Yields:     c.Yields.Load(),
		Receiver: ReceiverSnapshot{
			PacketsReceived:  c.Receiver.PacketsReceived.Load(),
			LocalWrites:      c.Receiver.LocalWrites.Load(),
			AtomicIncrements: c.Receiver.AtomicIncrements.Load(),
			Forwarded:        c.Receiver.Forwarded.Load(),
			ForwardStalls:    c.Receiver.ForwardStalls.Load(),
			Dropped:          c.Receiver.Dropped.Load(),
			InvalidStalls:    c.Receiver.InvalidStalls.Load(),
		},
	}
	for i := range c.Senders {
		sc := &c.Senders[i]
		s.Senders[i] = SenderSnapshot{
			PacketsSent:         sc.PacketsSent.Load(),
			AcksReceived:        sc.AcksReceived.Load(),
			CompletionsReceived: sc.CompletionsReceived.Load(),
			Connections:         sc.Connections.Load(),
			Teardowns:           sc.Teardowns.Load(),
		}
		s.Receiver.CompletionsSent[i] = c.Receiver.CompletionsSent[i].Load()
	}
	return s
}

// TotalSent sums the packets put on the link by both sender channels.
func (s Snapshot) TotalSent() uint64 {
	var total uint64
	for _, sc := range s.Senders {
		total += sc.PacketsSent
	}
	return total
}

func EncodeSnapshots(snapshots []Snapshot) ([]byte, error) {
	return sonnet.Marshal(snapshots)
}

func DecodeSnapshots(data []byte) ([]Snapshot, error) {
	var snapshots []Snapshot
	if err := sonnet.Unmarshal(data, &snapshots); err != nil {
		return nil, err
	}
	return snapshots, nil
}
