package edm

import (
	"sync"

	"github.com/celskeggs/fabricmover/sim/fabric/packet"
)

const HeaderBytes = packet.HeaderSize

// HeaderRecorder receives the header of every packet a channel handles, keyed by channel label.
type HeaderRecorder interface {
	Record(channel string, header []byte)
}

// HeaderLog remembers the most recent headers of one channel.
type HeaderLog struct {
	mu      sync.Mutex
	entries [][HeaderBytes]byte
	next    int
	total   uint64
}

func NewHeaderLog(size int) *HeaderLog {
	return &HeaderLog{
		entries: make([][HeaderBytes]byte, size),
	}
}

func (l *HeaderLog) Add(slot []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	copy(l.entries[l.next][:], slot)
	l.next = (l.next + 1) % len(l.entries)
	l.total++
}

func (l *HeaderLog) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Recent returns the remembered headers, oldest first.
func (l *HeaderLog) Recent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := len(l.entries)
	start := l.next
	if l.total < uint64(count) {
		count = int(l.total)
		start = 0
	}
	recent := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		entry := l.entries[(start+i)%len(l.entries)]
		recent = append(recent, entry[:])
	}
	return recent
}
