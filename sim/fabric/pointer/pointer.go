// Package pointer implements the wrapping counters that track progress through a ring of channel slots.
package pointer

import "fmt"

// Pointer is a free-running 32-bit counter over a ring of N slots. The slot index is the counter modulo N, and
// distances between pointers are computed modulo 2^32, so N must be a power of two for the two to agree.
type Pointer struct {
	counter    uint32
	numBuffers uint32
}

func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

func New(numBuffers int) Pointer {
	return FromValue(numBuffers, 0)
}

// FromValue constructs a pointer that resumes counting from a previously published value.
func FromValue(numBuffers int, value uint32) Pointer {
	if !IsPowerOfTwo(numBuffers) || uint64(numBuffers) > 1<<31 {
		panic(fmt.Sprintf("invalid buffer count %d: must be a power of two", numBuffers))
	}
	return Pointer{
		counter:    value,
		numBuffers: uint32(numBuffers),
	}
}

func (p *Pointer) Increment() {
	p.counter++
}

func (p *Pointer) IncrementN(n int32) {
	p.counter += uint32(n)
}

func (p Pointer) Index() int {
	return int(p.counter & (p.numBuffers - 1))
}

func (p Pointer) Value() uint32 {
	return p.counter
}

func (p Pointer) NumBuffers() int {
	return int(p.numBuffers)
}

// DistanceBehind reports how many increments p is behind other.
func (p Pointer) DistanceBehind(other Pointer) uint32 {
	return other.counter - p.counter
}

func (p Pointer) IsCaughtUpTo(other Pointer) bool {
	return p.counter == other.counter
}

func (p Pointer) String() string {
	return fmt.Sprintf("%d(#%d)", p.counter, p.Index())
}
