package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/celskeggs/fabricmover/sim/fabric/pointer"
	uuid "github.com/satori/go.uuid"
)

var ErrPacketTooLarge = errors.New("packet larger than channel slot")

// Yielder lets a blocking adapter call hand the processor to other work between polls.
type Yielder interface {
	Yield()
}

// Adapter is the worker side of a connection: it opens the channel, pushes packets into free slots and closes.
type Adapter struct {
	conn     *Connection
	identity Identity

	// written by the channel
	readPtr  atomic.Uint32
	teardown atomic.Uint32

	wrptr         pointer.Pointer
	open          bool
	closing       bool
	teardownsSeen uint32
}

func NewAdapter(conn *Connection, identity Identity) *Adapter {
	return &Adapter{
		conn:     conn,
		identity: identity,
		wrptr:    pointer.New(conn.NumBuffers()),
	}
}

func (a *Adapter) Identity() Identity {
	return a.identity
}

// TryOpen attempts the connect handshake. It returns false while a previous worker's teardown is still being
// finalized by the channel; the caller should poll again later.
func (a *Adapter) TryOpen() (bool, error) {
	if a.open {
		log.Panicf("worker %v: open called on an already open adapter", a.identity)
	}
	switch state := a.conn.state.Load(); state {
	case connectionIdle:
	case connectionCloseRequest:
		return false, nil
	case connectionRetired:
		return false, ErrChannelRetired
	case connectionOpen:
		log.Panicf("worker %v: second concurrent connection on channel %d", a.identity, a.conn.buffer.ID())
	default:
		log.Panicf("worker %v: invalid connection state %d", a.identity, state)
	}
	a.identity.Session = uuid.NewV4()
	a.wrptr = pointer.FromValue(a.conn.NumBuffers(), a.conn.producer.Load())
	a.readPtr.Store(a.conn.lastReadPtr.Load())
	a.conn.location.Store(&location{
		identity: a.identity,
		readPtr:  &a.readPtr,
		teardown: &a.teardown,
	})
	if !a.conn.state.CompareAndSwap(connectionIdle, connectionOpen) {
		log.Panicf("worker %v: lost connect race on channel %d", a.identity, a.conn.buffer.ID())
	}
	a.open = true
	a.closing = false
	a.teardownsSeen = a.teardown.Load()
	return true, nil
}

// Open repeats TryOpen until it succeeds, yielding between attempts.
func (a *Adapter) Open(ctx context.Context, y Yielder) error {
	for {
		ok, err := a.TryOpen()
		if err != nil || ok {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		y.Yield()
	}
}

func (a *Adapter) IsOpen() bool {
	return a.open
}

// FreeSlots is how many packets may be pushed before the worker must wait for the channel.
func (a *Adapter) FreeSlots() int {
	used := int32(a.wrptr.Value() - a.readPtr.Load())
	if used < 0 {
		log.Panicf("worker %v: read pointer mirror %d ahead of write pointer %d", a.identity, a.readPtr.Load(), a.wrptr.Value())
	}
	// right after a reconnect the mirror may still hold the older completion position
	if int(used) >= a.conn.NumBuffers() {
		return 0
	}
	return a.conn.NumBuffers() - int(used)
}

func (a *Adapter) HasSpace() bool {
	return a.FreeSlots() > 0
}

// SendPacket copies a sealed packet into the next slot and advances the producer counter. The caller must have
// checked HasSpace; pushing while disconnected or into a full channel is a protocol violation.
func (a *Adapter) SendPacket(encoded []byte) error {
	if !a.open || a.closing {
		log.Panicf("worker %v: push while disconnected from channel %d", a.identity, a.conn.buffer.ID())
	}
	if len(encoded) > a.conn.buffer.SlotSize() {
		return fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, len(encoded), a.conn.buffer.SlotSize())
	}
	if !a.HasSpace() {
		log.Panicf("worker %v: push into full channel %d", a.identity, a.conn.buffer.ID())
	}
	copy(a.conn.buffer.Slot(a.wrptr.Index()), encoded)
	a.wrptr.Increment()
	a.conn.producer.Store(a.wrptr.Value())
	return nil
}

// TrySendPacket pushes if there is room and reports whether it did.
func (a *Adapter) TrySendPacket(encoded []byte) (bool, error) {
	if !a.HasSpace() {
		return false, nil
	}
	return true, a.SendPacket(encoded)
}

// AllAccepted reports whether the channel has acknowledged every packet this adapter pushed.
func (a *Adapter) AllAccepted() bool {
	return a.readPtr.Load() == a.wrptr.Value()
}

// RequestClose starts the teardown handshake. Packets already pushed are still delivered.
func (a *Adapter) RequestClose() {
	if !a.open || a.closing {
		log.Panicf("worker %v: close requested on a connection that is not open", a.identity)
	}
	if !a.conn.state.CompareAndSwap(connectionOpen, connectionCloseRequest) {
		log.Panicf("worker %v: connection state changed underneath an open adapter", a.identity)
	}
	a.closing = true
}

// PollClosed reports whether the channel has acknowledged the teardown.
func (a *Adapter) PollClosed() bool {
	if !a.closing {
		return !a.open
	}
	if a.teardown.Load() != a.teardownsSeen {
		a.open = false
		a.closing = false
		a.teardownsSeen = a.teardown.Load()
	}
	return !a.open
}

// Close requests teardown and waits for the channel to acknowledge it.
func (a *Adapter) Close(ctx context.Context, y Yielder) error {
	if !a.closing {
		a.RequestClose()
	}
	for !a.PollClosed() {
		if err := ctx.Err(); err != nil {
			return err
		}
		y.Yield()
	}
	return nil
}
