package worker

import (
	"github.com/celskeggs/fabricmover/sim/fabric/pointer"
)

// Interface is the channel side of a connection. Only the owning engine touches its local pointers.
type Interface struct {
	conn *Connection

	// next slot to put on the link
	LocalWrptr pointer.Pointer
	// slots the remote receiver has acknowledged
	LocalAckptr pointer.Pointer
	// slots the remote receiver has completed, and which the worker may reuse
	LocalRdptr pointer.Pointer
}

func NewInterface(conn *Connection) *Interface {
	n := conn.NumBuffers()
	return &Interface{
		conn:        conn,
		LocalWrptr:  pointer.New(n),
		LocalAckptr: pointer.New(n),
		LocalRdptr:  pointer.New(n),
	}
}

func (wi *Interface) Connection() *Connection {
	return wi.conn
}

func (wi *Interface) HasUnsentPayload() bool {
	return wi.LocalWrptr.Value() != wi.conn.producer.Load()
}

func (wi *Interface) ConnectionIsLive() bool {
	return wi.conn.state.Load() == connectionOpen
}

func (wi *Interface) HasTeardownRequest() bool {
	return wi.conn.state.Load() == connectionCloseRequest
}

// Worker returns the identity of the connected worker, if any.
func (wi *Interface) Worker() (Identity, bool) {
	loc := wi.conn.location.Load()
	if loc == nil {
		return Identity{}, false
	}
	return loc.identity, true
}

// UpdateWorkerCopyOfReadPtr publishes the acknowledged position so the worker can reuse slots.
func (wi *Interface) UpdateWorkerCopyOfReadPtr() {
	if loc := wi.conn.location.Load(); loc != nil {
		loc.readPtr.Store(wi.LocalAckptr.Value())
	}
}

// TeardownConnection records where the channel stopped, acknowledges the close to the worker, and returns the
// record to the idle state so a new worker can connect.
func (wi *Interface) TeardownConnection(lastRdptr uint32) {
	loc := wi.conn.location.Load()
	wi.conn.lastReadPtr.Store(lastRdptr)
	wi.conn.location.Store(nil)
	wi.conn.state.Store(connectionIdle)
	if loc != nil {
		loc.teardown.Add(1)
	}
}

func (wi *Interface) AllPacketsCompleted() bool {
	return wi.LocalRdptr.IsCaughtUpTo(wi.LocalWrptr)
}
