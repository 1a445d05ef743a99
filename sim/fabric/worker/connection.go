// Package worker implements the connection record shared by a sender channel and the worker that feeds it, along
// with both sides of the connect / push / teardown handshake.
package worker

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/celskeggs/fabricmover/sim/fabric/channel"
	uuid "github.com/satori/go.uuid"
)

// connection semaphore values
const (
	connectionIdle         uint32 = 0
	connectionOpen         uint32 = 1
	connectionCloseRequest uint32 = 2
	// stamped into a connection record once its engine has retired in persistent mode
	connectionRetired uint32 = 99
)

var ErrChannelRetired = errors.New("sender channel retired")

// Identity names a worker: its core coordinates on the node plus a session id that is fresh for every connection.
type Identity struct {
	X, Y    uint8
	Label   string
	Session uuid.UUID
}

func NewIdentity(label string, x, y uint8) Identity {
	return Identity{
		X:       x,
		Y:       y,
		Label:   label,
		Session: uuid.NewV4(),
	}
}

func (id Identity) String() string {
	return fmt.Sprintf("%s(%d,%d)/%s", id.Label, id.X, id.Y, id.Session.String()[:8])
}

// location is what a worker publishes when it connects: where the channel writes back flow control
type location struct {
	identity Identity
	readPtr  *atomic.Uint32
	teardown *atomic.Uint32
}

// Connection is the record a sender channel shares with whichever worker is connected to it.
type Connection struct {
	buffer      *channel.Buffer
	state       atomic.Uint32
	location    atomic.Pointer[location]
	producer    atomic.Uint32
	lastReadPtr atomic.Uint32
}

func NewConnection(buffer *channel.Buffer) *Connection {
	return &Connection{buffer: buffer}
}

func (c *Connection) Buffer() *channel.Buffer {
	return c.buffer
}

func (c *Connection) NumBuffers() int {
	return c.buffer.NumSlots()
}

// Producer is the number of packets workers have pushed into the channel over its lifetime.
func (c *Connection) Producer() uint32 {
	return c.producer.Load()
}

func (c *Connection) IsRetired() bool {
	return c.state.Load() == connectionRetired
}

// Retire stamps the record so that controllers and workers can tell the engine ran to completion.
func (c *Connection) Retire() {
	c.state.Store(connectionRetired)
}
