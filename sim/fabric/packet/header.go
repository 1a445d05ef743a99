package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/spaolacci/murmur3"
)

const (
	HeaderSize    = 48
	HeaderVersion = 1
)

// field offsets within an encoded header
const (
	offVersion       = 0
	offFlags         = 1
	offCommand       = 2
	offDstMesh       = 4
	offDstDevice     = 6
	offPacketSize    = 8
	offTarget        = 12
	offHopDepth      = 20
	offIncrement     = 24
	offWrapBoundary  = 28
	offAtomicTarget  = 32
	offChecksum      = 40
	offSourceChannel = 44
)

var (
	ErrShortHeader        = errors.New("packet shorter than header")
	ErrUnsupportedVersion = errors.New("unsupported header version")
	ErrChecksum           = errors.New("header checksum mismatch")
	ErrInvalidPacket      = errors.New("invalid packet header")
)

type Flags uint8

const (
	FlagForward       Flags = 0x01
	FlagMulticastData Flags = 0x02
	FlagInlineForward Flags = 0x04
	flagsKnown              = FlagForward | FlagMulticastData | FlagInlineForward
)

type Command uint8

const (
	CommandAsyncWrite      Command = 0x01
	CommandAtomicIncrement Command = 0x02
	commandsKnown                  = CommandAsyncWrite | CommandAtomicIncrement
)

func (c Command) String() string {
	switch c {
	case CommandAsyncWrite:
		return "WRITE"
	case CommandAtomicIncrement:
		return "ATOMIC_INC"
	case CommandAsyncWrite | CommandAtomicIncrement:
		return "WRITE+ATOMIC_INC"
	default:
		return fmt.Sprintf("Command(%#02x)", uint8(c))
	}
}

type Direction uint8

const (
	East Direction = iota
	West
	North
	South
	NumDirections
)

func (d Direction) String() string {
	switch d {
	case East:
		return "east"
	case West:
		return "west"
	case North:
		return "north"
	case South:
		return "south"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

func (d Direction) Opposite() Direction {
	switch d {
	case East:
		return West
	case West:
		return East
	case North:
		return South
	case South:
		return North
	default:
		panic("invalid direction")
	}
}

type NodeID struct {
	Mesh   uint16
	Device uint16
}

func (n NodeID) String() string {
	return fmt.Sprintf("M%d:D%d", n.Mesh, n.Device)
}

// Header is the decoded form of the fixed 48-byte routing header at the start of every packet slot.
type Header struct {
	Version       uint8
	Flags         Flags
	Command       Command
	Destination   NodeID
	PacketSize    uint32 // header included
	TargetAddress uint64
	HopDepth      [NumDirections]uint8
	Increment     uint32
	WrapBoundary  uint32
	AtomicAddress uint64
	SourceChannel uint8
}

func (h Header) IsMulticast() bool {
	return h.Flags&FlagMulticastData != 0
}

func (h Header) PayloadLength() int {
	return int(h.PacketSize) - HeaderSize
}

// Validate checks the fields that the checksum cannot vouch for: a well-formed header with a consistent command.
func (h Header) Validate() error {
	if h.Version != HeaderVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if h.Flags&^flagsKnown != 0 {
		return fmt.Errorf("%w: unknown routing flags %#02x", ErrInvalidPacket, uint8(h.Flags))
	}
	if h.Command == 0 || h.Command&^commandsKnown != 0 {
		return fmt.Errorf("%w: unknown command %v", ErrInvalidPacket, h.Command)
	}
	if h.PacketSize < HeaderSize {
		return fmt.Errorf("%w: packet size %d smaller than header", ErrInvalidPacket, h.PacketSize)
	}
	if h.Command == CommandAtomicIncrement && h.PacketSize != HeaderSize {
		return fmt.Errorf("%w: atomic increment carries %d payload bytes", ErrInvalidPacket, h.PayloadLength())
	}
	if !h.IsMulticast() && h.HopDepth != [NumDirections]uint8{} {
		return fmt.Errorf("%w: hop depth set on unicast packet", ErrInvalidPacket)
	}
	return nil
}

// Checksum computes the header checksum over the checksummed prefix of an encoded header.
func Checksum(encoded []byte) uint32 {
	return murmur3.Sum32(encoded[:offChecksum])
}

// EncodeInto writes the header into the first HeaderSize bytes of into, with a freshly computed checksum.
func (h Header) EncodeInto(into []byte) {
	if len(into) < HeaderSize {
		panic("buffer too small for header")
	}
	into[offVersion] = h.Version
	into[offFlags] = uint8(h.Flags)
	into[offCommand] = uint8(h.Command)
	into[3] = 0
	binary.LittleEndian.PutUint16(into[offDstMesh:], h.Destination.Mesh)
	binary.LittleEndian.PutUint16(into[offDstDevice:], h.Destination.Device)
	binary.LittleEndian.PutUint32(into[offPacketSize:], h.PacketSize)
	binary.LittleEndian.PutUint64(into[offTarget:], h.TargetAddress)
	copy(into[offHopDepth:offHopDepth+int(NumDirections)], h.HopDepth[:])
	binary.LittleEndian.PutUint32(into[offIncrement:], h.Increment)
	binary.LittleEndian.PutUint32(into[offWrapBoundary:], h.WrapBoundary)
	binary.LittleEndian.PutUint64(into[offAtomicTarget:], h.AtomicAddress)
	binary.LittleEndian.PutUint32(into[offChecksum:], Checksum(into))
	into[offSourceChannel] = h.SourceChannel
	into[45], into[46], into[47] = 0, 0, 0
}

func (h Header) Encode() []byte {
	encoded := make([]byte, HeaderSize)
	h.EncodeInto(encoded)
	return encoded
}

// Decode parses and verifies a header. A header that fails verification must never be forwarded or executed.
func Decode(encoded []byte) (Header, error) {
	if len(encoded) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(encoded))
	}
	stored := binary.LittleEndian.Uint32(encoded[offChecksum:])
	if computed := Checksum(encoded); computed != stored {
		return Header{}, fmt.Errorf("%w: computed %08x but header states %08x", ErrChecksum, computed, stored)
	}
	h := Header{
		Version: encoded[offVersion],
		Flags:   Flags(encoded[offFlags]),
		Command: Command(encoded[offCommand]),
		Destination: NodeID{
			Mesh:   binary.LittleEndian.Uint16(encoded[offDstMesh:]),
			Device: binary.LittleEndian.Uint16(encoded[offDstDevice:]),
		},
		PacketSize:    binary.LittleEndian.Uint32(encoded[offPacketSize:]),
		TargetAddress: binary.LittleEndian.Uint64(encoded[offTarget:]),
		Increment:     binary.LittleEndian.Uint32(encoded[offIncrement:]),
		WrapBoundary:  binary.LittleEndian.Uint32(encoded[offWrapBoundary:]),
		AtomicAddress: binary.LittleEndian.Uint64(encoded[offAtomicTarget:]),
		SourceChannel: encoded[offSourceChannel],
	}
	copy(h.HopDepth[:], encoded[offHopDepth:offHopDepth+int(NumDirections)])
	if err := h.Validate(); err != nil {
		return Header{}, err
	}
	return h, nil
}

// Seal recomputes the checksum of an encoded header after its checksummed fields were edited in place.
func Seal(encoded []byte) {
	binary.LittleEndian.PutUint32(encoded[offChecksum:], Checksum(encoded))
}

// SourceChannelOf reads the sender channel stamp of an encoded header without verifying it.
func SourceChannelOf(encoded []byte) uint8 {
	return encoded[offSourceChannel]
}

// SetSourceChannel stamps the sender channel id. The stamp is outside the checksummed prefix.
func SetSourceChannel(encoded []byte, channel uint8) {
	encoded[offSourceChannel] = channel
}

// RawSize reads the packet size field of an unverified header, clamped to [HeaderSize, limit]. Senders use it to
// decide how many bytes of a slot to put on the link; the receiver verifies the header before trusting it.
func RawSize(encoded []byte, limit int) int {
	size := int(binary.LittleEndian.Uint32(encoded[offPacketSize:]))
	if size < HeaderSize {
		return HeaderSize
	}
	if size > limit {
		return limit
	}
	return size
}

func (h Header) String() string {
	s := fmt.Sprintf("%v to %v size=%d", h.Command, h.Destination, h.PacketSize)
	if h.Command&CommandAsyncWrite != 0 {
		s += fmt.Sprintf(" addr=%#x", h.TargetAddress)
	}
	if h.Command&CommandAtomicIncrement != 0 {
		addr := h.TargetAddress
		if h.Command&CommandAsyncWrite != 0 {
			addr = h.AtomicAddress
		}
		s += fmt.Sprintf(" inc=%d wrap=%d at=%#x", h.Increment, h.WrapBoundary, addr)
	}
	if h.IsMulticast() {
		s += fmt.Sprintf(" mcast=%v", h.HopDepth)
	}
	return s + fmt.Sprintf(" ch=%d", h.SourceChannel)
}
