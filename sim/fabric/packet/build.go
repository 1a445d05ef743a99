package packet

import "fmt"

// AsyncWrite builds the header of a unicast write of payloadLen bytes to addr on dst.
func AsyncWrite(dst NodeID, addr uint64, payloadLen int) Header {
	return Header{
		Version:       HeaderVersion,
		Flags:         FlagForward,
		Command:       CommandAsyncWrite,
		Destination:   dst,
		PacketSize:    uint32(HeaderSize + payloadLen),
		TargetAddress: addr,
	}
}

// MulticastWrite builds a write that lands on dst and on the next depth[d] nodes beyond it in direction d.
func MulticastWrite(dst NodeID, addr uint64, payloadLen int, depth [NumDirections]uint8) Header {
	h := AsyncWrite(dst, addr, payloadLen)
	h.Flags = FlagMulticastData
	h.HopDepth = depth
	return h
}

// AtomicIncrement builds an inline increment of the 32-bit word at addr. A nonzero wrap makes the counter wrap to
// zero at that boundary.
func AtomicIncrement(dst NodeID, addr uint64, increment uint32, wrap uint32) Header {
	return Header{
		Version:       HeaderVersion,
		Flags:         FlagInlineForward,
		Command:       CommandAtomicIncrement,
		Destination:   dst,
		PacketSize:    HeaderSize,
		TargetAddress: addr,
		Increment:     increment,
		WrapBoundary:  wrap,
	}
}

// AsyncWriteAtomicIncrement writes the payload and then bumps a completion counter on the destination.
func AsyncWriteAtomicIncrement(dst NodeID, writeAddr uint64, atomicAddr uint64, payloadLen int, increment uint32) Header {
	h := AsyncWrite(dst, writeAddr, payloadLen)
	h.Command |= CommandAtomicIncrement
	h.Increment = increment
	h.AtomicAddress = atomicAddr
	return h
}

// Build encodes a full packet: header followed by payload.
func Build(h Header, payload []byte) ([]byte, error) {
	if h.PayloadLength() != len(payload) {
		return nil, fmt.Errorf("%w: header declares %d payload bytes but %d supplied", ErrInvalidPacket, h.PayloadLength(), len(payload))
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	encoded := make([]byte, h.PacketSize)
	h.EncodeInto(encoded)
	copy(encoded[HeaderSize:], payload)
	return encoded, nil
}

// Payload returns the payload portion of an encoded packet whose header has already been decoded.
func Payload(encoded []byte, h Header) []byte {
	return encoded[HeaderSize:h.PacketSize]
}
