// Package testpoint holds helpers shared by fabric tests: random packets and byte-level comparisons.
package testpoint

import (
	"math/rand"
	"testing"

	"github.com/celskeggs/fabricmover/sim/fabric/packet"
)

func RandPayload(r *rand.Rand, maxLen int) []byte {
	data := make([]byte, r.Intn(maxLen+1))
	_, _ = r.Read(data)
	return data
}

// RandWrite builds a sealed unicast write with a random payload that fits a slot of slotSize bytes.
func RandWrite(t *testing.T, r *rand.Rand, dst packet.NodeID, addr uint64, slotSize int) (encoded []byte, payload []byte) {
	t.Helper()
	payload = RandPayload(r, slotSize-packet.HeaderSize)
	encoded, err := packet.Build(packet.AsyncWrite(dst, addr, len(payload)), payload)
	if err != nil {
		t.Fatal(err)
	}
	return encoded, payload
}

func ComparePackets(actual []byte, expected []byte) (mismatches int, lengthOk bool) {
	for i := 0; i < len(actual) && i < len(expected); i++ {
		if actual[i] != expected[i] {
			mismatches += 1
		}
	}
	return mismatches, len(actual) == len(expected)
}

func AssertPacketsMatch(t *testing.T, actual []byte, expected []byte) {
	t.Helper()
	mismatches, lengthOk := ComparePackets(actual, expected)
	if !lengthOk {
		t.Errorf("Packets did not match: expected len=%d, found len=%d", len(expected), len(actual))
	}
	if mismatches != 0 {
		t.Errorf("Packets did not match: %d bytes (out of %d) were mismatched", mismatches, len(expected))
	}
}
