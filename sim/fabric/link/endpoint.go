package link

import (
	"github.com/celskeggs/fabricmover/sim/fabric/channel"
)

// ReceiverChannelID is the channel id of an engine's receiver buffer; sender channels are 0 and 1.
const ReceiverChannelID = NumSenderChannels

// Endpoint is everything of an engine that its peer can reach across the link.
type Endpoint struct {
	Registers *Registers
	Receiver  *channel.Buffer
}

func NewEndpoint(numBuffers int, slotSize int) Endpoint {
	return Endpoint{
		Registers: &Registers{},
		Receiver:  channel.NewBuffer(ReceiverChannelID, numBuffers, slotSize),
	}
}
