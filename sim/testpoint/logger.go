package testpoint

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/celskeggs/fabricmover/sim/fabric/packet"
	"github.com/celskeggs/fabricmover/sim/model"
)

// Logger prints the packet headers an engine records, batched per channel until the fabric has been quiet for
// flushDelay.
type Logger struct {
	ctx              model.SimContext
	name             string
	pending          map[string][]string
	flushTimerCancel func()
	flushDelay       time.Duration
	Recorded         int
}

func (l *Logger) Record(channel string, header []byte) {
	if l.flushTimerCancel != nil {
		l.flushTimerCancel()
		l.flushTimerCancel = nil
	}
	h, err := packet.Decode(header)
	entry := h.String()
	if err != nil {
		entry = fmt.Sprintf("<%v>", err)
	}
	l.pending[channel] = append(l.pending[channel], entry)
	l.Recorded++
	if len(l.pending[channel]) >= 8 {
		l.flushChannel(channel)
	}
	l.flushTimerCancel = l.ctx.SetTimer(l.ctx.Now().Add(l.flushDelay), "sim.testpoint.Logger/Flush", l.flush)
}

func (l *Logger) flushChannel(channel string) {
	log.Printf("%v [%s] %s: %s\n", l.ctx.Now(), l.name, channel, strings.Join(l.pending[channel], "; "))
	delete(l.pending, channel)
}

func (l *Logger) flush() {
	l.flushTimerCancel = nil
	channels := make([]string, 0, len(l.pending))
	for ch := range l.pending {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	for _, ch := range channels {
		l.flushChannel(ch)
	}
}

func MakeLogger(ctx model.SimContext, name string, flushDelay time.Duration) *Logger {
	return &Logger{
		ctx:        ctx,
		name:       name,
		pending:    map[string][]string{},
		flushDelay: flushDelay,
	}
}
