package model

import (
	"math/rand"
	"time"
)

// Clock supplies timestamps for log lines, recordings and latency measurements.
type Clock interface {
	Now() VirtualTime
}

type SimContext interface {
	Clock
	SetTimer(expireAt VirtualTime, name string, callback func()) (cancel func())
	Later(name string, callback func()) (cancel func())
	Rand() *rand.Rand
}

// WallClock measures real elapsed time since it was created. It is the Clock of a free-running fabric.
type WallClock struct {
	start time.Time
}

var _ Clock = WallClock{}

func MakeWallClock() WallClock {
	return WallClock{start: time.Now()}
}

func (w WallClock) Now() VirtualTime {
	return VirtualTime(time.Since(w.start).Nanoseconds())
}
