// Package config loads the TOML description of a fabric: its shape, the engines on it, the links between them and
// the workload to run.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/celskeggs/fabricmover/sim/fabric/edm"
	"github.com/celskeggs/fabricmover/sim/fabric/link"
	"github.com/celskeggs/fabricmover/sim/fabric/packet"
	"github.com/celskeggs/fabricmover/sim/fabric/pointer"
	"github.com/hashicorp/go-multierror"
)

var ErrInvalidConfig = errors.New("invalid fabric configuration")

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() (text []byte, err error) {
	text = []byte(d.Duration.String())
	return
}

type Fabric struct {
	Nodes  int
	MeshId uint16
	// "line" or "table"
	Routing string
	// "sim" runs under the deterministic event scheduler, "free" runs one goroutine per engine
	Mode string
	Seed int64
}

type Channel struct {
	SenderBuffers   int
	ReceiverBuffers int
	SlotSize        int
}

type Engine struct {
	SwitchInterval      int
	Fairness            bool
	Counters            bool
	InvalidPacketPolicy string
	Persistent          bool
	HeaderLogSize       int
	PollPeriod          Duration
}

type Link struct {
	Latency          Duration
	BytesPerInterval int
	Interval         Duration
	QueueDepth       int
}

type Memory struct {
	Size       int
	FlushDelay int
}

type Workload struct {
	PacketsPerWorker int
	PayloadSize      int
	// extra nodes each multicast write reaches beyond its first destination; zero sends unicast writes
	MulticastDepth int
	// every Nth write also bumps a per-worker counter on each node it lands on; zero disables
	AtomicEvery int
	// pause between pushes of one worker
	PushPeriod Duration
}

type Config struct {
	Fabric   Fabric
	Channel  Channel
	Engine   Engine
	Link     Link
	Memory   Memory
	Workload Workload
}

func Default() Config {
	return Config{
		Fabric: Fabric{
			Nodes:   4,
			MeshId:  0,
			Routing: "line",
			Mode:    "sim",
			Seed:    1,
		},
		Channel: Channel{
			SenderBuffers:   8,
			ReceiverBuffers: 8,
			SlotSize:        packet.HeaderSize + 1024,
		},
		Engine: Engine{
			SwitchInterval:      1024,
			Fairness:            true,
			Counters:            true,
			InvalidPacketPolicy: "drop",
			PollPeriod:          Duration{10 * time.Nanosecond},
		},
		Link: Link{
			Latency:          Duration{500 * time.Nanosecond},
			BytesPerInterval: 12,
			Interval:         Duration{time.Nanosecond},
			QueueDepth:       4,
		},
		Memory: Memory{
			Size:       1 << 20,
			FlushDelay: 2,
		},
		Workload: Workload{
			PacketsPerWorker: 64,
			PayloadSize:      256,
			PushPeriod:       Duration{50 * time.Nanosecond},
		},
	}
}

// Decode parses a TOML document on top of the defaults and validates the result.
func Decode(text string) (Config, error) {
	c := Default()
	md, err := toml.Decode(text, &c)
	if err != nil {
		return Config{}, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown keys %v", ErrInvalidConfig, undecoded)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load reads a TOML file on top of the defaults and validates the result.
func Load(path string) (Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return Config{}, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: %s: unknown keys %v", ErrInvalidConfig, path, undecoded)
	}
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var result error
	if c.Fabric.Nodes < 2 {
		result = multierror.Append(result, invalid("a fabric needs at least two nodes, not %d", c.Fabric.Nodes))
	}
	switch strings.ToLower(c.Fabric.Routing) {
	case "line", "table":
	default:
		result = multierror.Append(result, invalid("unknown routing mode %q", c.Fabric.Routing))
	}
	switch strings.ToLower(c.Fabric.Mode) {
	case "sim", "free":
	default:
		result = multierror.Append(result, invalid("unknown run mode %q", c.Fabric.Mode))
	}
	if !pointer.IsPowerOfTwo(c.Channel.SenderBuffers) {
		result = multierror.Append(result, invalid("sender buffer count %d is not a power of two", c.Channel.SenderBuffers))
	}
	if !pointer.IsPowerOfTwo(c.Channel.ReceiverBuffers) {
		result = multierror.Append(result, invalid("receiver buffer count %d is not a power of two", c.Channel.ReceiverBuffers))
	}
	if c.Channel.SlotSize < packet.HeaderSize {
		result = multierror.Append(result, invalid("slot size %d cannot hold a %d byte header", c.Channel.SlotSize, packet.HeaderSize))
	}
	if c.Engine.SwitchInterval <= 0 {
		result = multierror.Append(result, invalid("switch interval must be positive"))
	}
	if _, err := edm.ParseInvalidPacketPolicy(c.Engine.InvalidPacketPolicy); err != nil {
		result = multierror.Append(result, invalid("%v", err))
	}
	if c.Engine.HeaderLogSize < 0 {
		result = multierror.Append(result, invalid("header log size must not be negative"))
	}
	if c.Engine.PollPeriod.Duration <= 0 {
		result = multierror.Append(result, invalid("poll period must be positive"))
	}
	if c.Link.Latency.Duration < 0 || c.Link.Interval.Duration <= 0 || c.Link.BytesPerInterval <= 0 {
		result = multierror.Append(result, invalid("link timing %v/%d bytes per %v is not physical",
			c.Link.Latency.Duration, c.Link.BytesPerInterval, c.Link.Interval.Duration))
	}
	if c.Link.QueueDepth <= 0 {
		result = multierror.Append(result, invalid("link queue depth must be positive"))
	}
	if c.Memory.Size <= 0 || c.Memory.FlushDelay < 0 {
		result = multierror.Append(result, invalid("memory size %d / flush delay %d", c.Memory.Size, c.Memory.FlushDelay))
	}
	w := c.Workload
	if w.PacketsPerWorker < 0 || w.PayloadSize < 0 || w.MulticastDepth < 0 || w.AtomicEvery < 0 || w.PushPeriod.Duration < 0 {
		result = multierror.Append(result, invalid("workload parameters must not be negative"))
	}
	if w.PayloadSize+packet.HeaderSize > c.Channel.SlotSize {
		result = multierror.Append(result, invalid("payload of %d bytes does not fit a %d byte slot", w.PayloadSize, c.Channel.SlotSize))
	}
	if w.MulticastDepth >= c.Fabric.Nodes || w.MulticastDepth > 255 {
		result = multierror.Append(result, invalid("multicast depth %d exceeds the line", w.MulticastDepth))
	}
	if w.PayloadSize < MinPayloadSize {
		result = multierror.Append(result, invalid("payload of %d bytes cannot carry the %d byte workload tag", w.PayloadSize, MinPayloadSize))
	}
	if need := c.WorkloadMemory(); need > uint64(c.Memory.Size) {
		result = multierror.Append(result, invalid("workload needs %d bytes of memory per node, only %d configured", need, c.Memory.Size))
	}
	return result
}

// MinPayloadSize is the room a workload packet needs for its sequence tag and push timestamp.
const MinPayloadSize = 16

// WorkloadMemory is the memory every node must reserve for the workload: one region per sending worker in the
// fabric, plus a 32-bit completion counter per worker.
func (c Config) WorkloadMemory() uint64 {
	workers := uint64(c.Fabric.Nodes) * 2
	return workers*uint64(c.Workload.PacketsPerWorker)*uint64(c.Workload.PayloadSize) + workers*4
}

// EngineConfig converts the engine section into the settings of one engine.
func (c Config) EngineConfig(label string) edm.Config {
	policy, err := edm.ParseInvalidPacketPolicy(c.Engine.InvalidPacketPolicy)
	if err != nil {
		panic(err)
	}
	return edm.Config{
		Label:          label,
		SwitchInterval: c.Engine.SwitchInterval,
		Fairness:       c.Engine.Fairness,
		Counters:       c.Engine.Counters,
		InvalidPolicy:  policy,
		Persistent:     c.Engine.Persistent,
		HeaderLogSize:  c.Engine.HeaderLogSize,
	}
}

func (c Config) SimulatedLink() link.SimulatedConfig {
	return link.SimulatedConfig{
		Latency:          c.Link.Latency.Duration,
		BytesPerInterval: c.Link.BytesPerInterval,
		Interval:         c.Link.Interval.Duration,
		QueueDepth:       c.Link.QueueDepth,
	}
}
