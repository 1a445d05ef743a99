package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gonum.org/v1/plot/vg"

	"github.com/celskeggs/fabricmover/ctrl/util"
	"github.com/celskeggs/fabricmover/sim/component"
	"github.com/celskeggs/fabricmover/sim/fabric"
	"github.com/celskeggs/fabricmover/sim/fabric/config"
	"github.com/celskeggs/fabricmover/sim/fabric/edm"
	"github.com/celskeggs/fabricmover/sim/model"
)

const simLimit = 10 * time.Second

func usage() {
	fmt.Printf("Usage: %s [--config fabric.toml] [--free] [--counters out.json] [--plot out.png] [--record out.csv[.sz]]\n",
		path.Base(os.Args[0]))
}

func loadConfig() config.Config {
	cfg := config.Default()
	if p, ok := util.ArgValue("--config"); ok {
		var err error
		if cfg, err = config.Load(p); err != nil {
			log.Fatal(err)
		}
	}
	if util.HasArg("--free") {
		cfg.Fabric.Mode = "free"
	}
	return cfg
}

func writeCounters(p string, snapshots []edm.Snapshot) error {
	encoded, err := edm.EncodeSnapshots(snapshots)
	if err != nil {
		return err
	}
	return os.WriteFile(p, encoded, 0o644)
}

func printCounters(snapshots []edm.Snapshot) {
	for _, s := range snapshots {
		fmt.Printf("%-10s iter=%-8d yields=%-6d sent=%d/%d rx=%d local=%d fwd=%d drop=%d stalls=%d\n",
			s.Label, s.Iterations, s.Yields, s.Senders[edm.WorkerChannel].PacketsSent, s.Senders[edm.ForwardChannel].PacketsSent,
			s.Receiver.PacketsReceived, s.Receiver.LocalWrites, s.Receiver.Forwarded, s.Receiver.Dropped, s.Receiver.ForwardStalls)
	}
}

func run() (err error) {
	cfg := loadConfig()
	sim := component.MakeSimControllerSeeded(cfg.Fabric.Seed)
	var clock model.Clock = sim
	if cfg.Fabric.Mode == "free" {
		clock = model.MakeWallClock()
	}

	opts := fabric.Options{Sim: sim}
	if p, ok := util.ArgValue("--record"); ok {
		recorder, rerr := component.MakeCSVRecorder(clock, p)
		if rerr != nil {
			return rerr
		}
		defer func() {
			err = combineErrors(err, recorder.Close())
		}()
		opts.Recorder = recorder
	}

	line, err := fabric.Build(cfg, opts)
	if err != nil {
		return err
	}
	if err := line.AddWorkload(); err != nil {
		return err
	}
	log.Printf("Running %d packets per worker across %d nodes in %s mode...",
		cfg.Workload.PacketsPerWorker, cfg.Fabric.Nodes, strings.ToLower(cfg.Fabric.Mode))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	start := time.Now()
	if err := line.Run(ctx, model.TimeZero.Add(simLimit)); err != nil {
		return err
	}
	log.Printf("Fabric settled after %v of wall time", time.Since(start))
	if line.Mode() == fabric.ModeSim {
		log.Printf("Simulated time: %v, %d bytes on links", line.Sim().Now(), line.LinkBytes())
	}
	if err := line.Verify(); err != nil {
		return err
	}

	line.Latency.Summary().PrettyPrint(os.Stdout, "delivery latency")
	snapshots := line.Counters()
	printCounters(snapshots)

	if p, ok := util.ArgValue("--counters"); ok {
		if err := writeCounters(p, snapshots); err != nil {
			return err
		}
		log.Printf("Wrote counters to %s", p)
	}
	if p, ok := util.ArgValue("--plot"); ok {
		plt, err := OccupancyPlot(line.Occupancy.All())
		if err != nil {
			return err
		}
		format := strings.TrimPrefix(filepath.Ext(p), ".")
		if err := SavePlot(plt, 8*vg.Inch, 5*vg.Inch, p, format); err != nil {
			return err
		}
		log.Printf("Wrote occupancy plot to %s", p)
	}
	return nil
}

func main() {
	if util.HasArg("--help") {
		usage()
		return
	}
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
