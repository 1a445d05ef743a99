package main

import (
	"fmt"
	"log"
	"os"
	"path"
	"strings"

	"github.com/celskeggs/fabricmover/ctrl/util"
	"github.com/celskeggs/fabricmover/sim/component"
	"github.com/celskeggs/fabricmover/sim/fabric/packet"
)

func dump(recording string, channel string) error {
	records, err := component.DecodeRecording(recording)
	if err != nil {
		return err
	}
	bad := 0
	for _, r := range records {
		if channel != "" && !strings.HasPrefix(r.Channel, channel) {
			continue
		}
		h, err := packet.Decode(r.Bytes)
		if err != nil {
			bad++
			fmt.Printf("%v %-16s <%v> %x\n", r.Timestamp, r.Channel, err, r.Bytes)
			continue
		}
		src := packet.SourceChannelOf(r.Bytes)
		fmt.Printf("%v %-16s ch%d %v\n", r.Timestamp, r.Channel, src, h)
	}
	log.Printf("Dumped %d records (%d undecodable)", len(records), bad)
	return nil
}

func main() {
	files := util.Positional("--channel")
	if len(files) != 1 || util.HasArg("--help") {
		log.Fatalf("Usage: %s [--channel n0/east] <recording.csv[%s]>", path.Base(os.Args[0]), component.CompressedSuffix)
	}
	if !util.Exists(files[0]) {
		log.Fatalf("No recording at %s", files[0])
	}
	channel, _ := util.ArgValue("--channel")
	if err := dump(files[0], channel); err != nil {
		log.Fatal(err)
	}
}
