package component

import (
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/celskeggs/fabricmover/sim/model"
	"github.com/golang/snappy"
	"github.com/hashicorp/go-multierror"
)

// CompressedSuffix selects snappy framing for a recording.
const CompressedSuffix = ".sz"

var recordingHeader = []string{"Nanoseconds", "Channel", "Hex Bytes"}

// CSVByteRecorder writes timestamped byte records, one CSV row each. Engines running on separate goroutines may
// share one recorder.
type CSVByteRecorder struct {
	mu     sync.Mutex
	clock  model.Clock
	output *csv.Writer
	closer []io.Closer
	err    error
}

func (r *CSVByteRecorder) IsRecording() bool {
	return r.output != nil
}

func (r *CSVByteRecorder) Record(channel string, dataBytes []byte) {
	if channel == "" {
		panic("invalid empty channel name")
	}
	if r.output == nil {
		// not recording; discard
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	err := r.output.Write([]string{
		strconv.FormatUint(r.clock.Now().Nanoseconds(), 10),
		channel,
		hex.EncodeToString(dataBytes),
	})
	if err != nil {
		r.err = err
	}
}

// Close flushes the recording and reports the first write error, if any, along with any close errors.
func (r *CSVByteRecorder) Close() (re error) {
	if r.output == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output.Flush()
	if r.err != nil {
		re = multierror.Append(re, r.err)
	}
	if err := r.output.Error(); err != nil {
		re = multierror.Append(re, err)
	}
	for _, c := range r.closer {
		if err := c.Close(); err != nil {
			re = multierror.Append(re, err)
		}
	}
	r.output = nil
	return re
}

func MakeNullCSVRecorder() *CSVByteRecorder {
	return &CSVByteRecorder{
		output: nil,
	}
}

// MakeCSVRecorder creates a recording at path, snappy-compressed if path ends in CompressedSuffix.
func MakeCSVRecorder(clock model.Clock, path string) (*CSVByteRecorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	var w io.Writer = f
	closers := []io.Closer{f}
	if strings.HasSuffix(path, CompressedSuffix) {
		sw := snappy.NewBufferedWriter(f)
		w = sw
		// the snappy stream must be closed before the file under it
		closers = []io.Closer{sw, f}
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(recordingHeader); err != nil {
		var re error = err
		for _, c := range closers {
			if cerr := c.Close(); cerr != nil {
				re = multierror.Append(re, cerr)
			}
		}
		return nil, re
	}
	return &CSVByteRecorder{
		clock:  clock,
		output: cw,
		closer: closers,
	}, nil
}

type Record struct {
	Timestamp model.VirtualTime
	Channel   string
	Bytes     []byte
}

func DecodeRecording(path string) (records []Record, re error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			re = multierror.Append(re, err)
		}
	}()
	var r io.Reader = f
	if strings.HasSuffix(path, CompressedSuffix) {
		r = snappy.NewReader(f)
	}
	return ReadRecording(r)
}

func ReadRecording(r io.Reader) (records []Record, err error) {
	recordsRaw, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(recordsRaw) < 1 {
		return nil, errors.New("no header found")
	}
	if len(recordsRaw[0]) != 3 || recordsRaw[0][0] != recordingHeader[0] || recordsRaw[0][1] != recordingHeader[1] || recordsRaw[0][2] != recordingHeader[2] {
		return nil, fmt.Errorf("invalid header: %v", recordsRaw[0])
	}
	for _, record := range recordsRaw[1:] {
		if len(record) != 3 {
			return nil, fmt.Errorf("invalid data record: %v", record)
		}
		// decode timestamp
		timestampNS, err := strconv.ParseUint(record[0], 10, 64)
		if err != nil {
			return nil, err
		}
		timestamp, ok := model.FromNanoseconds(timestampNS)
		if !ok {
			return nil, fmt.Errorf("invalid timestamp: %v", record[0])
		}
		// decode channel
		channel := record[1]
		if channel == "" {
			return nil, errors.New("invalid empty string channel")
		}
		// decode hex bytes
		dataBytes, err := hex.DecodeString(record[2])
		if err != nil {
			return nil, err
		}
		records = append(records, Record{
			Timestamp: timestamp,
			Channel:   channel,
			Bytes:     dataBytes,
		})
	}
	return records, nil
}
