// Package stats collects delivery latency and channel occupancy over a fabric run.
package stats

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Latency is a histogram of push-to-write delivery times. It is safe for concurrent use.
type Latency struct {
	mtx   sync.Mutex
	hist  *hdrhistogram.Histogram
	total time.Duration
}

type Summary struct {
	Count int64
	Mean  time.Duration
	Min   time.Duration
	Max   time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	P9999 time.Duration
}

func NewLatency() *Latency {
	return &Latency{
		hist: hdrhistogram.New(1, int64(3600*time.Second), 3),
	}
}

func (l *Latency) Record(d time.Duration) {
	if d < 1 {
		d = 1
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if err := l.hist.RecordValue(int64(d)); err != nil {
		// beyond the trackable range; clamp to the maximum
		_ = l.hist.RecordValue(l.hist.HighestTrackableValue())
	}
	l.total += d
}

func (l *Latency) Summary() (s Summary) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	s.Count = l.hist.TotalCount()
	if s.Count == 0 {
		return s
	}
	s.Mean = l.total / time.Duration(s.Count)
	s.Min = time.Duration(l.hist.Min())
	s.Max = time.Duration(l.hist.Max())
	s.P50 = time.Duration(l.hist.ValueAtQuantile(50.))
	s.P95 = time.Duration(l.hist.ValueAtQuantile(95.))
	s.P99 = time.Duration(l.hist.ValueAtQuantile(99.))
	s.P9999 = time.Duration(l.hist.ValueAtQuantile(99.99))
	return s
}

func (s Summary) PrettyPrint(w io.Writer, label string) {
	fmt.Fprintf(w, "%s: %d packets\n", label, s.Count)
	if s.Count == 0 {
		return
	}
	fmt.Fprintf(w, "  mean %v  min %v  max %v\n", s.Mean, s.Min, s.Max)
	fmt.Fprintf(w, "  p50 %v  p95 %v  p99 %v  p99.99 %v\n", s.P50, s.P95, s.P99, s.P9999)
}
