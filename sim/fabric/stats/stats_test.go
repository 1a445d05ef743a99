package stats

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestLatencySummary(t *testing.T) {
	l := NewLatency()
	if l.Summary().Count != 0 {
		t.Fatal("fresh histogram not empty")
	}
	for i := 1; i <= 100; i++ {
		l.Record(time.Duration(i) * time.Microsecond)
	}
	s := l.Summary()
	if s.Count != 100 {
		t.Errorf("count %d", s.Count)
	}
	if s.Mean != 50500*time.Nanosecond {
		t.Errorf("mean %v", s.Mean)
	}
	// three significant digits
	if s.P50 < 49*time.Microsecond || s.P50 > 51*time.Microsecond {
		t.Errorf("p50 %v", s.P50)
	}
	if s.Min > s.P50 || s.P50 > s.P99 || s.P99 > s.Max {
		t.Errorf("percentiles out of order: %+v", s)
	}
	var out bytes.Buffer
	s.PrettyPrint(&out, "delivery")
	if !strings.Contains(out.String(), "delivery: 100 packets") {
		t.Errorf("unexpected report %q", out.String())
	}
}

func TestRecorderSeries(t *testing.T) {
	r := NewRecorder()
	r.Add("b", time.Nanosecond, 2)
	r.Add("a", time.Nanosecond, 1)
	r.Add("b", 2*time.Nanosecond, 5)
	all := r.All()
	if len(all) != 2 || all[0].Name != "a" || all[1].Name != "b" {
		t.Fatalf("series %v", all)
	}
	if len(all[1].Samples) != 2 || all[1].Peak() != 5 {
		t.Errorf("series b %+v", all[1])
	}
}
