package stats

import (
	"sort"
	"sync"
	"time"
)

type Sample struct {
	At    time.Duration
	Value float64
}

// Series is a named sequence of samples, such as the occupancy of one receiver ring over time.
type Series struct {
	Name    string
	Samples []Sample
}

// Recorder accumulates samples for many series.
type Recorder struct {
	mu     sync.Mutex
	series map[string]*Series
}

func NewRecorder() *Recorder {
	return &Recorder{series: map[string]*Series{}}
}

func (r *Recorder) Add(name string, at time.Duration, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.series[name]
	if !ok {
		s = &Series{Name: name}
		r.series[name] = s
	}
	s.Samples = append(s.Samples, Sample{At: at, Value: value})
}

// All returns every series, sorted by name.
func (r *Recorder) All() []Series {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []Series
	for _, s := range r.series {
		all = append(all, Series{Name: s.Name, Samples: append([]Sample(nil), s.Samples...)})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Name < all[j].Name
	})
	return all
}

func (s Series) Peak() float64 {
	peak := 0.0
	for _, sample := range s.Samples {
		if sample.Value > peak {
			peak = sample.Value
		}
	}
	return peak
}
