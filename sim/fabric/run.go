package fabric

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/celskeggs/fabricmover/sim/fabric/edm"
	"github.com/celskeggs/fabricmover/sim/model"
)

var (
	ErrDeadline   = errors.New("fabric did not settle before the deadline")
	ErrUnfinished = errors.New("engine did not finish")
)

// sampleEvery is the number of engine poll periods between occupancy samples in simulation mode.
const sampleEvery = 16

// quiescer decides when the fabric has gone idle. A scan that finds every engine drained snapshots their iteration
// counts; the fabric is idle once a later scan finds every engine still drained and at least two iterations past
// its snapshot, so each drained report was published after the snapshot was taken. Any undrained report restarts
// the wait.
type quiescer struct {
	snapshot []uint64
	armed    bool
}

func (q *quiescer) scan(engines []*edm.Engine) bool {
	if q.snapshot == nil {
		q.snapshot = make([]uint64, len(engines))
	}
	iterations := make([]uint64, len(engines))
	drained := true
	for i, e := range engines {
		// read the count first: the drained flag is stored after the iteration that counted it
		iterations[i] = e.Iterations()
		if !e.Drained() {
			drained = false
		}
	}
	if !drained {
		q.armed = false
		return false
	}
	if !q.armed {
		copy(q.snapshot, iterations)
		q.armed = true
		return false
	}
	for i, it := range iterations {
		if it < q.snapshot[i]+2 {
			return false
		}
	}
	return true
}

// Start schedules engine polls, worker steps, and occupancy sampling on the simulation controller.
func (l *Line) Start() {
	if l.mode != ModeSim {
		panic("Start only applies to simulation mode")
	}
	pollPeriod := l.config.Engine.PollPeriod.Duration
	for _, e := range l.engines {
		e.Start()
		l.schedulePoll(e, pollPeriod)
	}
	pushPeriod := l.config.Workload.PushPeriod.Duration
	if pushPeriod <= 0 {
		pushPeriod = pollPeriod
	}
	// workers start at seeded random phases so they do not push in lockstep
	for _, w := range l.workers {
		l.scheduleWorker(w, pushPeriod+time.Duration(l.sim.Rand().Int63n(int64(pushPeriod))), pushPeriod)
	}
	l.scheduleSample(pollPeriod * sampleEvery)
}

func (l *Line) schedulePoll(e *edm.Engine, period time.Duration) {
	l.sim.SetTimer(l.sim.Now().Add(period), e.Label+"/poll", func() {
		if !e.Poll() {
			l.schedulePoll(e, period)
		}
	})
}

func (l *Line) scheduleWorker(w *Worker, delay time.Duration, period time.Duration) {
	l.sim.SetTimer(l.sim.Now().Add(delay), w.Label()+"/step", func() {
		if _, err := w.Step(); err != nil {
			l.fail(err)
			return
		}
		if !w.Done() {
			l.scheduleWorker(w, period, period)
		}
	})
}

func (l *Line) scheduleSample(period time.Duration) {
	l.sim.SetTimer(l.sim.Now().Add(period), "occupancy", func() {
		l.sample()
		if !l.AllFinished() {
			l.scheduleSample(period)
		}
	})
}

// sample records how many receiver slots each engine holds that have not yet been completed back to the sender.
func (l *Line) sample() {
	at := l.clock.Now().Since(model.TimeZero)
	for _, e := range l.engines {
		ack, _, _, completion := e.ReceiverPointers()
		l.Occupancy.Add(e.Label+"/rx", at, float64(ack-completion))
	}
}

func (l *Line) fail(err error) {
	l.failures = multierror.Append(l.failures, err)
}

// RunSim runs the workload to completion under the event scheduler, then asks every engine to terminate gracefully
// and runs until they have all finished. deadline bounds the virtual time spent.
func (l *Line) RunSim(deadline model.VirtualTime) error {
	l.Start()
	var q quiescer
	settled := l.sim.RunUntil(func() bool {
		return l.failures != nil || (l.WorkersDone() && q.scan(l.engines))
	}, deadline)
	if l.failures != nil {
		return l.failures
	}
	if !settled {
		return fmt.Errorf("%w: %d of %d workers done at %v with %d timers pending", ErrDeadline,
			l.doneWorkers(), len(l.workers), l.sim.Now(), l.sim.Pending())
	}
	l.Terminate(edm.GracefullyTerminate)
	if !l.sim.RunUntil(l.AllFinished, deadline) {
		return l.unfinished(ErrDeadline)
	}
	return nil
}

// RunFree runs every engine and every worker on its own goroutine. Once the workers are done and the fabric has
// quiesced, every engine is asked to terminate gracefully. Cancelling ctx terminates the engines immediately.
func (l *Line) RunFree(ctx context.Context) error {
	if l.mode != ModeFree {
		panic("RunFree only applies to free-running mode")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range l.engines {
		e := e
		g.Go(func() error {
			return e.Run(gctx)
		})
	}
	workersDone := make(chan struct{})
	var workers errgroup.Group
	for _, w := range l.workers {
		w := w
		workers.Go(func() error {
			for !w.Done() {
				if err := gctx.Err(); err != nil {
					return err
				}
				if _, err := w.Step(); err != nil {
					return err
				}
				runtime.Gosched()
			}
			return nil
		})
	}
	g.Go(func() error {
		err := workers.Wait()
		close(workersDone)
		return err
	})
	g.Go(func() error {
		select {
		case <-workersDone:
		case <-gctx.Done():
			return nil
		}
		ticker := time.NewTicker(l.config.Engine.PollPeriod.Duration * sampleEvery)
		defer ticker.Stop()
		var q quiescer
		for !q.scan(l.engines) {
			select {
			case <-ticker.C:
			case <-gctx.Done():
				return nil
			}
		}
		l.Terminate(edm.GracefullyTerminate)
		return nil
	})
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !l.AllFinished() {
		return l.unfinished(ErrUnfinished)
	}
	return nil
}

// Run drives the line in its configured mode. In simulation mode ctx is only checked before starting.
func (l *Line) Run(ctx context.Context, simDeadline model.VirtualTime) error {
	if l.mode == ModeFree {
		return l.RunFree(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.RunSim(simDeadline)
}

func (l *Line) doneWorkers() (n int) {
	for _, w := range l.workers {
		if w.Done() {
			n++
		}
	}
	return n
}

func (l *Line) unfinished(cause error) error {
	var result error
	for _, e := range l.engines {
		if !e.Finished() {
			result = multierror.Append(result, fmt.Errorf("%w: %s (sender states %v, %v)", cause,
				e.Label, e.SenderState(edm.WorkerChannel), e.SenderState(edm.ForwardChannel)))
		}
	}
	return result
}
