package event

import (
	"sync"
	"time"

	"backtest_go/internal/domain"
)

// Minute events are produced once per simulated minute, so the feeder draws
// them from a pool and the sequencer returns them after processing.
//
// Usage:
//
//	ev := AcquireMinuteEvent()
//	ev.Seq, ev.Ts = seq, ts
//	inbox <- ev
//	// sequencer: ReleaseMinuteEvent(ev) once handled
var minutePool = sync.Pool{
	New: func() interface{} {
		return &MinuteEvent{}
	},
}

// AcquireMinuteEvent gets a MinuteEvent from the pool.
// The returned event has zero values and must be initialized.
func AcquireMinuteEvent() *MinuteEvent {
	return minutePool.Get().(*MinuteEvent)
}

// ReleaseMinuteEvent resets ev and returns it to the pool.
func ReleaseMinuteEvent(ev *MinuteEvent) {
	if ev == nil {
		return
	}
	ev.Seq = 0
	ev.Ts = time.Time{}
	ev.Session = ""

	minutePool.Put(ev)
}

var fillPool = sync.Pool{
	New: func() interface{} {
		return &FillEvent{}
	},
}

// AcquireFillEvent gets a FillEvent from the pool.
func AcquireFillEvent() *FillEvent {
	return fillPool.Get().(*FillEvent)
}

// ReleaseFillEvent resets ev and returns it to the pool.
func ReleaseFillEvent(ev *FillEvent) {
	if ev == nil {
		return
	}
	ev.Seq = 0
	ev.Ts = time.Time{}
	ev.Fill = domain.FillReport{}

	fillPool.Put(ev)
}

// Release returns pooled events; other events are left to the GC.
func Release(ev Event) {
	switch e := ev.(type) {
	case *MinuteEvent:
		ReleaseMinuteEvent(e)
	case *FillEvent:
		ReleaseFillEvent(e)
	}
}

// Warmup pre-allocates a batch of minute events, one session's worth.
func Warmup() {
	const batchSize = 256

	evs := make([]*MinuteEvent, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		evs = append(evs, AcquireMinuteEvent())
	}
	for _, ev := range evs {
		ReleaseMinuteEvent(ev)
	}
}
