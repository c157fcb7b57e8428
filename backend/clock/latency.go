package clock

import "time"

const MaxLatencySamples = 10

// Window keeps the most recent latency samples, newest first.
// It is not safe for concurrent use; the room guards it.
type Window struct {
	samples []uint64 // ms
}

func NewWindow() *Window {
	return &Window{samples: make([]uint64, 0, MaxLatencySamples)}
}

func (w *Window) Add(d time.Duration) {
	ms := uint64(0)
	if d > 0 {
		ms = uint64(d.Milliseconds())
	}
	if len(w.samples) < MaxLatencySamples {
		w.samples = append(w.samples, 0)
	}
	copy(w.samples[1:], w.samples[:len(w.samples)-1])
	w.samples[0] = ms
}

func (w *Window) Len() int {
	return len(w.samples)
}

// Weighted returns the mean latency with the i-th newest sample weighted
// MaxLatencySamples/(i+1).
func (w *Window) Weighted() time.Duration {
	if len(w.samples) == 0 {
		return 0
	}
	var sum, weights uint64
	for i, s := range w.samples {
		weight := uint64(MaxLatencySamples / (i + 1))
		sum += s * weight
		weights += weight
	}
	return time.Duration(sum/weights) * time.Millisecond
}
