package utils

import (
	"sync"
	"time"
)

// AvgVal is a running arithmetic mean guarded by a mutex.
type AvgVal struct {
	v     float64
	count int
	lock  sync.Mutex
}

func NewAvgVal(val float64) *AvgVal {
	return &AvgVal{
		v:     val,
		count: 1,
	}
}

func (a *AvgVal) Add(val float64) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.v = (float64(a.count)*a.v + val) / float64(a.count+1)
	a.count++
}

func (a *AvgVal) Val() float64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.v
}

// RateMeter estimates an event rate over a sliding window. It is cheap
// enough to call on every completed operation.
type RateMeter struct {
	window time.Duration
	lock   sync.Mutex
	marks  []time.Time
}

func NewRateMeter(window time.Duration) *RateMeter {
	if window <= 0 {
		window = time.Second
	}
	return &RateMeter{window: window}
}

func (r *RateMeter) Mark() {
	now := time.Now()
	r.lock.Lock()
	defer r.lock.Unlock()
	r.marks = append(r.marks, now)
	r.trim(now)
}

// PerSecond returns the observed event rate within the window.
func (r *RateMeter) PerSecond() float64 {
	now := time.Now()
	r.lock.Lock()
	defer r.lock.Unlock()
	r.trim(now)
	return float64(len(r.marks)) / r.window.Seconds()
}

func (r *RateMeter) trim(now time.Time) {
	cut := now.Add(-r.window)
	i := 0
	for i < len(r.marks) && r.marks[i].Before(cut) {
		i++
	}
	if i > 0 {
		r.marks = append(r.marks[:0], r.marks[i:]...)
	}
}
