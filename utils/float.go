package utils

import (
	"math"
	"sync/atomic"
)

// AtomicFloat64 is a float64 that can be swapped without locking.
// Used for the few settings that are updatable on a running process.
type AtomicFloat64 struct {
	bits atomic.Uint64
}

func NewAtomicFloat64(v float64) *AtomicFloat64 {
	f := &AtomicFloat64{}
	f.Store(v)
	return f
}

func (f *AtomicFloat64) Load() float64 {
	return math.Float64frombits(f.bits.Load())
}

func (f *AtomicFloat64) Store(v float64) {
	f.bits.Store(math.Float64bits(v))
}
