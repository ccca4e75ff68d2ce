// Package itersolve generates the ideal step-time sequence for a single
// stepper by iterating a Kinematics plug-in's per-axis step function over a
// trapq.Queue's segments.
//
// This is the pure-Go replacement for the cgo-bound StepperKinematics
// (SetTrapQ / GenStepsPreActive / GenStepsPostActive / CheckActive): same
// job (walk the queued moves, ask "at what time does step N occur"), no
// foreign-call bridge.
package itersolve

import (
	"math"

	"hostd/pkg/pool"
	"hostd/pkg/trapq"
)

// StepFunction maps a stepper's signed step distance and a trapq segment's
// position function into a monotonic step index as a function of time.
// Implementations live in pkg/kinematics (one per geometry); this is the
// contract SPEC_FULL.md §4.2 calls "steps_for".
type StepFunction interface {
	// StepIndexAt returns the stepper's commanded step count at absolute
	// print time t, given the segment's position function.
	StepIndexAt(seg *trapq.Segment, t float64) float64
}

// Kinematics is the minimal per-stepper contract itersolve needs: a way to
// turn a trapq segment into a step-index function, plus the stepper's step
// distance (mm per full step) used to convert step index into wall time.
type Kinematics struct {
	Fn        StepFunction
	StepDist  float64
	queue     *trapq.Queue
	commanded float64 // last commanded step index (fractional)
}

// New constructs an itersolve.Kinematics bound to a trapq.Queue.
func New(fn StepFunction, stepDist float64, q *trapq.Queue) *Kinematics {
	return &Kinematics{Fn: fn, StepDist: stepDist, queue: q}
}

// SetPosition resets the commanded step index to correspond to a given
// step count (used after homing / forced position).
func (k *Kinematics) SetPosition(stepIndex float64) {
	k.commanded = stepIndex
}

// GenSteps walks every queued segment overlapping [start, end) and returns
// the list of absolute times at which an integer step boundary is crossed,
// in increasing order. This is the ideal step-time sequence pkg/stepcompress
// consumes.
//
// The step function is sampled at a fixed oversample rate per segment and
// root-found by bisection between samples that straddle an integer
// boundary — adequate for the closed-form monotonic step functions every
// kinematics adapter in pkg/kinematics produces (cartesian/corexy/corexz
// are all monotonic-in-time within a single trapq segment by construction).
func (k *Kinematics) GenSteps(start, end float64) []float64 {
	var times []float64
	segs := k.queue.SegmentsOverlapping(start, end)
	for _, seg := range segs {
		segStart := math.Max(start, seg.PrintTime)
		segEnd := math.Min(end, seg.EndTime())
		if segEnd <= segStart {
			continue
		}
		times = append(times, k.genStepsInSegment(seg, segStart, segEnd)...)
	}
	return times
}

const oversample = 64

func (k *Kinematics) genStepsInSegment(seg *trapq.Segment, start, end float64) []float64 {
	dt := (end - start) / float64(oversample)
	if dt <= 0 {
		return nil
	}
	scratch := pool.GetTickScratch()
	defer pool.PutTickScratch(scratch)

	prevT := start
	for i := 1; i <= oversample; i++ {
		t := start + float64(i)*dt
		if i == oversample {
			t = end
		}
		idx := k.Fn.StepIndexAt(seg, t)
		for stepBoundaryCrossed(k.commanded, idx) {
			k.commanded += sign(idx - k.commanded)
			tb := bisectStepTime(k, seg, prevT, t, k.commanded)
			*scratch = append(*scratch, tb)
		}
		prevT = t
	}
	if len(*scratch) == 0 {
		return nil
	}
	out := make([]float64, len(*scratch))
	copy(out, *scratch)
	return out
}

func stepBoundaryCrossed(committed, idx float64) bool {
	if idx > committed {
		return idx-committed >= 1
	}
	return committed-idx >= 1
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// bisectStepTime finds the time in [lo,hi] at which the step function
// crosses targetIdx, via bisection (the function is monotonic over this
// sub-interval by construction).
func bisectStepTime(k *Kinematics, seg *trapq.Segment, lo, hi, targetIdx float64) float64 {
	const iterations = 30
	flo := k.Fn.StepIndexAt(seg, lo) - targetIdx
	for i := 0; i < iterations; i++ {
		mid := 0.5 * (lo + hi)
		fmid := k.Fn.StepIndexAt(seg, mid) - targetIdx
		if sameSign(flo, fmid) {
			lo, flo = mid, fmid
		} else {
			hi = mid
		}
	}
	return hi
}

func sameSign(a, b float64) bool {
	return (a >= 0) == (b >= 0)
}
