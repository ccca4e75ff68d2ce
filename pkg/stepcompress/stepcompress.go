// Package stepcompress turns an ideal, strictly increasing sequence of
// per-stepper step times into a minimal sequence of (interval, count, add)
// triples, reconstructible on the MCU within a bounded error.
//
// This is new pure-Go code: the earlier cgo bridge (pkg/chelper.Stepcompress)
// delegated this entirely to C. The contract it exposes — Fill(oid, maxError,
// ...) producing triples for queue_step — is kept; the fitting algorithm
// below implements SPEC_FULL.md §4.3 directly.
package stepcompress

import (
	"fmt"
	"math"
)

// Triple is one (interval, count, add) run: count steps whose k-th
// inter-step interval is interval + k*add, all in MCU ticks.
type Triple struct {
	Interval int64
	Count    uint16
	Add      int16
}

// ErrStepOrderViolation is returned when the ideal step-time sequence is
// not strictly increasing — a fatal condition per SPEC_FULL.md §7 (never
// expected from valid kinematics).
type ErrStepOrderViolation struct {
	Index int
	Prev  float64
	Next  float64
}

func (e *ErrStepOrderViolation) Error() string {
	return fmt.Sprintf("stepcompress: step order violation at index %d: %.9f >= %.9f", e.Index, e.Prev, e.Next)
}

// Compressor accumulates ideal step times (in MCU ticks, as float64 for
// sub-tick precision) and emits Triples.
type Compressor struct {
	oid      uint32
	maxError float64 // tolerance, in ticks

	pending   []float64 // ideal absolute tick times not yet emitted
	lastClock int64      // absolute tick of the last emitted step
}

// New creates a Compressor for a given oid with the configured error
// tolerance (ticks). Per SPEC_FULL.md §4.3 the default tolerance is half a
// minimum-step interval; callers pick that value.
func New(oid uint32, maxErrorTicks float64) *Compressor {
	return &Compressor{oid: oid, maxError: maxErrorTicks}
}

// OID returns the compressor's owning stepper oid.
func (c *Compressor) OID() uint32 { return c.oid }

// Push appends ideal step times (absolute MCU ticks, ascending) to the
// pending window. It does not itself validate monotonicity against
// already-emitted steps; call Fill to validate and drain.
func (c *Compressor) Push(ticks ...float64) {
	c.pending = append(c.pending, ticks...)
}

// Fill drains as many pending step times as can be grouped into Triples and
// returns them. Any steps that do not yet form a complete, tolerance-
// satisfying run remain pending for the next call (the look-ahead flush
// policy in §4.3 dictates when a caller should force a partial emission via
// FlushPending instead).
func (c *Compressor) Fill() ([]Triple, error) {
	var out []Triple
	for len(c.pending) >= 2 {
		t, consumed, err := c.fitLongestRun()
		if err != nil {
			return out, err
		}
		if consumed == 0 {
			break
		}
		out = append(out, t)
		c.pending = c.pending[consumed:]
	}
	return out, nil
}

// FlushPending forces emission of whatever triple best fits the remaining
// pending steps, even if a longer run might have fit more steps had more
// arrived — used when the lookahead lead-window forces a triple out before
// its ideal extension is known (SPEC_FULL.md §4.3's lookahead flush
// policy).
func (c *Compressor) FlushPending() ([]Triple, error) {
	var out []Triple
	for len(c.pending) > 0 {
		t, consumed, err := c.fitLongestRun()
		if err != nil {
			return out, err
		}
		if consumed == 0 {
			// Single remaining interval too large/irregular to batch further;
			// emit as a one-step triple and move on.
			t, consumed = c.singleStepTriple()
		}
		out = append(out, t)
		c.pending = c.pending[consumed:]
	}
	return out, nil
}

func (c *Compressor) singleStepTriple() (Triple, int) {
	base := c.lastClock
	if len(c.pending) == 0 {
		return Triple{}, 0
	}
	interval := int64(round(c.pending[0])) - base
	c.lastClock = base + interval
	return Triple{Interval: interval, Count: 1, Add: 0}, 1
}

// fitLongestRun finds the longest prefix of c.pending whose arithmetic-
// progression approximation (starting from c.lastClock) satisfies the
// error tolerance at every step.
//
// The interval is fixed at the rounded first ideal delta (t_0 - lastClock).
// Step k of the run lands (k+1)*interval + add*k*(k+1)/2 ticks after the run
// start; keeping that within maxError of the ideal cumulative offset bounds
// add to a range for each k >= 1. The run extends while the intersection of
// those add ranges is non-empty, and add is taken from its middle.
func (c *Compressor) fitLongestRun() (Triple, int, error) {
	n := len(c.pending)
	if n == 0 {
		return Triple{}, 0, nil
	}

	prevClock := c.lastClock
	prevIdeal := float64(prevClock)

	// Candidate (interval, add) fit re-derived greedily: start with the
	// first interval as the base, add=0, then widen add as far as
	// tolerance allows while extending the run.
	var bestInterval int64
	var bestAdd int64
	count := 0

	// lo/hi bound the feasible `add` for the currently accepted count,
	// given the interval fixed at the first observed delta.
	firstDelta := c.pending[0] - prevIdeal
	if firstDelta <= 0 {
		return Triple{}, 0, &ErrStepOrderViolation{Index: 0, Prev: prevIdeal, Next: c.pending[0]}
	}
	bestInterval = int64(round(firstDelta))

	loAdd, hiAdd := int64(-1 << 40), int64(1 << 40)
	for k := 0; k < n; k++ {
		// Required interval+k*add to land within maxError of the k-th step's
		// ideal cumulative offset from the run start.
		target := c.pending[k] - prevIdeal // cumulative ideal ticks since run start
		// cumulative predicted = sum_{i=0}^{k} (interval + i*add)
		//                      = (k+1)*interval + add*k*(k+1)/2
		kk := float64(k)
		denom := kk * (kk + 1) / 2
		if denom == 0 {
			// k == 0: the first step depends only on the interval, which is
			// fixed above; it places no bound on add.
		} else {
			num := target - float64(k+1)*float64(bestInterval)
			centerAdd := num / denom
			spread := c.maxError / denom
			lo := int64(math.Ceil(centerAdd - spread))
			hi := int64(math.Floor(centerAdd + spread))
			if lo > loAdd {
				loAdd = lo
			}
			if hi < hiAdd {
				hiAdd = hi
			}
		}

		if loAdd > hiAdd {
			// Window no longer fits; this k is excluded, stop extending.
			break
		}
		count = k + 1
		// Centroid of the currently feasible add-range, for numerical
		// stability per the tie-break rule in §4.3.
		bestAdd = (loAdd + hiAdd) / 2
	}

	if count == 0 {
		return Triple{}, 0, nil
	}

	// Verify monotonicity of the reconstructed sequence (strict increase).
	clock := prevClock
	for k := 0; k < count; k++ {
		step := bestInterval + int64(k)*bestAdd
		if step <= 0 {
			return Triple{}, 0, &ErrStepOrderViolation{Index: k, Prev: float64(clock), Next: float64(clock + step)}
		}
		clock += step
	}
	c.lastClock = clock

	return Triple{Interval: bestInterval, Count: uint16(count), Add: int16(clamp16(bestAdd))}, count, nil
}

func clamp16(v int64) int64 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return v
}

func round(v float64) float64 {
	if v < 0 {
		return float64(int64(v - 0.5))
	}
	return float64(int64(v + 0.5))
}

// Reconstruct replays a list of Triples starting from a base clock and
// returns the absolute tick of every step — used by tests to verify
// invariant 3 (monotonic, within tolerance of the ideal sequence).
func Reconstruct(base int64, triples []Triple) []int64 {
	var out []int64
	clock := base
	for _, t := range triples {
		interval := t.Interval
		for k := 0; k < int(t.Count); k++ {
			clock += interval
			out = append(out, clock)
			interval += int64(t.Add)
		}
	}
	return out
}
