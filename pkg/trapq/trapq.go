// Package trapq implements the trapezoidal-motion queue each stepper's
// kinematics is evaluated against.
//
// A TrapQ holds an ordered sequence of Segments, each describing a move's
// accel/cruise/decel phases as closed-form functions of print time. It is a
// pure-Go replacement for the cgo-bound C trapq used earlier in this
// lineage: same append/query shape, no foreign-call bridge.
package trapq

import (
	"sort"
)

// Segment is one planned move's trapezoidal velocity profile, anchored at
// an absolute print time and a starting position in 3-space. Only three
// axes are carried: StartPos and AxisR are fixed [3]float64, and any 4th+
// axis is not represented in a Segment.
type Segment struct {
	PrintTime float64
	AccelT    float64
	CruiseT   float64
	DecelT    float64

	StartPos [3]float64
	AxisR    [3]float64 // unit direction vector

	StartV   float64
	CruiseV  float64
	Accel    float64
}

// EndTime returns the print time at which this segment's motion completes.
func (s *Segment) EndTime() float64 {
	return s.PrintTime + s.AccelT + s.CruiseT + s.DecelT
}

// Distance returns the total distance this segment travels.
func (s *Segment) Distance() float64 {
	accelD := 0.5 * (s.StartV + s.midV()) * s.AccelT
	cruiseD := s.CruiseV * s.CruiseT
	decelD := 0.5 * (s.midV() + s.EndV()) * s.DecelT
	return accelD + cruiseD + decelD
}

func (s *Segment) midV() float64 { return s.CruiseV }

// EndV returns the segment's final velocity (symmetric decel assumed, as in
// the planner's trapezoid construction).
func (s *Segment) EndV() float64 {
	// v_end^2 = v_cruise^2 - 2*accel*decel_distance, but decel_distance is
	// derived from decelT directly: v_end = v_cruise - accel*decelT when the
	// decel phase decelerates at `Accel`.
	v := s.CruiseV - s.Accel*s.DecelT
	if v < 0 {
		return 0
	}
	return v
}

// DistanceAt returns the distance travelled from StartPos along AxisR at
// time t measured relative to PrintTime, clamped to the segment's span.
func (s *Segment) DistanceAt(relT float64) float64 {
	switch {
	case relT <= 0:
		return 0
	case relT < s.AccelT:
		return s.StartV*relT + 0.5*s.Accel*relT*relT
	case relT < s.AccelT+s.CruiseT:
		accelD := s.StartV*s.AccelT + 0.5*s.Accel*s.AccelT*s.AccelT
		return accelD + s.CruiseV*(relT-s.AccelT)
	default:
		accelD := s.StartV*s.AccelT + 0.5*s.Accel*s.AccelT*s.AccelT
		cruiseD := s.CruiseV * s.CruiseT
		dt := relT - s.AccelT - s.CruiseT
		if dt > s.DecelT {
			dt = s.DecelT
		}
		return accelD + cruiseD + s.CruiseV*dt - 0.5*s.Accel*dt*dt
	}
}

// VelocityAt returns the instantaneous scalar velocity at relT.
func (s *Segment) VelocityAt(relT float64) float64 {
	switch {
	case relT <= 0:
		return s.StartV
	case relT < s.AccelT:
		return s.StartV + s.Accel*relT
	case relT < s.AccelT+s.CruiseT:
		return s.CruiseV
	default:
		dt := relT - s.AccelT - s.CruiseT
		if dt > s.DecelT {
			dt = s.DecelT
		}
		return s.CruiseV - s.Accel*dt
	}
}

// PositionAt returns the absolute 3-space position at absolute print time t.
// If t falls before the segment's start, the segment's StartPos is
// returned; if after its end, its end position is returned (matching the
// original C trapq's clamp-at-boundary behavior).
func (s *Segment) PositionAt(t float64) [3]float64 {
	d := s.DistanceAt(t - s.PrintTime)
	var pos [3]float64
	for i := 0; i < 3; i++ {
		pos[i] = s.StartPos[i] + s.AxisR[i]*d
	}
	return pos
}

// Queue is the pure-Go analogue of the original cgo TrapQ: an
// append-only-until-finalized ordered sequence of Segments plus a
// watermark position used for moves that have not been queued yet (e.g.
// immediately after homing).
type Queue struct {
	segments []*Segment
	position [3]float64
	posTime  float64
}

// New allocates an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Append adds a new motion segment, mirroring the cgo TrapQ.Append
// signature field-for-field.
func (q *Queue) Append(printTime, accelT, cruiseT, decelT float64,
	x, y, z, axisRx, axisRy, axisRz, startV, cruiseV, accel float64) {
	seg := &Segment{
		PrintTime: printTime,
		AccelT:    accelT,
		CruiseT:   cruiseT,
		DecelT:    decelT,
		StartPos:  [3]float64{x, y, z},
		AxisR:     [3]float64{axisRx, axisRy, axisRz},
		StartV:    startV,
		CruiseV:   cruiseV,
		Accel:     accel,
	}
	q.segments = append(q.segments, seg)
}

// SetPosition records the current position without an associated move
// (used after homing or a forced position reset).
func (q *Queue) SetPosition(printTime, x, y, z float64) {
	q.position = [3]float64{x, y, z}
	q.posTime = printTime
}

// FinalizeMoves discards segments that end before freeTime and whose
// history is no longer needed past clearHistoryTime. Callers that need
// step generation over a segment must have already consumed it before
// calling this.
func (q *Queue) FinalizeMoves(freeTime, clearHistoryTime float64) {
	kept := q.segments[:0]
	for _, s := range q.segments {
		if s.EndTime() >= clearHistoryTime {
			kept = append(kept, s)
		}
	}
	q.segments = kept
}

// SegmentsOverlapping returns, in time order, every segment whose span
// intersects [start, end).
func (q *Queue) SegmentsOverlapping(start, end float64) []*Segment {
	lo := sort.Search(len(q.segments), func(i int) bool {
		return q.segments[i].EndTime() > start
	})
	var out []*Segment
	for i := lo; i < len(q.segments); i++ {
		s := q.segments[i]
		if s.PrintTime >= end {
			break
		}
		out = append(out, s)
	}
	return out
}

// PositionAt returns the position at t, using the last known segment
// bracketing t, or the SetPosition watermark if t precedes all segments.
func (q *Queue) PositionAt(t float64) [3]float64 {
	var best *Segment
	for _, s := range q.segments {
		if s.PrintTime <= t {
			best = s
		} else {
			break
		}
	}
	if best == nil {
		return q.position
	}
	return best.PositionAt(t)
}

// Empty reports whether the queue holds no segments.
func (q *Queue) Empty() bool { return len(q.segments) == 0 }

// PendingSegments returns the number of segments currently held, frozen or
// not — the planner-side proxy for MCU queue occupancy a backpressure gate
// checks against.
func (q *Queue) PendingSegments() int { return len(q.segments) }

// LastSegment returns the most recently appended segment, or nil.
func (q *Queue) LastSegment() *Segment {
	if len(q.segments) == 0 {
		return nil
	}
	return q.segments[len(q.segments)-1]
}
