package toolhead

import (
	"fmt"

	"hostd/pkg/errors"
	"hostd/pkg/kinematics"
	"hostd/pkg/printtime"
	"hostd/pkg/session"
	"hostd/pkg/trapq"
)

// Toolhead is the host-side motion planner: it accepts move requests in
// tool-coordinate space, buffers them through a LookAheadQueue, and feeds
// each frozen trapezoid into a trapq.Queue for step generation, per
// SPEC_FULL.md §4.1.
type Toolhead struct {
	lim    Limits
	lookq  *LookAheadQueue
	trapq  *trapq.Queue
	pos    []float64
	bounds []AxisBound

	printTime     float64
	maxQueueDepth int
	backpressure  error

	steppers []*Stepper
	sess     *session.Session
	ptMgr    *printtime.Manager
}

// AxisBound is the inclusive [Min, Max] travel range for one axis, used by
// CheckMove to reject out-of-bounds targets per SPEC_FULL.md §4.1's
// "OutOfBounds ... Toolhead marks all pending moves as invalid" edge case.
type AxisBound struct {
	Min, Max float64
}

// New constructs a Toolhead starting at pos, with per-axis travel bounds
// and kinematic limits. Frozen moves are appended to tq.
func New(pos []float64, bounds []AxisBound, lim Limits, tq *trapq.Queue) *Toolhead {
	th := &Toolhead{
		lim:    lim,
		trapq:  tq,
		pos:    append([]float64{}, pos...),
		bounds: bounds,
	}
	th.lookq = NewLookAheadQueue(th.onFlush)
	return th
}

// Position returns the toolhead's last commanded position (not necessarily
// the position reached physically yet — that is tracked by the trapq).
func (th *Toolhead) Position() []float64 { return append([]float64{}, th.pos...) }

// CheckBounds validates target against the configured per-axis travel
// limits, returning errors.ErrOutOfBounds on violation.
func (th *Toolhead) CheckBounds(target []float64) error {
	for i, v := range target {
		if i >= len(th.bounds) {
			continue
		}
		b := th.bounds[i]
		if v < b.Min || v > b.Max {
			return errors.OutOfBoundsError(axisName(i), v, b.Min, b.Max)
		}
	}
	return nil
}

func axisName(i int) string {
	switch i {
	case 0:
		return "x"
	case 1:
		return "y"
	case 2:
		return "z"
	default:
		return "e"
	}
}

// Move queues a linear move from the toolhead's current position to
// target at the given speed. On success the toolhead's position tracker is
// advanced immediately (matching Klipper's "commanded position" semantics:
// the move is accepted into the pipeline before it physically executes).
func (th *Toolhead) Move(target []float64, speed float64) error {
	if err := th.CheckBounds(target); err != nil {
		th.lookq.Reset()
		return err
	}
	mv, err := NewMove(th.pos, target, speed, th.lim)
	if err != nil {
		return err
	}
	th.lookq.AddMove(mv)
	th.pos = append([]float64{}, target...)
	return nil
}

// Flush forces every buffered move to be frozen and appended to the
// trapq, regardless of the eager-flush threshold. Callers use this at
// end-of-print or before a dwell/homing move that must not be reordered
// across the flush boundary.
func (th *Toolhead) Flush() { th.lookq.Flush(false) }

// Reset discards all buffered, not-yet-frozen moves — used on emergency
// stop or clear_queue (SPEC_FULL.md §5).
func (th *Toolhead) Reset() { th.lookq.Reset() }

// Pending returns the number of moves buffered but not yet frozen.
func (th *Toolhead) Pending() int { return th.lookq.Pending() }

// SetMaxQueueDepth caps the number of trapq segments the planner will keep
// ahead of the MCU before the look-ahead queue's eager flush defers, per
// SPEC_FULL.md §4.3's "exceeding MCU queue capacity backpressures the
// planner via the look-ahead flush gate". A value of 0 disables the gate.
func (th *Toolhead) SetMaxQueueDepth(n int) {
	th.maxQueueDepth = n
	th.lookq.CanFlush = func() bool {
		if th.maxQueueDepth <= 0 || th.trapq.PendingSegments() < th.maxQueueDepth {
			th.backpressure = nil
			return true
		}
		th.backpressure = errors.BackpressureError("trapq queue depth exceeds MCU capacity")
		return false
	}
}

// Backpressure reports the condition last observed by the flush gate, or
// nil. This never surfaces through Move's return value — per SPEC_FULL.md
// §7, Backpressure is a soft condition the planner resolves on its own.
func (th *Toolhead) Backpressure() error { return th.backpressure }

// TrapQueue exposes the underlying trapq.Queue for step-generation callers
// (pkg/itersolve) to read.
func (th *Toolhead) TrapQueue() *trapq.Queue { return th.trapq }

// AttachKinematics builds one Stepper per axis of kin — each one sampling
// the toolhead's shared trapq through that axis's kinematics.StepFunction —
// and wires them so that every future onFlush dispatches the resulting
// queue_step commands on sess. This is the link from Toolhead, through
// Kinematics and StepCompress, to the wire protocol that SPEC_FULL.md §2's
// pipeline diagram draws and that a bare LookAheadQueue cannot realize on
// its own. railDist/names are positional with kin's axis order (x, y, z,
// ... for cartesian; A/B/Z for corexy). The print-time-to-MCU-clock mapping
// each Stepper dispatches through is owned by a printtime.Manager built on
// sess's own ClockSync, matching §4.5/§4.4's print_time model instead of a
// bare time*frequency multiply.
func (th *Toolhead) AttachKinematics(kin kinematics.Contract, railDist []float64, names []string, sess *session.Session, maxErrorTicks float64) {
	th.sess = sess
	th.ptMgr = printtime.New(sess.ClockSync())
	th.steppers = th.steppers[:0]
	for i := 0; i < kin.AxisCount(); i++ {
		dist := 1.0
		if i < len(railDist) && railDist[i] != 0 {
			dist = railDist[i]
		}
		name := fmt.Sprintf("stepper_%d", i)
		if i < len(names) {
			name = names[i]
		}
		oid := sess.AllocateOID()
		th.steppers = append(th.steppers, NewStepper(name, kin.StepsFor(i), dist, th.trapq, sess, oid, maxErrorTicks))
	}
}

// Steppers returns the steppers attached by AttachKinematics, in axis
// order.
func (th *Toolhead) Steppers() []*Stepper { return th.steppers }

// FlushSteppers drains every attached stepper's trailing partial step run.
// Callers use this at end-of-print or before a dwell/homing move that must
// not let a later move's steps coalesce across the boundary, mirroring
// Flush's effect on the look-ahead queue itself.
func (th *Toolhead) FlushSteppers() error {
	for _, st := range th.steppers {
		if _, err := st.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func (th *Toolhead) onFlush(moves []*Move) {
	flushStart := th.printTime
	for _, mv := range moves {
		var x, y, z, rx, ry, rz float64
		if len(mv.StartPos) > 0 {
			x = mv.StartPos[0]
		}
		if len(mv.StartPos) > 1 {
			y = mv.StartPos[1]
		}
		if len(mv.StartPos) > 2 {
			z = mv.StartPos[2]
		}
		if len(mv.AxesR) > 0 {
			rx = mv.AxesR[0]
		}
		if len(mv.AxesR) > 1 {
			ry = mv.AxesR[1]
		}
		if len(mv.AxesR) > 2 {
			rz = mv.AxesR[2]
		}
		th.trapq.Append(th.printTime, mv.AccelT, mv.CruiseT, mv.DecelT,
			x, y, z, rx, ry, rz, mv.StartV, mv.CruiseV, mv.Accel)
		th.printTime += mv.TotalTime()
	}

	if th.sess == nil || len(th.steppers) == 0 {
		return
	}
	th.ptMgr.AdvanceMoveTime(th.printTime)
	sent := 0
	for _, st := range th.steppers {
		n, err := st.Dispatch(flushStart, th.printTime, th.ptMgr)
		if err != nil {
			th.sess.Shutdown(err)
			return
		}
		sent += n
	}
	th.sess.NotifyMoveFlushed(fmt.Sprintf("%d moves, %d queue_step commands", len(moves), sent))
}
