package toolhead

import (
	"hostd/pkg/errors"
	"hostd/pkg/itersolve"
	"hostd/pkg/kinematics"
	"hostd/pkg/printtime"
	"hostd/pkg/protocol"
	"hostd/pkg/session"
	"hostd/pkg/stepcompress"
	"hostd/pkg/trapq"
)

// Stepper is one MCU-driven axis of a Toolhead: the kinematics plug-in's
// projection of the shared trapq onto this axis (itersolve.Kinematics), the
// compressor that turns its ideal step times into queue_step triples
// (stepcompress.Compressor), and the session/oid pair those triples
// dispatch to. SPEC_FULL.md §3 names this as the data-model element that
// sits between Toolhead's tool-space Move and the wire-level Session.
type Stepper struct {
	Name     string
	StepDist float64

	// CommandedSteps is the last step index handed to the compressor —
	// the stepper's current position in step units, not tool units.
	CommandedSteps float64

	kin  *itersolve.Kinematics
	comp *stepcompress.Compressor

	Session *session.Session
	OID     uint32
}

// NewStepper builds a Stepper that samples fn over tq, converts ideal step
// times to MCU ticks and dispatches queue_step commands through sess under
// oid, tolerant of maxErrorTicks of step-time reconstruction error.
func NewStepper(name string, fn kinematics.StepFunction, stepDist float64, tq *trapq.Queue, sess *session.Session, oid uint32, maxErrorTicks float64) *Stepper {
	return &Stepper{
		Name:     name,
		StepDist: stepDist,
		kin:      itersolve.New(fn, stepDist, tq),
		comp:     stepcompress.New(oid, maxErrorTicks),
		Session:  sess,
		OID:      oid,
	}
}

// SetPosition forces the stepper's commanded step index to correspond to a
// tool-space position, without generating a move — used after homing.
func (s *Stepper) SetPosition(pos float64) {
	s.CommandedSteps = pos / s.StepDist
	s.kin.SetPosition(s.CommandedSteps)
}

// Dispatch walks the trapq over [start, end), compresses the resulting
// ideal step times, and sends one queue_step command per triple on the
// stepper's session. It returns the number of commands sent. ptMgr maps
// each ideal step time from print-time seconds to the stepper's MCU's
// clock, per SPEC_FULL.md §4.5's affine estimator — not a bare
// time*frequency multiply, which would ignore the estimator's offset.
func (s *Stepper) Dispatch(start, end float64, ptMgr *printtime.Manager) (int, error) {
	ideal := s.kin.GenSteps(start, end)
	if len(ideal) == 0 {
		return 0, nil
	}
	ticks := make([]float64, len(ideal))
	for i, t := range ideal {
		ticks[i] = float64(ptMgr.PrintTimeToMCUClock(t))
	}
	s.comp.Push(ticks...)
	triples, err := s.comp.Fill()
	if err != nil {
		return 0, errors.StepOrderViolationError(s.Name + ": " + err.Error())
	}
	return s.send(triples)
}

// Flush drains whatever partial run remains in the compressor's pending
// window — called at end-of-print or before a dwell that must not let a
// future move coalesce across the boundary.
func (s *Stepper) Flush() (int, error) {
	triples, err := s.comp.FlushPending()
	if err != nil {
		return 0, errors.StepOrderViolationError(s.Name + ": " + err.Error())
	}
	return s.send(triples)
}

func (s *Stepper) send(triples []stepcompress.Triple) (int, error) {
	for _, tr := range triples {
		cmd := protocol.NewCommand("queue_step").
			WithInt("oid", int32(s.OID)).
			WithInt("interval", int32(tr.Interval)).
			WithInt("count", int32(tr.Count)).
			WithInt("add", int32(tr.Add))
		if _, err := s.Session.SendCommand(cmd); err != nil {
			return 0, err
		}
	}
	return len(triples), nil
}
