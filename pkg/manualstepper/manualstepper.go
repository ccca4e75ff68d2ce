// Package manualstepper drives a single stepper outside the toolhead's
// kinematics — an extra filament drive, a Z idler, a belt tensioner —
// anything a user points at directly instead of through X/Y/Z moves.
//
// It is the generalized form of what the earlier cgo-bound lineage called
// manual_stepper: one axis, one trapq, one step generator, no coupling to
// the other rails.
package manualstepper

import (
	"fmt"
	"math"

	"hostd/pkg/errors"
	"hostd/pkg/itersolve"
	"hostd/pkg/kinematics"
	"hostd/pkg/stepcompress"
	"hostd/pkg/trapq"
)

// Stepper is a single manually-driven axis: its own trapq, its own
// itersolve.Kinematics, its own step compressor. Nothing here is reachable
// from the toolhead's lookahead queue.
type Stepper struct {
	Name     string
	StepDist float64

	trapq *trapq.Queue
	kin   *itersolve.Kinematics
	comp  *stepcompress.Compressor

	defaultVelocity float64
	defaultAccel    float64

	commandedPos float64
	nextCmdTime  float64

	// axisGcodeID, when non-empty, lets this stepper participate in a
	// toolhead move as an extra axis (e.g. a "A" or "B" gcode axis) driven
	// at a fixed ratio to the other axes' move distance — set via
	// BindGcodeAxis, cleared via Unbind.
	axisGcodeID    string
	instantCornerV float64
	limitVelocity  float64
	limitAccel     float64
}

// New constructs a manually-driven stepper. maxErrorTicks bounds the step
// compressor's reconstruction error; stepDist is mm (or other unit) per
// full step.
func New(name string, oid uint32, stepDist, defaultVelocity, defaultAccel, maxErrorTicks float64) *Stepper {
	tq := trapq.New()
	fn := kinematics.NewLinearStepFunction([3]float64{1, 0, 0}, stepDist)
	return &Stepper{
		Name:            name,
		StepDist:        stepDist,
		trapq:           tq,
		kin:             itersolve.New(fn, stepDist, tq),
		comp:            stepcompress.New(oid, maxErrorTicks),
		defaultVelocity: defaultVelocity,
		defaultAccel:    defaultAccel,
	}
}

// Position returns the stepper's last commanded position.
func (s *Stepper) Position() float64 { return s.commandedPos }

// SetPosition forces the stepper's commanded position without issuing a
// move — used after homing or a manual reset.
func (s *Stepper) SetPosition(pos float64) {
	s.commandedPos = pos
	s.trapq.SetPosition(s.nextCmdTime, pos, 0, 0)
	s.kin.SetPosition(pos / s.StepDist)
}

// calcMoveTime works out the accel/cruise/decel split for a single-axis
// point-to-point move, clamping cruise velocity if the distance is too
// short to reach the requested speed under the requested accel.
func calcMoveTime(dist, speed, accel float64) (axisR, accelT, cruiseT, cruiseV float64) {
	axisR = 1.0
	if dist < 0.0 {
		axisR = -1.0
		dist = -dist
	}
	if accel == 0.0 || dist == 0.0 {
		return axisR, 0.0, dist / speed, speed
	}
	maxCruiseV2 := dist * accel
	if maxCruiseV2 < speed*speed {
		speed = math.Sqrt(maxCruiseV2)
	}
	accelT = speed / accel
	accelDecelD := accelT * speed
	cruiseT = (dist - accelDecelD) / speed
	if cruiseT < 0 {
		cruiseT = 0
	}
	return axisR, accelT, cruiseT, speed
}

// Move queues a point-to-point move to movePos, starting at moveTime, and
// returns the print time at which the move completes. speed/accel of 0
// fall back to the stepper's configured defaults.
func (s *Stepper) Move(moveTime, movePos, speed, accel float64) float64 {
	if speed == 0 {
		speed = s.defaultVelocity
	}
	if accel == 0 {
		accel = s.defaultAccel
	}
	dist := movePos - s.commandedPos
	axisR, accelT, cruiseT, cruiseV := calcMoveTime(dist, speed, accel)
	s.trapq.Append(moveTime, accelT, cruiseT, accelT,
		s.commandedPos, 0, 0, axisR, 0, 0, 0, cruiseV, accel)
	s.commandedPos = movePos
	end := moveTime + accelT + cruiseT + accelT
	s.nextCmdTime = end
	return end
}

// BindGcodeAxis lets this stepper track a gcode axis letter as an extra
// dimension of a toolhead move, at the given junction/velocity/accel
// limits. Pass "" to unbind.
func (s *Stepper) BindGcodeAxis(axis string, instantCornerV, limitVelocity, limitAccel float64) error {
	if axis == "" {
		s.axisGcodeID = ""
		return nil
	}
	if len(axis) != 1 || axis[0] < 'A' || axis[0] > 'Z' {
		return fmt.Errorf("manualstepper: invalid gcode axis %q", axis)
	}
	switch axis {
	case "X", "Y", "Z", "E", "F", "N":
		return fmt.Errorf("manualstepper: gcode axis %q is reserved", axis)
	}
	s.axisGcodeID = axis
	s.instantCornerV = instantCornerV
	s.limitVelocity = limitVelocity
	s.limitAccel = limitAccel
	return nil
}

// GcodeAxis reports the gcode axis letter this stepper is bound to, or ""
// if unbound.
func (s *Stepper) GcodeAxis() string { return s.axisGcodeID }

// Buzz nudges the stepper forward then back, n times, at a fixed velocity
// — used to locate a stepper's resting detents or verify motor wiring
// without leaving net displacement.
func (s *Stepper) Buzz(start float64, dist, velocity float64, n int) float64 {
	t := start
	for i := 0; i < n; i++ {
		t = s.Move(t, s.commandedPos+dist, velocity, 0)
		t = s.Move(t, s.commandedPos-dist, velocity, 0)
	}
	return t
}

// GenerateSteps runs the ideal step-time sequence over [start, end) through
// this stepper's compressor and returns the resulting (interval, count,
// add) triples ready for queue_step, in MCU ticks at the given clock
// frequency.
func (s *Stepper) GenerateSteps(start, end, mcuFreq float64) ([]stepcompress.Triple, error) {
	ideal := s.kin.GenSteps(start, end)
	if len(ideal) == 0 {
		return nil, nil
	}
	ticks := make([]float64, len(ideal))
	for i, t := range ideal {
		ticks[i] = t * mcuFreq
	}
	s.comp.Push(ticks...)
	triples, err := s.comp.Fill()
	if err != nil {
		return nil, errors.StepOrderViolationError(err.Error())
	}
	return triples, nil
}

// Flush finalizes any steps remaining in the compressor's pending buffer
// (fewer than a full run, held back for future coalescing) and the trapq
// segments they came from.
func (s *Stepper) Flush(clearHistoryTime float64) ([]stepcompress.Triple, error) {
	triples, err := s.comp.FlushPending()
	if err != nil {
		return nil, errors.StepOrderViolationError(err.Error())
	}
	s.trapq.FinalizeMoves(s.nextCmdTime, clearHistoryTime)
	return triples, nil
}
