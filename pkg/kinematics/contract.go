package kinematics

import (
	"fmt"
	"math"

	"hostd/pkg/trapq"
)

// Contract is the external interface a kinematics geometry exposes to the
// rest of the motion pipeline, per SPEC_FULL.md §4.2: axis count and
// per-axis limits for bounds checking, forward/inverse transforms between
// joint (stepper) space and tool space, and a per-stepper step function
// for pkg/itersolve to iterate.
type Contract interface {
	AxisCount() int
	AxisLimits() []AxisLimit
	Forward(jointPos []float64) []float64
	Inverse(toolPos []float64) ([]float64, error)
	StepsFor(stepperIndex int) StepFunction
}

// AxisLimit is one axis's travel range and maximum acceleration.
type AxisLimit struct {
	Min, Max, MaxAccel float64
}

// ErrUnreachable is returned by Inverse when the requested tool position
// has no corresponding joint position for this geometry.
type ErrUnreachable struct{ Pos []float64 }

func (e *ErrUnreachable) Error() string {
	return fmt.Sprintf("kinematics: position %v unreachable", e.Pos)
}

// StepFunction adapts a geometry's per-stepper contribution to the
// itersolve.StepFunction contract: it turns a trapq segment's continuous
// tool-space position function into a monotonic step-index function for
// one stepper.
type StepFunction interface {
	StepIndexAt(seg *trapq.Segment, t float64) float64
}

// axisStepFunction implements StepFunction for a stepper whose commanded
// position is a fixed linear combination of the segment's XYZ axes —
// covers cartesian (identity) and CoreXY/CoreXZ (diagonal combinations)
// directly, since both are affine maps of the move's tool-space position.
type axisStepFunction struct {
	coeff    [3]float64 // weights on (x,y,z) to produce this stepper's joint position
	stepDist float64
}

func (f axisStepFunction) StepIndexAt(seg *trapq.Segment, t float64) float64 {
	pos := seg.PositionAt(t)
	joint := f.coeff[0]*pos[0] + f.coeff[1]*pos[1] + f.coeff[2]*pos[2]
	return joint / f.stepDist
}

// NewLinearStepFunction constructs the StepFunction for a stepper whose
// joint position is coeff·(x,y,z), step distance stepDist mm/step. This
// single helper grounds both CartesianKinematics.StepsFor (coeff = unit
// vector per axis) and CoreXYKinematics.StepsFor (coeff = (1,1,0) or
// (1,-1,0), per the A/B motor relations in corexy.go).
func NewLinearStepFunction(coeff [3]float64, stepDist float64) StepFunction {
	return axisStepFunction{coeff: coeff, stepDist: stepDist}
}

func toLimits(bk *BaseKinematics) []AxisLimit {
	out := make([]AxisLimit, len(bk.Rails))
	for i, r := range bk.Rails {
		accel := bk.MaxZAccel
		if i < 2 {
			accel = math.Inf(1) // XY accel is bounded by the move planner, not a per-axis rail limit
		}
		out[i] = AxisLimit{Min: r.PositionMin, Max: r.PositionMax, MaxAccel: accel}
	}
	return out
}

// AxisCount implements Contract for CartesianKinematics.
func (ck *CartesianKinematics) AxisCount() int { return len(ck.Rails) }

// AxisLimits implements Contract for CartesianKinematics.
func (ck *CartesianKinematics) AxisLimits() []AxisLimit { return toLimits(ck.BaseKinematics) }

// Forward implements Contract for CartesianKinematics: direct mapping.
func (ck *CartesianKinematics) Forward(jointPos []float64) []float64 {
	return append([]float64{}, jointPos...)
}

// Inverse implements Contract for CartesianKinematics: direct mapping,
// always reachable within the configured rail limits.
func (ck *CartesianKinematics) Inverse(toolPos []float64) ([]float64, error) {
	limits := ck.AxisLimits()
	for i, v := range toolPos {
		if i >= len(limits) {
			continue
		}
		if v < limits[i].Min || v > limits[i].Max {
			return nil, &ErrUnreachable{Pos: toolPos}
		}
	}
	return append([]float64{}, toolPos...), nil
}

// StepsFor implements Contract for CartesianKinematics: stepper i tracks
// tool axis i directly.
func (ck *CartesianKinematics) StepsFor(stepperIndex int) StepFunction {
	var coeff [3]float64
	if stepperIndex >= 0 && stepperIndex < 3 {
		coeff[stepperIndex] = 1
	}
	dist := 1.0
	if stepperIndex < len(ck.Rails) {
		dist = ck.Rails[stepperIndex].StepDist
	}
	return NewLinearStepFunction(coeff, dist)
}

// AxisCount implements Contract for CoreXYKinematics.
func (ck *CoreXYKinematics) AxisCount() int { return len(ck.Rails) }

// AxisLimits implements Contract for CoreXYKinematics.
func (ck *CoreXYKinematics) AxisLimits() []AxisLimit { return toLimits(ck.BaseKinematics) }

// Forward implements Contract for CoreXYKinematics, using the same A/B
// motor relation as CalcPosition: X = 0.5*(A+B), Y = 0.5*(A-B).
func (ck *CoreXYKinematics) Forward(jointPos []float64) []float64 {
	pos := make([]float64, 3)
	var a, b, z float64
	if len(jointPos) > 0 {
		a = jointPos[0]
	}
	if len(jointPos) > 1 {
		b = jointPos[1]
	}
	if len(jointPos) > 2 {
		z = jointPos[2]
	}
	pos[0] = 0.5 * (a + b)
	pos[1] = 0.5 * (a - b)
	pos[2] = z
	return pos
}

// Inverse implements Contract for CoreXYKinematics: A = X+Y, B = X-Y.
func (ck *CoreXYKinematics) Inverse(toolPos []float64) ([]float64, error) {
	if len(toolPos) < 2 {
		return nil, &ErrUnreachable{Pos: toolPos}
	}
	x, y := toolPos[0], toolPos[1]
	limits := ck.AxisLimits()
	if (len(limits) > 0 && (x < limits[0].Min || x > limits[0].Max)) ||
		(len(limits) > 1 && (y < limits[1].Min || y > limits[1].Max)) {
		return nil, &ErrUnreachable{Pos: toolPos}
	}
	joint := make([]float64, len(toolPos))
	joint[0] = x + y
	joint[1] = x - y
	for i := 2; i < len(toolPos); i++ {
		joint[i] = toolPos[i]
	}
	return joint, nil
}

// StepsFor implements Contract for CoreXYKinematics: stepper 0 (A motor)
// tracks x+y, stepper 1 (B motor) tracks x-y, stepper 2 (Z) tracks z.
func (ck *CoreXYKinematics) StepsFor(stepperIndex int) StepFunction {
	dist := 1.0
	if stepperIndex < len(ck.Rails) {
		dist = ck.Rails[stepperIndex].StepDist
	}
	switch stepperIndex {
	case 0:
		return NewLinearStepFunction([3]float64{1, 1, 0}, dist)
	case 1:
		return NewLinearStepFunction([3]float64{1, -1, 0}, dist)
	case 2:
		return NewLinearStepFunction([3]float64{0, 0, 1}, dist)
	default:
		return NewLinearStepFunction([3]float64{0, 0, 0}, dist)
	}
}

// AxisCount implements Contract for CoreXZKinematics.
func (ck *CoreXZKinematics) AxisCount() int { return len(ck.Rails) }

// AxisLimits implements Contract for CoreXZKinematics.
func (ck *CoreXZKinematics) AxisLimits() []AxisLimit { return toLimits(ck.BaseKinematics) }

// Forward implements Contract for CoreXZKinematics, using the same A/B
// motor relation as CalcPosition: X = 0.5*(A+B), Z = 0.5*(A-B), Y direct.
func (ck *CoreXZKinematics) Forward(jointPos []float64) []float64 {
	pos := make([]float64, 3)
	var a, y, b float64
	if len(jointPos) > 0 {
		a = jointPos[0]
	}
	if len(jointPos) > 1 {
		y = jointPos[1]
	}
	if len(jointPos) > 2 {
		b = jointPos[2]
	}
	pos[0] = 0.5 * (a + b)
	pos[1] = y
	pos[2] = 0.5 * (a - b)
	return pos
}

// Inverse implements Contract for CoreXZKinematics: A = X+Z, B = X-Z.
func (ck *CoreXZKinematics) Inverse(toolPos []float64) ([]float64, error) {
	if len(toolPos) < 3 {
		return nil, &ErrUnreachable{Pos: toolPos}
	}
	x, y, z := toolPos[0], toolPos[1], toolPos[2]
	limits := ck.AxisLimits()
	if (len(limits) > 0 && (x < limits[0].Min || x > limits[0].Max)) ||
		(len(limits) > 2 && (z < limits[2].Min || z > limits[2].Max)) {
		return nil, &ErrUnreachable{Pos: toolPos}
	}
	joint := make([]float64, len(toolPos))
	joint[0] = x + z
	joint[1] = y
	joint[2] = x - z
	for i := 3; i < len(toolPos); i++ {
		joint[i] = toolPos[i]
	}
	return joint, nil
}

// StepsFor implements Contract for CoreXZKinematics: stepper 0 (A motor)
// tracks x+z, stepper 1 (Y) tracks y directly, stepper 2 (B motor) tracks
// x-z.
func (ck *CoreXZKinematics) StepsFor(stepperIndex int) StepFunction {
	dist := 1.0
	if stepperIndex < len(ck.Rails) {
		dist = ck.Rails[stepperIndex].StepDist
	}
	switch stepperIndex {
	case 0:
		return NewLinearStepFunction([3]float64{1, 0, 1}, dist)
	case 1:
		return NewLinearStepFunction([3]float64{0, 1, 0}, dist)
	case 2:
		return NewLinearStepFunction([3]float64{1, 0, -1}, dist)
	default:
		return NewLinearStepFunction([3]float64{0, 0, 0}, dist)
	}
}
