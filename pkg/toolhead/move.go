// Package toolhead implements the Move/Junction data model and the
// LookAheadQueue's backward/forward junction-velocity solve described in
// SPEC_FULL.md §3 and §4.1.
//
// The algorithm here — including the junction-deviation formula and the
// two-pass lookahead solve — is carried forward from this lineage's
// pkg/hosth3 host-rewrite, which already implemented it faithfully against
// Klipper's toolhead.py. It is generalized here off that package's single
// manual_stepper.cfg fixture and re-pointed at the pure-Go pkg/trapq
// instead of the cgo-bound chelper.TrapQ.
package toolhead

import (
	"math"

	"hostd/pkg/errors"
)

// Move is a planned straight-line segment in tool-coordinate space,
// matching SPEC_FULL.md §3's Move entry.
type Move struct {
	StartPos []float64
	EndPos   []float64

	Accel             float64
	JunctionDeviation float64

	AxesD []float64 // per-axis displacement
	AxesR []float64 // unit direction vector
	MoveD float64   // total distance

	MinMoveT        float64
	IsKinematicMove bool

	MaxStartV2     float64
	MaxCruiseV2    float64
	DeltaV2        float64
	NextJunctionV2 float64

	MaxMcrStartV2 float64
	McrDeltaV2    float64

	StartV  float64
	CruiseV float64
	EndV    float64

	AccelT  float64
	CruiseT float64
	DecelT  float64
}

// Limits bundles the per-printer tunables a Move is constructed against.
type Limits struct {
	MaxVelocity       float64
	MaxAccel          float64
	JunctionDeviation float64
	McrPseudoAccel    float64 // maxAccel * (1 - minCruiseRatio)
}

// CalcJunctionDeviation computes JunctionDeviation and McrPseudoAccel from
// the configured square-corner velocity, accel, and min-cruise-ratio, per
// SPEC_FULL.md §4.1's adopted Klipper/Smoothieware formula:
//
//	junction_deviation = square_corner_v^2 * (sqrt(2)-1) / max_accel
func CalcJunctionDeviation(squareCornerV, maxAccel, minCruiseRatio float64) (junctionDeviation, mcrPseudoAccel float64) {
	scv2 := squareCornerV * squareCornerV
	junctionDeviation = scv2 * (math.Sqrt(2.0) - 1.0) / maxAccel
	mcrPseudoAccel = maxAccel * (1.0 - minCruiseRatio)
	return
}

const minMoveDistance = 1e-9

// NewMove constructs a Move from a start position, end position, and a
// requested speed, clamped against lim. Returns errors.ErrInvalidMove if
// the request is infeasible (NaN, or zero distance with nonzero components
// elsewhere is handled as a non-kinematic "extra axis only" move, matching
// the teacher's treatment of e.g. extruder-only moves).
func NewMove(startPos, endPos []float64, speed float64, lim Limits) (*Move, error) {
	if len(startPos) != len(endPos) {
		return nil, errors.InvalidMoveError("start/end position dimension mismatch")
	}
	for _, v := range endPos {
		if math.IsNaN(v) {
			return nil, errors.InvalidMoveError("move target contains NaN")
		}
	}
	if speed <= 0 {
		return nil, errors.InvalidMoveError("requested speed must be positive")
	}

	mv := &Move{
		StartPos:          append([]float64{}, startPos...),
		EndPos:            append([]float64{}, endPos...),
		Accel:             lim.MaxAccel,
		JunctionDeviation: lim.JunctionDeviation,
		NextJunctionV2:    999999999.9,
		IsKinematicMove:   true,
	}

	velocity := speed
	if velocity > lim.MaxVelocity {
		velocity = lim.MaxVelocity
	}

	n := len(endPos)
	mv.AxesD = make([]float64, n)
	for i := 0; i < n; i++ {
		mv.AxesD[i] = endPos[i] - startPos[i]
	}

	xyz := 0.0
	for i := 0; i < n && i < 3; i++ {
		xyz += mv.AxesD[i] * mv.AxesD[i]
	}
	moveD := math.Sqrt(xyz)
	mv.MoveD = moveD

	var invMoveD float64
	if moveD < minMoveDistance {
		// Pure extra-axis move (no XYZ displacement): not subject to the
		// kinematic trapezoid/junction solve.
		for i := 0; i < 3 && i < n; i++ {
			mv.EndPos[i] = startPos[i]
			mv.AxesD[i] = 0
		}
		maxAbs := 0.0
		for i := 3; i < n; i++ {
			if a := math.Abs(mv.AxesD[i]); a > maxAbs {
				maxAbs = a
			}
		}
		mv.MoveD = maxAbs
		if mv.MoveD != 0 {
			invMoveD = 1.0 / mv.MoveD
		}
		mv.Accel = 99999999.9
		mv.IsKinematicMove = false
	} else {
		invMoveD = 1.0 / mv.MoveD
	}

	mv.AxesR = make([]float64, n)
	for i := 0; i < n; i++ {
		mv.AxesR[i] = mv.AxesD[i] * invMoveD
	}

	if velocity != 0 {
		mv.MinMoveT = mv.MoveD / velocity
	}
	mv.MaxCruiseV2 = velocity * velocity
	mv.DeltaV2 = 2.0 * mv.MoveD * mv.Accel
	mv.McrDeltaV2 = 2.0 * mv.MoveD * lim.McrPseudoAccel

	return mv, nil
}

// LimitSpeed reduces a Move's maximum cruise speed and/or acceleration,
// used by Kinematics plug-ins to apply axis-specific bounds (e.g. a Z-axis
// speed limit projected onto the move's direction).
func (mv *Move) LimitSpeed(speed, accel float64) {
	speed2 := speed * speed
	if speed2 < mv.MaxCruiseV2 {
		mv.MaxCruiseV2 = speed2
		mv.MinMoveT = mv.MoveD / speed
	}
	if accel < mv.Accel {
		mv.Accel = accel
	}
	mv.DeltaV2 = 2.0 * mv.MoveD * mv.Accel
	if mv.DeltaV2 < mv.McrDeltaV2 {
		mv.McrDeltaV2 = mv.DeltaV2
	}
}

// CalcJunction computes mv.MaxStartV2 against the previous move in the
// queue, applying both the junction-deviation bound and the centripetal-
// acceleration bound, per SPEC_FULL.md §4.1.
func (mv *Move) CalcJunction(prev *Move) {
	if prev == nil || !mv.IsKinematicMove || !prev.IsKinematicMove {
		return
	}

	maxStartV2 := math.Min(mv.MaxCruiseV2, prev.MaxCruiseV2)
	maxStartV2 = math.Min(maxStartV2, prev.NextJunctionV2)
	maxStartV2 = math.Min(maxStartV2, prev.MaxStartV2+prev.DeltaV2)

	n := len(mv.AxesR)
	if n > len(prev.AxesR) {
		n = len(prev.AxesR)
	}
	if n > 3 {
		n = 3
	}
	junctionCosTheta := 0.0
	for i := 0; i < n; i++ {
		junctionCosTheta -= mv.AxesR[i] * prev.AxesR[i]
	}
	sinThetaD2 := math.Sqrt(math.Max(0.5*(1.0-junctionCosTheta), 0.0))
	cosThetaD2 := math.Sqrt(math.Max(0.5*(1.0+junctionCosTheta), 0.0))
	oneMinusSinThetaD2 := 1.0 - sinThetaD2

	if oneMinusSinThetaD2 > 0.0 && cosThetaD2 > 0.0 {
		rJD := sinThetaD2 / oneMinusSinThetaD2
		moveJDv2 := rJD * mv.JunctionDeviation * mv.Accel
		pmoveJDv2 := rJD * prev.JunctionDeviation * prev.Accel
		quarterTanThetaD2 := 0.25 * sinThetaD2 / cosThetaD2
		moveCentripetalV2 := mv.DeltaV2 * quarterTanThetaD2
		pmoveCentripetalV2 := prev.DeltaV2 * quarterTanThetaD2

		maxStartV2 = math.Min(maxStartV2, moveJDv2)
		maxStartV2 = math.Min(maxStartV2, pmoveJDv2)
		maxStartV2 = math.Min(maxStartV2, moveCentripetalV2)
		maxStartV2 = math.Min(maxStartV2, pmoveCentripetalV2)
	}

	mv.MaxStartV2 = maxStartV2
	mv.MaxMcrStartV2 = math.Min(maxStartV2, prev.MaxMcrStartV2+prev.McrDeltaV2)
}

// SetJunction freezes the move's trapezoid once its start/cruise/end
// velocities-squared have been solved by the LookAheadQueue, deriving the
// three phase durations.
func (mv *Move) SetJunction(startV2, cruiseV2, endV2 float64) {
	halfInvAccel := 0.5 / mv.Accel
	accelD := (cruiseV2 - startV2) * halfInvAccel
	decelD := (cruiseV2 - endV2) * halfInvAccel
	cruiseD := mv.MoveD - accelD - decelD

	mv.StartV = math.Sqrt(startV2)
	mv.CruiseV = math.Sqrt(cruiseV2)
	mv.EndV = math.Sqrt(endV2)

	mv.AccelT = accelD / ((mv.StartV + mv.CruiseV) * 0.5)
	mv.CruiseT = cruiseD / mv.CruiseV
	mv.DecelT = decelD / ((mv.EndV + mv.CruiseV) * 0.5)
}

// TotalTime returns the move's total duration across all three phases.
func (mv *Move) TotalTime() float64 { return mv.AccelT + mv.CruiseT + mv.DecelT }

// AccelDistance, CruiseDistance, DecelDistance expose the three segment
// lengths once SetJunction has been called — used by invariant checks
// (SPEC_FULL.md §8, invariant 2).
func (mv *Move) AccelDistance() float64 {
	return 0.5 * (mv.StartV + mv.CruiseV) * mv.AccelT
}
func (mv *Move) CruiseDistance() float64 { return mv.CruiseV * mv.CruiseT }
func (mv *Move) DecelDistance() float64 {
	return 0.5 * (mv.EndV + mv.CruiseV) * mv.DecelT
}
