package toolhead

import (
	"math"
	"testing"

	"hostd/pkg/trapq"
)

func testLimits() Limits {
	jd, mcr := CalcJunctionDeviation(5.0, 3000.0, 0.5)
	return Limits{MaxVelocity: 300, MaxAccel: 3000, JunctionDeviation: jd, McrPseudoAccel: mcr}
}

func TestNewMoveBasic(t *testing.T) {
	lim := testLimits()
	mv, err := NewMove([]float64{0, 0, 0}, []float64{10, 0, 0}, 50, lim)
	if err != nil {
		t.Fatalf("NewMove: %v", err)
	}
	if !mv.IsKinematicMove {
		t.Fatal("expected kinematic move")
	}
	if math.Abs(mv.MoveD-10) > 1e-9 {
		t.Errorf("MoveD = %v, want 10", mv.MoveD)
	}
	if math.Abs(mv.AxesR[0]-1.0) > 1e-9 {
		t.Errorf("AxesR[0] = %v, want 1.0", mv.AxesR[0])
	}
}

func TestNewMoveRejectsNaN(t *testing.T) {
	lim := testLimits()
	_, err := NewMove([]float64{0, 0, 0}, []float64{math.NaN(), 0, 0}, 50, lim)
	if err == nil {
		t.Fatal("expected error for NaN target")
	}
}

func TestNewMoveRejectsNonPositiveSpeed(t *testing.T) {
	lim := testLimits()
	if _, err := NewMove([]float64{0, 0, 0}, []float64{10, 0, 0}, 0, lim); err == nil {
		t.Fatal("expected error for zero speed")
	}
	if _, err := NewMove([]float64{0, 0, 0}, []float64{10, 0, 0}, -5, lim); err == nil {
		t.Fatal("expected error for negative speed")
	}
}

func TestCalcJunctionStraightLine(t *testing.T) {
	lim := testLimits()
	a, _ := NewMove([]float64{0, 0, 0}, []float64{10, 0, 0}, 50, lim)
	b, _ := NewMove([]float64{10, 0, 0}, []float64{20, 0, 0}, 50, lim)
	b.CalcJunction(a)
	// Continuing in the same direction should allow a nonzero junction
	// velocity bounded by the slower of the two cruise speeds.
	if b.MaxStartV2 <= 0 {
		t.Errorf("expected nonzero junction velocity for a straight continuation, got %v", b.MaxStartV2)
	}
	if b.MaxStartV2 > math.Min(a.MaxCruiseV2, b.MaxCruiseV2)+1e-6 {
		t.Errorf("junction velocity %v exceeds both cruise bounds", b.MaxStartV2)
	}
}

func TestCalcJunctionReversal(t *testing.T) {
	lim := testLimits()
	a, _ := NewMove([]float64{0, 0, 0}, []float64{10, 0, 0}, 50, lim)
	b, _ := NewMove([]float64{10, 0, 0}, []float64{0, 0, 0}, 50, lim)
	b.CalcJunction(a)
	if b.MaxStartV2 != 0 {
		t.Errorf("a full direction reversal must force a stop at the junction, got maxStartV2=%v", b.MaxStartV2)
	}
}

func TestSetJunctionConservesDistance(t *testing.T) {
	lim := testLimits()
	mv, _ := NewMove([]float64{0, 0, 0}, []float64{10, 0, 0}, 50, lim)
	mv.SetJunction(0, mv.MaxCruiseV2, 0)

	total := mv.AccelDistance() + mv.CruiseDistance() + mv.DecelDistance()
	if math.Abs(total-mv.MoveD) > 1e-6 {
		t.Errorf("accel+cruise+decel distance = %v, want %v", total, mv.MoveD)
	}
}

func TestLookAheadQueueFlushOrdering(t *testing.T) {
	lim := testLimits()
	var flushed []*Move
	q := NewLookAheadQueue(func(moves []*Move) {
		flushed = append(flushed, moves...)
	})

	pos := []float64{0, 0, 0}
	for i := 0; i < 5; i++ {
		target := []float64{pos[0] + 10, 0, 0}
		mv, err := NewMove(pos, target, 50, lim)
		if err != nil {
			t.Fatalf("move %d: %v", i, err)
		}
		q.AddMove(mv)
		pos = target
	}
	q.Flush(false)

	if len(flushed) != 5 {
		t.Fatalf("expected 5 flushed moves, got %d", len(flushed))
	}
	for i, mv := range flushed {
		if mv.CruiseV < 0 || mv.StartV < 0 || mv.EndV < 0 {
			t.Errorf("move %d has negative solved velocity: start=%v cruise=%v end=%v", i, mv.StartV, mv.CruiseV, mv.EndV)
		}
	}
	// Adjacent moves must agree velocity at their shared junction.
	for i := 0; i+1 < len(flushed); i++ {
		if math.Abs(flushed[i].EndV-flushed[i+1].StartV) > 1e-6 {
			t.Errorf("junction mismatch between move %d (end=%v) and move %d (start=%v)",
				i, flushed[i].EndV, i+1, flushed[i+1].StartV)
		}
	}
}

func TestToolheadRejectsOutOfBounds(t *testing.T) {
	lim := testLimits()
	bounds := []AxisBound{{Min: 0, Max: 200}, {Min: 0, Max: 200}, {Min: 0, Max: 20}}
	th := New([]float64{0, 0, 0}, bounds, lim, trapq.New())

	if err := th.Move([]float64{10, 10, 100}, 50); err == nil {
		t.Fatal("expected OutOfBounds error for z=100")
	}
}

func TestToolheadFlushAppendsToTrapQueue(t *testing.T) {
	lim := testLimits()
	bounds := []AxisBound{{Min: -1000, Max: 1000}, {Min: -1000, Max: 1000}, {Min: -1000, Max: 1000}}
	tq := trapq.New()
	th := New([]float64{0, 0, 0}, bounds, lim, tq)

	if err := th.Move([]float64{10, 0, 0}, 50); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if err := th.Move([]float64{20, 0, 0}, 50); err != nil {
		t.Fatalf("Move: %v", err)
	}
	th.Flush()

	if tq.Empty() {
		t.Fatal("expected trapq to contain flushed segments")
	}
	seg := tq.LastSegment()
	if seg == nil {
		t.Fatal("expected a last segment")
	}
}

func TestSetMaxQueueDepthDefersEagerFlush(t *testing.T) {
	lim := testLimits()
	bounds := []AxisBound{{Min: -1000, Max: 1000}, {Min: -1000, Max: 1000}, {Min: -1000, Max: 1000}}
	tq := trapq.New()
	th := New([]float64{0, 0, 0}, bounds, lim, tq)
	th.SetMaxQueueDepth(1)

	// Force the trapq to already be at capacity before any moves are
	// buffered, by appending a segment directly.
	tq.Append(0, 1, 0, 0, 0, 0, 0, 1, 0, 0, 0, 10, 0)

	pos := []float64{0, 0, 0}
	for i := 0; i < 5; i++ {
		target := []float64{pos[0] + 10, 0, 0}
		if err := th.Move(target, 50); err != nil {
			t.Fatalf("move %d: %v", i, err)
		}
		pos = target
	}

	if th.Backpressure() == nil {
		t.Fatal("expected a backpressure condition once the gate defers the eager flush")
	}
	if th.Pending() == 0 {
		t.Fatal("moves should remain buffered in the look-ahead queue while backpressured")
	}

	// An explicit Flush always proceeds regardless of the gate.
	th.Flush()
	if th.Pending() != 0 {
		t.Fatalf("Pending() = %d after explicit Flush, want 0", th.Pending())
	}
}

// TestScenarioSingleStraightMove is S1: a single isolated move (0,0)->(100,0)
// at v_req=100mm/s, a_max=1000mm/s², stopped on both ends. Expected
// d_accel=d_decel=5, d_cruise=90, total_time=1.1s.
func TestScenarioSingleStraightMove(t *testing.T) {
	lim := Limits{MaxVelocity: 300, MaxAccel: 1000, JunctionDeviation: 0, McrPseudoAccel: 1000}
	mv, err := NewMove([]float64{0, 0, 0}, []float64{100, 0, 0}, 100, lim)
	if err != nil {
		t.Fatalf("NewMove: %v", err)
	}
	mv.SetJunction(0, mv.MaxCruiseV2, 0)

	if d := mv.AccelDistance(); math.Abs(d-5) > 1e-9 {
		t.Errorf("d_accel = %v, want 5", d)
	}
	if d := mv.DecelDistance(); math.Abs(d-5) > 1e-9 {
		t.Errorf("d_decel = %v, want 5", d)
	}
	if d := mv.CruiseDistance(); math.Abs(d-90) > 1e-9 {
		t.Errorf("d_cruise = %v, want 90", d)
	}
	if total := mv.TotalTime(); math.Abs(total-1.1) > 1e-9 {
		t.Errorf("total_time = %v, want 1.1", total)
	}
}

// TestScenarioNinetyDegreeCornerZeroDeviation is S2: two 100mm/s moves
// (0,0)->(10,0)->(10,10) with max_deviation=0. A 90° corner with zero
// allowed deviation must force a full stop (v_junction=0).
func TestScenarioNinetyDegreeCornerZeroDeviation(t *testing.T) {
	lim := Limits{MaxVelocity: 300, MaxAccel: 1000, JunctionDeviation: 0, McrPseudoAccel: 1000}

	a, err := NewMove([]float64{0, 0, 0}, []float64{10, 0, 0}, 100, lim)
	if err != nil {
		t.Fatalf("NewMove a: %v", err)
	}
	b, err := NewMove([]float64{10, 0, 0}, []float64{10, 10, 0}, 100, lim)
	if err != nil {
		t.Fatalf("NewMove b: %v", err)
	}
	b.CalcJunction(a)

	if b.MaxStartV2 != 0 {
		t.Errorf("v_junction² = %v, want 0 (full stop at a zero-deviation 90° corner)", b.MaxStartV2)
	}
}

// TestScenarioShallowCornerNearCollinear is S3: (0,0)->(10,0)->(20,0.1) at
// 100mm/s, max_deviation=0.01, a_max=1000. A near-collinear corner should
// allow a junction velocity close to 100mm/s rather than forcing a stop.
func TestScenarioShallowCornerNearCollinear(t *testing.T) {
	lim := Limits{MaxVelocity: 300, MaxAccel: 1000, JunctionDeviation: 0.01, McrPseudoAccel: 1000}

	a, err := NewMove([]float64{0, 0, 0}, []float64{10, 0, 0}, 100, lim)
	if err != nil {
		t.Fatalf("NewMove a: %v", err)
	}
	b, err := NewMove([]float64{10, 0, 0}, []float64{20, 0.1, 0}, 100, lim)
	if err != nil {
		t.Fatalf("NewMove b: %v", err)
	}
	b.CalcJunction(a)

	vJunction := math.Sqrt(b.MaxStartV2)
	if vJunction <= 99 {
		t.Errorf("v_junction = %v, want > 99 mm/s for a near-collinear shallow corner", vJunction)
	}
}
