package kinematics

import (
	"math"
	"testing"

	"hostd/pkg/trapq"
)

func testRails() []Rail {
	return []Rail{
		{Name: "x", StepDist: 0.0125, PositionMin: 0, PositionMax: 200},
		{Name: "y", StepDist: 0.0125, PositionMin: 0, PositionMax: 200},
		{Name: "z", StepDist: 0.0025, PositionMin: 0, PositionMax: 250},
	}
}

func TestCartesianForwardInverseRoundTrip(t *testing.T) {
	ck := NewCartesianKinematics(testRails(), 25, 100)
	joint := []float64{10, 20, 5}
	tool := ck.Forward(joint)
	back, err := ck.Inverse(tool)
	if err != nil {
		t.Fatalf("Inverse: %v", err)
	}
	for i := range joint {
		if math.Abs(back[i]-joint[i]) > 1e-9 {
			t.Errorf("axis %d: round trip %v != %v", i, back[i], joint[i])
		}
	}
}

func TestCartesianInverseRejectsOutOfRange(t *testing.T) {
	ck := NewCartesianKinematics(testRails(), 25, 100)
	if _, err := ck.Inverse([]float64{10, 10, 1000}); err == nil {
		t.Fatal("expected ErrUnreachable for out-of-range z")
	}
}

func TestCoreXYForwardInverseRoundTrip(t *testing.T) {
	ck := NewCoreXYKinematics(testRails(), 25, 100)
	tool := []float64{30, 40, 5}
	joint, err := ck.Inverse(tool)
	if err != nil {
		t.Fatalf("Inverse: %v", err)
	}
	back := ck.Forward(joint)
	for i := range tool {
		if math.Abs(back[i]-tool[i]) > 1e-9 {
			t.Errorf("axis %d: round trip %v != %v", i, back[i], tool[i])
		}
	}
}

func TestCoreXYStepsForMatchesMotorRelation(t *testing.T) {
	ck := NewCoreXYKinematics(testRails(), 25, 100)
	seg := &trapq.Segment{
		PrintTime: 0,
		AccelT:    0,
		CruiseT:   1,
		DecelT:    0,
		StartPos:  [3]float64{0, 0, 0},
		AxisR:     [3]float64{1, 0, 0},
		StartV:    10,
		CruiseV:   10,
		Accel:     0,
	}
	fnA := ck.StepsFor(0)
	fnB := ck.StepsFor(1)
	idxA := fnA.StepIndexAt(seg, 1.0)
	idxB := fnB.StepIndexAt(seg, 1.0)
	// Pure +X motion of 10mm over 1s: A and B motors should move identically
	// (A = x+y, B = x-y, y=0), each by 10mm worth of steps.
	wantSteps := 10.0 / ck.Rails[0].StepDist
	if math.Abs(idxA-wantSteps) > 1e-6 {
		t.Errorf("A motor step index = %v, want %v", idxA, wantSteps)
	}
	if math.Abs(idxB-wantSteps) > 1e-6 {
		t.Errorf("B motor step index = %v, want %v", idxB, wantSteps)
	}
}

func TestCoreXZForwardInverseRoundTrip(t *testing.T) {
	ck := NewCoreXZKinematics(testRails(), 25, 100)
	tool := []float64{30, 40, 5}
	joint, err := ck.Inverse(tool)
	if err != nil {
		t.Fatalf("Inverse: %v", err)
	}
	back := ck.Forward(joint)
	for i := range tool {
		if math.Abs(back[i]-tool[i]) > 1e-9 {
			t.Errorf("axis %d: round trip %v != %v", i, back[i], tool[i])
		}
	}
}

func TestCoreXZInverseRejectsOutOfRange(t *testing.T) {
	ck := NewCoreXZKinematics(testRails(), 25, 100)
	if _, err := ck.Inverse([]float64{10, 10, 1000}); err == nil {
		t.Fatal("expected ErrUnreachable for out-of-range z")
	}
}

func TestCoreXZStepsForMatchesMotorRelation(t *testing.T) {
	ck := NewCoreXZKinematics(testRails(), 25, 100)
	seg := &trapq.Segment{
		PrintTime: 0,
		AccelT:    0,
		CruiseT:   1,
		DecelT:    0,
		StartPos:  [3]float64{0, 0, 0},
		AxisR:     [3]float64{1, 0, 0},
		StartV:    10,
		CruiseV:   10,
		Accel:     0,
	}
	fnA := ck.StepsFor(0)
	fnY := ck.StepsFor(1)
	fnB := ck.StepsFor(2)
	idxA := fnA.StepIndexAt(seg, 1.0)
	idxY := fnY.StepIndexAt(seg, 1.0)
	idxB := fnB.StepIndexAt(seg, 1.0)
	// Pure +X motion of 10mm over 1s: A and B motors each travel 10mm
	// (A = x+z, B = x-z, z=0), Y motor stays put (no y motion). B is the
	// third rail, so its step count uses that rail's step distance.
	wantSteps := 10.0 / ck.Rails[0].StepDist
	wantStepsB := 10.0 / ck.Rails[2].StepDist
	if math.Abs(idxA-wantSteps) > 1e-6 {
		t.Errorf("A motor step index = %v, want %v", idxA, wantSteps)
	}
	if math.Abs(idxB-wantStepsB) > 1e-6 {
		t.Errorf("B motor step index = %v, want %v", idxB, wantStepsB)
	}
	if math.Abs(idxY) > 1e-6 {
		t.Errorf("Y motor step index = %v, want 0", idxY)
	}
}

func TestCoreXZAxisCountAndLimits(t *testing.T) {
	ck := NewCoreXZKinematics(testRails(), 25, 100)
	if got := ck.AxisCount(); got != 3 {
		t.Fatalf("AxisCount() = %d, want 3", got)
	}
	limits := ck.AxisLimits()
	if len(limits) != 3 {
		t.Fatalf("AxisLimits() returned %d entries, want 3", len(limits))
	}
	if limits[2].Max != 250 {
		t.Errorf("z axis limit max = %v, want 250", limits[2].Max)
	}
}
