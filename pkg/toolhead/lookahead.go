package toolhead

// junctionInfo carries the result of the backward pass for one queued
// Move across to the forward pass.
type junctionInfo struct {
	mv       *Move
	startV2  float64
	cruiseV2 float64
}

// LookAheadQueue buffers Moves and solves their junction velocities via a
// two-pass backward/forward sweep, per SPEC_FULL.md §4.1. This is carried
// forward near-verbatim from this lineage's pkg/hosth3 lookAheadQueue,
// generalized off that package's manual_stepper.cfg-only scope.
type LookAheadQueue struct {
	queue         []*Move
	junctionFlush float64
	onFlush       func(moves []*Move)

	// CanFlush, when set, gates the eager (lazy) auto-flush in AddMove —
	// returning false defers the flush, leaving moves buffered until
	// capacity frees up. A forced Flush(false) always proceeds regardless.
	CanFlush func() bool
}

// NewLookAheadQueue constructs an empty queue. onFlush, if non-nil, is
// invoked with each batch of moves whose trapezoids have just been frozen.
func NewLookAheadQueue(onFlush func(moves []*Move)) *LookAheadQueue {
	return &LookAheadQueue{onFlush: onFlush}
}

// Reset clears the queue, discarding any unflushed moves — used on
// emergency stop / clear_queue, per SPEC_FULL.md §5.
func (q *LookAheadQueue) Reset() {
	q.queue = q.queue[:0]
	q.junctionFlush = 0
}

// Last returns the most recently queued, not-yet-flushed move, or nil.
func (q *LookAheadQueue) Last() *Move {
	if len(q.queue) == 0 {
		return nil
	}
	return q.queue[len(q.queue)-1]
}

const lookaheadFlushTime = 0.250 // seconds of queued move time before an eager flush

// AddMove appends mv to the queue, computing its junction against the
// current tail, and triggers an eager (lazy) flush once enough move
// time has accumulated to amortize the backward/forward solve.
func (q *LookAheadQueue) AddMove(mv *Move) {
	mv.CalcJunction(q.Last())
	q.queue = append(q.queue, mv)
	q.junctionFlush += mv.MinMoveT
	if q.junctionFlush < lookaheadFlushTime {
		return
	}
	if q.CanFlush != nil && !q.CanFlush() {
		return
	}
	q.Flush(true)
}

// Flush solves and freezes the trapezoid of every move currently eligible,
// per the lazy flag: a lazy flush holds back the last move and anything
// whose junction remains only provisionally bounded, so a future move can
// still lower it; a non-lazy flush (used at end-of-print or on explicit
// drain) freezes everything queued.
func (q *LookAheadQueue) Flush(lazy bool) {
	q.junctionFlush = 0
	updateFlushCount := lazy
	queue := q.queue
	flushCount := len(queue)

	// Backward pass: starting from the tail, propagate the minimum
	// achievable start velocity backward through deltaV2-bounded moves.
	var nextStartV2 float64
	infos := make([]junctionInfo, len(queue))

	for i := len(queue) - 1; i >= 0; i-- {
		mv := queue[i]
		reachableStartV2 := nextStartV2 + mv.DeltaV2
		startV2 := mv.MaxStartV2
		if reachableStartV2 < startV2 {
			startV2 = reachableStartV2
		}
		cruiseV2 := mv.MaxCruiseV2
		if peakV2 := (startV2 + reachableStartV2) * 0.5; peakV2 < cruiseV2 {
			cruiseV2 = peakV2
		}
		if updateFlushCount && mv.NextJunctionV2 >= 999999999.0 {
			// Junction with the move after this one is still unresolved
			// (it hasn't been queued yet): everything from here to the
			// tail must wait for a future flush.
			flushCount = i
		} else {
			updateFlushCount = false
		}

		infos[i] = junctionInfo{mv: mv, startV2: startV2, cruiseV2: cruiseV2}
		nextStartV2 = startV2
	}

	if flushCount == 0 {
		return
	}

	// Forward pass: resolve endV2 for each move as the next move's
	// solved startV2, then freeze the trapezoid.
	done := make([]*Move, 0, flushCount)
	for i := 0; i < flushCount; i++ {
		info := infos[i]
		var endV2 float64
		if i+1 < len(infos) {
			endV2 = infos[i+1].startV2
		} else {
			endV2 = 0
		}
		info.mv.SetJunction(info.startV2, info.cruiseV2, endV2)
		done = append(done, info.mv)
	}

	q.queue = append([]*Move{}, queue[flushCount:]...)
	if q.onFlush != nil && len(done) > 0 {
		q.onFlush(done)
	}
}

// Pending returns the number of moves currently buffered (flushed or not).
func (q *LookAheadQueue) Pending() int { return len(q.queue) }
