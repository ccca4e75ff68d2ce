// Package session implements one host<->MCU connection: identity,
// negotiated command dictionary, clock estimate, and the shutdown latch
// described by SPEC_FULL.md §3/§5.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"hostd/pkg/clocksync"
	"hostd/pkg/errors"
	"hostd/pkg/protocol"
	"hostd/pkg/serialqueue"
)

// MotionEvent is published on a Session's Events channel for the external
// print-state module to subscribe to (SPEC_FULL.md §6: "Persisted state:
// none ... the print-state module subscribes to motion events").
type MotionEvent struct {
	Kind      string // "move_flushed" or "shutdown"
	Time      time.Time
	SessionID string
	Detail    string
}

// Session is one logical connection to one MCU, matching the Session data
// model entry of SPEC_FULL.md §3.
type Session struct {
	// ID is a generated correlation ID, attached to every log event and
	// fatal-error record this session produces (grounded on the
	// google/uuid-for-correlation-IDs pattern used elsewhere in this
	// dependency pack for per-job identifiers).
	ID string

	Address string

	mu         sync.RWMutex
	dict       *protocol.Dictionary
	cmdFormats map[string]*protocol.MessageFormat
	rspFormats map[int]*protocol.MessageFormat

	clock *clocksync.ClockSync
	queue *serialqueue.Queue

	oidCounter uint32

	shutdown    atomic.Bool
	shutdownErr atomic.Value // error

	events chan MotionEvent
}

// New creates a Session for a given transport address, wrapping a
// serialqueue.Queue (the reliable-delivery layer) and a freshly
// initialized ClockSync estimator for mcuFreq.
func New(address string, queue *serialqueue.Queue, mcuFreq float64) *Session {
	return &Session{
		ID:      uuid.New().String(),
		Address: address,
		clock:   clocksync.New(mcuFreq),
		queue:   queue,
		events:  make(chan MotionEvent, 256),
	}
}

// BindDictionary pins the negotiated command dictionary for the session's
// lifetime, per SPEC_FULL.md §4.4 ("pins it for the session's lifetime").
func (s *Session) BindDictionary(dict *protocol.Dictionary) error {
	cmdFormats, err := dict.BuildCommandFormats()
	if err != nil {
		return errors.ProtocolErrorKind("build command formats: " + err.Error())
	}
	rspFormats, err := dict.BuildResponseFormats()
	if err != nil {
		return errors.ProtocolErrorKind("build response formats: " + err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dict = dict
	s.cmdFormats = cmdFormats
	s.rspFormats = rspFormats
	return nil
}

// AllocateOID mints the next opaque numeric handle for a configured MCU
// object (stepper, endstop, ...).
func (s *Session) AllocateOID() uint32 {
	return atomic.AddUint32(&s.oidCounter, 1) - 1
}

// SendCommand encodes cmd against the session's pinned dictionary and
// enqueues it on the reliability layer.
func (s *Session) SendCommand(cmd *protocol.Command) (uint8, error) {
	s.mu.RLock()
	formats := s.cmdFormats
	s.mu.RUnlock()
	if formats == nil {
		return 0, errors.ProtocolErrorKind("session: dictionary not yet negotiated")
	}

	payload, err := cmd.Encode(formats)
	if err != nil {
		return 0, errors.ProtocolErrorKind(err.Error())
	}
	seq, err := s.queue.Send(payload)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// ClockSync returns the session's affine clock estimator.
func (s *Session) ClockSync() *clocksync.ClockSync { return s.clock }

// Queue returns the session's reliable-delivery layer.
func (s *Session) Queue() *serialqueue.Queue { return s.queue }

// ResponseFormats returns the dictionary's response-side format table,
// for decoding inbound frames.
func (s *Session) ResponseFormats() map[int]*protocol.MessageFormat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rspFormats
}

// IsShutdown reports whether the shutdown latch has been set.
func (s *Session) IsShutdown() bool { return s.shutdown.Load() }

// Shutdown sets the atomic shutdown latch exactly once, recording the
// triggering error and publishing a shutdown MotionEvent. Per
// SPEC_FULL.md §5, the caller (control thread) is responsible for draining
// pending moves and issuing clear_queue/emergency_stop; Shutdown itself
// only flips the latch, closes the session's queue and notifies
// subscribers.
func (s *Session) Shutdown(cause error) {
	if !s.shutdown.CompareAndSwap(false, true) {
		return
	}
	s.shutdownErr.Store(cause)
	s.queue.Close()
	s.publish(MotionEvent{Kind: "shutdown", Time: time.Now(), SessionID: s.ID, Detail: cause.Error()})
}

// ShutdownCause returns the error that triggered shutdown, or nil.
func (s *Session) ShutdownCause() error {
	v := s.shutdownErr.Load()
	if v == nil {
		return nil
	}
	return v.(error)
}

// Events returns the channel the external print-state module (or any
// other observer) subscribes to for motion/shutdown notifications. This
// is the core's entire "persisted state" surface per §6: the core itself
// persists nothing, it only publishes.
func (s *Session) Events() <-chan MotionEvent { return s.events }

func (s *Session) publish(ev MotionEvent) {
	select {
	case s.events <- ev:
	default:
		// Slow/absent subscriber: drop rather than block the control
		// thread, per §5's "no other operation in the core may block the
		// control thread".
	}
}

// NotifyMoveFlushed publishes a move_flushed MotionEvent — called by the
// toolhead/look-ahead queue whenever it finalizes a batch of moves.
func (s *Session) NotifyMoveFlushed(detail string) {
	s.publish(MotionEvent{Kind: "move_flushed", Time: time.Now(), SessionID: s.ID, Detail: detail})
}

// ClearQueue discards the session's unacknowledged, not-yet-dispatched
// outbound frames — the control thread's shutdown/drain step per
// SPEC_FULL.md §5 ("the dispatcher sends clear_queue on every session").
// Unlike Shutdown, this does not latch the session closed.
func (s *Session) ClearQueue() {
	s.queue.ClearQueue()
}

// SendEmergencyStop dispatches the dictionary's emergency_stop command,
// the wire-level reaction to a fatal StepOrderViolation per SPEC_FULL.md
// §7. It satisfies pkg/safety.MCUCommander so a Session can register
// directly with a safety.Manager.
func (s *Session) SendEmergencyStop() error {
	_, err := s.SendCommand(protocol.NewCommand("emergency_stop"))
	return err
}

// IsConnected reports whether the session is still usable for dispatch —
// the other half of pkg/safety.MCUCommander.
func (s *Session) IsConnected() bool { return !s.IsShutdown() }
