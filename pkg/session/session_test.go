package session

import (
	"errors"
	"testing"

	"hostd/pkg/protocol"
	"hostd/pkg/serialqueue"
)

type nopTransport struct{ writes int }

func (t *nopTransport) Write(p []byte) (int, error) {
	t.writes++
	return len(p), nil
}

func testDictionary() *protocol.Dictionary {
	return &protocol.Dictionary{
		Commands:     map[string]int{"get_uptime": 1},
		Responses:    map[string]int{"uptime high=%u clock=%u": 2},
		Output:       map[string]int{},
		Enumerations: map[string]map[string]int{},
		Config:       map[string]any{},
	}
}

func TestNewAssignsIDAndAddress(t *testing.T) {
	q := serialqueue.New(&nopTransport{})
	s := New("/dev/ttyUSB0", q, 16000000)
	if s.ID == "" {
		t.Fatal("expected a non-empty session ID")
	}
	if s.Address != "/dev/ttyUSB0" {
		t.Fatalf("Address = %q, want /dev/ttyUSB0", s.Address)
	}
}

func TestSendCommandFailsBeforeDictionaryBound(t *testing.T) {
	q := serialqueue.New(&nopTransport{})
	s := New("addr", q, 16000000)
	if _, err := s.SendCommand(protocol.NewCommand("get_uptime")); err == nil {
		t.Fatal("expected error sending before BindDictionary")
	}
}

func TestSendCommandSucceedsAfterBindDictionary(t *testing.T) {
	tr := &nopTransport{}
	q := serialqueue.New(tr)
	s := New("addr", q, 16000000)
	if err := s.BindDictionary(testDictionary()); err != nil {
		t.Fatalf("BindDictionary: %v", err)
	}
	if _, err := s.SendCommand(protocol.NewCommand("get_uptime")); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if tr.writes != 1 {
		t.Fatalf("transport writes = %d, want 1", tr.writes)
	}
}

func TestAllocateOIDIncrements(t *testing.T) {
	s := New("addr", serialqueue.New(&nopTransport{}), 16000000)
	a := s.AllocateOID()
	b := s.AllocateOID()
	if b != a+1 {
		t.Fatalf("AllocateOID sequence = %d, %d; want consecutive", a, b)
	}
}

func TestShutdownIsIdempotentAndPublishesEvent(t *testing.T) {
	s := New("addr", serialqueue.New(&nopTransport{}), 16000000)
	cause := errors.New("boom")
	s.Shutdown(cause)
	s.Shutdown(errors.New("ignored, latch already set"))

	if !s.IsShutdown() {
		t.Fatal("expected IsShutdown() to be true")
	}
	if s.ShutdownCause().Error() != "boom" {
		t.Fatalf("ShutdownCause() = %v, want %q", s.ShutdownCause(), "boom")
	}

	select {
	case ev := <-s.Events():
		if ev.Kind != "shutdown" {
			t.Fatalf("event kind = %q, want shutdown", ev.Kind)
		}
	default:
		t.Fatal("expected a shutdown event on the Events channel")
	}
}

func TestNotifyMoveFlushedPublishesEvent(t *testing.T) {
	s := New("addr", serialqueue.New(&nopTransport{}), 16000000)
	s.NotifyMoveFlushed("batch of 5")
	select {
	case ev := <-s.Events():
		if ev.Kind != "move_flushed" || ev.Detail != "batch of 5" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected a move_flushed event")
	}
}

func TestClearQueueDoesNotLatchSessionClosed(t *testing.T) {
	tr := &nopTransport{}
	q := serialqueue.New(tr)
	s := New("addr", q, 16000000)
	if err := s.BindDictionary(testDictionary()); err != nil {
		t.Fatalf("BindDictionary: %v", err)
	}
	if _, err := s.SendCommand(protocol.NewCommand("get_uptime")); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	s.ClearQueue()

	if s.IsShutdown() {
		t.Fatal("ClearQueue must not shut down the session")
	}
	if _, err := s.SendCommand(protocol.NewCommand("get_uptime")); err != nil {
		t.Fatalf("SendCommand after ClearQueue: %v", err)
	}
}

func TestSendEmergencyStopSendsCommand(t *testing.T) {
	tr := &nopTransport{}
	q := serialqueue.New(tr)
	s := New("addr", q, 16000000)
	dict := testDictionary()
	dict.Commands["emergency_stop"] = 3
	if err := s.BindDictionary(dict); err != nil {
		t.Fatalf("BindDictionary: %v", err)
	}
	if err := s.SendEmergencyStop(); err != nil {
		t.Fatalf("SendEmergencyStop: %v", err)
	}
	if tr.writes != 1 {
		t.Fatalf("transport writes = %d, want 1", tr.writes)
	}
}

func TestIsConnectedReflectsShutdownState(t *testing.T) {
	s := New("addr", serialqueue.New(&nopTransport{}), 16000000)
	if !s.IsConnected() {
		t.Fatal("expected a fresh session to report IsConnected() true")
	}
	s.Shutdown(errors.New("boom"))
	if s.IsConnected() {
		t.Fatal("expected a shut-down session to report IsConnected() false")
	}
}
