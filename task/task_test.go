package task

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestState_Lifecycle(t *testing.T) {
	s := NewState("worker")
	if !s.IsRunning() {
		t.Fatal("expected new state to be running")
	}

	s.RequestStop()
	s.RequestStop()

	if s.IsRunning() {
		t.Fatal("expected stop requested")
	}
	select {
	case <-s.StopRequested():
	default:
		t.Fatal("stop channel should be closed")
	}

	err := s.AwaitStop(10 * time.Millisecond)
	if !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("expected ErrStopTimeout, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), s.Name()+": ") {
		t.Fatalf("expected task name in %q", err)
	}

	go s.MarkStopped()
	if err := s.AwaitStop(time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Current() != Stopped {
		t.Fatalf("expected Stopped, got %d", s.Current())
	}
	s.MarkStopped()
}

func TestState_SleepInterrupted(t *testing.T) {
	s := NewState("sleeper")
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.RequestStop()
	}()

	start := time.Now()
	if s.Sleep(5 * time.Second) {
		t.Fatal("sleep should report stop")
	}
	if time.Since(start) > time.Second {
		t.Fatal("sleep was not interrupted")
	}
	if !NewState("x").Sleep(time.Millisecond) {
		t.Fatal("short sleep should complete")
	}
}

func TestSupervisor_FirstErrorWins(t *testing.T) {
	s := NewSupervisor()
	s.Terminate("ignored", nil)

	select {
	case <-s.Done():
		t.Fatal("nil error must not terminate")
	default:
	}

	first := errors.New("first")
	s.Terminate("producer", first)
	s.Terminate("client", errors.New("second"))

	<-s.Done()
	source, err := s.Err()
	if source != "producer" || !errors.Is(err, first) {
		t.Fatalf("unexpected result: %s %v", source, err)
	}
}
