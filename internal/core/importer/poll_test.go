package importer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"smartaudit/internal/api"
)

func TestPollMixedCaseValidatedIsSuccess(t *testing.T) {
	f := newFakeAPI()
	f.script(api.StepValidate, "x", statusStep{status: "processing"}, statusStep{status: "VALIDATED"})
	s := newTestSession(f, newFakeClock())

	res, err := s.PollValidation(context.Background(), "x", PollOptions{})
	if err != nil {
		t.Fatalf("PollValidation: %v", err)
	}
	if !res.Success || res.FinalStatus != api.StatusValidated {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", res.Attempts)
	}
}

func TestPollFailedStatus(t *testing.T) {
	f := newFakeAPI()
	f.script(api.StepValidate, "x", statusStep{status: "Error"})
	s := newTestSession(f, newFakeClock())

	res, err := s.PollValidation(context.Background(), "x", PollOptions{})
	if err != nil {
		t.Fatalf("PollValidation: %v", err)
	}
	if res.Success || res.FinalStatus != api.StatusError {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestPollTimeout(t *testing.T) {
	f := newFakeAPI()
	f.script(api.StepValidate, "x", statusStep{status: "processing"})
	fc := newFakeClock()
	s := newTestSession(f, fc)

	res, err := s.PollValidation(context.Background(), "x", PollOptions{Interval: 20 * time.Millisecond, Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("PollValidation: %v", err)
	}
	if res.Success || res.FinalStatus != api.StatusTimeout {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if res.Attempts > 7 {
		t.Fatalf("timeout should stop polling within a few ticks, got %d attempts", res.Attempts)
	}
	if fc.slept < 100*time.Millisecond {
		t.Fatalf("expected at least the timeout to elapse, slept %v", fc.slept)
	}
	if s.Guard().Len() != 0 {
		t.Fatal("poll guard leaked after timeout")
	}
}

func TestPollNotFoundIsTransient(t *testing.T) {
	f := newFakeAPI()
	f.script(api.StepConvert, "x",
		statusStep{code: 404},
		statusStep{code: 404},
		statusStep{status: "converted"},
	)
	s := newTestSession(f, newFakeClock())

	res, err := s.PollConversion(context.Background(), "x", PollOptions{})
	if err != nil {
		t.Fatalf("PollConversion: %v", err)
	}
	if !res.Success || res.FinalStatus != api.StatusConverted || res.Attempts != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !s.Converted("x") {
		t.Fatal("successful conversion not recorded")
	}
}

func TestPollFatalErrorStops(t *testing.T) {
	f := newFakeAPI()
	f.script(api.StepValidate, "x", statusStep{code: 500}, statusStep{status: "validated"})
	s := newTestSession(f, newFakeClock())

	res, err := s.PollValidation(context.Background(), "x", PollOptions{})
	if err != nil {
		t.Fatalf("PollValidation: %v", err)
	}
	if res.Success || res.StatusCode != 500 {
		t.Fatalf("expected fatal 500, got %+v", res)
	}
	if n := f.statusCount(api.StepValidate, "x"); n != 1 {
		t.Fatalf("expected a single status call, got %d", n)
	}
}

func TestPollCancelledContext(t *testing.T) {
	f := newFakeAPI()
	f.script(api.StepValidate, "x", statusStep{status: "processing"})
	s := newTestSession(f, newFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := s.PollValidation(ctx, "x", PollOptions{})
	if err != nil {
		t.Fatalf("PollValidation: %v", err)
	}
	if res.Success || res.FinalStatus != api.StatusError {
		t.Fatalf("expected cancelled poll to fail, got %+v", res)
	}
	if s.Guard().Len() != 0 {
		t.Fatal("poll guard leaked after cancellation")
	}
}

func TestConcurrentPollRejected(t *testing.T) {
	f := newFakeAPI()
	f.script(api.StepValidate, "x", statusStep{status: "validated"})
	f.statusGate = make(chan struct{})
	f.statusEntered = make(chan struct{}, 1)
	s := newTestSession(f, newFakeClock())

	var wg sync.WaitGroup
	var first PollResult
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, firstErr = s.PollValidation(context.Background(), "x", PollOptions{})
	}()
	<-f.statusEntered

	_, err := s.PollValidation(context.Background(), "x", PollOptions{})
	if !errors.Is(err, ErrAlreadyPolling) || !IsAlreadyPolling(err) {
		t.Fatalf("expected ErrAlreadyPolling, got %v", err)
	}
	// another execution is not blocked by x
	if !s.Guard().Acquire("poll.validate:y") {
		t.Fatal("guard must be per execution")
	}
	s.Guard().Release("poll.validate:y")

	close(f.statusGate)
	wg.Wait()
	if firstErr != nil || !first.Success {
		t.Fatalf("first poll: %+v %v", first, firstErr)
	}

	again, err := s.PollValidation(context.Background(), "x", PollOptions{})
	if err != nil || !again.Success {
		t.Fatalf("poll after completion should be allowed: %+v %v", again, err)
	}
}

func TestPollGuardSeparatesSteps(t *testing.T) {
	g := NewPollGuard()
	if !g.Acquire("poll.validate:x") || !g.Acquire("poll.convert:x") {
		t.Fatal("different steps of one execution must not block each other")
	}
	if g.Acquire("poll.validate:x") {
		t.Fatal("second acquire must fail")
	}
	if !g.Active("poll.validate:x") || g.Len() != 2 {
		t.Fatal("unexpected guard state")
	}
	g.Release("poll.validate:x")
	if g.Active("poll.validate:x") {
		t.Fatal("release did not clear key")
	}
}
