package importer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"smartaudit/internal/api"
)

func TestStartValidationCachedOnRepeat(t *testing.T) {
	f := newFakeAPI()
	s := newTestSession(f, newFakeClock())
	ctx := context.Background()

	first, err := s.StartValidation(ctx, "x")
	if err != nil {
		t.Fatalf("StartValidation: %v", err)
	}
	second, err := s.StartValidation(ctx, "x")
	if err != nil {
		t.Fatalf("StartValidation: %v", err)
	}
	if n := f.startCount(api.StepValidate, "x"); n != 1 {
		t.Fatalf("expected one backend call, got %d", n)
	}
	if !second.Reused || first.Reused {
		t.Fatalf("reuse flags wrong: first=%v second=%v", first.Reused, second.Reused)
	}
	if second.ExecutionID != "x" || second.Data["status"] != first.Data["status"] {
		t.Fatalf("cached result differs: %+v vs %+v", second, first)
	}
}

func TestStartValidationConcurrentCallsShareRequest(t *testing.T) {
	f := newFakeAPI()
	f.startGate = make(chan struct{})
	f.startEntered = make(chan struct{}, 4)
	s := newTestSession(f, newFakeClock())

	var wg sync.WaitGroup
	results := make([]StartResult, 2)
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = s.StartValidation(context.Background(), "x")
	}()
	<-f.startEntered
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = s.StartValidation(context.Background(), "x")
	}()
	close(f.startGate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if n := f.startCount(api.StepValidate, "x"); n != 1 {
		t.Fatalf("expected one backend call, got %d", n)
	}
	if results[0].ExecutionID != results[1].ExecutionID {
		t.Fatalf("results differ: %+v %+v", results[0], results[1])
	}
}

func TestStartFailureNotCached(t *testing.T) {
	f := newFakeAPI()
	f.startErr = &api.HTTPError{Op: "validate.start", StatusCode: 500}
	s := newTestSession(f, newFakeClock())
	ctx := context.Background()

	if _, err := s.StartValidation(ctx, "x"); api.StatusCode(err) != 500 {
		t.Fatalf("expected 500, got %v", err)
	}
	f.mu.Lock()
	f.startErr = nil
	f.mu.Unlock()
	res, err := s.StartValidation(ctx, "x")
	if err != nil || res.Reused {
		t.Fatalf("failed start must not be cached: %+v %v", res, err)
	}
	if n := f.startCount(api.StepValidate, "x"); n != 2 {
		t.Fatalf("expected retry to reach backend, got %d calls", n)
	}
}

func TestValidationStatusDistinguishesNotFound(t *testing.T) {
	f := newFakeAPI()
	s := newTestSession(f, newFakeClock())
	_, err := s.ValidationStatus(context.Background(), "unknown")
	if !api.IsNotFound(err) {
		t.Fatalf("expected 404, got %v", err)
	}

	f.script(api.StepValidate, "x", statusStep{code: 422})
	_, err = s.ValidationStatus(context.Background(), "x")
	var he *api.HTTPError
	if !errors.As(err, &he) || he.StatusCode != 422 {
		t.Fatalf("expected 422 HTTPError, got %v", err)
	}
}

func TestStartConversionSeparateFromValidation(t *testing.T) {
	f := newFakeAPI()
	s := newTestSession(f, newFakeClock())
	ctx := context.Background()
	if _, err := s.StartValidation(ctx, "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.StartConversion(ctx, "x"); err != nil {
		t.Fatal(err)
	}
	if f.startCount(api.StepValidate, "x") != 1 || f.startCount(api.StepConvert, "x") != 1 {
		t.Fatal("validation and conversion must use distinct cache keys")
	}
	rep, err := s.ConversionStatus(ctx, "x")
	if !api.IsNotFound(err) {
		t.Fatalf("unscripted conversion status should be 404, got %+v %v", rep, err)
	}
}
