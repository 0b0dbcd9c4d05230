package cascade

import (
	"context"
	"errors"
	"testing"
)

func step(name string, out int, err error, calls *[]string) Step[string, int] {
	return Func[string, int]{Label: name, Fn: func(ctx context.Context, in string) (int, error) {
		*calls = append(*calls, name)
		return out, err
	}}
}

func TestRunStopsAtFirstSuccess(t *testing.T) {
	var calls []string
	steps := []Step[string, int]{
		step("skip", 0, ErrSkip, &calls),
		step("fail", 0, errors.New("boom"), &calls),
		step("ok", 7, nil, &calls),
		step("never", 9, nil, &calls),
	}
	var outcomes []Outcome
	out, name, err := Run(context.Background(), "in", steps, func(o Outcome) { outcomes = append(outcomes, o) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != 7 || name != "ok" {
		t.Fatalf("got %d from %s", out, name)
	}
	if len(calls) != 3 {
		t.Fatalf("later steps must not run, calls=%v", calls)
	}
	if !outcomes[0].Skipped || outcomes[1].Skipped {
		t.Fatalf("skip flags wrong: %+v", outcomes)
	}
}

func TestRunExhaustedJoinsErrors(t *testing.T) {
	var calls []string
	boom := errors.New("boom")
	_, _, err := Run(context.Background(), "in", []Step[string, int]{
		step("a", 0, boom, &calls),
		step("b", 0, ErrSkip, &calls),
	}, nil)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("step error should be preserved: %v", err)
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls []string
	_, _, err := Run(ctx, "in", []Step[string, int]{step("a", 1, nil, &calls)}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(calls) != 0 {
		t.Fatalf("no step should run after cancellation")
	}
}
