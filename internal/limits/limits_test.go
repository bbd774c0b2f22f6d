package limits

import (
	"errors"
	"testing"
	"time"
)

func TestIterationCap(t *testing.T) {
	tr := NewTracker(Caps{MaxIterations: 3})
	for i := 0; i < 3; i++ {
		if err := tr.Iteration(); err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
	}
	err := tr.Iteration()
	var ex *ExceededError
	if !errors.As(err, &ex) || ex.Kind != KindIterations {
		t.Fatalf("want iteration breach, got %v", err)
	}
	// Breach is sticky.
	if err := tr.Check(); !errors.As(err, &ex) {
		t.Fatalf("breach not sticky: %v", err)
	}
}

func TestDurationCap(t *testing.T) {
	tr := NewTracker(Caps{MaxDuration: time.Second})
	fake := tr.started
	tr.now = func() time.Time { return fake.Add(2 * time.Second) }
	err := tr.Check()
	var ex *ExceededError
	if !errors.As(err, &ex) || ex.Kind != KindDuration {
		t.Fatalf("want duration breach, got %v", err)
	}
}

func TestProgressAndBudget(t *testing.T) {
	tr := NewTracker(Caps{MaxProgressSteps: 10, MaxBudgetDollars: 1.0})
	if err := tr.Progress(10); err != nil {
		t.Fatal(err)
	}
	var ex *ExceededError
	if err := tr.Progress(1); !errors.As(err, &ex) || ex.Kind != KindProgress {
		t.Fatalf("want progress breach, got %v", err)
	}

	tr2 := NewTracker(Caps{MaxBudgetDollars: 0.5})
	if err := tr2.Spend(0.4); err != nil {
		t.Fatal(err)
	}
	if err := tr2.Spend(0.2); !errors.As(err, &ex) || ex.Kind != KindBudget {
		t.Fatalf("want budget breach, got %v", err)
	}
}

func TestZeroBudgetUnbounded(t *testing.T) {
	tr := NewTracker(Caps{})
	if err := tr.Spend(10000); err != nil {
		t.Fatalf("zero budget must be unbounded: %v", err)
	}
}
