package replay

import (
	"errors"
	"math/rand"
	"testing"

	"causalrl/internal/model"
)

func transition(action int) model.Transition {
	return model.Transition{Action: action, RawReward: float64(action)}
}

func TestBufferEvictsOldestWhenFull(t *testing.T) {
	b, err := New(3)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	for i := 0; i < 4; i++ {
		b.Add(transition(i))
	}
	if b.Len() != 3 {
		t.Fatalf("expected capacity-bounded length 3, got %d", b.Len())
	}
	if b.Total() != 4 {
		t.Fatalf("expected 4 total inserts, got %d", b.Total())
	}
	got := b.Snapshot()
	for i, want := range []int{1, 2, 3} {
		if got[i].Action != want {
			t.Fatalf("unexpected order after eviction: %+v", got)
		}
	}
}

func TestSampleIsDistinctAndSeeded(t *testing.T) {
	b, err := New(10)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	for i := 0; i < 10; i++ {
		b.Add(transition(i))
	}
	first, err := b.Sample(rand.New(rand.NewSource(4)), 6)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	seen := map[int]bool{}
	for _, tr := range first {
		if seen[tr.Action] {
			t.Fatalf("sample repeated transition %d", tr.Action)
		}
		seen[tr.Action] = true
	}
	second, err := b.Sample(rand.New(rand.NewSource(4)), 6)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	for i := range first {
		if first[i].Action != second[i].Action {
			t.Fatal("same seed should produce the same sample")
		}
	}
}

func TestSampleRequiresEnoughTransitions(t *testing.T) {
	b, err := New(5)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	b.Add(transition(0))
	if _, err := b.Sample(rand.New(rand.NewSource(1)), 2); !errors.Is(err, ErrInsufficientSamples) {
		t.Fatalf("expected insufficient samples error, got %v", err)
	}
	if _, err := New(0); err == nil {
		t.Fatal("expected zero capacity rejection")
	}
}

func TestAddCopiesStates(t *testing.T) {
	b, err := New(2)
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	state := model.State{Vector: []float64{1}, Discrete: map[string]string{"lead_time": "short"}}
	b.Add(model.Transition{State: state})
	state.Vector[0] = 99
	state.Discrete["lead_time"] = "critical"
	stored := b.Snapshot()[0]
	if stored.State.Vector[0] != 1 || stored.State.Discrete["lead_time"] != "short" {
		t.Fatalf("buffer aliased caller state: %+v", stored.State)
	}
}
