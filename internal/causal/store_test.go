package causal

import (
	"errors"
	"math"
	"testing"
)

func chainGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := BuildGraph(
		[]Variable{binary("a"), binary("b"), binary("c")},
		[]Edge{{From: "a", To: "b"}, {From: "b", To: "c"}},
	)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	return g
}

func TestFitProducesNormalizedRows(t *testing.T) {
	g, err := DefaultModelSpec()
	if err != nil {
		t.Fatalf("load default model: %v", err)
	}
	s := NewStore(g)
	obs := []Observation{
		{"pandemic_severity": "high", "demand_surge": "extreme"},
		{"inventory_level": "low", "lead_time": "extended", "compound_disruption": "true", "stockout_risk": "critical"},
	}
	if err := s.Fit(obs, DefaultFitOptions(g)); err != nil {
		t.Fatalf("fit: %v", err)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, rec := range s.Records() {
		for r, row := range rec.Counts {
			total := 0.0
			for _, c := range row {
				total += c
			}
			if total <= 0 {
				t.Fatalf("%s row %d has no mass", rec.Variable, r)
			}
		}
	}
}

func TestExpertPriorsAreDistributions(t *testing.T) {
	g, err := DefaultModelSpec()
	if err != nil {
		t.Fatalf("load default model: %v", err)
	}
	priors := ExpertPriors(g)
	for name, rows := range priors {
		for r, row := range rows {
			sum := 0.0
			for _, p := range row {
				sum += p
			}
			if math.Abs(sum-1) > 1e-6 {
				t.Fatalf("prior %s row %d sums to %f", name, r, sum)
			}
		}
	}
	// With safety stock (row order: demand, lead_time, safety, emergency) the
	// inventory prior should lean towards healthy levels.
	rows := priors["inventory_level"]
	without, with := rows[0], rows[2]
	if with[0] >= without[0] {
		t.Fatalf("safety stock should lower the critical inventory prior: with=%v without=%v", with, without)
	}
}

func TestFitCountsCompleteFamiliesOnly(t *testing.T) {
	s := NewStore(chainGraph(t))
	obs := []Observation{
		{"a": "1", "b": "1"},
		{"a": "1", "b": "1"},
		{"b": "1"},
		{"c": "0"},
	}
	if err := s.Fit(obs, FitOptions{Alpha: 1}); err != nil {
		t.Fatalf("fit: %v", err)
	}
	dist, err := s.Distribution("b", Observation{"a": "1"})
	if err != nil {
		t.Fatalf("distribution: %v", err)
	}
	// Laplace: (1+0, 1+2) / 4
	if math.Abs(dist[1]-0.75) > 1e-9 {
		t.Fatalf("expected 0.75, got %v", dist)
	}
	// c was never observed with its parent.
	dist, err = s.Distribution("c", Observation{"b": "0"})
	if err != nil {
		t.Fatalf("distribution: %v", err)
	}
	if dist[0] != 0.5 {
		t.Fatalf("expected uniform c row, got %v", dist)
	}
}

func TestFitRejectsUnknownLabel(t *testing.T) {
	s := NewStore(chainGraph(t))
	err := s.Fit([]Observation{{"a": "maybe"}}, FitOptions{Alpha: 1})
	var structural *StructuralError
	if !errors.As(err, &structural) {
		t.Fatalf("expected structural error, got %v", err)
	}
	if err := s.Fit(nil, FitOptions{}); err == nil {
		t.Fatal("expected fit without smoothing to fail")
	}
}

func TestUpdateBeliefsRejectedMidEpisode(t *testing.T) {
	s := NewStore(chainGraph(t))
	if err := s.UpdateBeliefs(nil); !errors.Is(err, ErrNotFitted) {
		t.Fatalf("expected not fitted error, got %v", err)
	}
	if err := s.Fit(nil, FitOptions{Alpha: 1}); err != nil {
		t.Fatalf("fit: %v", err)
	}
	s.Freeze()
	if err := s.UpdateBeliefs([]Observation{{"a": "1"}}); !errors.Is(err, ErrBeliefUpdateMidEpisode) {
		t.Fatalf("expected mid-episode rejection, got %v", err)
	}
	s.Thaw()
	if err := s.UpdateBeliefs([]Observation{{"a": "1"}, {"a": "1"}}); err != nil {
		t.Fatalf("update after episode: %v", err)
	}
	dist, err := s.Distribution("a", nil)
	if err != nil {
		t.Fatalf("distribution: %v", err)
	}
	if math.Abs(dist[1]-0.75) > 1e-9 {
		t.Fatalf("expected 0.75 after update, got %v", dist)
	}
}

func TestRecordsRestoreRoundTrip(t *testing.T) {
	g := chainGraph(t)
	s := NewStore(g)
	if err := s.Fit([]Observation{{"a": "0", "b": "1", "c": "1"}}, FitOptions{Alpha: 0.5}); err != nil {
		t.Fatalf("fit: %v", err)
	}
	restored := NewStore(g)
	if err := restored.Restore(s.Records()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	for _, parent := range []string{"0", "1"} {
		want, _ := s.Distribution("c", Observation{"b": parent})
		got, err := restored.Distribution("c", Observation{"b": parent})
		if err != nil {
			t.Fatalf("distribution: %v", err)
		}
		for i := range want {
			if math.Abs(want[i]-got[i]) > 1e-12 {
				t.Fatalf("restored distribution mismatch: %v vs %v", got, want)
			}
		}
	}

	records := s.Records()
	records[1].Parents = []string{"c"}
	if err := NewStore(g).Restore(records); err == nil {
		t.Fatal("expected parent mismatch to be rejected")
	}
}
