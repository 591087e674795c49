package action

import (
	"testing"

	"causalrl/internal/model"
)

func TestNoOpIsAlwaysFeasible(t *testing.T) {
	states := []model.State{
		{},
		{Discrete: map[string]string{"supplier_reliability": "high", "inventory_level": "high"}},
		{Discrete: map[string]string{"stockout_risk": "critical", "service_disruption": "severe"}},
	}
	for _, state := range states {
		if !NoOp.Feasible(state) {
			t.Fatalf("expected no-op feasible for %+v", state.Discrete)
		}
	}
}

func TestPreconditionsUseCalmDefaults(t *testing.T) {
	calm := model.State{}
	for _, id := range All() {
		if id == NoOp {
			continue
		}
		if id.Feasible(calm) {
			t.Fatalf("expected %s infeasible for an empty state", id)
		}
	}
}

func TestPreconditionsFollowDiscretizedState(t *testing.T) {
	cases := []struct {
		id    ID
		state map[string]string
		want  bool
	}{
		{SwitchSupplier, map[string]string{"supplier_reliability": "low"}, true},
		{SwitchSupplier, map[string]string{"supplier_reliability": "high"}, false},
		{IncreaseSafetyStock, map[string]string{"inventory_level": "critical"}, true},
		{IncreaseSafetyStock, map[string]string{"inventory_level": "high"}, false},
		{EmergencyProcurement, map[string]string{"stockout_risk": "medium"}, true},
		{EmergencyProcurement, map[string]string{"stockout_risk": "low"}, false},
		{RerouteShipments, map[string]string{"transportation_capacity": "limited"}, true},
		{RerouteShipments, map[string]string{"transportation_capacity": "abundant"}, false},
		{AllocateResources, map[string]string{"service_disruption": "minor"}, true},
		{AllocateResources, map[string]string{"service_disruption": "none"}, false},
	}
	for _, tc := range cases {
		got := tc.id.Feasible(model.State{Discrete: tc.state})
		if got != tc.want {
			t.Fatalf("%s with %v: got %t want %t", tc.id, tc.state, got, tc.want)
		}
	}
}

func TestParseAcceptsAliases(t *testing.T) {
	for name, want := range map[string]ID{
		"switch_supplier":   SwitchSupplier,
		"reroute-shipments": RerouteShipments,
		"no_action":         NoOp,
		" NO_OP ":           NoOp,
	} {
		got, err := Parse(name)
		if err != nil {
			t.Fatalf("parse %q: %v", name, err)
		}
		if got != want {
			t.Fatalf("parse %q: got %s want %s", name, got, want)
		}
	}
	if _, err := Parse("teleport"); err == nil {
		t.Fatal("expected unknown action error")
	}
}

func TestSetIntersect(t *testing.T) {
	a := NewSet(SwitchSupplier, RerouteShipments, NoOp)
	b := NewSet(RerouteShipments, AllocateResources, NoOp)
	got := a.Intersect(b).IDs()
	if len(got) != 2 || got[0] != RerouteShipments || got[1] != NoOp {
		t.Fatalf("unexpected intersection: %v", got)
	}
}
