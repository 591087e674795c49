// Package action defines the closed set of supply-chain interventions the
// agent can choose from, together with the precondition each one carries.
package action

import (
	"fmt"
	"strings"

	"causalrl/internal/model"
)

// ID is a dense action index. The value network emits one estimate per ID, so
// the ordering here is part of the checkpoint contract.
type ID int

const (
	SwitchSupplier ID = iota
	IncreaseSafetyStock
	EmergencyProcurement
	RerouteShipments
	AllocateResources
	NoOp

	Count = int(NoOp) + 1
)

var names = [Count]string{
	SwitchSupplier:       "switch_supplier",
	IncreaseSafetyStock:  "increase_safety_stock",
	EmergencyProcurement: "emergency_procurement",
	RerouteShipments:     "reroute_shipments",
	AllocateResources:    "allocate_resources",
	NoOp:                 "no_op",
}

func (id ID) String() string {
	if !id.Valid() {
		return fmt.Sprintf("action(%d)", int(id))
	}
	return names[id]
}

func (id ID) Valid() bool {
	return id >= 0 && int(id) < Count
}

// Variable is the causal-graph node toggled by the action. The no-op has none.
func (id ID) Variable() string {
	switch id {
	case SwitchSupplier, IncreaseSafetyStock, EmergencyProcurement, RerouteShipments, AllocateResources:
		return names[id]
	case NoOp:
		return ""
	default:
		return ""
	}
}

// PrimaryOutcome is the outcome variable the action is meant to move.
func (id ID) PrimaryOutcome() string {
	switch id {
	case SwitchSupplier:
		return "supplier_reliability"
	case IncreaseSafetyStock, EmergencyProcurement:
		return "stockout_risk"
	case RerouteShipments:
		return "lead_time"
	case AllocateResources:
		return "service_disruption"
	case NoOp:
		return "recovery_time"
	default:
		return ""
	}
}

// Feasible evaluates the action's precondition against the discretized state.
// Variables missing from the state take the defaults the supply-chain model
// assumes for a calm period.
func (id ID) Feasible(state model.State) bool {
	switch id {
	case SwitchSupplier:
		return state.Value("supplier_reliability", "high") != "high"
	case IncreaseSafetyStock:
		return state.Value("inventory_level", "normal") != "high"
	case EmergencyProcurement:
		switch state.Value("stockout_risk", "low") {
		case "medium", "high", "critical":
			return true
		}
		return false
	case RerouteShipments:
		return state.Value("transportation_capacity", "normal") == "limited"
	case AllocateResources:
		return state.Value("service_disruption", "none") != "none"
	case NoOp:
		return true
	default:
		return false
	}
}

// PreconditionVariables lists the state variables read by Feasible.
func (id ID) PreconditionVariables() []string {
	switch id {
	case SwitchSupplier:
		return []string{"supplier_reliability"}
	case IncreaseSafetyStock:
		return []string{"inventory_level"}
	case EmergencyProcurement:
		return []string{"stockout_risk"}
	case RerouteShipments:
		return []string{"transportation_capacity"}
	case AllocateResources:
		return []string{"service_disruption"}
	case NoOp:
		return nil
	default:
		return nil
	}
}

func All() []ID {
	out := make([]ID, Count)
	for i := range out {
		out[i] = ID(i)
	}
	return out
}

func Parse(name string) (ID, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	if normalized == "no_action" || normalized == "noop" {
		return NoOp, nil
	}
	for i, n := range names {
		if n == normalized {
			return ID(i), nil
		}
	}
	return 0, fmt.Errorf("unknown action: %s", name)
}

// Set is a fixed-size membership mask over the action space.
type Set [Count]bool

func NewSet(ids ...ID) Set {
	var s Set
	for _, id := range ids {
		if id.Valid() {
			s[id] = true
		}
	}
	return s
}

func (s Set) Has(id ID) bool {
	return id.Valid() && s[id]
}

func (s Set) Intersect(other Set) Set {
	var out Set
	for i := range s {
		out[i] = s[i] && other[i]
	}
	return out
}

func (s Set) IDs() []ID {
	out := make([]ID, 0, Count)
	for i, ok := range s {
		if ok {
			out = append(out, ID(i))
		}
	}
	return out
}

func (s Set) Len() int {
	n := 0
	for _, ok := range s {
		if ok {
			n++
		}
	}
	return n
}
