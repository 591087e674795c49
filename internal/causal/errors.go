package causal

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrBeliefUpdateMidEpisode = errors.New("belief update is only allowed between episodes")
	ErrNotFitted              = errors.New("probability store has not been fitted")
)

// StructuralError reports an invalid causal model: a cycle, an unknown
// variable or value reference, or a malformed domain. It is never recoverable.
type StructuralError struct {
	Reason    string
	Variables []string
	Cycle     []string
}

func (e *StructuralError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("structural error: %s: %s", e.Reason, strings.Join(e.Cycle, " -> "))
	}
	if len(e.Variables) > 0 {
		return fmt.Sprintf("structural error: %s: %s", e.Reason, strings.Join(e.Variables, ", "))
	}
	return "structural error: " + e.Reason
}

func structuralf(vars []string, format string, args ...any) *StructuralError {
	return &StructuralError{Reason: fmt.Sprintf(format, args...), Variables: vars}
}

// IdentifiabilityFailure is returned as a value when an intervention effect
// cannot be identified from the graph. Callers treat the effect as
// indeterminate and fall back to an unmasked decision.
type IdentifiabilityFailure struct {
	Intervention Intervention
	Outcome      string
	Reason       string
	Confounders  []string
}

func (f *IdentifiabilityFailure) String() string {
	if f == nil {
		return ""
	}
	msg := fmt.Sprintf("effect of do(%s=%s) on %s not identifiable: %s", f.Intervention.Variable, f.Intervention.Value, f.Outcome, f.Reason)
	if len(f.Confounders) > 0 {
		msg += " (" + strings.Join(f.Confounders, ", ") + ")"
	}
	return msg
}
