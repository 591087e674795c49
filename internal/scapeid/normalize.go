package scapeid

import "strings"

// SupplyChain is the canonical name of the healthcare supply-chain
// environment.
const SupplyChain = "supply-chain"

var aliases = map[string]string{
	"supplychain":           SupplyChain,
	"healthcare":            SupplyChain,
	"healthcaresupplychain": SupplyChain,
	"hospitalsupply":        SupplyChain,
	"healthcarecrl":         SupplyChain,
}

var (
	prefixes = []string{"scape-", "env-"}
	suffixes = []string{"-sim1", "-sim", "-env"}
)

// Normalize canonicalizes environment names: lower case, underscores and
// spaces folded into dashes. Known aliases, with or without a scape/env
// prefix and a sim/env suffix, map to their canonical name; anything else is
// returned in its folded form.
func Normalize(name string) string {
	folded := strings.ToLower(strings.TrimSpace(name))
	folded = strings.NewReplacer("_", "-", " ", "-").Replace(folded)
	folded = strings.Trim(folded, "-")
	if folded == "" {
		return ""
	}
	if canonical, ok := lookup(folded); ok {
		return canonical
	}
	return folded
}

func lookup(folded string) (string, bool) {
	core := folded
	for _, p := range prefixes {
		core = strings.TrimPrefix(core, p)
	}
	for _, s := range suffixes {
		core = strings.TrimSuffix(core, s)
	}
	for _, candidate := range []string{folded, core} {
		if canonical, ok := aliases[strings.ReplaceAll(candidate, "-", "")]; ok {
			return canonical, true
		}
	}
	return "", false
}
