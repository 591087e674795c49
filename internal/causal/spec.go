package causal

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

//go:embed healthcare.hcl
var healthcareSpec []byte

const (
	defaultEdgeStrength = 0.5
	defaultBaseline     = 0.2
)

type hclModelFile struct {
	Variables []*hclVariable `hcl:"variable,block"`
	Edges     []*hclEdge     `hcl:"edge,block"`
}

type hclVariable struct {
	Name           string   `hcl:"name,label"`
	Domain         []string `hcl:"domain"`
	Role           *string  `hcl:"role,optional"`
	HigherIsBetter *bool    `hcl:"higher_is_better,optional"`
	Latent         *bool    `hcl:"latent,optional"`
	Baseline       *float64 `hcl:"baseline,optional"`
	Description    *string  `hcl:"description,optional"`
}

type hclEdge struct {
	From      string   `hcl:"from,label"`
	To        string   `hcl:"to,label"`
	Strength  *float64 `hcl:"strength,optional"`
	Sign      *int     `hcl:"sign,optional"`
	Mechanism *string  `hcl:"mechanism,optional"`
}

// LoadModelSpec decodes an HCL model description into a validated graph.
// filename is only used in diagnostics.
func LoadModelSpec(src []byte, filename string) (*Graph, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse model spec %s: %w", filename, diags)
	}
	var parsed hclModelFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode model spec %s: %w", filename, diags)
	}

	vars := make([]Variable, 0, len(parsed.Variables))
	for _, v := range parsed.Variables {
		role := RoleEndogenous
		if v.Role != nil {
			r, err := ParseRole(*v.Role)
			if err != nil {
				return nil, structuralf([]string{v.Name}, "%v", err)
			}
			role = r
		}
		variable := Variable{
			Name:           v.Name,
			Domain:         v.Domain,
			Role:           role,
			HigherIsBetter: deref(v.HigherIsBetter, false),
			Latent:         deref(v.Latent, false),
			Baseline:       deref(v.Baseline, defaultBaseline),
			Description:    deref(v.Description, ""),
		}
		if variable.Baseline < 0 || variable.Baseline > 1 {
			return nil, structuralf([]string{v.Name}, "baseline %.3f outside [0,1]", variable.Baseline)
		}
		vars = append(vars, variable)
	}

	edges := make([]Edge, 0, len(parsed.Edges))
	for _, e := range parsed.Edges {
		edge := Edge{
			From:      e.From,
			To:        e.To,
			Strength:  deref(e.Strength, defaultEdgeStrength),
			Sign:      deref(e.Sign, 1),
			Mechanism: deref(e.Mechanism, ""),
		}
		if edge.Sign != 1 && edge.Sign != -1 {
			return nil, structuralf([]string{e.From, e.To}, "edge sign must be 1 or -1, got %d", edge.Sign)
		}
		if edge.Strength < 0 || edge.Strength > 1 {
			return nil, structuralf([]string{e.From, e.To}, "edge strength %.3f outside [0,1]", edge.Strength)
		}
		edges = append(edges, edge)
	}
	return BuildGraph(vars, edges)
}

func LoadModelSpecFile(path string) (*Graph, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model spec: %w", err)
	}
	return LoadModelSpec(src, path)
}

// DefaultModelSpec returns the built-in healthcare supply chain graph.
func DefaultModelSpec() (*Graph, error) {
	return LoadModelSpec(healthcareSpec, "healthcare.hcl")
}

func deref[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
