package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"causalrl/internal/config"
)

// profile is a named ablation applied over the loaded configuration.
type profile struct {
	ID          string
	Description string
	apply       func(*config.Config)
}

var profiles = []profile{
	{
		ID:          "causal-full",
		Description: "oracle masking and blended causal shaping",
		apply: func(c *config.Config) {
			c.Agent.DisableMasking = false
			c.Agent.Shaping = "blend"
		},
	},
	{
		ID:          "causal-additive",
		Description: "oracle masking and additive causal shaping",
		apply: func(c *config.Config) {
			c.Agent.DisableMasking = false
			c.Agent.Shaping = "additive"
		},
	},
	{
		ID:          "no-shaping",
		Description: "oracle masking, raw environment reward",
		apply: func(c *config.Config) {
			c.Agent.DisableMasking = false
			c.Agent.Shaping = "none"
		},
	},
	{
		ID:          "no-masking",
		Description: "blended causal shaping, every legal action selectable",
		apply: func(c *config.Config) {
			c.Agent.DisableMasking = true
			c.Agent.Shaping = "blend"
		},
	},
	{
		ID:          "plain-dqn",
		Description: "no masking, no shaping",
		apply: func(c *config.Config) {
			c.Agent.DisableMasking = true
			c.Agent.Shaping = "none"
		},
	},
	{
		ID:          "screened",
		Description: "oracle masking that also drops actions predicted to hurt their outcome",
		apply: func(c *config.Config) {
			c.Agent.DisableMasking = false
			c.Model.ScreenHarmful = true
		},
	},
}

func lookupProfile(id string) (profile, error) {
	key := strings.ToLower(strings.TrimSpace(id))
	for _, p := range profiles {
		if p.ID == key {
			return p, nil
		}
	}
	return profile{}, fmt.Errorf("unknown profile: %s", id)
}

func applyProfile(cfg *config.Config, id string) error {
	p, err := lookupProfile(id)
	if err != nil {
		return err
	}
	p.apply(cfg)
	return cfg.Validate()
}

func listProfiles() []profile {
	out := append([]profile(nil), profiles...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func newProfilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List ablation profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, p := range listProfiles() {
				fmt.Fprintf(cmd.OutOrStdout(), "id=%s description=%q\n", p.ID, p.Description)
			}
			return nil
		},
	}
}
