package scape

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"

	"causalrl/internal/action"
	"causalrl/internal/nn"
	"causalrl/internal/scapeid"
)

const SupplyChainName = scapeid.SupplyChain

const (
	slotServiceLevel = iota
	slotInventoryLevel
	slotLeadTime
	slotSupplierReliability
	slotCostPressure
	slotPandemicSeverity
	slotHurricaneSeverity
	slotCyberAttackSeverity
	slotPortClosureSeverity
	slotCompoundDisruption
	slotTransportationCapacity
	slotStockoutRisk
	slotDemandSurge
	slotCostIncrease
	slotQualityCompliance
	slotInventoryTurnover
	slotServiceDisruption
	slotRecoveryProgress
	slotDigitalResponsiveness
	slotSustainability

	supplyChainSlots
)

const baseCost = 100.0

var (
	severityEdges  = []float64{0.05, 0.35, 0.65}
	severityLabels = []string{"none", "low", "medium", "high"}
	quartiles      = []float64{0.25, 0.5, 0.75}
)

var supplyChainSlotLayout = []Slot{
	slotServiceLevel:           {Name: "service_level", Unit: "ratio", Min: 0, Max: 1},
	slotInventoryLevel:         {Name: "inventory_level", Unit: "ratio", Min: 0, Max: 1, Variable: "inventory_level", Edges: quartiles, Labels: []string{"critical", "low", "normal", "high"}},
	slotLeadTime:               {Name: "lead_time", Unit: "ratio", Min: 0, Max: 1, Variable: "lead_time", Edges: quartiles, Labels: []string{"short", "normal", "extended", "critical"}},
	slotSupplierReliability:    {Name: "supplier_reliability", Unit: "ratio", Min: 0, Max: 1, Variable: "supplier_reliability", Edges: []float64{0.4, 0.7}, Labels: []string{"low", "medium", "high"}},
	slotCostPressure:           {Name: "cost_pressure", Unit: "ratio", Min: 0, Max: 1},
	slotPandemicSeverity:       {Name: "pandemic_severity", Unit: "severity", Min: 0, Max: 1, Variable: "pandemic_severity", Edges: severityEdges, Labels: severityLabels},
	slotHurricaneSeverity:      {Name: "hurricane_severity", Unit: "severity", Min: 0, Max: 1, Variable: "hurricane_severity", Edges: severityEdges, Labels: severityLabels},
	slotCyberAttackSeverity:    {Name: "cyber_attack_severity", Unit: "severity", Min: 0, Max: 1, Variable: "cyber_attack_severity", Edges: severityEdges, Labels: severityLabels},
	slotPortClosureSeverity:    {Name: "port_closure_severity", Unit: "severity", Min: 0, Max: 1, Variable: "port_closure_severity", Edges: severityEdges, Labels: severityLabels},
	slotCompoundDisruption:     {Name: "compound_disruption", Unit: "flag", Min: 0, Max: 1, Variable: "compound_disruption", Edges: []float64{0.5}, Labels: []string{"false", "true"}},
	slotTransportationCapacity: {Name: "transportation_capacity", Unit: "ratio", Min: 0, Max: 1, Variable: "transportation_capacity", Edges: []float64{0.6, 0.85}, Labels: []string{"limited", "normal", "abundant"}},
	slotStockoutRisk:           {Name: "stockout_risk", Unit: "probability", Min: 0, Max: 1, Variable: "stockout_risk", Edges: []float64{0.2, 0.4, 0.6}, Labels: []string{"low", "medium", "high", "critical"}},
	slotDemandSurge:            {Name: "demand_surge", Unit: "ratio", Min: 0, Max: 1, Variable: "demand_surge", Edges: []float64{0.2, 0.5, 0.8}, Labels: []string{"none", "moderate", "high", "extreme"}},
	slotCostIncrease:           {Name: "cost_increase", Unit: "ratio", Min: 0, Max: 1, Variable: "cost_increase", Edges: quartiles, Labels: []string{"none", "low", "medium", "high"}},
	slotQualityCompliance:      {Name: "quality_compliance", Unit: "ratio", Min: 0, Max: 1},
	slotInventoryTurnover:      {Name: "inventory_turnover", Unit: "turns/year", Min: 0, Max: 24},
	slotServiceDisruption:      {Name: "service_disruption", Unit: "ratio", Min: 0, Max: 1, Variable: "service_disruption", Edges: []float64{0.05, 0.3, 0.6}, Labels: []string{"none", "minor", "moderate", "severe"}},
	slotRecoveryProgress:       {Name: "recovery_progress", Unit: "ratio", Min: 0, Max: 1},
	slotDigitalResponsiveness:  {Name: "digital_responsiveness", Unit: "ratio", Min: 0, Max: 1},
	slotSustainability:         {Name: "sustainability_score", Unit: "ratio", Min: 0, Max: 1},
}

var supplyChainInitial = [supplyChainSlots]float64{
	0.95, 0.8, 0.3, 0.9, 0.2,
	0, 0, 0, 0, 0,
	0.8, 0.1, 0.1, 0.2, 0.95,
	12.0, 0, 0, 0.8, 0.6,
}

// Disruption kinds the simulator can trigger.
const (
	Pandemic    = "pandemic"
	Hurricane   = "hurricane"
	CyberAttack = "cyber_attack"
	PortClosure = "port_closure"
)

// SupplyChainConfig parameterizes the simulator. In Deterministic mode the
// only disruption is the scheduled one at DisruptAt, and it clears after
// RecoverAfter steps.
type SupplyChainConfig struct {
	EpisodeLength    int
	DisruptionTypes  []string
	DisruptionChance float64
	RecoveryChance   float64
	Seed             int64

	Deterministic      bool
	DisruptAt          int
	DisruptionSeverity float64
	RecoverAfter       int

	Logger *slog.Logger
}

func DefaultSupplyChainConfig() SupplyChainConfig {
	return SupplyChainConfig{
		EpisodeLength:    50,
		DisruptionTypes:  []string{Pandemic, Hurricane, CyberAttack},
		DisruptionChance: 0.1,
		RecoveryChance:   0.3,
		Seed:             1,
	}
}

// SupplyChainConfigForMode returns the preset used for a run mode: "train"
// draws disruptions at random, "validation" uses a disjoint seed with every
// disruption kind, and "benchmark" replays a fixed schedule.
func SupplyChainConfigForMode(mode string) (SupplyChainConfig, error) {
	cfg := DefaultSupplyChainConfig()
	switch strings.TrimSpace(strings.ToLower(mode)) {
	case "", "train", "gt":
		return cfg, nil
	case "validation":
		cfg.Seed = 7919
		cfg.DisruptionTypes = []string{Pandemic, Hurricane, CyberAttack, PortClosure}
		return cfg, nil
	case "benchmark", "test":
		cfg.Deterministic = true
		cfg.DisruptionTypes = []string{Pandemic}
		cfg.DisruptAt = 5
		cfg.DisruptionSeverity = 0.7
		cfg.RecoverAfter = 10
		return cfg, nil
	default:
		return SupplyChainConfig{}, fmt.Errorf("unsupported supply-chain mode: %s", mode)
	}
}

func (c SupplyChainConfig) Validate() error {
	if c.EpisodeLength <= 0 {
		return fmt.Errorf("episode length must be positive, got %d", c.EpisodeLength)
	}
	if len(c.DisruptionTypes) == 0 {
		return fmt.Errorf("at least one disruption type is required")
	}
	for _, kind := range c.DisruptionTypes {
		switch kind {
		case Pandemic, Hurricane, CyberAttack, PortClosure:
		default:
			return fmt.Errorf("unknown disruption type %q", kind)
		}
	}
	if c.DisruptionChance < 0 || c.DisruptionChance > 1 {
		return fmt.Errorf("disruption chance must be in [0,1], got %g", c.DisruptionChance)
	}
	if c.RecoveryChance < 0 || c.RecoveryChance > 1 {
		return fmt.Errorf("recovery chance must be in [0,1], got %g", c.RecoveryChance)
	}
	if c.Deterministic {
		if c.DisruptionSeverity < 0 || c.DisruptionSeverity > 1 {
			return fmt.Errorf("disruption severity must be in [0,1], got %g", c.DisruptionSeverity)
		}
		if c.RecoverAfter < 0 {
			return fmt.Errorf("recover-after must not be negative, got %d", c.RecoverAfter)
		}
	}
	return nil
}

// SupplyChainScape simulates a hospital supply network under pandemic,
// weather, cyber and port disruptions.
type SupplyChainScape struct {
	cfg    SupplyChainConfig
	schema *Schema
	rng    *rand.Rand
	log    *slog.Logger

	state    [supplyChainSlots]float64
	step     int
	active   bool
	kind     string
	severity float64
	since    int
}

func NewSupplyChainScape(cfg SupplyChainConfig) (*SupplyChainScape, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	schema, err := NewSchema(supplyChainSlotLayout)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SupplyChainScape{
		cfg:    cfg,
		schema: schema,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		log:    logger.With("scape", SupplyChainName),
	}, nil
}

func (s *SupplyChainScape) Name() string    { return SupplyChainName }
func (s *SupplyChainScape) Schema() *Schema { return s.schema }

func (s *SupplyChainScape) Reset(ctx context.Context) (Observation, error) {
	if err := ctx.Err(); err != nil {
		return Observation{}, err
	}
	s.state = supplyChainInitial
	s.step = 0
	s.active = false
	s.kind = ""
	s.severity = 0
	s.since = 0
	return s.observe(), nil
}

func (s *SupplyChainScape) Step(ctx context.Context, id action.ID) (StepResult, error) {
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}
	if !id.Valid() {
		return StepResult{}, protocolf("unknown action id %d", int(id))
	}
	s.step++
	if !s.active && s.shouldDisrupt() {
		s.disrupt()
	}

	next := s.state
	cost := baseCost
	switch id {
	case action.SwitchSupplier:
		next[slotSupplierReliability] = math.Min(1, next[slotSupplierReliability]+0.1)
		cost *= 1.2
	case action.IncreaseSafetyStock:
		next[slotInventoryLevel] = math.Min(1, next[slotInventoryLevel]+0.15)
		next[slotStockoutRisk] = math.Max(0, next[slotStockoutRisk]-0.1)
		cost *= 1.3
	case action.EmergencyProcurement:
		next[slotInventoryLevel] = math.Min(1, next[slotInventoryLevel]+0.2)
		next[slotStockoutRisk] = math.Max(0, next[slotStockoutRisk]-0.15)
		cost *= 1.5
	case action.RerouteShipments:
		next[slotLeadTime] = math.Max(0.1, next[slotLeadTime]-0.1)
		cost *= 1.1
	case action.AllocateResources:
		next[slotServiceLevel] = math.Min(1, next[slotServiceLevel]+0.05)
		next[slotServiceDisruption] = math.Max(0, next[slotServiceDisruption]-0.1)
	}
	next[slotCostIncrease] = nn.Sat((cost-baseCost)/baseCost, 1, 0)

	if s.active {
		next[slotServiceLevel] *= 0.98
		next[slotInventoryLevel] *= 0.95
		next[slotStockoutRisk] = math.Min(1, next[slotStockoutRisk]+0.05)
		next[slotServiceDisruption] = math.Min(1, next[slotServiceDisruption]+0.1*s.severity)
		if s.shouldRecover() {
			next[slotRecoveryProgress] = math.Min(1, next[slotRecoveryProgress]+0.2)
			next[severitySlot(s.kind)] = 0
			s.log.Debug("disruption recovered", "kind", s.kind, "step", s.step)
			s.active = false
		}
	}

	serviceReward := next[slotServiceLevel] - 0.95
	costPenalty := -math.Abs(cost-baseCost) / baseCost
	stockoutPenalty := -2 * next[slotStockoutRisk]
	reward := 1 + serviceReward + costPenalty + stockoutPenalty

	s.state = next
	return StepResult{
		Observation: s.observe(),
		Reward:      reward,
		Done:        s.step >= s.cfg.EpisodeLength,
		Info: map[string]any{
			"step":              s.step,
			"cost":              cost,
			"service_level":     next[slotServiceLevel],
			"inventory_level":   next[slotInventoryLevel],
			"disruption_active": s.active,
			"disruption_type":   s.kind,
			"severity":          s.severity,
		},
	}, nil
}

func (s *SupplyChainScape) shouldDisrupt() bool {
	if s.cfg.Deterministic {
		return s.cfg.DisruptAt > 0 && s.step == s.cfg.DisruptAt
	}
	return s.rng.Float64() < s.cfg.DisruptionChance
}

func (s *SupplyChainScape) shouldRecover() bool {
	if s.cfg.Deterministic {
		return s.step-s.since >= s.cfg.RecoverAfter
	}
	return s.rng.Float64() < s.cfg.RecoveryChance
}

func (s *SupplyChainScape) disrupt() {
	if s.cfg.Deterministic {
		s.kind = s.cfg.DisruptionTypes[0]
		s.severity = s.cfg.DisruptionSeverity
	} else {
		s.kind = s.cfg.DisruptionTypes[s.rng.Intn(len(s.cfg.DisruptionTypes))]
		s.severity = 0.3 + 0.6*s.rng.Float64()
	}
	s.active = true
	s.since = s.step

	sev := s.severity
	switch s.kind {
	case Pandemic:
		s.state[slotPandemicSeverity] = sev
		s.state[slotDemandSurge] = math.Min(1, sev*0.8)
		s.state[slotSupplierReliability] *= 1 - sev*0.3
	case Hurricane:
		s.state[slotHurricaneSeverity] = sev
		s.state[slotTransportationCapacity] *= 1 - sev*0.4
	case CyberAttack:
		s.state[slotCyberAttackSeverity] = sev
		s.state[slotLeadTime] = math.Min(1, s.state[slotLeadTime]*(1+sev*0.5))
	case PortClosure:
		s.state[slotPortClosureSeverity] = sev
		s.state[slotTransportationCapacity] *= 1 - sev*0.3
		s.state[slotLeadTime] = math.Min(1, s.state[slotLeadTime]*(1+sev*0.3))
	}
	s.log.Info("disruption triggered", "kind", s.kind, "severity", sev, "step", s.step)
}

func severitySlot(kind string) int {
	switch kind {
	case Pandemic:
		return slotPandemicSeverity
	case Hurricane:
		return slotHurricaneSeverity
	case CyberAttack:
		return slotCyberAttackSeverity
	default:
		return slotPortClosureSeverity
	}
}

func (s *SupplyChainScape) observe() Observation {
	return Observation{
		Vector: append([]float64(nil), s.state[:]...),
		Legal:  action.All(),
	}
}
