// Package tuning loads the simulation constants from tuning.yaml. Every
// knob the reducers and engines consult lives here so a run can be retuned
// without touching code.
package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tradepost.ai/internal/sim/valuation"
)

type Tuning struct {
	// Agent genesis.
	StartingInventoryMin float64 `yaml:"starting_inventory_min"`
	StartingInventoryMax float64 `yaml:"starting_inventory_max"`
	StartingFunds        float64 `yaml:"starting_funds"`

	// Ledger maintenance.
	SnapshotThreshold int `yaml:"snapshot_threshold"`
	NotificationCap   int `yaml:"notification_cap"`

	// Negotiation behavior.
	PatienceStart int `yaml:"patience_start"`
	PatienceDrop  int `yaml:"patience_drop"`

	// Reflection loop.
	ReflectEverySec   int `yaml:"reflect_every_sec"`
	PendingWarnAfterS int `yaml:"pending_warn_after_sec"`

	Products Products `yaml:"products"`
}

type Products struct {
	A Product `yaml:"a"`
	B Product `yaml:"b"`
}

type Product struct {
	Name          string             `yaml:"name"`
	Inputs        map[string]float64 `yaml:"inputs"`
	ProfitPerUnit float64            `yaml:"profit_per_unit"`
}

func Defaults() Tuning {
	return Tuning{
		StartingInventoryMin: 500,
		StartingInventoryMax: 2000,
		StartingFunds:        1000,
		SnapshotThreshold:    50,
		NotificationCap:      50,
		PatienceStart:        100,
		PatienceDrop:         10,
		ReflectEverySec:      5,
		PendingWarnAfterS:    60,
		Products: Products{
			A: Product{
				Name:          "deicer",
				Inputs:        map[string]float64{"R1": 0.5, "R2": 0.3, "R3": 0.2},
				ProfitPerUnit: 2.0,
			},
			B: Product{
				Name:          "solvent",
				Inputs:        map[string]float64{"R2": 0.25, "R3": 0.35, "R4": 0.4},
				ProfitPerUnit: 3.0,
			},
		},
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if t.StartingInventoryMax < t.StartingInventoryMin {
		return t, fmt.Errorf("tuning.yaml: starting_inventory_max %v below min %v",
			t.StartingInventoryMax, t.StartingInventoryMin)
	}
	return t, nil
}

// Valuation translates the product section into solver recipes.
func (t Tuning) Valuation() valuation.Config {
	conv := func(p Product) valuation.Recipe {
		in := make(map[valuation.Resource]float64, len(p.Inputs))
		for r, q := range p.Inputs {
			in[valuation.Resource(r)] = q
		}
		return valuation.Recipe{Inputs: in, ProfitPerUnit: p.ProfitPerUnit}
	}
	return valuation.Config{ProductA: conv(t.Products.A), ProductB: conv(t.Products.B)}
}
