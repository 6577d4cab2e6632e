// Package valuation computes the profit-maximizing production mix for an
// inventory of the four tradable resources, and the marginal value (shadow
// price) of each resource. Both the production path and the negotiation
// heuristics price decisions off the same solver so agents stay consistent
// with themselves.
package valuation

import "math"

type Resource string

const (
	R1 Resource = "R1"
	R2 Resource = "R2"
	R3 Resource = "R3"
	R4 Resource = "R4"
)

// Resources lists all tradable resources in canonical order.
var Resources = [4]Resource{R1, R2, R3, R4}

func ValidResource(r Resource) bool {
	switch r {
	case R1, R2, R3, R4:
		return true
	}
	return false
}

// Inventory maps resources to held quantities.
type Inventory map[Resource]float64

func (inv Inventory) Clone() Inventory {
	out := make(Inventory, len(inv))
	for r, q := range inv {
		out[r] = q
	}
	return out
}

// Recipe gives one product's per-unit resource inputs and revenue.
type Recipe struct {
	Inputs        map[Resource]float64
	ProfitPerUnit float64
}

// Config holds the two product recipes. The solver is deliberately
// specialized to two decision variables; vertex enumeration is exact for that
// shape and needs no general simplex machinery.
type Config struct {
	ProductA Recipe
	ProductB Recipe
}

func DefaultConfig() Config {
	return Config{
		ProductA: Recipe{
			Inputs:        map[Resource]float64{R1: 0.5, R2: 0.3, R3: 0.2},
			ProfitPerUnit: 2.0,
		},
		ProductB: Recipe{
			Inputs:        map[Resource]float64{R2: 0.25, R3: 0.35, R4: 0.4},
			ProfitPerUnit: 3.0,
		},
	}
}

// Mix is a production decision: units of product A and B.
type Mix struct {
	QtyA float64
	QtyB float64
}

// Floored truncates both quantities to whole units. Production applies the
// floored mix against inventory so agents never hold fractional goods.
func (m Mix) Floored() Mix {
	return Mix{QtyA: math.Floor(m.QtyA), QtyB: math.Floor(m.QtyB)}
}

type Solution struct {
	Mix       Mix
	MaxProfit float64
}

type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

const epsilon = 1e-9

// Solve maximizes profitA*x + profitB*y subject to non-negativity and one
// capacity constraint per resource. The feasible region is an intersection of
// half-planes in 2D, so the optimum sits on a vertex: enumerate every pairwise
// intersection of the bounding lines (axes included), discard infeasible
// points, keep the best.
//
// Negative inventory tightens the constraint to zero rather than failing.
func (e *Engine) Solve(inv Inventory) Solution {
	type line struct{ a, b, c float64 } // a*x + b*y = c

	lines := []line{
		{1, 0, 0}, // x = 0
		{0, 1, 0}, // y = 0
	}
	caps := make(map[Resource]float64, len(Resources))
	for _, r := range Resources {
		caps[r] = math.Max(0, inv[r])
		ua := e.cfg.ProductA.Inputs[r]
		ub := e.cfg.ProductB.Inputs[r]
		if ua != 0 || ub != 0 {
			lines = append(lines, line{ua, ub, caps[r]})
		}
	}

	feasible := func(x, y float64) bool {
		if x < -epsilon || y < -epsilon {
			return false
		}
		for _, r := range Resources {
			used := e.cfg.ProductA.Inputs[r]*x + e.cfg.ProductB.Inputs[r]*y
			tol := epsilon * math.Max(1, math.Abs(caps[r]))
			if used > caps[r]+tol {
				return false
			}
		}
		return true
	}

	best := Solution{}
	for i := 0; i < len(lines); i++ {
		for j := i + 1; j < len(lines); j++ {
			l1, l2 := lines[i], lines[j]
			det := l1.a*l2.b - l2.a*l1.b
			if math.Abs(det) < epsilon {
				continue // parallel
			}
			x := (l1.c*l2.b - l2.c*l1.b) / det
			y := (l1.a*l2.c - l2.a*l1.c) / det
			if !feasible(x, y) {
				continue
			}
			x = math.Max(0, x)
			y = math.Max(0, y)
			profit := e.cfg.ProductA.ProfitPerUnit*x + e.cfg.ProductB.ProfitPerUnit*y
			if profit > best.MaxProfit {
				best = Solution{Mix: Mix{QtyA: x, QtyB: y}, MaxProfit: profit}
			}
		}
	}
	return best
}

// ShadowPrices reports each resource's marginal value: the profit delta from
// holding one more unit. Computed by finite difference against the solver so
// it is always consistent with Solve.
func (e *Engine) ShadowPrices(inv Inventory) map[Resource]float64 {
	base := e.Solve(inv).MaxProfit
	out := make(map[Resource]float64, len(Resources))
	for _, r := range Resources {
		perturbed := inv.Clone()
		perturbed[r] = math.Max(0, perturbed[r]) + 1
		out[r] = Round2(e.Solve(perturbed).MaxProfit - base)
	}
	return out
}

// Consumed returns the resources a floored mix draws from inventory.
func (e *Engine) Consumed(m Mix) map[Resource]float64 {
	out := make(map[Resource]float64, len(Resources))
	for _, r := range Resources {
		used := e.cfg.ProductA.Inputs[r]*m.QtyA + e.cfg.ProductB.Inputs[r]*m.QtyB
		if used != 0 {
			out[r] = Round4(used)
		}
	}
	return out
}

// Revenue prices a floored mix.
func (e *Engine) Revenue(m Mix) float64 {
	return Round2(e.cfg.ProductA.ProfitPerUnit*m.QtyA + e.cfg.ProductB.ProfitPerUnit*m.QtyB)
}

// Round2 rounds to cents; funds are held at this precision.
func Round2(v float64) float64 { return math.Round(v*100) / 100 }

// Round4 rounds to the inventory precision used everywhere quantities are
// applied, preventing float drift across long event histories.
func Round4(v float64) float64 { return math.Round(v*10000) / 10000 }
