package strategy

import (
	"fmt"
	"math/rand"

	"github.com/okvist/kratt/internal/market"
)

// Phase tags which side of the simulated exchange a strategy currently
// sits on. It is stored explicitly rather than inferred from cycle
// parity, so a restart cannot desynchronize buy/sell halves.
type Phase int

const (
	HoldingQuote Phase = iota
	HoldingAsset
)

// Strategy is one member of the evolving population: a scoring weight
// vector plus the simulated balance it trades across generations.
type Strategy struct {
	Weights []float64     `json:"weights"`
	Balance float64       `json:"balance"` // quote units or asset units, per Phase
	Phase   Phase         `json:"phase"`
	Held    market.Symbol `json:"held,omitempty"` // meaningful when Phase is HoldingAsset
	Profit  float64       `json:"profit"`         // last realized, percent of the unit stake
}

// Score is the weighted dot product against an indicator vector, scaled
// by 1000 and truncated so rankings stay stable across float noise.
func (s *Strategy) Score(v [IndicatorDim]float64) int {
	if len(s.Weights) != IndicatorDim {
		panic(fmt.Sprintf("strategy weight cardinality %d, want %d", len(s.Weights), IndicatorDim))
	}
	dot := 0.0
	for i, w := range s.Weights {
		dot += w * v[i]
	}
	return int(dot * 1000)
}

// Population is the fixed-cardinality set of strategies under evolution.
// Protected members (current best, runner-up and the fresh crossover
// child) are exempt from mutation.
type Population struct {
	Members   map[int]*Strategy `json:"members"`
	Protected []int             `json:"protected"`
	Cycle     int               `json:"cycle"`
}

func newPopulation(size int, rng *rand.Rand) *Population {
	p := &Population{Members: map[int]*Strategy{}}
	for id := 0; id < size; id++ {
		p.Members[id] = &Strategy{Weights: randomWeights(rng), Balance: 1, Phase: HoldingQuote}
	}
	return p
}

func randomWeights(rng *rand.Rand) []float64 {
	w := make([]float64, IndicatorDim)
	for i := range w {
		w[i] = 2*rng.Float64() - 1
	}
	return w
}

func (p *Population) isProtected(id int) bool {
	for _, pid := range p.Protected {
		if pid == id {
			return true
		}
	}
	return false
}

// mutate replaces a single random weight of one random unprotected
// member. Returns the mutated id, or -1 when everyone is protected.
func (p *Population) mutate(rng *rand.Rand) int {
	eligible := make([]int, 0, len(p.Members))
	for id := range p.Members {
		if !p.isProtected(id) {
			eligible = append(eligible, id)
		}
	}
	if len(eligible) == 0 {
		return -1
	}
	id := eligible[rng.Intn(len(eligible))]
	p.Members[id].Weights[rng.Intn(IndicatorDim)] = 2*rng.Float64() - 1
	return id
}

// rank returns member ids ordered best to worst by realized profit.
func (p *Population) rank() []int {
	ids := make([]int, 0, len(p.Members))
	for id := range p.Members {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && p.Members[ids[j]].Profit > p.Members[ids[j-1]].Profit; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	return ids
}

// crossover replaces the worst member's weights with the average of the
// two fittest parents' weights and resets its stake. The population
// cardinality never changes.
func (p *Population) crossover() (child int) {
	ids := p.rank()
	best, second, worst := ids[0], ids[1], ids[len(ids)-1]

	child = worst
	weights := make([]float64, IndicatorDim)
	for i := range weights {
		weights[i] = (p.Members[best].Weights[i] + p.Members[second].Weights[i]) / 2
	}
	p.Members[child] = &Strategy{Weights: weights, Balance: 1, Phase: HoldingQuote}
	p.Protected = []int{best, second, child}
	return child
}
