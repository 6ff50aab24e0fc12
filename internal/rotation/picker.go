package rotation

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"
)

// Picker chooses one identifier from a sorted, non-empty candidate list. It
// must avoid previous whenever another candidate exists.
type Picker interface {
	Pick(candidates []string, previous string) string
}

// Policy names a Picker implementation.
type Policy string

// Supported picker policies.
const (
	PolicyRandom     Policy = "random"
	PolicyRoundRobin Policy = "round_robin"
)

// NewPicker builds the picker for policy. A zero seed uses the current time.
func NewPicker(policy Policy, seed uint64) (Picker, error) {
	switch policy {
	case "", PolicyRandom:
		return NewRandomPicker(seed), nil
	case PolicyRoundRobin:
		return RoundRobinPicker{}, nil
	default:
		return nil, fmt.Errorf("unknown rotation policy %q", policy)
	}
}

// RandomPicker picks uniformly among the candidates other than previous.
type RandomPicker struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomPicker returns a RandomPicker seeded with seed.
func NewRandomPicker(seed uint64) *RandomPicker {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &RandomPicker{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Pick implements Picker.
func (p *RandomPicker) Pick(candidates []string, previous string) string {
	if len(candidates) == 0 {
		return ""
	}
	others := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c != previous {
			others = append(others, c)
		}
	}
	if len(others) == 0 {
		return previous
	}
	p.mu.Lock()
	i := p.rng.IntN(len(others))
	p.mu.Unlock()
	return others[i]
}

// RoundRobinPicker returns the candidate that follows previous in sorted order,
// wrapping to the first.
type RoundRobinPicker struct{}

// Pick implements Picker.
func (RoundRobinPicker) Pick(candidates []string, previous string) string {
	if len(candidates) == 0 {
		return ""
	}
	sorted := slices.Clone(candidates)
	slices.Sort(sorted)
	for _, c := range sorted {
		if c > previous {
			return c
		}
	}
	return sorted[0]
}
