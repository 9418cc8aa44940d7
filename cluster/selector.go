package cluster

import (
	"math/rand"
	"sync"
)

// Selector picks the default node of a cluster of size n.
type Selector interface {
	Select(n int) int
}

// FixedSelector always picks the same index.
type FixedSelector int

func (s FixedSelector) Select(n int) int {
	if int(s) >= n {
		return n - 1
	}
	return int(s)
}

// RandomSelector picks uniformly over [0, n) on every call, using its own
// generator so that runs are reproducible from the seed.
type RandomSelector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomSelector creates a random selector seeded with seed.
func NewRandomSelector(seed int64) *RandomSelector {
	return &RandomSelector{rng: rand.New(rand.NewSource(seed))}
}

func (s *RandomSelector) Select(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}
