// Package schedule decides which seed to fuzz next and how hard: favoured
// marking, cycle-fair selection, and the power schedule that converts a
// seed's speed and coverage into a mutation budget.
package schedule

import (
	"math"
	"math/rand"

	"minilop.local/fuzz/corpus"
)

// favouredBias is the probability of picking from the favoured subset when
// any favoured seed is still unused in the current cycle.
const favouredBias = 0.9

// Energy clamp bounds: every visit mutates a seed at least once and at most
// maxEnergy times.
const (
	minEnergy = 1
	maxEnergy = 1000
)

// Scheduler tracks cycle state: which seed ids were already selected in the
// current pass over the queue, and how many full passes have completed.
type Scheduler struct {
	rng   *rand.Rand
	used  map[int]struct{}
	cycle int
}

// NewScheduler returns a scheduler drawing from the given source.
func NewScheduler(rng *rand.Rand) *Scheduler {
	return &Scheduler{
		rng:  rng,
		used: make(map[int]struct{}),
	}
}

// Cycle returns the number of completed passes over the queue.
func (s *Scheduler) Cycle() int {
	return s.cycle
}

// SelectNext picks the next seed to fuzz. Within one cycle no seed is picked
// twice; once every queued seed has been used the cycle ends and a new one
// starts over the then-current queue. Favoured seeds win with probability
// favouredBias whenever any remain unused.
func (s *Scheduler) SelectNext(c *corpus.Corpus) (seed *corpus.Seed, newCycle bool) {
	if len(s.used) >= c.Len() {
		s.used = make(map[int]struct{})
		s.cycle++
		newCycle = true
	}

	var unused, unusedFavoured []*corpus.Seed
	for _, sd := range c.Seeds() {
		if _, done := s.used[sd.ID]; done {
			continue
		}
		unused = append(unused, sd)
		if sd.Favoured {
			unusedFavoured = append(unusedFavoured, sd)
		}
	}

	if len(unusedFavoured) > 0 && s.rng.Float64() < favouredBias {
		seed = unusedFavoured[s.rng.Intn(len(unusedFavoured))]
	} else {
		seed = unused[s.rng.Intn(len(unused))]
	}
	s.used[seed.ID] = struct{}{}
	return seed, newCycle
}

// RefreshFavoured recomputes the favoured flags: for every covered edge, the
// seed minimising size * exec_time among the seeds covering it is favoured.
// Ties go to the earliest-admitted candidate so the marking is stable.
func RefreshFavoured(c *corpus.Corpus) {
	for _, sd := range c.Seeds() {
		sd.Favoured = false
	}
	for _, ids := range c.EdgeIndex() {
		if len(ids) == 0 {
			continue
		}
		best := c.Get(ids[0])
		for _, id := range ids[1:] {
			if cand := c.Get(id); cand.Valuation() < best.Valuation() {
				best = cand
			}
		}
		best.Favoured = true
	}
}

// Energy computes the number of mutated inputs to derive from a seed on this
// visit. Seeds that run faster than the corpus average and seeds with larger
// coverage sets get more, within [minEnergy, maxEnergy].
func Energy(seed *corpus.Seed, avgExecTime float64) int {
	perf := 100.0

	if seed.ExecTime > 0 && avgExecTime > 0 {
		t := avgExecTime / seed.ExecTime
		t = math.Min(math.Max(t, 0.1), 3.0)
		perf *= t
	}

	perf *= 1 + float64(len(seed.Coverage))/100

	energy := int(math.Round(perf))
	if energy < minEnergy {
		energy = minEnergy
	}
	if energy > maxEnergy {
		energy = maxEnergy
	}
	return energy
}
