package gpt2

import (
	"math"
	"math/rand"
	"sort"
)

// SamplingConfig selects how the next token is drawn from the logits of
// the last position.
type SamplingConfig struct {
	// Temperature scales the logits. 0 selects greedy decoding.
	Temperature float32

	// TopK keeps the K most likely tokens. 0 disables it.
	TopK int

	// TopP keeps the smallest set of tokens whose probability exceeds P.
	// 1 disables it.
	TopP float32

	// RepeatPenalty divides positive logits and multiplies negative ones
	// of tokens seen in the last RepeatWindow ids. 1 disables it.
	RepeatPenalty float32
	RepeatWindow  int

	// Seed makes sampling reproducible. Negative seeds draw a random one.
	Seed int64
}

// Greedy returns the configuration of argmax decoding.
func Greedy() SamplingConfig {
	return SamplingConfig{TopP: 1, RepeatPenalty: 1, RepeatWindow: 64}
}

// Sampler draws token ids from logits.
type Sampler struct {
	config SamplingConfig
	rng    *rand.Rand
}

// NewSampler returns a sampler for config.
func NewSampler(config SamplingConfig) *Sampler {
	seed := config.Seed
	if seed < 0 {
		seed = rand.Int63() //nolint:gosec // sampling, not security
	}
	return &Sampler{
		config: config,
		rng:    rand.New(rand.NewSource(seed)), //nolint:gosec // reproducible sampling
	}
}

// Greedy reports whether the sampler always picks the argmax.
func (s *Sampler) Greedy() bool {
	return s.config.Temperature == 0 && s.config.RepeatPenalty == 1
}

// Sample returns the next id given the logits of one position and the ids
// seen so far. logits is not modified.
func (s *Sampler) Sample(logits []float32, previous []int) int {
	logits = append([]float32(nil), logits...)

	if s.config.RepeatPenalty != 1 && s.config.RepeatPenalty > 0 && len(previous) > 0 {
		s.applyRepeatPenalty(logits, previous)
	}
	if s.config.Temperature == 0 {
		return argmax(logits)
	}
	if s.config.Temperature != 1 {
		for i := range logits {
			logits[i] /= s.config.Temperature
		}
	}
	if s.config.TopK > 0 && s.config.TopK < len(logits) {
		s.topK(logits)
	}
	if s.config.TopP > 0 && s.config.TopP < 1 {
		s.topP(logits)
	}
	return s.multinomial(softmax(logits))
}

func (s *Sampler) applyRepeatPenalty(logits []float32, previous []int) {
	recent := previous
	if w := s.config.RepeatWindow; w > 0 && len(recent) > w {
		recent = recent[len(recent)-w:]
	}
	seen := make(map[int]struct{}, len(recent))
	for _, id := range recent {
		seen[id] = struct{}{}
	}
	for id := range seen {
		if id < 0 || id >= len(logits) {
			continue
		}
		if logits[id] > 0 {
			logits[id] /= s.config.RepeatPenalty
		} else {
			logits[id] *= s.config.RepeatPenalty
		}
	}
}

// topK drops every logit below the K-th largest.
func (s *Sampler) topK(logits []float32) {
	sorted := append([]float32(nil), logits...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	threshold := sorted[s.config.TopK-1]
	for i := range logits {
		if logits[i] < threshold {
			logits[i] = float32(math.Inf(-1))
		}
	}
}

// topP keeps the most likely tokens until their mass exceeds TopP. At
// least one token survives.
func (s *Sampler) topP(logits []float32) {
	probs := softmax(logits)
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return probs[order[i]] > probs[order[j]] })

	var mass float32
	cutoff := len(order) - 1
	for i, id := range order {
		mass += probs[id]
		if mass > s.config.TopP {
			cutoff = i
			break
		}
	}
	for _, id := range order[cutoff+1:] {
		logits[id] = float32(math.Inf(-1))
	}
}

func (s *Sampler) multinomial(probs []float32) int {
	r := s.rng.Float32()
	var sum float32
	for i, p := range probs {
		sum += p
		if r < sum {
			return i
		}
	}
	// Rounding left r above the total.
	for i := len(probs) - 1; i > 0; i-- {
		if probs[i] > 0 {
			return i
		}
	}
	return 0
}

// argmax returns the index of the largest value. Ties go to the lowest
// index.
func argmax(values []float32) int {
	best := 0
	for i, v := range values[1:] {
		if v > values[best] {
			best = i + 1
		}
	}
	return best
}

func softmax(logits []float32) []float32 {
	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	probs := make([]float32, len(logits))
	var sum float32
	for i, v := range logits {
		if math.IsInf(float64(v), -1) {
			continue
		}
		probs[i] = float32(math.Exp(float64(v - maxVal)))
		sum += probs[i]
	}
	if sum > 0 {
		for i := range probs {
			probs[i] /= sum
		}
	}
	return probs
}
