package gpt2

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSampler_GreedyPicksArgmax(t *testing.T) {
	s := NewSampler(Greedy())
	assert.True(t, s.Greedy())
	assert.Equal(t, 2, s.Sample([]float32{0.1, -1, 3, 2}, nil))
	assert.Equal(t, 0, s.Sample([]float32{1, 1, 1}, nil), "ties go to the lowest id")
}

func TestSampler_RepeatPenalty(t *testing.T) {
	cfg := Greedy()
	cfg.RepeatPenalty = 4
	s := NewSampler(cfg)
	assert.False(t, s.Greedy())

	logits := []float32{2, 1.5, -1}
	assert.Equal(t, 1, s.Sample(logits, []int{0}))
	assert.Equal(t, []float32{2, 1.5, -1}, logits, "input is not modified")

	cfg.RepeatWindow = 1
	s = NewSampler(cfg)
	assert.Equal(t, 0, s.Sample(logits, []int{0, 2}), "only the last id is penalised")
}

func TestSampler_TopKOne(t *testing.T) {
	cfg := Greedy()
	cfg.Temperature = 1
	cfg.TopK = 1
	cfg.Seed = 7
	s := NewSampler(cfg)
	for i := 0; i < 20; i++ {
		assert.Equal(t, 3, s.Sample([]float32{0, 1, 2, 5}, nil))
	}
}

func TestSampler_TopPKeepsOne(t *testing.T) {
	cfg := Greedy()
	cfg.Temperature = 1
	cfg.TopP = 0.5
	cfg.Seed = 1
	s := NewSampler(cfg)
	for i := 0; i < 20; i++ {
		assert.Equal(t, 1, s.Sample([]float32{0, 10, 0}, nil))
	}
}

func TestSampler_SeedIsReproducible(t *testing.T) {
	cfg := Greedy()
	cfg.Temperature = 1.5
	cfg.Seed = 42
	logits := []float32{0.5, 0.2, 0.9, 0.1, 0.4}

	a, b := NewSampler(cfg), NewSampler(cfg)
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.Sample(logits, nil), b.Sample(logits, nil))
	}
}

func TestSampler_SamplesWithinVocab(t *testing.T) {
	cfg := Greedy()
	cfg.Temperature = 1
	cfg.Seed = 3
	s := NewSampler(cfg)
	counts := make([]int, 3)
	for i := 0; i < 200; i++ {
		id := s.Sample([]float32{0, 0, 0}, nil)
		assert.GreaterOrEqual(t, id, 0)
		assert.Less(t, id, 3)
		counts[id]++
	}
	for id, n := range counts {
		assert.Positive(t, n, "id %d never sampled", id)
	}
}
