package llm

import (
	"math"
	"math/rand/v2"
	"sort"
)

// SamplingConfig holds the generation knobs. They are fixed per model load.
type SamplingConfig struct {
	Temperature float64
	TopK        int
	TopP        float64
	Seed        uint64
	// RepeatPenalty of 1 disables the penalty.
	RepeatPenalty float32
	RepeatLastN   int
	// SingleBatch feeds the whole prompt in one forward pass. When false
	// the prompt is fed one token at a time.
	SingleBatch bool
}

func DefaultSampling() SamplingConfig {
	return SamplingConfig{
		Temperature:   0.8,
		TopK:          40,
		TopP:          0.95,
		Seed:          299792458,
		RepeatPenalty: 1.1,
		RepeatLastN:   64,
		SingleBatch:   true,
	}
}

// Sampler picks the next token from logits. Temperature <= 0 is argmax,
// otherwise top-k then top-p filtering followed by a seeded draw.
type Sampler struct {
	cfg SamplingConfig
	rng *rand.Rand
}

func NewSampler(cfg SamplingConfig) *Sampler {
	return &Sampler{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed)),
	}
}

func (s *Sampler) Sample(logits []float32) (uint32, error) {
	if len(logits) == 0 {
		return 0, ErrEmptyLogits
	}
	if s.cfg.Temperature <= 0 {
		return argmax(logits), nil
	}

	type candidate struct {
		id uint32
		p  float64
	}
	maxLogit := float64(logits[argmax(logits)])
	cands := make([]candidate, len(logits))
	var sum float64
	for i, l := range logits {
		p := math.Exp((float64(l) - maxLogit) / s.cfg.Temperature)
		cands[i] = candidate{id: uint32(i), p: p}
		sum += p
	}
	// stable so ties keep token order and draws stay reproducible
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].p > cands[j].p })

	if k := s.cfg.TopK; k > 0 && k < len(cands) {
		cands = cands[:k]
	}
	sum = 0
	for _, c := range cands {
		sum += c.p
	}
	if s.cfg.TopP > 0 && s.cfg.TopP < 1 {
		var cum float64
		for i, c := range cands {
			cum += c.p / sum
			if cum >= s.cfg.TopP {
				cands = cands[:i+1]
				break
			}
		}
		sum = 0
		for _, c := range cands {
			sum += c.p
		}
	}

	r := s.rng.Float64() * sum
	for _, c := range cands {
		r -= c.p
		if r <= 0 {
			return c.id, nil
		}
	}
	return cands[len(cands)-1].id, nil
}

func argmax(logits []float32) uint32 {
	best := 0
	for i, l := range logits {
		if l > logits[best] {
			best = i
		}
	}
	return uint32(best)
}

// ApplyRepeatPenalty returns logits with every token seen in context made
// less likely: positive logits are divided by penalty, negative ones
// multiplied. A penalty of 1 returns logits unchanged.
func ApplyRepeatPenalty(logits []float32, penalty float32, context []uint32) []float32 {
	if penalty == 1 || len(context) == 0 {
		return logits
	}
	out := make([]float32, len(logits))
	copy(out, logits)
	seen := make(map[uint32]struct{}, len(context))
	for _, tok := range context {
		if _, ok := seen[tok]; ok || int(tok) >= len(out) {
			continue
		}
		seen[tok] = struct{}{}
		if out[tok] >= 0 {
			out[tok] /= penalty
		} else {
			out[tok] *= penalty
		}
	}
	return out
}
