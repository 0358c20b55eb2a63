package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Truncate drops prompt tokens from the front so that the prompt plus
// sampleLen generated tokens fit in maxSeqLen. A sampleLen that leaves no
// room for the prompt is clamped to maxSeqLen-1. The possibly clamped
// sampleLen is returned with the kept tokens.
func Truncate(tokens []uint32, maxSeqLen, sampleLen int) ([]uint32, int) {
	if maxSeqLen < 1 {
		return tokens, sampleLen
	}
	if sampleLen >= maxSeqLen {
		sampleLen = maxSeqLen - 1
	}
	if sampleLen < 0 {
		sampleLen = 0
	}
	keep := maxSeqLen - sampleLen
	if len(tokens) > keep {
		tokens = tokens[len(tokens)-keep:]
	}
	return tokens, sampleLen
}

// ClampSampleLen bounds a requested sample budget to what Generate will use:
// at least one token and less than maxSeqLen.
func ClampSampleLen(sampleLen, maxSeqLen int) int {
	if sampleLen < 1 {
		sampleLen = 1
	}
	if maxSeqLen > 1 && sampleLen >= maxSeqLen {
		sampleLen = maxSeqLen - 1
	}
	return sampleLen
}

type Result struct {
	Text          string
	PromptTokens  int
	Generated     int
	TokenizeTime  time.Duration
	InferenceTime time.Duration
}

// Generate tokenizes prompt and samples up to sampleLen tokens, stopping at
// the model's EOS. Each decoded piece is passed to emit as soon as it is
// complete. A nil emit is allowed.
func Generate(ctx context.Context, m *Model, prompt string, sampleLen int, cfg SamplingConfig, emit func(string) error) (*Result, error) {
	start := time.Now()
	tokens, err := m.Tokenizer.Encode(prompt)
	if err != nil {
		return nil, fmt.Errorf("tokenizing prompt: %w", err)
	}
	if len(tokens) == 0 {
		return nil, ErrEmptyPrompt
	}
	if sampleLen < 1 {
		sampleLen = 1
	}
	tokens, sampleLen = Truncate(tokens, m.MaxSeqLen, sampleLen)
	res := &Result{PromptTokens: len(tokens), TokenizeTime: time.Since(start)}

	start = time.Now()
	var text strings.Builder
	stream := NewTokenOutputStream(m.Tokenizer)
	push := func(piece string) error {
		if piece == "" {
			return nil
		}
		text.WriteString(piece)
		if emit != nil {
			return emit(piece)
		}
		return nil
	}

	logits, err := forwardPrompt(m.Engine, tokens, cfg.SingleBatch)
	if err != nil {
		return nil, err
	}
	sampler := NewSampler(cfg)
	next, err := sampler.Sample(logits)
	if err != nil {
		return nil, err
	}

	all := make([]uint32, len(tokens), len(tokens)+sampleLen)
	copy(all, tokens)
	var generated int
	for next != m.EOS {
		all = append(all, next)
		generated++
		piece, err := stream.Next(next)
		if err != nil {
			return nil, fmt.Errorf("decoding token: %w", err)
		}
		if err := push(piece); err != nil {
			return nil, err
		}
		if generated >= sampleLen {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		logits, err = m.Engine.Forward([]uint32{next}, len(all)-1)
		if err != nil {
			return nil, fmt.Errorf("forward pass at %d: %w", len(all)-1, err)
		}
		if cfg.RepeatPenalty != 1 {
			from := len(all) - cfg.RepeatLastN
			if from < 0 {
				from = 0
			}
			logits = ApplyRepeatPenalty(logits, cfg.RepeatPenalty, all[from:])
		}
		if next, err = sampler.Sample(logits); err != nil {
			return nil, err
		}
	}

	rest, err := stream.Rest()
	if err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}
	if err := push(rest); err != nil {
		return nil, err
	}

	res.Text = text.String()
	res.Generated = generated
	res.InferenceTime = time.Since(start)
	return res, nil
}

func forwardPrompt(e Engine, tokens []uint32, batch bool) ([]float32, error) {
	if batch {
		logits, err := e.Forward(tokens, 0)
		if err != nil {
			return nil, fmt.Errorf("forward pass over prompt: %w", err)
		}
		return logits, nil
	}
	var logits []float32
	for i, tok := range tokens {
		var err error
		if logits, err = e.Forward([]uint32{tok}, i); err != nil {
			return nil, fmt.Errorf("forward pass at %d: %w", i, err)
		}
	}
	return logits, nil
}

type EmbedResult struct {
	Vector       []float32
	Tokens       int
	TokenizeTime time.Duration
}

// Embed tokenizes text and returns the model's embedding for it. Inputs
// longer than the context keep their tail.
func Embed(m *Model, text string) (*EmbedResult, error) {
	if m.Embedder == nil {
		return nil, ErrCannotEmbed
	}
	start := time.Now()
	tokens, err := m.Tokenizer.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("tokenizing input: %w", err)
	}
	if m.MaxSeqLen > 0 && len(tokens) > m.MaxSeqLen {
		tokens = tokens[len(tokens)-m.MaxSeqLen:]
	}
	res := &EmbedResult{Tokens: len(tokens), TokenizeTime: time.Since(start)}
	if res.Vector, err = m.Embedder.Embed(tokens); err != nil {
		return nil, err
	}
	return res, nil
}
