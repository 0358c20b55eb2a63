// Package llm defines the inference contracts the model actors run against
// and a reference generation loop over them.
package llm

import (
	"errors"

	"github.com/livepeer/hive-worker/wire"
)

var (
	ErrUnknownModel   = errors.New("unknown model identifier")
	ErrNoEngine       = errors.New("no inference engine registered for model format")
	ErrEmptyPrompt    = errors.New("prompt produced no tokens")
	ErrEmptyLogits    = errors.New("engine returned no logits")
	ErrCannotEmbed    = errors.New("model does not support embeddings")
	ErrModelFilesMiss = errors.New("model files not found")
)

// Engine runs the forward pass. Forward consumes tokens placed at positions
// pos, pos+1, ... and returns the logits for the last one.
type Engine interface {
	Forward(tokens []uint32, pos int) ([]float32, error)
}

type Tokenizer interface {
	Encode(text string) ([]uint32, error)
	Decode(tokens []uint32) (string, error)
}

// Embedder is implemented by models that can produce embedding vectors.
type Embedder interface {
	Embed(tokens []uint32) ([]float32, error)
}

// Template renders a chat into the prompt format the model was tuned on.
type Template interface {
	Render(system string, history []string, prompt string) string
}

// Model is a loaded model ready for generation.
type Model struct {
	Name      string
	Engine    Engine
	Tokenizer Tokenizer
	Template  Template
	// Embedder is nil when the model cannot embed.
	Embedder  Embedder
	EOS       uint32
	MaxSeqLen int
}

// ModelConfig describes one model instance. It is immutable once created and
// owned by the actor serving it.
type ModelConfig struct {
	ID           string
	ModelName    string
	Device       int
	MaxSeqLen    int
	MaxSampleLen int
	// filesystem paths stay local and are never reported to the hub
	ModelPath     string
	TokenizerPath string
}

func (c ModelConfig) Public() wire.ModelConfigPublic {
	return wire.ModelConfigPublic{
		ModelName:    c.ModelName,
		MaxSeqLen:    c.MaxSeqLen,
		MaxSampleLen: c.MaxSampleLen,
	}
}
