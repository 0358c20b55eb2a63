package llm

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/livepeer/hive-worker/wire"
)

const (
	Llama3_8B = "llama3_8b"
	ByteLM    = "bytelm"

	FormatGGUF    = "gguf"
	FormatBuiltin = "builtin"
)

// EngineFactory builds a runnable model from files on disk.
type EngineFactory func(cfg ModelConfig) (*Model, error)

type modelSpec struct {
	format        string
	modelFile     string
	tokenizerFile string
	maxSeqLen     int
}

var knownModels = map[string]modelSpec{
	Llama3_8B: {
		format:        FormatGGUF,
		modelFile:     "llama3-8b/Meta-Llama-3-8B-Instruct.Q5_K_M.gguf",
		tokenizerFile: "llama3-8b/tokenizer.json",
		maxSeqLen:     4096,
	},
	ByteLM: {
		format:    FormatBuiltin,
		maxSeqLen: byteLMMaxSeqLen,
	},
}

// Registry resolves model identifiers to configurations and loads them
// through the engine registered for their format.
type Registry struct {
	dir string

	mu      sync.RWMutex
	engines map[string]EngineFactory
	models  map[string]modelSpec
}

func NewRegistry(modelsDir string) *Registry {
	r := &Registry{
		dir:     modelsDir,
		engines: make(map[string]EngineFactory),
		models:  make(map[string]modelSpec, len(knownModels)),
	}
	for name, spec := range knownModels {
		r.models[name] = spec
	}
	r.engines[FormatBuiltin] = func(cfg ModelConfig) (*Model, error) { return NewByteLM(), nil }
	return r
}

func (r *Registry) RegisterEngine(format string, f EngineFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[format] = f
}

// Models lists the known model identifiers.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unservable lists the models whose format has no registered engine. Loading
// them fails with ErrNoEngine.
func (r *Registry) Unservable() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, spec := range r.models {
		if _, ok := r.engines[spec.format]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (r *Registry) spec(name string) (modelSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.models[name]
	return spec, ok
}

// NewConfig validates a load request and assigns the instance a fresh id.
// The sample budget is clamped so the config reports what generation uses.
func (r *Registry) NewConfig(req wire.RequestModelConfig) (ModelConfig, error) {
	spec, ok := r.spec(req.ModelName)
	if !ok {
		return ModelConfig{}, fmt.Errorf("%w: %q", ErrUnknownModel, req.ModelName)
	}
	cfg := ModelConfig{
		ID:           uuid.New().String(),
		ModelName:    req.ModelName,
		Device:       req.Device,
		MaxSeqLen:    spec.maxSeqLen,
		MaxSampleLen: ClampSampleLen(req.MaxSampleLen, spec.maxSeqLen),
	}
	if spec.modelFile != "" {
		cfg.ModelPath = filepath.Join(r.dir, spec.modelFile)
	}
	if spec.tokenizerFile != "" {
		cfg.TokenizerPath = filepath.Join(r.dir, spec.tokenizerFile)
	}
	return cfg, nil
}

// Load builds the model described by cfg.
func (r *Registry) Load(cfg ModelConfig) (*Model, error) {
	spec, ok := r.spec(cfg.ModelName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, cfg.ModelName)
	}
	for _, p := range []string{cfg.ModelPath, cfg.TokenizerPath} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrModelFilesMiss, p)
		}
	}

	r.mu.RLock()
	factory, ok := r.engines[spec.format]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoEngine, spec.format)
	}
	m, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", cfg.ModelName, err)
	}
	if m.Name == "" {
		m.Name = cfg.ModelName
	}
	if m.MaxSeqLen == 0 || m.MaxSeqLen > cfg.MaxSeqLen {
		m.MaxSeqLen = cfg.MaxSeqLen
	}
	return m, nil
}
