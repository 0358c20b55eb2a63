package llm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest declares models beyond the built-in ones. Paths are relative to
// the registry's models directory.
//
//	models:
//	  - name: mistral_7b
//	    format: gguf
//	    weights: mistral-7b/model.Q4_K_M.gguf
//	    tokenizer: mistral-7b/tokenizer.json
//	    max_seq_len: 8192
type Manifest struct {
	Models []ManifestModel `yaml:"models"`
}

type ManifestModel struct {
	Name      string `yaml:"name"`
	Format    string `yaml:"format"`
	Weights   string `yaml:"weights"`
	Tokenizer string `yaml:"tokenizer"`
	MaxSeqLen int    `yaml:"max_seq_len"`
}

// LoadManifest reads a YAML manifest from path and registers its models.
// Entries override built-in models of the same name.
func (r *Registry) LoadManifest(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read model manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse model manifest: %w", err)
	}
	return r.AddModels(m.Models...)
}

// AddModels validates every entry before registering any of them.
func (r *Registry) AddModels(models ...ManifestModel) error {
	for i, mm := range models {
		if mm.Name == "" {
			return fmt.Errorf("model %d: name is required", i)
		}
		if mm.Format == "" {
			return fmt.Errorf("model %s: format is required", mm.Name)
		}
		if mm.MaxSeqLen <= 0 {
			return fmt.Errorf("model %s: max_seq_len must be positive", mm.Name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, mm := range models {
		r.models[mm.Name] = modelSpec{
			format:        mm.Format,
			modelFile:     mm.Weights,
			tokenizerFile: mm.Tokenizer,
			maxSeqLen:     mm.MaxSeqLen,
		}
	}
	return nil
}
