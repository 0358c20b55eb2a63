package llm

import (
	"encoding/binary"
	"hash/fnv"
	"math"
)

const (
	byteLMEOS       = 256
	byteLMVocab     = 257
	byteLMMaxSeqLen = 512
	byteLMEmbedDim  = 64
)

// NewByteLM returns a small deterministic model over raw bytes. Its output
// is a stable function of the input, which makes it a smoke model for the
// actor pipeline. It does not produce meaningful text.
func NewByteLM() *Model {
	return &Model{
		Name:      ByteLM,
		Engine:    byteEngine{},
		Tokenizer: byteTokenizer{},
		Template:  PlainTemplate{},
		Embedder:  byteEmbedder{},
		EOS:       byteLMEOS,
		MaxSeqLen: byteLMMaxSeqLen,
	}
}

type byteTokenizer struct{}

func (byteTokenizer) Encode(text string) ([]uint32, error) {
	out := make([]uint32, len(text))
	for i := 0; i < len(text); i++ {
		out[i] = uint32(text[i])
	}
	return out, nil
}

func (byteTokenizer) Decode(tokens []uint32) (string, error) {
	buf := make([]byte, 0, len(tokens))
	for _, t := range tokens {
		if t < 256 {
			buf = append(buf, byte(t))
		}
	}
	return string(buf), nil
}

type byteEngine struct{}

func (byteEngine) Forward(tokens []uint32, pos int) ([]float32, error) {
	if len(tokens) == 0 {
		return nil, ErrEmptyPrompt
	}
	last := tokens[len(tokens)-1]
	at := pos + len(tokens) - 1

	var seed [12]byte
	binary.LittleEndian.PutUint32(seed[0:], last)
	binary.LittleEndian.PutUint64(seed[4:], uint64(at))

	logits := make([]float32, byteLMVocab)
	for i := 0; i < 256; i++ {
		if i < 32 || i > 126 {
			logits[i] = -20
			continue
		}
		h := fnv.New32a()
		h.Write(seed[:])
		h.Write([]byte{byte(i)})
		logits[i] = float32(h.Sum32()%1000) / 100
	}
	// the end of turn grows likelier as the sequence gets longer
	logits[byteLMEOS] = float32(at)/16 - 4
	return logits, nil
}

type byteEmbedder struct{}

func (byteEmbedder) Embed(tokens []uint32) ([]float32, error) {
	v := make([]float32, byteLMEmbedDim)
	for _, t := range tokens {
		v[t%byteLMEmbedDim]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v, nil
}
