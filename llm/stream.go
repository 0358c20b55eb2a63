package llm

import "unicode/utf8"

// TokenOutputStream decodes generated tokens incrementally. Tokens that end
// inside a multi-byte character are held back until the character is
// complete.
type TokenOutputStream struct {
	tokenizer Tokenizer
	tokens    []uint32
	prevIndex int
	curIndex  int
}

func NewTokenOutputStream(t Tokenizer) *TokenOutputStream {
	return &TokenOutputStream{tokenizer: t}
}

// Next adds a token and returns the newly decodable text, which may be empty.
func (s *TokenOutputStream) Next(token uint32) (string, error) {
	prev, err := s.tokenizer.Decode(s.tokens[s.prevIndex:s.curIndex])
	if err != nil {
		return "", err
	}
	s.tokens = append(s.tokens, token)
	text, err := s.tokenizer.Decode(s.tokens[s.prevIndex:])
	if err != nil {
		return "", err
	}
	if len(text) <= len(prev) || !utf8.ValidString(text) {
		return "", nil
	}
	s.prevIndex = s.curIndex
	s.curIndex = len(s.tokens)
	return text[len(prev):], nil
}

// Rest returns whatever text is still held back.
func (s *TokenOutputStream) Rest() (string, error) {
	prev, err := s.tokenizer.Decode(s.tokens[s.prevIndex:s.curIndex])
	if err != nil {
		return "", err
	}
	text, err := s.tokenizer.Decode(s.tokens[s.prevIndex:])
	if err != nil {
		return "", err
	}
	if len(text) <= len(prev) {
		return "", nil
	}
	return text[len(prev):], nil
}
