package llm

import "strings"

const (
	Llama3EOS   = "<|eot_id|>"
	Llama3EOSID = 128009
)

// Llama3Template renders the Llama 3 instruct chat format. History entries
// alternate user and assistant turns, oldest first.
type Llama3Template struct{}

func (Llama3Template) Render(system string, history []string, prompt string) string {
	var b strings.Builder
	b.WriteString("<|begin_of_text|>")
	if system != "" {
		writeTurn(&b, "system", system)
	}
	for i, msg := range history {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		writeTurn(&b, role, msg)
	}
	writeTurn(&b, "user", prompt)
	b.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")
	return b.String()
}

func writeTurn(b *strings.Builder, role, content string) {
	b.WriteString("<|start_header_id|>")
	b.WriteString(role)
	b.WriteString("<|end_header_id|>\n\n")
	b.WriteString(content)
	b.WriteString(Llama3EOS)
}

// PlainTemplate joins the turns with newlines. Models without a chat format
// use it.
type PlainTemplate struct{}

func (PlainTemplate) Render(system string, history []string, prompt string) string {
	parts := make([]string, 0, len(history)+2)
	if system != "" {
		parts = append(parts, system)
	}
	parts = append(parts, history...)
	parts = append(parts, prompt)
	return strings.Join(parts, "\n")
}
