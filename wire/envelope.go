package wire

import (
	"encoding/json"
	"fmt"
)

// MessageType tags the body of an Envelope.
type MessageType string

// Inbound, hub to node.
const (
	TypeSuccess      MessageType = "Success"
	TypeLoadModels   MessageType = "LoadModels"
	TypeSubmitEmbed  MessageType = "SubmitEmbed"
	TypeSubmitPrompt MessageType = "SubmitPrompt"
)

// Outbound, node to hub.
const (
	TypeAuthentication      MessageType = "Authentication"
	TypeResponseLoadModel   MessageType = "ResponseLoadModel"
	TypeResponseEmbed       MessageType = "ResponseEmbed"
	TypeResponsePrompt      MessageType = "ResponsePrompt"
	TypeResponsePromptToken MessageType = "ResponsePromptToken"
)

// TypeError travels in both directions.
const TypeError MessageType = "Error"

func (t MessageType) IsInbound() bool {
	switch t {
	case TypeSuccess, TypeLoadModels, TypeSubmitEmbed, TypeSubmitPrompt, TypeError:
		return true
	}
	return false
}

func (t MessageType) IsOutbound() bool {
	switch t {
	case TypeAuthentication, TypeResponseLoadModel, TypeResponseEmbed, TypeResponsePrompt, TypeResponsePromptToken, TypeError:
		return true
	}
	return false
}

// Body is implemented by every envelope payload. The set is closed.
type Body interface {
	Type() MessageType
}

// Envelope is one message of the structured job protocol.
type Envelope struct {
	TaskID string
	Body   Body
}

func (e *Envelope) Type() MessageType {
	if e.Body == nil {
		return ""
	}
	return e.Body.Type()
}

type rawEnvelope struct {
	Type   MessageType     `json:"type"`
	TaskID string          `json:"taskId"`
	Body   json.RawMessage `json:"body"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Body == nil {
		return nil, fmt.Errorf("envelope taskId=%s has no body", e.TaskID)
	}
	body, err := json.Marshal(e.Body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rawEnvelope{Type: e.Body.Type(), TaskID: e.TaskID, Body: body})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	body, err := newBody(raw.Type)
	if err != nil {
		return err
	}
	if len(raw.Body) > 0 && string(raw.Body) != "null" {
		if err := json.Unmarshal(raw.Body, body); err != nil {
			return fmt.Errorf("decoding %s body: %w", raw.Type, err)
		}
	}
	e.TaskID = raw.TaskID
	e.Body = deref(body)
	return nil
}

func newBody(t MessageType) (Body, error) {
	switch t {
	case TypeSuccess:
		return &Success{}, nil
	case TypeLoadModels:
		return &LoadModels{}, nil
	case TypeSubmitEmbed:
		return &SubmitEmbed{}, nil
	case TypeSubmitPrompt:
		return &SubmitPrompt{}, nil
	case TypeError:
		return &Error{}, nil
	case TypeAuthentication:
		return &Authentication{}, nil
	case TypeResponseLoadModel:
		return &ResponseLoadModel{}, nil
	case TypeResponseEmbed:
		return &ResponseEmbed{}, nil
	case TypeResponsePrompt:
		return &ResponsePrompt{}, nil
	case TypeResponsePromptToken:
		return &ResponsePromptToken{}, nil
	}
	return nil, fmt.Errorf("unknown message type %q", t)
}

// deref stores bodies by value so callers can type switch on plain structs.
func deref(b Body) Body {
	switch v := b.(type) {
	case *Success:
		return *v
	case *LoadModels:
		return *v
	case *SubmitEmbed:
		return *v
	case *SubmitPrompt:
		return *v
	case *Error:
		return *v
	case *Authentication:
		return *v
	case *ResponseLoadModel:
		return *v
	case *ResponseEmbed:
		return *v
	case *ResponsePrompt:
		return *v
	case *ResponsePromptToken:
		return *v
	}
	return b
}

// Decode parses a single JSON envelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Encode serializes an envelope.
func Encode(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

type Success struct {
	Code    uint32 `json:"code"`
	Message string `json:"message"`
}

func (Success) Type() MessageType { return TypeSuccess }

type Error struct {
	Code    uint32 `json:"code"`
	Message string `json:"message"`
}

func (Error) Type() MessageType { return TypeError }

type RequestModelConfig struct {
	ModelName    string `json:"modelName"`
	Device       int    `json:"device"`
	MaxSampleLen int    `json:"maxSampleLen"`
}

type LoadModels struct {
	Model []RequestModelConfig `json:"model"`
}

func (LoadModels) Type() MessageType { return TypeLoadModels }

type SubmitPrompt struct {
	Stream bool   `json:"stream"`
	Model  string `json:"model"`
	// the misspelling is part of the hub's schema
	SystemMessage string   `json:"systemMesage"`
	Mode          string   `json:"mode"`
	History       []string `json:"history"`
	Prompt        string   `json:"prompt"`
}

func (SubmitPrompt) Type() MessageType { return TypeSubmitPrompt }

type SubmitEmbed struct {
	Model   string `json:"model"`
	Polling string `json:"polling"`
	Data    string `json:"data"`
}

func (SubmitEmbed) Type() MessageType { return TypeSubmitEmbed }

type GPU struct {
	Model  string `json:"GPU_model"`
	VRAM   uint32 `json:"GPU_VRAM"`
	Driver string `json:"driver"`
	CUDA   string `json:"CUDA"`
}

type Authentication struct {
	Token    string `json:"token"`
	Hardware []GPU  `json:"HW"`
}

func (Authentication) Type() MessageType { return TypeAuthentication }

// ModelConfigPublic is the part of a model configuration reported to the hub.
type ModelConfigPublic struct {
	ModelName    string `json:"modelName"`
	MaxSeqLen    int    `json:"maxSeqLen"`
	MaxSampleLen int    `json:"maxSampleLen"`
}

type ResponseLoadModel struct {
	HandlerID string            `json:"handlerId"`
	Config    ModelConfigPublic `json:"config"`
}

func (ResponseLoadModel) Type() MessageType { return TypeResponseLoadModel }

type ResponsePrompt struct {
	Model           string `json:"model"`
	SystemMessage   string `json:"systemMesage"`
	Mode            string `json:"mode"`
	Response        string `json:"response"`
	TokenizerTime   uint64 `json:"tokenizerTime"`
	InferenceTime   uint64 `json:"inferenceTime"`
	TokensProcessed uint32 `json:"tokensProcessed"`
	TokensGenerated uint64 `json:"tokensGenerated"`
}

func (ResponsePrompt) Type() MessageType { return TypeResponsePrompt }

type ResponsePromptToken struct {
	Model string `json:"model"`
	Token string `json:"token"`
}

func (ResponsePromptToken) Type() MessageType { return TypeResponsePromptToken }

type ResponseEmbed struct {
	Model           string    `json:"model"`
	Polling         string    `json:"polling"`
	EmbeddingVector []float32 `json:"embeddingVector"`
	TokenizerTime   uint64    `json:"tokenizerTime"`
	TokensProcessed uint32    `json:"tokensProcessed"`
}

func (ResponseEmbed) Type() MessageType { return TypeResponseEmbed }
