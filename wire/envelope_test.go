package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDecode_SubmitPrompt(t *testing.T) {
	assert := assert.New(t)
	raw := `{"type":"SubmitPrompt","taskId":"42","body":{"stream":true,"model":"3f0c","systemMesage":"be brief","mode":"chat","history":["hi"],"prompt":"What is your purpose?"}}`

	env, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal("42", env.TaskID)
	assert.Equal(TypeSubmitPrompt, env.Type())
	p, ok := env.Body.(SubmitPrompt)
	require.True(t, ok)
	assert.True(p.Stream)
	assert.Equal("3f0c", p.Model)
	assert.Equal("be brief", p.SystemMessage)
	assert.Equal([]string{"hi"}, p.History)
}

func TestDecode_LoadModels(t *testing.T) {
	raw := `{"type":"LoadModels","taskId":"7","body":{"model":[{"modelName":"llama3_8b","device":0,"maxSampleLen":1000},{"modelName":"bogus","device":1,"maxSampleLen":10}]}}`
	env, err := Decode([]byte(raw))
	require.NoError(t, err)
	lm := env.Body.(LoadModels)
	require.Len(t, lm.Model, 2)
	assert.Equal(t, RequestModelConfig{ModelName: "llama3_8b", Device: 0, MaxSampleLen: 1000}, lm.Model[0])
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"Teleport","taskId":"1","body":{}}`))
	assert.Error(t, err)
}

func TestDecode_MissingBody(t *testing.T) {
	env, err := Decode([]byte(`{"type":"Success","taskId":"1"}`))
	require.NoError(t, err)
	assert.Equal(t, Success{}, env.Body)
}

func TestEncode_WireNames(t *testing.T) {
	env := &Envelope{TaskID: "9", Body: Authentication{
		Token:    "secret",
		Hardware: []GPU{{Model: "GeForce RTX 3090", VRAM: 24576, Driver: "nvidia", CUDA: "12.4"}},
	}}
	b, err := Encode(env)
	require.NoError(t, err)

	var generic map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &generic))
	assert.Equal(t, "Authentication", generic["type"])
	assert.Equal(t, "9", generic["taskId"])
	body := generic["body"].(map[string]interface{})
	hw := body["HW"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "GeForce RTX 3090", hw["GPU_model"])
	assert.EqualValues(t, 24576, hw["GPU_VRAM"])
	assert.Equal(t, "12.4", hw["CUDA"])
}

func TestEncode_NoBody(t *testing.T) {
	_, err := Encode(&Envelope{TaskID: "1"})
	assert.Error(t, err)
}

func TestMessageTypeDirection(t *testing.T) {
	assert.True(t, TypeLoadModels.IsInbound())
	assert.False(t, TypeLoadModels.IsOutbound())
	assert.True(t, TypeResponsePromptToken.IsOutbound())
	assert.True(t, TypeError.IsInbound())
	assert.True(t, TypeError.IsOutbound())
}

func TestProtocolErrorEnvelope(t *testing.T) {
	env := ModelNotFound("abc").Envelope("t-1")
	assert.Equal(t, "t-1", env.TaskID)
	e := env.Body.(Error)
	assert.EqualValues(t, CodeModelNotFound, e.Code)
	assert.Contains(t, e.Message, "abc")
	assert.Equal(t, "ModelNotFound", CodeModelNotFound.String())
}

var text = rapid.StringMatching(`[a-zA-Z0-9 _.:/-]{0,24}`)

func bodyGen() *rapid.Generator[Body] {
	return rapid.OneOf(
		rapid.Custom(func(t *rapid.T) Body {
			return Success{Code: rapid.Uint32().Draw(t, "code"), Message: text.Draw(t, "msg")}
		}),
		rapid.Custom(func(t *rapid.T) Body {
			return Error{Code: rapid.Uint32().Draw(t, "code"), Message: text.Draw(t, "msg")}
		}),
		rapid.Custom(func(t *rapid.T) Body {
			models := rapid.SliceOfN(rapid.Custom(func(t *rapid.T) RequestModelConfig {
				return RequestModelConfig{
					ModelName:    text.Draw(t, "name"),
					Device:       rapid.IntRange(0, 8).Draw(t, "device"),
					MaxSampleLen: rapid.IntRange(0, 4096).Draw(t, "sample"),
				}
			}), 1, 4).Draw(t, "models")
			return LoadModels{Model: models}
		}),
		rapid.Custom(func(t *rapid.T) Body {
			return SubmitPrompt{
				Stream:        rapid.Bool().Draw(t, "stream"),
				Model:         text.Draw(t, "model"),
				SystemMessage: text.Draw(t, "sys"),
				Mode:          text.Draw(t, "mode"),
				History:       rapid.SliceOfN(text, 1, 4).Draw(t, "history"),
				Prompt:        text.Draw(t, "prompt"),
			}
		}),
		rapid.Custom(func(t *rapid.T) Body {
			return SubmitEmbed{Model: text.Draw(t, "model"), Polling: text.Draw(t, "polling"), Data: text.Draw(t, "data")}
		}),
		rapid.Custom(func(t *rapid.T) Body {
			return ResponsePrompt{
				Model:           text.Draw(t, "model"),
				SystemMessage:   text.Draw(t, "sys"),
				Mode:            text.Draw(t, "mode"),
				Response:        text.Draw(t, "resp"),
				TokenizerTime:   rapid.Uint64Range(0, 1<<50).Draw(t, "tt"),
				InferenceTime:   rapid.Uint64Range(0, 1<<50).Draw(t, "it"),
				TokensProcessed: rapid.Uint32().Draw(t, "tp"),
				TokensGenerated: rapid.Uint64Range(0, 1<<50).Draw(t, "tg"),
			}
		}),
		rapid.Custom(func(t *rapid.T) Body {
			return ResponsePromptToken{Model: text.Draw(t, "model"), Token: text.Draw(t, "token")}
		}),
		rapid.Custom(func(t *rapid.T) Body {
			return ResponseLoadModel{HandlerID: text.Draw(t, "id"), Config: ModelConfigPublic{
				ModelName:    text.Draw(t, "name"),
				MaxSeqLen:    rapid.IntRange(1, 1<<20).Draw(t, "seq"),
				MaxSampleLen: rapid.IntRange(1, 1<<20).Draw(t, "sample"),
			}}
		}),
		rapid.Custom(func(t *rapid.T) Body {
			return ResponseEmbed{
				Model:           text.Draw(t, "model"),
				Polling:         text.Draw(t, "polling"),
				EmbeddingVector: rapid.SliceOfN(rapid.Float32Range(-1e6, 1e6), 1, 16).Draw(t, "vec"),
				TokenizerTime:   rapid.Uint64Range(0, 1<<50).Draw(t, "tt"),
				TokensProcessed: rapid.Uint32().Draw(t, "tp"),
			}
		}),
		rapid.Custom(func(t *rapid.T) Body {
			return Authentication{Token: text.Draw(t, "token"), Hardware: []GPU{{
				Model:  text.Draw(t, "gpu"),
				VRAM:   rapid.Uint32().Draw(t, "vram"),
				Driver: text.Draw(t, "driver"),
				CUDA:   text.Draw(t, "cuda"),
			}}}
		}),
	)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		env := &Envelope{
			TaskID: text.Draw(t, "taskId"),
			Body:   bodyGen().Draw(t, "body"),
		}
		b, err := Encode(env)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := Decode(b)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		assert.Equal(t, env.Type(), got.Type())
		assert.Equal(t, env.TaskID, got.TaskID)
		assert.Equal(t, env.Body, got.Body)
	})
}
