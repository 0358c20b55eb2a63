package worker

import (
	"context"
	"testing"
	"time"

	"github.com/livepeer/hive-worker/common"
	"github.com/livepeer/hive-worker/llm"
	"github.com/livepeer/hive-worker/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestActor(model *llm.Model) (*Actor, chan *wire.Envelope) {
	out := make(chan *wire.Envelope, 64)
	cfg := llm.ModelConfig{ID: "m-1", ModelName: llm.ByteLM, MaxSeqLen: 512, MaxSampleLen: 4}
	return NewActor(cfg, model, greedySampling(), out, 4), out
}

func TestActor_NotReady(t *testing.T) {
	a, out := newTestActor(llm.NewByteLM())
	assert.Equal(t, ActorOffline, a.State())

	a.handle(context.Background(), &wire.Envelope{TaskID: "early", Body: wire.SubmitPrompt{Model: "m-1", Prompt: "hi"}})
	env := <-out
	assert.Equal(t, "early", env.TaskID)
	assert.Equal(t, uint32(wire.CodeModelNotReady), env.Body.(wire.Error).Code)
}

func TestActor_RejectsNonJobMessages(t *testing.T) {
	a, out := newTestActor(llm.NewByteLM())
	a.setState(ActorReady)

	a.handle(context.Background(), &wire.Envelope{TaskID: "odd", Body: wire.LoadModels{}})
	env := <-out
	assert.Equal(t, "odd", env.TaskID)
	assert.Equal(t, uint32(wire.CodeBadRequest), env.Body.(wire.Error).Code)
}

func TestActor_NonStreamingPrompt(t *testing.T) {
	a, out := newTestActor(llm.NewByteLM())
	a.setState(ActorReady)

	a.handle(context.Background(), &wire.Envelope{TaskID: "p", Body: wire.SubmitPrompt{Model: "m-1", Prompt: "hello"}})
	require.Len(t, out, 1, "only the terminal response is sent when streaming is off")
	env := <-out
	resp := env.Body.(wire.ResponsePrompt)
	assert.Equal(t, uint32(5), resp.TokensProcessed)
	assert.LessOrEqual(t, resp.TokensGenerated, uint64(4))
}

func TestActor_CrashRefusesQueuedJobs(t *testing.T) {
	defer goleak.VerifyNone(t, common.IgnoreRoutines()...)
	m := llm.NewByteLM()
	m.Engine = panicEngine{}
	a, out := newTestActor(m)

	// queue two jobs before the actor starts so the second sits behind the crash
	a.inbox <- &wire.Envelope{TaskID: "first", Body: wire.SubmitPrompt{Model: "m-1", Prompt: "x"}}
	a.inbox <- &wire.Envelope{TaskID: "second", Body: wire.SubmitPrompt{Model: "m-1", Prompt: "y"}}

	go a.Run(context.Background())
	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("crashed actor did not stop")
	}
	assert.Equal(t, ActorDead, a.State())

	for _, taskID := range []string{"first", "second"} {
		env := <-out
		assert.Equal(t, taskID, env.TaskID)
		assert.Equal(t, uint32(wire.CodeCantReachModel), env.Body.(wire.Error).Code)
	}
}
