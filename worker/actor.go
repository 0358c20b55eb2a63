package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/livepeer/hive-worker/clog"
	"github.com/livepeer/hive-worker/common"
	"github.com/livepeer/hive-worker/llm"
	"github.com/livepeer/hive-worker/monitor"
	"github.com/livepeer/hive-worker/wire"
)

// DefaultInboxSize bounds the jobs queued for one model.
const DefaultInboxSize = 16

type ActorState int32

const (
	ActorOffline ActorState = iota
	ActorReady
	ActorDead
)

func (s ActorState) String() string {
	switch s {
	case ActorOffline:
		return "Offline"
	case ActorReady:
		return "Ready"
	case ActorDead:
		return "Dead"
	}
	return fmt.Sprintf("ActorState(%d)", int32(s))
}

// Actor owns one loaded model and runs its jobs one at a time on its own
// goroutine.
type Actor struct {
	cfg      llm.ModelConfig
	model    *llm.Model
	sampling llm.SamplingConfig

	inbox chan *wire.Envelope
	out   chan<- *wire.Envelope
	state atomic.Int32
	done  chan struct{}
}

func NewActor(cfg llm.ModelConfig, model *llm.Model, sampling llm.SamplingConfig, out chan<- *wire.Envelope, inboxSize int) *Actor {
	if inboxSize <= 0 {
		inboxSize = DefaultInboxSize
	}
	return &Actor{
		cfg:      cfg,
		model:    model,
		sampling: sampling,
		inbox:    make(chan *wire.Envelope, inboxSize),
		out:      out,
		done:     make(chan struct{}),
	}
}

func (a *Actor) ID() string { return a.cfg.ID }

func (a *Actor) Config() llm.ModelConfig { return a.cfg }

func (a *Actor) State() ActorState { return ActorState(a.state.Load()) }

// Done is closed once the actor has stopped.
func (a *Actor) Done() <-chan struct{} { return a.done }

func (a *Actor) setState(state ActorState) { a.state.Store(int32(state)) }

// Run processes jobs until ctx ends or a job panics. A crashed actor marks
// itself dead before reporting the crash, so later jobs are refused as
// unreachable.
func (a *Actor) Run(ctx context.Context) {
	ctx = clog.AddModelID(clog.Clone(ctx, ctx), a.cfg.ID)
	a.setState(ActorReady)
	clog.V(common.DEBUG).Infof(ctx, "Model actor ready model=%s", a.cfg.ModelName)

	for {
		select {
		case <-ctx.Done():
			a.stop(ActorOffline)
			return
		case env := <-a.inbox:
			if crash := a.safeHandle(ctx, env); crash != nil {
				a.stop(ActorDead)
				a.emit(ctx, crash)
				a.drain(ctx)
				return
			}
		}
	}
}

func (a *Actor) stop(state ActorState) {
	a.setState(state)
	close(a.done)
}

// drain refuses jobs that were queued behind a crash.
func (a *Actor) drain(ctx context.Context) {
	for {
		select {
		case env := <-a.inbox:
			a.emit(ctx, wire.CantReachModel(a.cfg.ID).Envelope(env.TaskID))
		default:
			return
		}
	}
}

// safeHandle runs one job and converts a panic into the error envelope
// reporting it.
func (a *Actor) safeHandle(ctx context.Context, env *wire.Envelope) (crash *wire.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			clog.Errorf(ctx, "Model actor crashed taskId=%s panic=%v stack=%s", env.TaskID, r, debug.Stack())
			monitor.ProtocolError(wire.CodeCantReachModel.String())
			msg := fmt.Sprintf("model %q crashed while processing the request", a.cfg.ID)
			crash = wire.NewError(wire.CodeCantReachModel, env.TaskID, msg)
		}
	}()
	a.handle(ctx, env)
	return nil
}

func (a *Actor) handle(ctx context.Context, env *wire.Envelope) {
	ctx = clog.AddTaskID(ctx, env.TaskID)
	if a.State() != ActorReady {
		a.reject(ctx, env.TaskID, wire.ModelNotReady(a.cfg.ID))
		return
	}

	var err *wire.ProtocolError
	switch body := env.Body.(type) {
	case wire.SubmitPrompt:
		err = a.prompt(ctx, env.TaskID, body)
	case wire.SubmitEmbed:
		err = a.embed(ctx, env.TaskID, body)
	default:
		err = wire.BadRequest("the model does not allow %s requests", env.Type())
	}
	if err != nil {
		a.reject(ctx, env.TaskID, err)
	}
}

func (a *Actor) prompt(ctx context.Context, taskID string, req wire.SubmitPrompt) *wire.ProtocolError {
	text := a.model.Template.Render(req.SystemMessage, req.History, req.Prompt)

	var emit func(string) error
	if req.Stream {
		emit = func(piece string) error {
			return a.emit(ctx, &wire.Envelope{
				TaskID: taskID,
				Body:   wire.ResponsePromptToken{Model: req.Model, Token: piece},
			})
		}
	}

	res, err := llm.Generate(ctx, a.model, text, a.cfg.MaxSampleLen, a.sampling, emit)
	if err != nil {
		clog.Errorf(ctx, "Inference failed model=%s", a.cfg.ModelName, err)
		return &wire.ProtocolError{Code: wire.CodeCantReachModel, Message: err.Error()}
	}
	monitor.PromptCompleted(a.cfg.ModelName, res.Generated, res.InferenceTime)
	clog.V(common.VERBOSE).Infof(ctx, "Prompt completed model=%s prompt_tokens=%d generated=%d took=%s",
		a.cfg.ModelName, res.PromptTokens, res.Generated, res.InferenceTime)

	a.emit(ctx, &wire.Envelope{
		TaskID: taskID,
		Body: wire.ResponsePrompt{
			Model:           req.Model,
			SystemMessage:   req.SystemMessage,
			Mode:            req.Mode,
			Response:        res.Text,
			TokenizerTime:   millis(res.TokenizeTime),
			InferenceTime:   millis(res.InferenceTime),
			TokensProcessed: uint32(res.PromptTokens),
			TokensGenerated: uint64(res.Generated),
		},
	})
	return nil
}

func (a *Actor) embed(ctx context.Context, taskID string, req wire.SubmitEmbed) *wire.ProtocolError {
	res, err := llm.Embed(a.model, req.Data)
	if errors.Is(err, llm.ErrCannotEmbed) {
		return wire.InvalidModelAction("model %q cannot produce embeddings", a.cfg.ModelName)
	}
	if err != nil {
		clog.Errorf(ctx, "Embedding failed model=%s", a.cfg.ModelName, err)
		return &wire.ProtocolError{Code: wire.CodeCantReachModel, Message: err.Error()}
	}
	a.emit(ctx, &wire.Envelope{
		TaskID: taskID,
		Body: wire.ResponseEmbed{
			Model:           req.Model,
			Polling:         req.Polling,
			EmbeddingVector: res.Vector,
			TokenizerTime:   millis(res.TokenizeTime),
			TokensProcessed: uint32(res.Tokens),
		},
	})
	return nil
}

func (a *Actor) reject(ctx context.Context, taskID string, perr *wire.ProtocolError) {
	clog.Warningf(ctx, "Rejecting request code=%s msg=%q", perr.Code, perr.Message)
	monitor.ProtocolError(perr.Code.String())
	a.emit(ctx, perr.Envelope(taskID))
}

func (a *Actor) emit(ctx context.Context, env *wire.Envelope) error {
	select {
	case a.out <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func millis(d time.Duration) uint64 {
	return uint64(d.Milliseconds())
}
