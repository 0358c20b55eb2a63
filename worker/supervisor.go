// Package worker runs the structured job protocol: a supervisor that tracks
// the hub conversation and one actor per loaded model.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/livepeer/hive-worker/clog"
	"github.com/livepeer/hive-worker/common"
	"github.com/livepeer/hive-worker/llm"
	"github.com/livepeer/hive-worker/monitor"
	"github.com/livepeer/hive-worker/wire"
)

// outboundBuffer bounds actor output waiting for the supervisor.
const outboundBuffer = 64

var ErrTransportClosed = errors.New("transport closed")

type State int32

const (
	Offline State = iota
	Unauthenticated
	Authenticated
	Ready
)

func (s State) String() string {
	switch s {
	case Offline:
		return "Offline"
	case Unauthenticated:
		return "Unauthenticated"
	case Authenticated:
		return "Authenticated"
	case Ready:
		return "Ready"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Transport carries envelopes to and from the hub.
type Transport interface {
	Inbound() <-chan *wire.Envelope
	Send(ctx context.Context, env *wire.Envelope) error
	Done() <-chan struct{}
}

// Loader resolves and loads models. *llm.Registry implements it.
type Loader interface {
	NewConfig(req wire.RequestModelConfig) (llm.ModelConfig, error)
	Load(cfg llm.ModelConfig) (*llm.Model, error)
}

type SupervisorConfig struct {
	Sampling  llm.SamplingConfig
	InboxSize int
}

// Supervisor routes hub messages to model actors and forwards what the
// actors produce back to the hub. All routing happens on the Run goroutine.
type Supervisor struct {
	cfg       SupervisorConfig
	transport Transport
	loader    Loader

	started  atomic.Bool
	state    atomic.Int32
	actorCtx context.Context
	actors   map[string]*Actor
	events   chan *wire.Envelope
	wg       sync.WaitGroup
}

func NewSupervisor(cfg SupervisorConfig, t Transport, loader Loader) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		transport: t,
		loader:    loader,
		actors:    make(map[string]*Actor),
		events:    make(chan *wire.Envelope, outboundBuffer),
	}
}

func (s *Supervisor) State() State { return State(s.state.Load()) }

func (s *Supervisor) setState(ctx context.Context, state State) {
	clog.Infof(ctx, "Supervisor changing state from=%s to=%s", s.State(), state)
	s.state.Store(int32(state))
}

// Run drives the protocol until ctx ends or the transport closes. Actors are
// stopped before it returns.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("supervisor already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.wg.Wait()
	}()
	s.actorCtx = ctx
	s.setState(ctx, Unauthenticated)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.transport.Done():
			return ErrTransportClosed
		case env, ok := <-s.transport.Inbound():
			if !ok {
				return ErrTransportClosed
			}
			if err := s.handleInbound(ctx, env); err != nil {
				return err
			}
		case env := <-s.events:
			if err := s.send(ctx, env); err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) handleInbound(ctx context.Context, env *wire.Envelope) error {
	ctx = clog.AddTaskID(clog.Clone(ctx, ctx), env.TaskID)
	clog.V(common.DEBUG).Infof(ctx, "Hub message type=%s", env.Type())

	if hubErr, ok := env.Body.(wire.Error); ok {
		clog.Warningf(ctx, "Hub reported error code=%d msg=%q", hubErr.Code, hubErr.Message)
		return nil
	}

	switch state := s.State(); {
	case state == Unauthenticated && env.Type() == wire.TypeSuccess:
		s.setState(ctx, Authenticated)
		return nil
	case (state == Authenticated || state == Ready) && env.Type() == wire.TypeLoadModels:
		return s.loadModels(ctx, env.TaskID, env.Body.(wire.LoadModels))
	case state == Ready && env.Type() == wire.TypeSubmitPrompt:
		return s.dispatch(ctx, env, env.Body.(wire.SubmitPrompt).Model)
	case state == Ready && env.Type() == wire.TypeSubmitEmbed:
		return s.dispatch(ctx, env, env.Body.(wire.SubmitEmbed).Model)
	default:
		return s.reply(ctx, env.TaskID, wire.BadRequest("the node does not allow %s in state %s", env.Type(), state))
	}
}

func (s *Supervisor) loadModels(ctx context.Context, taskID string, req wire.LoadModels) error {
	for _, m := range req.Model {
		actor, err := s.spawn(m)
		monitor.ModelLoad(m.ModelName, err)
		if err != nil {
			clog.Errorf(ctx, "Unable to load model name=%s", m.ModelName, err)
			if err := s.reply(ctx, taskID, wire.UnableToLoadModel(err)); err != nil {
				return err
			}
			continue
		}
		clog.Infof(ctx, "Model loaded name=%s handlerId=%s", m.ModelName, actor.ID())
		if s.State() == Authenticated {
			s.setState(ctx, Ready)
		}
		err = s.send(ctx, &wire.Envelope{
			TaskID: taskID,
			Body:   wire.ResponseLoadModel{HandlerID: actor.ID(), Config: actor.Config().Public()},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) spawn(req wire.RequestModelConfig) (*Actor, error) {
	cfg, err := s.loader.NewConfig(req)
	if err != nil {
		return nil, err
	}
	model, err := s.loader.Load(cfg)
	if err != nil {
		return nil, err
	}
	actor := NewActor(cfg, model, s.cfg.Sampling, s.events, s.cfg.InboxSize)
	s.actors[cfg.ID] = actor
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		actor.Run(s.actorCtx)
	}()
	return actor, nil
}

// dispatch hands env to the actor serving modelID. A full inbox blocks, but
// actor output keeps flowing to the hub while it waits.
func (s *Supervisor) dispatch(ctx context.Context, env *wire.Envelope, modelID string) error {
	actor, ok := s.actors[modelID]
	if !ok {
		return s.reply(ctx, env.TaskID, wire.ModelNotFound(modelID))
	}
	for {
		select {
		case <-actor.Done():
			return s.reply(ctx, env.TaskID, wire.CantReachModel(modelID))
		default:
		}
		select {
		case actor.inbox <- env:
			select {
			case <-actor.Done():
				// the actor may have crashed and drained its inbox before the send
				return s.refuseQueued(ctx, actor)
			default:
				return nil
			}
		case <-actor.Done():
			return s.reply(ctx, env.TaskID, wire.CantReachModel(modelID))
		case out := <-s.events:
			if err := s.send(ctx, out); err != nil {
				return err
			}
		case <-s.transport.Done():
			return ErrTransportClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// refuseQueued answers every job left in a stopped actor's inbox. Each job
// is received once, either here or by the actor's own drain.
func (s *Supervisor) refuseQueued(ctx context.Context, actor *Actor) error {
	for {
		select {
		case env := <-actor.inbox:
			if err := s.reply(ctx, env.TaskID, wire.CantReachModel(actor.ID())); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (s *Supervisor) reply(ctx context.Context, taskID string, perr *wire.ProtocolError) error {
	clog.Warningf(ctx, "Rejecting request code=%s msg=%q", perr.Code, perr.Message)
	monitor.ProtocolError(perr.Code.String())
	return s.send(ctx, perr.Envelope(taskID))
}

func (s *Supervisor) send(ctx context.Context, env *wire.Envelope) error {
	if err := s.transport.Send(ctx, env); err != nil {
		glog.Errorf("Failed sending message type=%s taskId=%s err=%q", env.Type(), env.TaskID, err)
		return err
	}
	return nil
}
