package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/livepeer/hive-worker/clog"
	"github.com/livepeer/hive-worker/core"
	"github.com/livepeer/hive-worker/monitor"
)

const DefaultRetryInterval = 10 * time.Second

var dialTimeout = 10 * time.Second

type RunnerConfig struct {
	HubAddr       string
	Concurrency   int
	RetryInterval time.Duration
}

// Runner keeps Concurrency sessions connected to the hub. A session that
// fails is reconnected after RetryInterval. A reboot restarts every session
// at once, a shutdown ends them for good.
type Runner struct {
	cfg  RunnerConfig
	node *core.HiveNode
	deps Deps
	dial func(ctx context.Context) (net.Conn, error)
}

func NewRunner(cfg RunnerConfig, node *core.HiveNode, deps Deps) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	r := &Runner{cfg: cfg, node: node, deps: deps}
	r.dial = r.dialHub
	return r
}

func (r *Runner) dialHub(ctx context.Context) (net.Conn, error) {
	if _, _, err := net.SplitHostPort(r.cfg.HubAddr); err != nil {
		return nil, NewFatalError(fmt.Errorf("%w %q: %w", ErrInvalidHubAddress, r.cfg.HubAddr, err))
	}
	d := net.Dialer{Timeout: dialTimeout}
	return d.DialContext(ctx, "tcp", r.cfg.HubAddr)
}

// Run blocks until shutdown is requested, ctx is done or a session hits a
// fatal error, which is returned.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.node.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		var (
			wg       sync.WaitGroup
			fatalMu  sync.Mutex
			fatalErr error
		)
		// a reboot seen by one session drops its siblings too
		roundCtx, roundCancel := context.WithCancel(ctx)
		for i := 0; i < r.cfg.Concurrency; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				err := r.keepConnected(roundCtx, idx)
				if err != nil {
					fatalMu.Lock()
					fatalErr = err
					fatalMu.Unlock()
					cancel()
				}
				if r.node.RebootRequested() {
					roundCancel()
				}
			}(i)
		}
		wg.Wait()
		roundCancel()

		if fatalErr != nil {
			return fatalErr
		}
		if r.node.ShutdownRequested() || ctx.Err() != nil {
			glog.Info("All hub sessions stopped")
			return nil
		}
		if r.node.ConsumeReboot() {
			glog.Info("Rebooting hub sessions")
			continue
		}
		return nil
	}
}

// keepConnected reconnects one session slot until the node asks it to stop.
func (r *Runner) keepConnected(ctx context.Context, idx int) error {
	var fatal error
	b := backoff.WithContext(backoff.NewConstantBackOff(r.cfg.RetryInterval), ctx)
	backoff.Retry(func() error {
		if r.node.ShouldExit() || ctx.Err() != nil {
			return nil
		}
		err := r.runSession(ctx, idx)
		var fe FatalError
		if errors.As(err, &fe) {
			glog.Errorf("Terminating hub session %d because of err=%q", idx, err)
			fatal = err
			// Returning nil here will make `backoff` to stop trying to reconnect and exit
			return nil
		}
		if err == nil || r.node.ShouldExit() || ctx.Err() != nil {
			return nil
		}
		glog.Errorf("Hub session %d ended, reconnecting in %v err=%q", idx, r.cfg.RetryInterval, err)
		monitor.SessionReconnect()
		return err
	}, b)
	return fatal
}

func (r *Runner) runSession(ctx context.Context, idx int) error {
	conn, err := r.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	s := New(conn, r.node, r.deps)
	// unblock reads when the runner is stopped
	stop := context.AfterFunc(ctx, s.Interrupt)
	defer stop()

	logCtx := clog.AddVal(ctx, "slot", fmt.Sprint(idx))
	clog.Infof(logCtx, "Connected to hub addr=%s sessionID=%s", r.cfg.HubAddr, s.ID)

	monitor.SessionStarted()
	defer monitor.SessionEnded()
	err = s.Run(logCtx)
	if errors.Is(err, errInterrupted) {
		return nil
	}
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
