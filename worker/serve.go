package worker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
)

const DefaultRetryInterval = 10 * time.Second

type ServeConfig struct {
	WS            WSConfig
	Supervisor    SupervisorConfig
	RetryInterval time.Duration
}

// Serve keeps one structured session with the hub alive until ctx ends.
// Every connection starts a fresh supervisor, so models are loaded again
// after a reconnect.
func Serve(ctx context.Context, cfg ServeConfig, loader Loader) error {
	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	dial := func(ctx context.Context) (Transport, func() error, error) {
		t, err := DialWS(ctx, cfg.WS)
		if err != nil {
			return nil, nil, err
		}
		return t, t.Close, nil
	}
	return serve(ctx, interval, dial, func(t Transport) *Supervisor {
		return NewSupervisor(cfg.Supervisor, t, loader)
	})
}

type dialFunc func(ctx context.Context) (Transport, func() error, error)

func serve(ctx context.Context, interval time.Duration, dial dialFunc, newSupervisor func(Transport) *Supervisor) error {
	op := func() error {
		t, closeFn, err := dial(ctx)
		if err != nil {
			glog.Warningf("Connecting to hub failed, retrying in %s err=%q", interval, err)
			return err
		}
		defer closeFn()
		err = newSupervisor(t).Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		glog.Warningf("Hub session ended, reconnecting in %s err=%q", interval, err)
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(interval), ctx))
	if ctx.Err() != nil {
		return nil
	}
	return err
}
