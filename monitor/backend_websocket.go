package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/livepeer/hive-worker/common"
	"golang.org/x/net/websocket"
)

// websocketBackend keeps one connection to the collector open and redials
// after a failed send.
type websocketBackend struct {
	target  string
	origin  string
	headers http.Header
	timeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

func newWebSocketBackend(u *url.URL, opts BackendOptions) (EventBackend, error) {
	query := u.Query()

	origin := query.Get("origin")
	if origin == "" {
		origin = fmt.Sprintf("http://%s", u.Host)
	}
	timeout, err := sinkTimeout(query, u)
	if err != nil {
		return nil, err
	}

	query.Del("origin")
	query.Del("timeout")
	cleaned := *u
	cleaned.RawQuery = query.Encode()

	header := make(http.Header, len(opts.Headers))
	for k, v := range opts.Headers {
		header.Set(k, v)
	}

	return &websocketBackend{
		target:  cleaned.String(),
		origin:  origin,
		headers: header,
		timeout: timeout,
	}, nil
}

func (b *websocketBackend) Start(_ context.Context) error {
	return nil
}

func (b *websocketBackend) dial(ctx context.Context) (*websocket.Conn, error) {
	cfg, err := websocket.NewConfig(b.target, b.origin)
	if err != nil {
		return nil, err
	}
	cfg.Header = b.headers.Clone()
	dialer := &net.Dialer{Timeout: b.timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}
	cfg.Dialer = dialer
	return websocket.DialConfig(cfg)
}

func (b *websocketBackend) Publish(ctx context.Context, batch []EventEnvelope) error {
	if len(batch) == 0 {
		return nil
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		if b.conn == nil {
			conn, err := b.dial(ctx)
			if err != nil {
				return err
			}
			b.conn = conn
		}
		b.conn.SetWriteDeadline(time.Now().Add(b.timeout))
		if err = websocket.Message.Send(b.conn, payload); err == nil {
			return nil
		}
		glog.V(common.DEBUG).Infof("websocket sink %s send failed, redialing: %v", b.target, err)
		b.conn.Close()
		b.conn = nil
	}
	return err
}

func (b *websocketBackend) Stop(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}
