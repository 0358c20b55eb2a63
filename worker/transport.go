package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/livepeer/hive-worker/common"
	"github.com/livepeer/hive-worker/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20
	sendBufferSize = 256
)

type WSConfig struct {
	URL      string
	Token    string
	Header   http.Header
	Hardware []wire.GPU
}

// WSTransport speaks the structured job protocol over a websocket. The
// Authentication message is always the first frame written.
type WSTransport struct {
	conn    *websocket.Conn
	inbound chan *wire.Envelope
	send    chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// DialWS connects to the hub and starts the read and write pumps.
func DialWS(ctx context.Context, cfg WSConfig) (*WSTransport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", cfg.URL, err)
	}
	if resp != nil {
		glog.V(common.DEBUG).Infof("Websocket connected url=%s status=%d", cfg.URL, resp.StatusCode)
	}
	return newWSTransport(conn, cfg.Token, cfg.Hardware)
}

func newWSTransport(conn *websocket.Conn, token string, hw []wire.GPU) (*WSTransport, error) {
	auth, err := wire.Encode(&wire.Envelope{Body: wire.Authentication{Token: token, Hardware: hw}})
	if err != nil {
		conn.Close()
		return nil, err
	}
	t := &WSTransport{
		conn:    conn,
		inbound: make(chan *wire.Envelope, sendBufferSize),
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
	}
	t.send <- auth
	go t.readPump()
	go t.writePump()
	return t, nil
}

func (t *WSTransport) Inbound() <-chan *wire.Envelope { return t.inbound }

func (t *WSTransport) Done() <-chan struct{} { return t.done }

func (t *WSTransport) Send(ctx context.Context, env *wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	select {
	case t.send <- data:
		return nil
	case <-t.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the connection down. It is safe to call more than once.
func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

func (t *WSTransport) readPump() {
	defer t.Close()

	t.conn.SetReadLimit(maxMessageSize)
	t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.Errorf("Websocket read error err=%q", err)
			}
			return
		}
		// any traffic proves the hub is alive
		t.conn.SetReadDeadline(time.Now().Add(pongWait))
		env, err := wire.Decode(msg)
		if err != nil {
			glog.Warningf("Dropping undecodable hub message err=%q", err)
			continue
		}
		if !env.Type().IsInbound() {
			glog.Warningf("Dropping hub message with outbound type=%s taskId=%s", env.Type(), env.TaskID)
			continue
		}
		select {
		case t.inbound <- env:
		case <-t.done:
			return
		}
	}
}

func (t *WSTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		t.Close()
	}()

	for {
		select {
		case msg := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				glog.Errorf("Websocket write error err=%q", err)
				return
			}
		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-t.done:
			t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// HardwareList reports the detected GPUs in the hub's schema. Probe
// failures yield an empty list.
func HardwareList() []wire.GPU {
	gpus, err := common.DetectGPUs()
	if errors.Is(err, common.ErrNoGPU) {
		glog.Infof("No GPUs detected, reporting an empty hardware list")
		return []wire.GPU{}
	}
	if err != nil {
		glog.Warningf("GPU detection failed err=%q", err)
		return []wire.GPU{}
	}
	hw := make([]wire.GPU, 0, len(gpus))
	for _, g := range gpus {
		hw = append(hw, wire.GPU{Model: g.Model, VRAM: g.VRAM, Driver: g.Driver})
	}
	return hw
}
