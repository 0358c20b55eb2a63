package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jaypipes/ghw"
	"github.com/jaypipes/ghw/pkg/gpu"
	"github.com/jaypipes/pcidb"
	"github.com/livepeer/hive-worker/common"
	"github.com/livepeer/hive-worker/llm"
	"github.com/livepeer/hive-worker/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// hubServer accepts one websocket and hands it to the test.
func hubServer(t *testing.T) (string, chan *websocket.Conn) {
	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Hive-Key"))
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		conns <- c
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

func readEnvelope(t *testing.T, c *websocket.Conn) *wire.Envelope {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := c.ReadMessage()
	require.NoError(t, err)
	env, err := wire.Decode(msg)
	require.NoError(t, err)
	return env
}

func writeEnvelope(t *testing.T, c *websocket.Conn, env *wire.Envelope) {
	t.Helper()
	data, err := wire.Encode(env)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, data))
}

func TestWSTransport_EndToEnd(t *testing.T) {
	url, conns := hubServer(t)

	hw := []wire.GPU{{Model: "RTX 3090", VRAM: 24576, Driver: "nvidia"}}
	tr, err := DialWS(context.Background(), WSConfig{
		URL:      url,
		Token:    "node-token",
		Header:   http.Header{"X-Hive-Key": []string{"secret"}},
		Hardware: hw,
	})
	require.NoError(t, err)
	hub := <-conns
	defer hub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	sup := NewSupervisor(SupervisorConfig{Sampling: greedySampling()}, tr, llm.NewRegistry(t.TempDir()))
	go func() { done <- sup.Run(ctx) }()

	auth := readEnvelope(t, hub)
	require.Equal(t, wire.TypeAuthentication, auth.Type())
	assert.Equal(t, wire.Authentication{Token: "node-token", Hardware: hw}, auth.Body)

	writeEnvelope(t, hub, &wire.Envelope{TaskID: "s", Body: wire.Success{Code: 200}})
	writeEnvelope(t, hub, &wire.Envelope{TaskID: "l", Body: wire.LoadModels{Model: []wire.RequestModelConfig{
		{ModelName: llm.ByteLM, MaxSampleLen: 6},
		{ModelName: llm.Llama3_8B, MaxSampleLen: 6},
	}}})
	loaded := readEnvelope(t, hub)
	require.Equal(t, wire.TypeResponseLoadModel, loaded.Type())
	handler := loaded.Body.(wire.ResponseLoadModel).HandlerID
	// llama weights are not on disk in tests
	failed := readEnvelope(t, hub)
	require.Equal(t, wire.TypeError, failed.Type())
	assert.Equal(t, "l", failed.TaskID)

	writeEnvelope(t, hub, &wire.Envelope{TaskID: "p", Body: wire.SubmitPrompt{Model: handler, Prompt: "hello"}})
	resp := readEnvelope(t, hub)
	require.Equal(t, wire.TypeResponsePrompt, resp.Type())
	assert.Equal(t, "p", resp.TaskID)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close(), "close is idempotent")
	<-tr.Done()
}

func TestWSTransport_HubHangup(t *testing.T) {
	url, conns := hubServer(t)
	tr, err := DialWS(context.Background(), WSConfig{URL: url, Header: http.Header{"X-Hive-Key": []string{"secret"}}})
	require.NoError(t, err)
	hub := <-conns
	readEnvelope(t, hub)
	hub.Close()

	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("transport did not notice the hangup")
	}
	err = tr.Send(context.Background(), &wire.Envelope{Body: wire.Success{}})
	assert.ErrorIs(t, err, ErrTransportClosed)

	sup := NewSupervisor(SupervisorConfig{}, tr, llm.NewRegistry(t.TempDir()))
	assert.ErrorIs(t, sup.Run(context.Background()), ErrTransportClosed)
}

func TestWSTransport_DialError(t *testing.T) {
	_, err := DialWS(context.Background(), WSConfig{URL: "ws://127.0.0.1:1/nothing"})
	assert.Error(t, err)
}

func TestServe_ReconnectsWithFreshSupervisor(t *testing.T) {
	defer goleak.VerifyNone(t, common.IgnoreRoutines()...)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var dials atomic.Int32
	transports := make(chan *fakeTransport, 4)
	dial := func(ctx context.Context) (Transport, func() error, error) {
		dials.Add(1)
		tr := newFakeTransport()
		transports <- tr
		return tr, func() error { return nil }, nil
	}
	newSup := func(t Transport) *Supervisor {
		return NewSupervisor(SupervisorConfig{}, t, newTestLoader())
	}

	done := make(chan error, 1)
	go func() { done <- serve(ctx, time.Millisecond, dial, newSup) }()

	first := <-transports
	first.in <- &wire.Envelope{Body: wire.Success{}}
	close(first.done)

	second := <-transports
	// the new supervisor starts unauthenticated again
	second.in <- &wire.Envelope{TaskID: "l", Body: wire.LoadModels{}}
	env := <-second.out
	assert.Equal(t, uint32(wire.CodeBadRequest), env.Body.(wire.Error).Code)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
	assert.Equal(t, int32(2), dials.Load())
}

func TestHardwareList(t *testing.T) {
	hw := &common.StubHardware{GPU: []*gpu.GraphicsCard{{
		DeviceInfo: &ghw.PCIDevice{
			Vendor:  &pcidb.Vendor{Name: "NVIDIA Corporation"},
			Product: &pcidb.Product{Name: "GA102 [GeForce RTX 3090]"},
			Driver:  "nvidia",
		},
	}}}
	restore := hw.Install()
	assert.Equal(t, []wire.GPU{{Model: "GA102 [GeForce RTX 3090]", Driver: "nvidia"}}, HardwareList())
	restore()

	none := &common.StubHardware{}
	restore = none.Install()
	defer restore()
	assert.Equal(t, []wire.GPU{}, HardwareList())
}
