package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

type collector struct {
	mu      sync.Mutex
	events  []EventEnvelope
	headers []http.Header
}

func (c *collector) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var batch []EventEnvelope
		if r.Header.Get("Content-Type") == "application/x-ndjson" {
			sc := bufio.NewScanner(strings.NewReader(string(body)))
			for sc.Scan() {
				var evt EventEnvelope
				require.NoError(t, json.Unmarshal(sc.Bytes(), &evt))
				batch = append(batch, evt)
			}
		} else {
			require.NoError(t, json.Unmarshal(body, &batch))
		}
		c.mu.Lock()
		c.events = append(c.events, batch...)
		c.headers = append(c.headers, r.Header.Clone())
		c.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (c *collector) snapshot() []EventEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]EventEnvelope(nil), c.events...)
}

func TestPublishWithoutPublisher(t *testing.T) {
	require.NoError(t, ShutdownEventPublisher(context.Background()))
	assert.NotPanics(t, func() {
		Publish(UpgradeRecord{Image: "ollama/ollama:0.6.8"})
	})
}

func TestInitEventPublisher_OnlyOne(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	cfg := PublisherConfig{SinkURLs: []string{ts.URL}}
	require.NoError(t, InitEventPublisher(cfg))
	assert.ErrorIs(t, InitEventPublisher(cfg), errPublisherRunning)
	require.NoError(t, ShutdownEventPublisher(context.Background()))
	require.NoError(t, InitEventPublisher(cfg))
	require.NoError(t, ShutdownEventPublisher(context.Background()))
}

func TestPublish_DropsWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer ts.Close()

	require.NoError(t, InitEventPublisher(PublisherConfig{
		SinkURLs:      []string{ts.URL},
		QueueSize:     1,
		BatchSize:     1,
		FlushInterval: time.Hour,
	}))
	publishedAt := time.Now()
	for i := 0; i < 50; i++ {
		Publish(UpgradeRecord{Image: "img"})
	}
	assert.Less(t, time.Since(publishedAt), time.Second, "Publish never blocks")

	publisherMu.RLock()
	dropped := activePublisher.dropped.Load()
	publisherMu.RUnlock()
	assert.Greater(t, dropped, int64(0))

	close(release)
	require.NoError(t, ShutdownEventPublisher(context.Background()))
}

func TestRecordEventTypes(t *testing.T) {
	assert.Equal(t, EventRelayResponse, RelayRecord{Status: 200}.EventType())
	assert.Equal(t, EventRelayError, RelayRecord{Error: "broken pipe"}.EventType())
	assert.Equal(t, EventBackendUpgrade, UpgradeRecord{}.EventType())
}

func TestInitEventPublisher_Errors(t *testing.T) {
	assert.Error(t, InitEventPublisher(PublisherConfig{}))
	assert.Error(t, InitEventPublisher(PublisherConfig{SinkURLs: []string{"gopher://nowhere"}}))
	assert.Error(t, InitEventPublisher(PublisherConfig{SinkURLs: []string{"http://x/?timeout=soon"}}))
	assert.Error(t, InitEventPublisher(PublisherConfig{SinkURLs: []string{"kafka://broker:9092"}}))
}

func TestPublisher_HTTPSink(t *testing.T) {
	for _, format := range []string{"json", "ndjson"} {
		t.Run(format, func(t *testing.T) {
			c := &collector{}
			ts := httptest.NewServer(c.handler(t))
			defer ts.Close()

			err := InitEventPublisher(PublisherConfig{
				NodeName:      func() string { return "node-9" },
				SinkURLs:      []string{ts.URL + "/events?format=" + format},
				Headers:       map[string]string{"Authorization": "Bearer x"},
				FlushInterval: 10 * time.Millisecond,
			})
			require.NoError(t, err)

			LogRelay(NewRelayRecord("POST", "/api/generate", "llama3", 200, []byte("HTTP/1.1 200 OK\r\n"), time.Second, nil))
			LogRelay(NewRelayRecord("POST", "/api/pull", "", 200, []byte{0xff, 0xfe}, time.Second, errors.New("broken pipe")))

			require.Eventually(t, func() bool { return len(c.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
			require.NoError(t, ShutdownEventPublisher(context.Background()))

			events := c.snapshot()
			assert.Equal(t, EventRelayResponse, events[0].Type)
			assert.Equal(t, "node-9", events[0].Node)
			assert.NotEmpty(t, events[0].ID)

			var rec RelayRecord
			require.NoError(t, json.Unmarshal(events[0].Payload, &rec))
			assert.Equal(t, "llama3", rec.Model)
			assert.Equal(t, "HTTP/1.1 200 OK\r\n", rec.Response)

			assert.Equal(t, EventRelayError, events[1].Type)
			require.NoError(t, json.Unmarshal(events[1].Payload, &rec))
			assert.Equal(t, "broken pipe", rec.Error)
			assert.NotEmpty(t, rec.UTF8Error)

			c.mu.Lock()
			assert.Equal(t, "node-9", c.headers[0].Get(nodeHeader))
			assert.Equal(t, "Bearer x", c.headers[0].Get("Authorization"))
			c.mu.Unlock()
		})
	}
}

func TestPublisher_WebSocketSink(t *testing.T) {
	received := make(chan []EventEnvelope, 4)
	ts := httptest.NewServer(websocket.Handler(func(conn *websocket.Conn) {
		for {
			var raw []byte
			if err := websocket.Message.Receive(conn, &raw); err != nil {
				return
			}
			var batch []EventEnvelope
			if json.Unmarshal(raw, &batch) == nil {
				received <- batch
			}
		}
	}))
	defer ts.Close()

	u, _ := url.Parse(ts.URL)
	u.Scheme = "ws"
	backend, err := newWebSocketBackend(u, BackendOptions{})
	require.NoError(t, err)
	require.NoError(t, backend.Start(context.Background()))

	for i := 0; i < 2; i++ {
		require.NoError(t, backend.Publish(context.Background(), []EventEnvelope{{ID: "e", Type: EventBackendUpgrade, Payload: json.RawMessage(`{}`)}}))
	}
	for i := 0; i < 2; i++ {
		select {
		case batch := <-received:
			assert.Equal(t, EventBackendUpgrade, batch[0].Type)
		case <-time.After(2 * time.Second):
			t.Fatal("websocket sink did not deliver")
		}
	}
	assert.NoError(t, backend.Stop(context.Background()))
}

type fakeKafkaWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fails  int
	closed bool
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("leader not available")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func TestKafkaBackend_KeysByNode(t *testing.T) {
	w := &fakeKafkaWriter{fails: 1}
	b := newKafkaBackendWithWriter(w, "hive-telemetry")
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Start(ctx))

	ts := time.UnixMilli(1700000000000)
	require.NoError(t, b.Publish(ctx, []EventEnvelope{
		{ID: "1", Type: EventRelayResponse, Timestamp: ts, Node: "node-a", Payload: json.RawMessage(`{"status":200}`)},
		{ID: "2", Type: EventRelayError, Timestamp: ts, Payload: json.RawMessage(`not json`)},
	}))
	cancel()
	require.NoError(t, b.Stop(context.Background()))

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.True(t, w.closed)
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "node-a", string(w.msgs[0].Key))

	var evt nodeEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &evt))
	assert.Equal(t, int64(1700000000000), evt.Timestamp)
	assert.Equal(t, map[string]interface{}{"status": float64(200)}, evt.Data)

	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &evt))
	assert.Equal(t, "not json", evt.Data)
}

func TestSplitAndTrim(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, splitAndTrim(" a:9092, ,b:9092 ", ","))
	assert.Nil(t, splitAndTrim("", ","))
}
