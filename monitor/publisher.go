package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
)

// Event types published by the worker.
const (
	EventRelayResponse  = "relay_response"
	EventRelayError     = "relay_error"
	EventBackendUpgrade = "backend_upgrade"
)

var errPublisherRunning = errors.New("event publisher already running")

// Record is a telemetry payload that knows its event type.
type Record interface {
	EventType() string
}

// EventEnvelope is one telemetry record handed to the sinks.
type EventEnvelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Node      string          `json:"node,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type PublisherConfig struct {
	// NodeName returns the hub assigned node name, which is only known
	// after the first AUTH, so it is looked up per event.
	NodeName      func() string
	SinkURLs      []string
	Headers       map[string]string
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
}

type BackendOptions struct {
	Headers  map[string]string
	NodeName func() string
}

type EventBackend interface {
	Start(ctx context.Context) error
	Publish(ctx context.Context, batch []EventEnvelope) error
	Stop(ctx context.Context) error
}

type BackendFactory func(u *url.URL, opts BackendOptions) (EventBackend, error)

var sinkFactories = map[string]BackendFactory{
	"http":  newHTTPBackend,
	"https": newHTTPBackend,
	"ws":    newWebSocketBackend,
	"wss":   newWebSocketBackend,
	"kafka": newKafkaBackend,
}

type sink struct {
	url     string
	backend EventBackend
}

type publisher struct {
	ctx           context.Context
	cancel        context.CancelFunc
	queue         chan EventEnvelope
	batchSize     int
	flushInterval time.Duration
	nodeName      func() string
	sinks         []sink
	dropped       atomic.Int64
	wg            sync.WaitGroup
}

var (
	publisherMu     sync.RWMutex
	activePublisher *publisher
)

// InitEventPublisher starts the sinks and the batching loop. Only one
// publisher runs at a time.
func InitEventPublisher(cfg PublisherConfig) error {
	publisherMu.Lock()
	defer publisherMu.Unlock()
	if activePublisher != nil {
		return errPublisherRunning
	}
	pub, err := newPublisher(cfg)
	if err != nil {
		return err
	}
	activePublisher = pub
	return nil
}

// ShutdownEventPublisher flushes queued events and stops the sinks.
func ShutdownEventPublisher(ctx context.Context) error {
	publisherMu.Lock()
	pub := activePublisher
	activePublisher = nil
	if pub != nil {
		// Publish sends under the read lock, so nothing races the close
		close(pub.queue)
	}
	publisherMu.Unlock()
	if pub == nil {
		return nil
	}
	return pub.stop(ctx)
}

// Publish queues rec for the sinks. It never blocks: with no publisher the
// record is discarded and a full queue drops it.
func Publish(rec Record) {
	publisherMu.RLock()
	defer publisherMu.RUnlock()
	pub := activePublisher
	if pub == nil {
		return
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		glog.Errorf("Failed encoding %s event err=%q", rec.EventType(), err)
		return
	}
	evt := EventEnvelope{
		ID:        uuid.NewString(),
		Type:      rec.EventType(),
		Timestamp: time.Now().UTC(),
		Node:      pub.nodeName(),
		Payload:   payload,
	}
	select {
	case pub.queue <- evt:
	default:
		if n := pub.dropped.Add(1); n == 1 || n%100 == 0 {
			glog.Warningf("Event queue full, dropped=%d type=%s", n, evt.Type)
		}
	}
}

func newPublisher(cfg PublisherConfig) (*publisher, error) {
	if len(cfg.SinkURLs) == 0 {
		return nil, errors.New("event publisher requires at least one sink URL")
	}
	pub := &publisher{
		queue:         make(chan EventEnvelope, positiveOr(cfg.QueueSize, 100)),
		batchSize:     positiveOr(cfg.BatchSize, 100),
		flushInterval: time.Second,
		nodeName:      cfg.NodeName,
	}
	if cfg.FlushInterval > 0 {
		pub.flushInterval = cfg.FlushInterval
	}
	if pub.nodeName == nil {
		pub.nodeName = func() string { return "" }
	}
	pub.ctx, pub.cancel = context.WithCancel(context.Background())

	opts := BackendOptions{Headers: cfg.Headers, NodeName: pub.nodeName}
	for _, raw := range cfg.SinkURLs {
		if raw = strings.TrimSpace(raw); raw == "" {
			continue
		}
		backend, err := openSink(pub.ctx, raw, opts)
		if err != nil {
			pub.cancel()
			pub.stopSinks(context.Background())
			return nil, err
		}
		pub.sinks = append(pub.sinks, sink{url: raw, backend: backend})
	}
	if len(pub.sinks) == 0 {
		pub.cancel()
		return nil, errors.New("no valid event sinks configured")
	}

	pub.wg.Add(1)
	go pub.run()
	return pub, nil
}

func openSink(ctx context.Context, raw string, opts BackendOptions) (EventBackend, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse sink url %q: %w", raw, err)
	}
	factory, ok := sinkFactories[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("no event sink for scheme %q", u.Scheme)
	}
	backend, err := factory(u, opts)
	if err != nil {
		return nil, fmt.Errorf("init sink %s: %w", u.Redacted(), err)
	}
	if err := backend.Start(ctx); err != nil {
		backend.Stop(context.Background())
		return nil, fmt.Errorf("start sink %s: %w", u.Redacted(), err)
	}
	return backend, nil
}

// stop waits for the queue to drain, or for ctx, and then stops the sinks.
func (p *publisher) stop(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		p.wg.Wait()
	}()
	select {
	case <-drained:
	case <-ctx.Done():
	}
	p.cancel()
	if n := p.dropped.Load(); n > 0 {
		glog.Warningf("Event publisher stopped, dropped=%d", n)
	}
	return p.stopSinks(ctx)
}

func (p *publisher) stopSinks(ctx context.Context) error {
	var errs []error
	for _, s := range p.sinks {
		if err := s.backend.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.url, err))
		}
	}
	return errors.Join(errs...)
}

func (p *publisher) run() {
	defer p.wg.Done()

	timer := time.NewTimer(p.flushInterval)
	defer timer.Stop()
	batch := make([]EventEnvelope, 0, p.batchSize)

	flush := func() {
		if len(batch) > 0 {
			out := append([]EventEnvelope(nil), batch...)
			for _, s := range p.sinks {
				if err := s.backend.Publish(p.ctx, out); err != nil {
					glog.Errorf("Event sink publish failed sink=%s err=%q", s.url, err)
				}
			}
			batch = batch[:0]
		}
		timer.Reset(p.flushInterval)
	}

	for {
		select {
		case <-p.ctx.Done():
			return
		case evt, ok := <-p.queue:
			if !ok {
				flush()
				return
			}
			if batch = append(batch, evt); len(batch) >= p.batchSize {
				flush()
			}
		case <-timer.C:
			flush()
		}
	}
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
