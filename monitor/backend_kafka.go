package monitor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
)

const (
	KafkaBatchInterval  = 1 * time.Second
	KafkaRequestTimeout = 60 * time.Second
	KafkaBatchSize      = 100
	KafkaChannelSize    = 100
	kafkaWriteRetries   = 3
)

// nodeEvent is the record layout consumed from the telemetry topic.
type nodeEvent struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Node      string      `json:"node,omitempty"`
	Data      interface{} `json:"data"`
}

// kafkaBackend keys messages by node name so one node's records stay
// ordered on a single partition.
type kafkaBackend struct {
	writer messageWriter
	topic  string
	events chan kafka.Message
	wg     sync.WaitGroup
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func newKafkaBackend(u *url.URL, _ BackendOptions) (EventBackend, error) {
	query := u.Query()

	topic := strings.TrimSpace(query.Get("topic"))
	if topic == "" {
		return nil, fmt.Errorf("kafka sink %q missing topic", u.Redacted())
	}

	brokers := splitAndTrim(query.Get("brokers"), ",")
	if len(brokers) == 0 {
		host := strings.TrimSpace(u.Host)
		if host == "" {
			return nil, fmt.Errorf("kafka sink %q missing brokers", u.Redacted())
		}
		brokers = []string{host}
	}

	dialer := &kafka.Dialer{Timeout: KafkaRequestTimeout, DualStack: true}
	if u.User != nil && u.User.Username() != "" {
		password, _ := u.User.Password()
		dialer.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
		dialer.SASLMechanism = &plain.Mechanism{Username: u.User.Username(), Password: password}
	}

	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Dialer:   dialer,
	})
	return newKafkaBackendWithWriter(writer, topic), nil
}

func newKafkaBackendWithWriter(w messageWriter, topic string) *kafkaBackend {
	return &kafkaBackend{
		writer: w,
		topic:  topic,
		events: make(chan kafka.Message, KafkaChannelSize),
	}
}

func (b *kafkaBackend) Start(ctx context.Context) error {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(ctx)
	}()
	return nil
}

func (b *kafkaBackend) Publish(_ context.Context, batch []EventEnvelope) error {
	for _, evt := range batch {
		msg, err := toKafkaMessage(evt)
		if err != nil {
			glog.Errorf("kafka backend failed to encode event %s: %v", evt.ID, err)
			continue
		}
		select {
		case b.events <- msg:
		default:
			glog.Warningf("kafka producer event queue is full, dropping event %q", evt.Type)
		}
	}
	return nil
}

func toKafkaMessage(evt EventEnvelope) (kafka.Message, error) {
	var data interface{}
	if len(evt.Payload) > 0 {
		if err := json.Unmarshal(evt.Payload, &data); err != nil {
			data = string(evt.Payload)
		}
	}
	value, err := json.Marshal(nodeEvent{
		ID:        evt.ID,
		Type:      evt.Type,
		Timestamp: evt.Timestamp.UnixMilli(),
		Node:      evt.Node,
		Data:      data,
	})
	if err != nil {
		return kafka.Message{}, err
	}
	key := evt.Node
	if key == "" {
		key = strconv.FormatInt(evt.Timestamp.UnixNano(), 10)
	}
	return kafka.Message{Key: []byte(key), Value: value}, nil
}

func (b *kafkaBackend) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	return b.writer.Close()
}

func (b *kafkaBackend) run(ctx context.Context) {
	ticker := time.NewTicker(KafkaBatchInterval)
	defer ticker.Stop()

	pending := make([]kafka.Message, 0, KafkaBatchSize)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		b.sendBatch(pending)
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// drain what Publish already accepted
			for {
				select {
				case msg := <-b.events:
					pending = append(pending, msg)
				default:
					flush()
					return
				}
			}
		case msg := <-b.events:
			pending = append(pending, msg)
			if len(pending) >= KafkaBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (b *kafkaBackend) sendBatch(msgs []kafka.Message) {
	var writeErr error
	for i := 0; i < kafkaWriteRetries; i++ {
		writeErr = b.writer.WriteMessages(context.Background(), msgs...)
		if writeErr == nil {
			return
		}
		glog.Warningf("error while sending telemetry batch to Kafka, retrying, topic=%s, try=%d, err=%v", b.topic, i, writeErr)
	}
	glog.Errorf("error while sending telemetry batch to Kafka, %d records lost, err=%v", len(msgs), writeErr)
}

func splitAndTrim(raw, sep string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
