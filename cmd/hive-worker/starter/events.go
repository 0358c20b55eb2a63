package starter

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/livepeer/hive-worker/common"
	"github.com/livepeer/hive-worker/core"
	"github.com/livepeer/hive-worker/monitor"
)

func startEventPublisher(cfg HiveConfig, node *core.HiveNode) error {
	sinkList := splitList(*cfg.EventSinkURIs)
	kafkaURI, err := buildKafkaSink(cfg)
	if err != nil {
		return err
	}
	if kafkaURI != "" {
		sinkList = append(sinkList, kafkaURI)
	}

	if len(sinkList) == 0 {
		glog.V(common.DEBUG).Infof("Event publisher not started: no sinks configured")
		return nil
	}

	headers, err := parseHeaderList(*cfg.EventSinkHeaders)
	if err != nil {
		return err
	}

	publisherCfg := monitor.PublisherConfig{
		NodeName:      node.Name,
		SinkURLs:      sinkList,
		Headers:       headers,
		QueueSize:     valueOrDefaultInt(cfg.EventSinkQueueDepth, 100),
		BatchSize:     valueOrDefaultInt(cfg.EventSinkBatchSize, 100),
		FlushInterval: valueOrDefaultDuration(cfg.EventSinkFlushInterval, time.Second),
	}
	if err := monitor.InitEventPublisher(publisherCfg); err != nil {
		return fmt.Errorf("init event publisher: %w", err)
	}
	glog.Infof("Publishing events to %d sink(s)", len(sinkList))
	return nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n' || r == ';'
	})
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseHeaderList(raw string) (map[string]string, error) {
	headers := make(map[string]string)
	for _, entry := range splitList(raw) {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid header %q, expected Key=Value", entry)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("invalid header %q: empty key", entry)
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers, nil
}

// buildKafkaSink turns the -kafka* flags into a kafka:// sink URL. It returns
// "" when brokers or topic are missing.
func buildKafkaSink(cfg HiveConfig) (string, error) {
	brokers := strings.TrimSpace(*cfg.KafkaBootstrapServers)
	topic := strings.TrimSpace(*cfg.KafkaTopic)
	if brokers == "" || topic == "" {
		return "", nil
	}
	user := strings.TrimSpace(*cfg.KafkaUsername)
	password := strings.TrimSpace(*cfg.KafkaPassword)

	host := strings.TrimSpace(strings.Split(brokers, ",")[0])
	if host == "" {
		return "", fmt.Errorf("invalid Kafka bootstrap server string %q", brokers)
	}

	u := url.URL{Scheme: "kafka", Host: host}
	if user != "" {
		if password != "" {
			u.User = url.UserPassword(user, password)
		} else {
			u.User = url.User(user)
		}
	}
	q := u.Query()
	q.Set("topic", topic)
	q.Set("brokers", brokers)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func valueOrDefaultInt(ptr *int, def int) int {
	if ptr != nil && *ptr > 0 {
		return *ptr
	}
	return def
}

func valueOrDefaultDuration(ptr *time.Duration, def time.Duration) time.Duration {
	if ptr != nil && *ptr > 0 {
		return *ptr
	}
	return def
}
