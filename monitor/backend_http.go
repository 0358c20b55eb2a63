package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const nodeHeader = "X-Hive-Node"

// httpBackend posts each batch to a collector, either as one JSON array or,
// with ?format=ndjson, one event per line.
type httpBackend struct {
	client   *http.Client
	target   string
	headers  map[string]string
	ndjson   bool
	nodeName func() string
}

func newHTTPBackend(u *url.URL, opts BackendOptions) (EventBackend, error) {
	query := u.Query()

	timeout, err := sinkTimeout(query, u)
	if err != nil {
		return nil, err
	}

	var ndjson bool
	switch format := strings.ToLower(strings.TrimSpace(query.Get("format"))); format {
	case "", "json":
	case "ndjson":
		ndjson = true
	default:
		return nil, fmt.Errorf("unsupported format %q for http sink %s", format, u.Redacted())
	}

	// remove internal configuration parameters
	query.Del("timeout")
	query.Del("format")
	cleaned := *u
	cleaned.RawQuery = query.Encode()

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &httpBackend{
		client:   &http.Client{Timeout: timeout},
		target:   cleaned.String(),
		headers:  headers,
		ndjson:   ndjson,
		nodeName: opts.NodeName,
	}, nil
}

// sinkTimeout reads the optional ?timeout= parameter shared by the sinks.
func sinkTimeout(query url.Values, u *url.URL) (time.Duration, error) {
	raw := strings.TrimSpace(query.Get("timeout"))
	if raw == "" {
		return 10 * time.Second, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q for sink %s: %w", raw, u.Redacted(), err)
	}
	return dur, nil
}

func (b *httpBackend) Start(_ context.Context) error {
	return nil
}

func (b *httpBackend) encode(batch []EventEnvelope) ([]byte, string, error) {
	if !b.ndjson {
		body, err := json.Marshal(batch)
		return body, "application/json", err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, evt := range batch {
		if err := enc.Encode(evt); err != nil {
			return nil, "", err
		}
	}
	return buf.Bytes(), "application/x-ndjson", nil
}

func (b *httpBackend) Publish(ctx context.Context, batch []EventEnvelope) error {
	if len(batch) == 0 {
		return nil
	}

	body, contentType, err := b.encode(batch)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if b.nodeName != nil {
		if name := b.nodeName(); name != "" {
			req.Header.Set(nodeHeader, name)
		}
	}
	for k, v := range b.headers {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("http sink %s returned status %d", b.target, resp.StatusCode)
}

func (b *httpBackend) Stop(_ context.Context) error {
	return nil
}
