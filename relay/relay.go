// Package relay forwards hub requests to the local backend and streams the
// response back over the hub connection with its own chunked framing.
package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/livepeer/hive-worker/backend"
	"github.com/livepeer/hive-worker/clog"
	"github.com/livepeer/hive-worker/common"
	"github.com/livepeer/hive-worker/monitor"
	"github.com/livepeer/hive-worker/wire"
)

const requestTimeout = 30 * time.Minute

var errNoMethod = errors.New("frame has no method")

// Relay proxies legacy HTTP frames to the backend.
type Relay struct {
	baseURL string
	client  *http.Client
	lock    *backend.UpgradeLock
}

func NewRelay(baseURL string, lock *backend.UpgradeLock) *Relay {
	if lock == nil {
		lock = backend.NewUpgradeLock()
	}
	return &Relay{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: requestTimeout},
		lock:    lock,
	}
}

// ModifiesCatalog reports whether the request changes the backend's model
// list, so the poll target has to be re-derived.
func ModifiesCatalog(f *wire.Frame) bool {
	if f.Protocol != "HTTP/1.1" {
		return false
	}
	return (f.Method == http.MethodPost && f.URI == "/api/pull") ||
		(f.Method == http.MethodDelete && f.URI == "/api/delete")
}

// modelFromBody picks the model a request targets out of its JSON body.
func modelFromBody(body string) string {
	var fields struct {
		Model string `json:"model"`
		Name  string `json:"name"`
	}
	if body == "" || json.Unmarshal([]byte(body), &fields) != nil {
		return ""
	}
	if fields.Model != "" {
		return fields.Model
	}
	return fields.Name
}

func (r *Relay) newRequest(ctx context.Context, f *wire.Frame) (*http.Request, error) {
	if f.Method == "" {
		return nil, errNoMethod
	}
	var body io.Reader
	if f.Body != "" {
		body = strings.NewReader(f.Body)
	}
	req, err := http.NewRequestWithContext(ctx, f.Method, r.baseURL+f.URI, body)
	if err != nil {
		return nil, err
	}
	for name, value := range f.Headers {
		switch http.CanonicalHeaderKey(name) {
		case "Host", "Content-Length":
			continue
		}
		req.Header.Set(name, value)
	}
	return req, nil
}

// mirrorWriter copies every byte that reached the hub into a side buffer.
type mirrorWriter struct {
	w      io.Writer
	mirror *bytes.Buffer
}

func (m *mirrorWriter) Write(p []byte) (int, error) {
	n, err := m.w.Write(p)
	m.mirror.Write(p[:n])
	return n, err
}

// Relay sends the frame to the backend and streams the response to w. The
// returned bool is ModifiesCatalog(f), valid only when err is nil.
func (r *Relay) Relay(ctx context.Context, f *wire.Frame, w io.Writer) (bool, error) {
	start := time.Now()
	model := modelFromBody(f.Body)
	ctx = clog.AddVal(ctx, "uri", f.URI)
	if model != "" {
		ctx = clog.AddModelID(ctx, model)
	}

	req, err := r.newRequest(ctx, f)
	if err != nil {
		return false, fmt.Errorf("invalid relay request: %w", err)
	}

	// held until the response has been fully streamed
	r.lock.RLock()
	defer r.lock.RUnlock()

	resp, err := r.client.Do(req)
	if err != nil {
		monitor.RelayCompleted(f.Method, 0, 0, time.Since(start))
		monitor.LogRelay(monitor.NewRelayRecord(f.Method, f.URI, model, 0, []byte(f.Body), time.Since(start), err))
		return false, fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		clog.Infof(ctx, "Backend responded with status=%d, streaming back response", resp.StatusCode)
	} else {
		clog.Warningf(ctx, "Backend responded with status=%d, streaming back response", resp.StatusCode)
	}

	mirror := bytes.NewBufferString(f.Body)
	out := &mirrorWriter{w: w, mirror: mirror}
	streamed, err := streamResponse(out, resp)

	dur := time.Since(start)
	monitor.RelayCompleted(f.Method, resp.StatusCode, streamed, dur)
	monitor.LogRelay(monitor.NewRelayRecord(f.Method, f.URI, model, resp.StatusCode, mirror.Bytes(), dur, err))
	if err != nil {
		return false, fmt.Errorf("error streaming response to hub: %w", err)
	}

	clog.V(common.DEBUG).Infof(ctx, "Stream ended, relayed %s in %v", humanize.Bytes(uint64(streamed)), dur)
	return ModifiesCatalog(f), nil
}

// streamResponse writes the status line, the headers and the body re-chunked
// one line per chunk. It returns the number of body bytes streamed.
func streamResponse(w io.Writer, resp *http.Response) (int64, error) {
	if err := writeStatusLine(w, resp); err != nil {
		return 0, err
	}
	if err := writeHeaders(w, resp.Header); err != nil {
		return 0, err
	}
	return writeChunkedBody(w, resp.Body)
}

func writeStatusLine(w io.Writer, resp *http.Response) error {
	reason := http.StatusText(resp.StatusCode)
	if reason == "" {
		reason = strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	}
	_, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", resp.StatusCode, reason)
	return err
}

func writeHeaders(w io.Writer, header http.Header) error {
	names := make([]string, 0, len(header))
	for name := range header {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, name := range names {
		if strings.EqualFold(name, "Transfer-Encoding") {
			continue
		}
		for _, value := range header[name] {
			fmt.Fprintf(&buf, "%s: %s\r\n", name, value)
		}
	}
	buf.WriteString("Transfer-Encoding: chunked\r\n")
	buf.WriteString("Connection: close\r\n")
	buf.WriteString("\r\n")
	_, err := w.Write(buf.Bytes())
	return err
}

func writeChunkedBody(w io.Writer, body io.Reader) (int64, error) {
	reader := bufio.NewReader(body)
	var total int64
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			if _, err := fmt.Fprintf(w, "%X\r\n%s\r\n", len(line), line); err != nil {
				return total, err
			}
			total += int64(len(line))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return total, fmt.Errorf("error reading backend response: %w", readErr)
		}
	}
	_, err := io.WriteString(w, "0\r\n\r\n")
	return total, err
}
