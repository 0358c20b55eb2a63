package monitor

import (
	"time"
	"unicode/utf8"
)

// RelayRecord mirrors one relayed exchange: the request body followed by
// every byte written back to the hub.
type RelayRecord struct {
	Method     string `json:"method"`
	URI        string `json:"uri"`
	Model      string `json:"model,omitempty"`
	Status     int    `json:"status"`
	DurationMs int64  `json:"durationMs"`
	Response   string `json:"response,omitempty"`
	Error      string `json:"error,omitempty"`
	// UTF8Error is set instead of Response when the mirror is not valid UTF-8
	UTF8Error string `json:"utf8Error,omitempty"`
}

type UpgradeRecord struct {
	Image       string `json:"image"`
	ContainerID string `json:"containerId,omitempty"`
	DurationMs  int64  `json:"durationMs"`
	Error       string `json:"error,omitempty"`
}

// NewRelayRecord builds the record for a relayed exchange. relayErr is nil
// when the whole response reached the hub.
func NewRelayRecord(method, uri, model string, status int, mirror []byte, dur time.Duration, relayErr error) RelayRecord {
	rec := RelayRecord{
		Method:     method,
		URI:        uri,
		Model:      model,
		Status:     status,
		DurationMs: dur.Milliseconds(),
	}
	if utf8.Valid(mirror) {
		rec.Response = string(mirror)
	} else {
		rec.UTF8Error = "response is not valid utf-8"
	}
	if relayErr != nil {
		rec.Error = relayErr.Error()
	}
	return rec
}

// EventType is relay_error when the response did not fully reach the hub.
func (r RelayRecord) EventType() string {
	if r.Error != "" {
		return EventRelayError
	}
	return EventRelayResponse
}

func (UpgradeRecord) EventType() string { return EventBackendUpgrade }

func LogRelay(rec RelayRecord) {
	Publish(rec)
}

func LogUpgrade(image, containerID string, dur time.Duration, err error) {
	rec := UpgradeRecord{Image: image, ContainerID: containerID, DurationMs: dur.Milliseconds()}
	if err != nil {
		rec.Error = err.Error()
	}
	Publish(rec)
}
