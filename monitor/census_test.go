package monitor

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opencensus.io/stats/view"
)

func TestCensusDisabledIsNoop(t *testing.T) {
	old := Enabled
	Enabled = false
	defer func() { Enabled = old }()

	assert.NotPanics(t, func() {
		RelayCompleted("GET", 200, 10, time.Second)
		SessionStarted()
		SessionEnded()
		SessionReconnect()
		BackendUpgrade(nil)
		ModelLoad("bytelm", nil)
		PromptCompleted("bytelm", 3, time.Millisecond)
		ProtocolError("ModelNotFound")
	})
}

func TestCensusRecordsAndExports(t *testing.T) {
	require.NoError(t, initCensus("testid", "0.1.0"))
	Enabled = true
	defer func() { Enabled = false }()

	RelayCompleted("POST", 200, 128, 2*time.Second)
	RelayCompleted("POST", 0, 0, time.Millisecond)
	SessionStarted()
	SessionStarted()
	SessionEnded()
	BackendUpgrade(errors.New("pull failed"))
	ModelLoad("llama3_8b", errors.New("missing weights"))

	rows, err := view.RetrieveData("relays_total")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = view.RetrieveData("sessions_active")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, float64(1), rows[0].Data.(*view.LastValueData).Value)

	rows, err = view.RetrieveData("backend_upgrades_total")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	var result string
	for _, tg := range rows[0].Tags {
		if tg.Key.Name() == "result" {
			result = tg.Value
		}
	}
	assert.Equal(t, "failure", result)

	require.NotNil(t, Exporter)
	rec := httptest.NewRecorder()
	Exporter.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "hive_relays_total")
}
