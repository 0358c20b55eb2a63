package monitor

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"

	"contrib.go.opencensus.io/exporter/prometheus"
	rprom "github.com/prometheus/client_golang/prometheus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// Enabled true if metrics was enabled in command line
var Enabled bool

// Exporter Prometheus exporter that handles `/metrics` endpoint
var Exporter *prometheus.Exporter

type censusMetricsCounter struct {
	nodeID string
	ctx    context.Context
	lock   sync.Mutex

	kNodeID    tag.Key
	kMethod    tag.Key
	kStatus    tag.Key
	kResult    tag.Key
	kModel     tag.Key
	kErrorCode tag.Key

	mRelays            *stats.Int64Measure
	mRelayBytes        *stats.Int64Measure
	mRelayDuration     *stats.Float64Measure
	mSessionsActive    *stats.Int64Measure
	mSessionReconnects *stats.Int64Measure
	mBackendUpgrades   *stats.Int64Measure
	mModelLoads        *stats.Int64Measure
	mPrompts           *stats.Int64Measure
	mTokensGenerated   *stats.Int64Measure
	mInferenceTime     *stats.Float64Measure
	mProtocolErrors    *stats.Int64Measure

	activeSessions int64
}

var census censusMetricsCounter

func InitCensus(nodeID, version string) {
	if err := initCensus(nodeID, version); err != nil {
		glog.Fatalf("Failed to initialize metrics: %v", err)
	}
	Enabled = true
}

func initCensus(nodeID, version string) error {
	census = censusMetricsCounter{nodeID: nodeID}
	var err error
	census.kNodeID, _ = tag.NewKey("node_id")
	census.kMethod, _ = tag.NewKey("method")
	census.kStatus, _ = tag.NewKey("status")
	census.kResult, _ = tag.NewKey("result")
	census.kModel, _ = tag.NewKey("model")
	census.kErrorCode, _ = tag.NewKey("error_code")
	census.ctx, err = tag.New(context.Background(), tag.Insert(census.kNodeID, nodeID))
	if err != nil {
		return fmt.Errorf("creating tagged context: %w", err)
	}

	census.mRelays = stats.Int64("relays_total", "Requests relayed to the backend", "tot")
	census.mRelayBytes = stats.Int64("relay_bytes_total", "Bytes streamed back to the hub", "By")
	census.mRelayDuration = stats.Float64("relay_duration_seconds", "Time to relay one request", "sec")
	census.mSessionsActive = stats.Int64("sessions_active", "Hub sessions currently connected", "tot")
	census.mSessionReconnects = stats.Int64("session_reconnects_total", "Hub session restarts", "tot")
	census.mBackendUpgrades = stats.Int64("backend_upgrades_total", "Backend container upgrades", "tot")
	census.mModelLoads = stats.Int64("model_loads_total", "Model load attempts", "tot")
	census.mPrompts = stats.Int64("prompts_total", "Prompt jobs completed", "tot")
	census.mTokensGenerated = stats.Int64("tokens_generated_total", "Tokens generated by in-process models", "tot")
	census.mInferenceTime = stats.Float64("inference_time_seconds", "Generation time of one prompt", "sec")
	census.mProtocolErrors = stats.Int64("protocol_errors_total", "Error envelopes sent to the hub", "tot")

	glog.Infof("Compiler: %s Arch %s OS %s Go version %s", runtime.Compiler, runtime.GOARCH, runtime.GOOS, runtime.Version())
	glog.Infof("Hive worker version: %s", version)
	mVersions := stats.Int64("versions", "Version information.", "Num")
	goversion, _ := tag.NewKey("goversion")
	agentversion, _ := tag.NewKey("agentversion")
	ctx, err := tag.New(context.Background(), tag.Insert(census.kNodeID, nodeID),
		tag.Insert(goversion, runtime.Version()), tag.Insert(agentversion, version))
	if err != nil {
		return fmt.Errorf("creating version context: %w", err)
	}

	baseTags := []tag.Key{census.kNodeID}
	durations := view.Distribution(.05, .1, .5, 1, 5, 10, 30, 60, 300, 900, 1800)
	views := []*view.View{
		{
			Name:        "versions",
			Measure:     mVersions,
			Description: "Versions used by the hive worker.",
			TagKeys:     []tag.Key{census.kNodeID, goversion, agentversion},
			Aggregation: view.LastValue(),
		},
		{
			Name:        "relays_total",
			Measure:     census.mRelays,
			Description: "Requests relayed to the backend",
			TagKeys:     append([]tag.Key{census.kMethod, census.kStatus}, baseTags...),
			Aggregation: view.Count(),
		},
		{
			Name:        "relay_bytes_total",
			Measure:     census.mRelayBytes,
			Description: "Bytes streamed back to the hub",
			TagKeys:     baseTags,
			Aggregation: view.Sum(),
		},
		{
			Name:        "relay_duration_seconds",
			Measure:     census.mRelayDuration,
			Description: "Time to relay one request",
			TagKeys:     append([]tag.Key{census.kMethod}, baseTags...),
			Aggregation: durations,
		},
		{
			Name:        "sessions_active",
			Measure:     census.mSessionsActive,
			Description: "Hub sessions currently connected",
			TagKeys:     baseTags,
			Aggregation: view.LastValue(),
		},
		{
			Name:        "session_reconnects_total",
			Measure:     census.mSessionReconnects,
			Description: "Hub session restarts",
			TagKeys:     baseTags,
			Aggregation: view.Count(),
		},
		{
			Name:        "backend_upgrades_total",
			Measure:     census.mBackendUpgrades,
			Description: "Backend container upgrades",
			TagKeys:     append([]tag.Key{census.kResult}, baseTags...),
			Aggregation: view.Count(),
		},
		{
			Name:        "model_loads_total",
			Measure:     census.mModelLoads,
			Description: "Model load attempts",
			TagKeys:     append([]tag.Key{census.kModel, census.kResult}, baseTags...),
			Aggregation: view.Count(),
		},
		{
			Name:        "prompts_total",
			Measure:     census.mPrompts,
			Description: "Prompt jobs completed",
			TagKeys:     append([]tag.Key{census.kModel}, baseTags...),
			Aggregation: view.Count(),
		},
		{
			Name:        "tokens_generated_total",
			Measure:     census.mTokensGenerated,
			Description: "Tokens generated by in-process models",
			TagKeys:     append([]tag.Key{census.kModel}, baseTags...),
			Aggregation: view.Sum(),
		},
		{
			Name:        "inference_time_seconds",
			Measure:     census.mInferenceTime,
			Description: "Generation time of one prompt",
			TagKeys:     append([]tag.Key{census.kModel}, baseTags...),
			Aggregation: durations,
		},
		{
			Name:        "protocol_errors_total",
			Measure:     census.mProtocolErrors,
			Description: "Error envelopes sent to the hub",
			TagKeys:     append([]tag.Key{census.kErrorCode}, baseTags...),
			Aggregation: view.Count(),
		},
	}
	if err := view.Register(views...); err != nil {
		return fmt.Errorf("registering views: %w", err)
	}

	registry := rprom.NewRegistry()
	registry.MustRegister(rprom.NewProcessCollector(rprom.ProcessCollectorOpts{}))
	registry.MustRegister(rprom.NewGoCollector())
	pe, err := prometheus.NewExporter(prometheus.Options{
		Namespace: "hive",
		Registry:  registry,
	})
	if err != nil {
		return fmt.Errorf("creating the Prometheus stats exporter: %w", err)
	}
	view.RegisterExporter(pe)
	stats.Record(ctx, mVersions.M(1))
	Exporter = pe
	return nil
}

func record(mutators []tag.Mutator, ms ...stats.Measurement) {
	if len(mutators) == 0 {
		stats.Record(census.ctx, ms...)
		return
	}
	ctx, err := tag.New(census.ctx, mutators...)
	if err != nil {
		glog.Errorf("Error creating context err=%q", err)
		return
	}
	stats.Record(ctx, ms...)
}

// RelayCompleted records one relayed request. status is 0 when the backend
// could not be reached.
func RelayCompleted(method string, status int, bytes int64, dur time.Duration) {
	if !Enabled {
		return
	}
	statusLabel := strconv.Itoa(status)
	if status == 0 {
		statusLabel = "error"
	}
	record([]tag.Mutator{tag.Insert(census.kMethod, method), tag.Insert(census.kStatus, statusLabel)}, census.mRelays.M(1))
	record(nil, census.mRelayBytes.M(bytes))
	record([]tag.Mutator{tag.Insert(census.kMethod, method)}, census.mRelayDuration.M(dur.Seconds()))
}

func SessionStarted() {
	if !Enabled {
		return
	}
	census.lock.Lock()
	defer census.lock.Unlock()
	census.activeSessions++
	record(nil, census.mSessionsActive.M(census.activeSessions))
}

func SessionEnded() {
	if !Enabled {
		return
	}
	census.lock.Lock()
	defer census.lock.Unlock()
	if census.activeSessions > 0 {
		census.activeSessions--
	}
	record(nil, census.mSessionsActive.M(census.activeSessions))
}

func SessionReconnect() {
	if !Enabled {
		return
	}
	record(nil, census.mSessionReconnects.M(1))
}

func BackendUpgrade(err error) {
	if !Enabled {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	record([]tag.Mutator{tag.Insert(census.kResult, result)}, census.mBackendUpgrades.M(1))
}

func ModelLoad(modelName string, err error) {
	if !Enabled {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	record([]tag.Mutator{tag.Insert(census.kModel, modelName), tag.Insert(census.kResult, result)}, census.mModelLoads.M(1))
}

func PromptCompleted(modelName string, tokens int, dur time.Duration) {
	if !Enabled {
		return
	}
	mutators := []tag.Mutator{tag.Insert(census.kModel, modelName)}
	record(mutators, census.mPrompts.M(1), census.mTokensGenerated.M(int64(tokens)), census.mInferenceTime.M(dur.Seconds()))
}

func ProtocolError(code string) {
	if !Enabled {
		return
	}
	record([]tag.Mutator{tag.Insert(census.kErrorCode, code)}, census.mProtocolErrors.M(1))
}
