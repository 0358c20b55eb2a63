package starter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/golang/glog"
	"github.com/livepeer/hive-worker/backend"
	"github.com/livepeer/hive-worker/common"
	"github.com/livepeer/hive-worker/core"
	"github.com/livepeer/hive-worker/llm"
	"github.com/livepeer/hive-worker/monitor"
	"github.com/livepeer/hive-worker/relay"
	"github.com/livepeer/hive-worker/session"
	"github.com/livepeer/hive-worker/worker"
	"github.com/olekukonko/tablewriter"
)

const shutdownTimeout = 5 * time.Second

type HiveConfig struct {
	CoreURL       *string
	Key           *string
	Concurrency   *int
	RetryInterval *time.Duration
	ReauthOnRelay *bool

	OllamaURL      *string
	OllamaPort     *string
	OllamaImage    *string
	ModelsDir      *string
	ManageBackend  *bool
	GPUPassthrough *string
	HealthAttempts *int
	HealthInterval *time.Duration

	StructuredURL *string
	LLMModelsDir  *string
	LLMManifest   *string
	InboxSize     *int
	Temperature   *float64
	TopK          *int
	TopP          *float64
	Seed          *uint64
	RepeatPenalty *float64
	RepeatLastN   *int
	SingleBatch   *bool

	Monitor                *bool
	MetricsAddr            *string
	EventSinkURIs          *string
	EventSinkHeaders       *string
	EventSinkQueueDepth    *int
	EventSinkBatchSize     *int
	EventSinkFlushInterval *time.Duration
	KafkaBootstrapServers  *string
	KafkaUsername          *string
	KafkaPassword          *string
	KafkaTopic             *string
}

// DefaultHiveConfig creates HiveConfig exactly the same as when no flags are passed to the hive-worker process.
func DefaultHiveConfig() HiveConfig {
	// Hub
	defaultCoreURL := ""
	defaultKey := ""
	defaultConcurrency := 1
	defaultRetryInterval := session.DefaultRetryInterval
	defaultReauthOnRelay := false

	// Backend
	defaultOllamaURL := "http://127.0.0.1:11434"
	defaultOllamaPort := "11434"
	defaultOllamaImage := backend.DefaultImage
	defaultModelsDir := ""
	defaultManageBackend := false
	defaultGPUPassthrough := ""
	defaultHealthAttempts := backend.DefaultHealthAttempts
	defaultHealthInterval := backend.DefaultHealthInterval

	// Structured job protocol
	sampling := llm.DefaultSampling()
	defaultStructuredURL := ""
	defaultLLMModelsDir := "./resources"
	defaultLLMManifest := ""
	defaultInboxSize := worker.DefaultInboxSize
	defaultTemperature := sampling.Temperature
	defaultTopK := sampling.TopK
	defaultTopP := sampling.TopP
	defaultSeed := sampling.Seed
	defaultRepeatPenalty := float64(sampling.RepeatPenalty)
	defaultRepeatLastN := sampling.RepeatLastN
	defaultSingleBatch := sampling.SingleBatch

	// Metrics & events
	defaultMonitor := false
	defaultMetricsAddr := "127.0.0.1:7935"
	defaultEventSinkURIs := ""
	defaultEventSinkHeaders := ""
	defaultEventSinkQueueDepth := 100
	defaultEventSinkBatchSize := 100
	defaultEventSinkFlushInterval := time.Second
	defaultKafkaBootstrapServers := ""
	defaultKafkaUsername := ""
	defaultKafkaPassword := ""
	defaultKafkaTopic := ""

	return HiveConfig{
		CoreURL:       &defaultCoreURL,
		Key:           &defaultKey,
		Concurrency:   &defaultConcurrency,
		RetryInterval: &defaultRetryInterval,
		ReauthOnRelay: &defaultReauthOnRelay,

		OllamaURL:      &defaultOllamaURL,
		OllamaPort:     &defaultOllamaPort,
		OllamaImage:    &defaultOllamaImage,
		ModelsDir:      &defaultModelsDir,
		ManageBackend:  &defaultManageBackend,
		GPUPassthrough: &defaultGPUPassthrough,
		HealthAttempts: &defaultHealthAttempts,
		HealthInterval: &defaultHealthInterval,

		StructuredURL: &defaultStructuredURL,
		LLMModelsDir:  &defaultLLMModelsDir,
		LLMManifest:   &defaultLLMManifest,
		InboxSize:     &defaultInboxSize,
		Temperature:   &defaultTemperature,
		TopK:          &defaultTopK,
		TopP:          &defaultTopP,
		Seed:          &defaultSeed,
		RepeatPenalty: &defaultRepeatPenalty,
		RepeatLastN:   &defaultRepeatLastN,
		SingleBatch:   &defaultSingleBatch,

		Monitor:                &defaultMonitor,
		MetricsAddr:            &defaultMetricsAddr,
		EventSinkURIs:          &defaultEventSinkURIs,
		EventSinkHeaders:       &defaultEventSinkHeaders,
		EventSinkQueueDepth:    &defaultEventSinkQueueDepth,
		EventSinkBatchSize:     &defaultEventSinkBatchSize,
		EventSinkFlushInterval: &defaultEventSinkFlushInterval,
		KafkaBootstrapServers:  &defaultKafkaBootstrapServers,
		KafkaUsername:          &defaultKafkaUsername,
		KafkaPassword:          &defaultKafkaPassword,
		KafkaTopic:             &defaultKafkaTopic,
	}
}

func (cfg HiveConfig) PrintConfig(w io.Writer) {
	// compare current settings with default values, and print the difference
	defCfg := DefaultHiveConfig()
	vDefCfg := reflect.ValueOf(defCfg)
	vCfg := reflect.ValueOf(cfg)
	cfgType := vCfg.Type()
	paramTable := tablewriter.NewWriter(w)

	sensitiveFields := map[string]bool{
		"Key":           true,
		"KafkaPassword": true,
	}

	for i := 0; i < cfgType.NumField(); i++ {
		if !vDefCfg.Field(i).IsNil() && !vCfg.Field(i).IsNil() && vCfg.Field(i).Elem().Interface() != vDefCfg.Field(i).Elem().Interface() {
			val := fmt.Sprintf("%v", vCfg.Field(i).Elem())
			if sensitiveFields[cfgType.Field(i).Name] {
				val = "***"
			}
			paramTable.Append([]string{cfgType.Field(i).Name, val})
		}
	}
	paramTable.SetAlignment(tablewriter.ALIGN_LEFT)
	paramTable.SetCenterSeparator("*")
	paramTable.SetColumnSeparator("|")
	paramTable.Render()
}

// Sampling returns the generation settings for in-process models.
func (cfg HiveConfig) Sampling() llm.SamplingConfig {
	return llm.SamplingConfig{
		Temperature:   *cfg.Temperature,
		TopK:          *cfg.TopK,
		TopP:          *cfg.TopP,
		Seed:          *cfg.Seed,
		RepeatPenalty: float32(*cfg.RepeatPenalty),
		RepeatLastN:   *cfg.RepeatLastN,
		SingleBatch:   *cfg.SingleBatch,
	}
}

// validate checks the settings that cannot be defaulted.
func (cfg HiveConfig) validate() error {
	if *cfg.CoreURL == "" && *cfg.StructuredURL == "" {
		return errors.New("need a hub to connect to; set -coreUrl or -structuredUrl")
	}
	if *cfg.Key == "" {
		return errors.New("missing -key")
	}
	if *cfg.Concurrency <= 0 {
		return errors.New("-concurrency must be greater than zero")
	}
	if *cfg.ManageBackend {
		if *cfg.ModelsDir == "" {
			return errors.New("-manageBackend requires -modelsDir")
		}
		if *cfg.OllamaPort == "" {
			return errors.New("-manageBackend requires -ollamaPort")
		}
	}
	if _, err := semver.NewVersion(core.AgentVersion); err != nil {
		return fmt.Errorf("agent version %q is not semver: %w", core.AgentVersion, err)
	}
	return nil
}

// StartHiveWorker runs the agent until ctx is cancelled, the hub orders a
// shutdown or a session hits a fatal error.
func StartHiveWorker(ctx context.Context, cfg HiveConfig) {
	if err := cfg.validate(); err != nil {
		glog.Exit(err)
	}

	key, err := common.ReadSecret(*cfg.Key)
	if err != nil {
		glog.V(common.DEBUG).Infof("Using -key value as the key itself: %v", err)
	}
	if *cfg.ManageBackend && len(key) < 5 {
		glog.Exit("-key must be at least 5 characters when -manageBackend is set")
	}

	node := core.NewHiveNode(key, common.RandomNonce(), core.AgentVersion)
	glog.Infof("Starting hive-worker version=%s key=%s...", node.AgentVersion, common.ShortKey(key, 5))

	if *cfg.Monitor {
		monitor.InitCensus(common.ShortKey(key, 5), node.AgentVersion)
		go serveMetrics(ctx, *cfg.MetricsAddr)
	}

	if err := startEventPublisher(cfg, node); err != nil {
		glog.Exit("Error starting event publisher: ", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := monitor.ShutdownEventPublisher(shutdownCtx); err != nil {
			glog.Errorf("Error stopping event publisher err=%q", err)
		}
	}()

	ollama := backend.NewOllama(*cfg.OllamaURL)
	lock := backend.NewUpgradeLock()
	var upgrades *session.Upgrades
	if *cfg.ManageBackend {
		coord, err := backend.NewCoordinator(backend.CoordinatorConfig{
			Key:            key,
			Image:          *cfg.OllamaImage,
			ModelsDir:      *cfg.ModelsDir,
			HostPort:       *cfg.OllamaPort,
			GPUPassthrough: *cfg.GPUPassthrough,
			HealthURL:      strings.TrimRight(*cfg.OllamaURL, "/") + "/api/version",
			HealthInterval: *cfg.HealthInterval,
			HealthAttempts: *cfg.HealthAttempts,
		}, nil, lock)
		if err != nil {
			glog.Exit("Error creating backend coordinator: ", err)
		}
		id, err := coord.Start(ctx)
		if err != nil {
			glog.Exit("Error starting backend container: ", err)
		}
		glog.Infof("Backend container running name=%s id=%s", coord.ContainerName(), id)
		upgrades = session.NewUpgrades(coord, ollama)
		defer upgrades.Wait()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if *cfg.StructuredURL != "" {
		registry := llm.NewRegistry(*cfg.LLMModelsDir)
		if *cfg.LLMManifest != "" {
			if err := registry.LoadManifest(*cfg.LLMManifest); err != nil {
				glog.Exit("Error loading model manifest: ", err)
			}
		}
		glog.Infof("Structured job protocol enabled url=%s models=%v", *cfg.StructuredURL, registry.Models())
		if unservable := registry.Unservable(); len(unservable) > 0 {
			glog.Warningf("No inference engine for models=%v, loading them will fail", unservable)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveCfg := worker.ServeConfig{
				WS: worker.WSConfig{
					URL:      *cfg.StructuredURL,
					Token:    key,
					Hardware: worker.HardwareList(),
				},
				Supervisor:    worker.SupervisorConfig{Sampling: cfg.Sampling(), InboxSize: *cfg.InboxSize},
				RetryInterval: *cfg.RetryInterval,
			}
			if err := worker.Serve(ctx, serveCfg, registry); err != nil {
				glog.Errorf("Structured job session stopped err=%q", err)
			}
		}()
	}

	if *cfg.CoreURL != "" {
		runner := session.NewRunner(session.RunnerConfig{
			HubAddr:       *cfg.CoreURL,
			Concurrency:   *cfg.Concurrency,
			RetryInterval: *cfg.RetryInterval,
		}, node, session.Deps{
			Catalog:       ollama,
			Relay:         relay.NewRelay(*cfg.OllamaURL, lock),
			Upgrades:      upgrades,
			ReauthOnRelay: *cfg.ReauthOnRelay,
		})
		err := runner.Run(ctx)
		var fatal session.FatalError
		switch {
		case errors.As(err, &fatal):
			glog.Errorf("Hub session failed permanently err=%q", err)
		case err != nil && ctx.Err() == nil:
			glog.Errorf("Hub sessions stopped err=%q", err)
		default:
			glog.Infof("Hub sessions stopped")
		}
		// the structured session follows the proxied one down
		cancel()
	}
	wg.Wait()
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitor.Exporter)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	glog.Infof("Serving metrics on http://%s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		glog.Errorf("Metrics server failed err=%q", err)
	}
}
