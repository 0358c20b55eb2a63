package starter

import (
	"flag"
	"os"
	"strconv"

	"github.com/livepeer/hive-worker/common"
	"github.com/peterbourgon/ff/v3"
)

// EnvPrefix is prepended to flag names to form their environment variables,
// e.g. -coreUrl is read from HIVE_COREURL.
const EnvPrefix = "HIVE"

// legacyEnv maps environment names used by older deployments to flags.
var legacyEnv = []struct{ env, flag string }{
	{"HIVE_CORE_URL", "coreUrl"},
	{"HIVE_OLLAMA_MODELS", "modelsDir"},
	{"OLLAMA_URL", "ollamaUrl"},
	{"OLLAMA_PORT", "ollamaPort"},
	{"GPU_PASSTHROUGH", "gpuPassthrough"},
}

func NewHiveConfig(fs *flag.FlagSet) HiveConfig {
	cfg := DefaultHiveConfig()

	// Hub
	cfg.CoreURL = fs.String("coreUrl", *cfg.CoreURL, "Hub address for the proxied protocol, as host:port")
	cfg.Key = fs.String("key", *cfg.Key, "Node auth key, or a path to a file holding it")
	cfg.Concurrency = fs.Int("concurrency", *cfg.Concurrency, "Number of parallel hub sessions")
	cfg.RetryInterval = fs.Duration("retryInterval", *cfg.RetryInterval, "Wait between reconnects to the hub")
	cfg.ReauthOnRelay = fs.Bool("reauthOnRelay", *cfg.ReauthOnRelay, "Send AUTH again before relaying each request")

	// Backend
	cfg.OllamaURL = fs.String("ollamaUrl", *cfg.OllamaURL, "Base URL of the Ollama backend")
	cfg.OllamaPort = fs.String("ollamaPort", *cfg.OllamaPort, "Host port the Ollama container is bound to")
	cfg.OllamaImage = fs.String("ollamaImage", *cfg.OllamaImage, "Ollama container image")
	cfg.ModelsDir = fs.String("modelsDir", *cfg.ModelsDir, "Host directory mounted as the Ollama model store")
	cfg.ManageBackend = fs.Bool("manageBackend", *cfg.ManageBackend, "Set to true to run the Ollama container through docker")
	cfg.GPUPassthrough = fs.String("gpuPassthrough", *cfg.GPUPassthrough, "GPUs handed to the container: -1 for all, a comma separated list of ids, or empty for CPU")
	cfg.HealthAttempts = fs.Int("healthAttempts", *cfg.HealthAttempts, "Health probes before a started container is declared dead")
	cfg.HealthInterval = fs.Duration("healthInterval", *cfg.HealthInterval, "Wait between container health probes")

	// Structured job protocol
	cfg.StructuredURL = fs.String("structuredUrl", *cfg.StructuredURL, "Websocket URL of the hub's structured job endpoint; empty disables it")
	cfg.LLMModelsDir = fs.String("llmModelsDir", *cfg.LLMModelsDir, "Directory holding weights and tokenizers for in-process models")
	cfg.LLMManifest = fs.String("llmManifest", *cfg.LLMManifest, "YAML file declaring extra in-process models")
	cfg.InboxSize = fs.Int("inboxSize", *cfg.InboxSize, "Queued jobs per loaded model")
	cfg.Temperature = fs.Float64("temperature", *cfg.Temperature, "Sampling temperature; 0 or less is greedy")
	cfg.TopK = fs.Int("topK", *cfg.TopK, "Sample from the k most likely tokens; 0 disables")
	cfg.TopP = fs.Float64("topP", *cfg.TopP, "Nucleus sampling threshold; 1 disables")
	cfg.Seed = fs.Uint64("seed", *cfg.Seed, "Sampling seed")
	cfg.RepeatPenalty = fs.Float64("repeatPenalty", *cfg.RepeatPenalty, "Penalty for recently generated tokens; 1 disables")
	cfg.RepeatLastN = fs.Int("repeatLastN", *cfg.RepeatLastN, "Number of recent tokens the repeat penalty looks at")
	cfg.SingleBatch = fs.Bool("singleBatch", *cfg.SingleBatch, "Feed the prompt in one forward pass instead of token by token")

	// Metrics & events
	cfg.Monitor = fs.Bool("monitor", *cfg.Monitor, "Set to true to send performance metrics")
	cfg.MetricsAddr = fs.String("metricsAddr", *cfg.MetricsAddr, "Address to serve /metrics on when -monitor is set")
	cfg.EventSinkURIs = fs.String("eventSinkUri", *cfg.EventSinkURIs, "Comma separated event sink URLs (http, https, ws, wss, kafka)")
	cfg.EventSinkHeaders = fs.String("eventSinkHeader", *cfg.EventSinkHeaders, "Comma separated Key=Value headers sent to event sinks")
	cfg.EventSinkQueueDepth = fs.Int("eventSinkQueueDepth", *cfg.EventSinkQueueDepth, "Events buffered before new ones are dropped")
	cfg.EventSinkBatchSize = fs.Int("eventSinkBatchSize", *cfg.EventSinkBatchSize, "Events sent per batch")
	cfg.EventSinkFlushInterval = fs.Duration("eventSinkFlushInterval", *cfg.EventSinkFlushInterval, "Longest wait before a partial batch is sent")
	cfg.KafkaBootstrapServers = fs.String("kafkaBootstrapServers", *cfg.KafkaBootstrapServers, "URL of Kafka Bootstrap Servers")
	cfg.KafkaUsername = fs.String("kafkaUser", *cfg.KafkaUsername, "Kafka Username")
	cfg.KafkaPassword = fs.String("kafkaPassword", *cfg.KafkaPassword, "Kafka Password")
	cfg.KafkaTopic = fs.String("kafkaTopic", *cfg.KafkaTopic, "Kafka topic for relay and upgrade events")

	return cfg
}

// ParseConfig reads args, then HIVE_ prefixed env vars, then the optional
// -config file. Legacy env names fill flags that none of those set.
func ParseConfig(fs *flag.FlagSet, args []string) error {
	if fs.Lookup("config") == nil {
		fs.String("config", "", "Config file in the format 'key value', flags and env vars take precedence over the config file")
	}
	err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix(EnvPrefix),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithAllowMissingConfigFile(true),
	)
	if err != nil {
		return err
	}
	return applyLegacyEnv(fs, os.LookupEnv)
}

func applyLegacyEnv(fs *flag.FlagSet, lookup func(string) (string, bool)) error {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	for _, l := range legacyEnv {
		if set[l.flag] || fs.Lookup(l.flag) == nil {
			continue
		}
		val, ok := lookup(l.env)
		if !ok {
			continue
		}
		if err := fs.Set(l.flag, val); err != nil {
			return err
		}
		set[l.flag] = true
	}

	// VERBOSE_SOCKETS=true logs every frame unless -v was given
	if v, ok := lookup("VERBOSE_SOCKETS"); ok && !set["v"] && fs.Lookup("v") != nil {
		if verbose, _ := strconv.ParseBool(v); verbose {
			return fs.Set("v", strconv.Itoa(int(common.VERBOSE)))
		}
	}
	return nil
}
