// Package config holds runtime configuration for the message plane.
//
// Values come from CLI flags with MSGPLANE_* environment fallbacks. An
// environment variable only applies while its flag still holds the default;
// an explicit flag always wins.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "MSGPLANE_"

// Validate modes.
const (
	ModeStrict = "strict"
	ModeWarn   = "warn"
	ModeOff    = "off"
)

// Config is the full runtime configuration.
type Config struct {
	RPCEndpoint    string
	IngestEndpoint string
	PubEndpoint    string

	StoreMaxLen     int
	TopicMax        int
	TopicNameMaxLen int
	PayloadMaxBytes int

	ValidateMode         string
	ValidatePayloadBytes bool
	PubEnabled           bool
	GetRecentMaxLimit    int
	Workers              int

	MetricsAddr string
	NATSUrl     string

	LogLevel string
	LogDev   bool
}

type envBinding struct {
	flag string
	env  string
}

// Load parses args (flags after the program name) and applies environment
// fallbacks for flags left at their default.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	fs := pflag.NewFlagSet("msgplane", pflag.ContinueOnError)

	fs.StringVar(&cfg.RPCEndpoint, "rpc-endpoint", "tcp://127.0.0.1:38865", "ROUTER bind endpoint for RPC")
	fs.StringVar(&cfg.IngestEndpoint, "ingest-endpoint", "tcp://127.0.0.1:38867", "PULL bind endpoint for ingest")
	fs.StringVar(&cfg.PubEndpoint, "pub-endpoint", "tcp://127.0.0.1:38866", "PUB bind endpoint for fan-out")
	fs.IntVar(&cfg.StoreMaxLen, "store-maxlen", 20000, "per-topic buffer capacity base")
	fs.IntVar(&cfg.TopicMax, "topic-max", 2000, "max distinct topics per store base")
	fs.IntVar(&cfg.TopicNameMaxLen, "topic-name-max-len", 128, "max topic name length in bytes")
	fs.IntVar(&cfg.PayloadMaxBytes, "payload-max-bytes", 262144, "max encoded payload size in bytes")
	fs.StringVar(&cfg.ValidateMode, "validate-mode", ModeStrict, "request validation mode: strict|warn|off")
	fs.BoolVar(&cfg.ValidatePayloadBytes, "validate-payload-bytes", true, "enforce the payload size limit")
	fs.BoolVar(&cfg.PubEnabled, "pub-enabled", true, "enable the pub fan-out socket")
	fs.IntVar(&cfg.GetRecentMaxLimit, "get-recent-max-limit", 1000, "clamp for get_recent and replay limits")
	fs.IntVar(&cfg.Workers, "workers", 0, "RPC worker count, 0 = auto")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", ":9600", "HTTP listen address for /metrics and /health, empty disables")
	fs.StringVar(&cfg.NATSUrl, "nats-url", "", "NATS URL to mirror fan-out frames to, empty disables")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level")
	fs.BoolVar(&cfg.LogDev, "log-dev", false, "development logger output")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	bindings := []envBinding{
		{"rpc-endpoint", "ZMQ_RPC_ENDPOINT"},
		{"ingest-endpoint", "ZMQ_INGEST_ENDPOINT"},
		{"pub-endpoint", "ZMQ_PUB_ENDPOINT"},
		{"store-maxlen", "STORE_MAXLEN"},
		{"topic-max", "TOPIC_MAX"},
		{"topic-name-max-len", "TOPIC_NAME_MAX_LEN"},
		{"payload-max-bytes", "PAYLOAD_MAX_BYTES"},
		{"validate-mode", "VALIDATE_MODE"},
		{"validate-payload-bytes", "VALIDATE_PAYLOAD_BYTES"},
		{"pub-enabled", "PUB_ENABLED"},
		{"get-recent-max-limit", "GET_RECENT_MAX_LIMIT"},
		{"workers", "WORKERS"},
		{"metrics-addr", "METRICS_ADDR"},
		{"nats-url", "NATS_URL"},
		{"log-level", "LOG_LEVEL"},
	}
	for _, b := range bindings {
		applyEnv(fs, b.flag, b.env)
	}

	cfg.ValidateMode = strings.ToLower(cfg.ValidateMode)
	switch cfg.ValidateMode {
	case ModeStrict, ModeWarn, ModeOff:
	default:
		return nil, fmt.Errorf("invalid validate mode %q", cfg.ValidateMode)
	}
	return cfg, nil
}

// applyEnv sets the flag from the environment when the flag was not given on
// the command line. Unparseable env values are ignored, matching the CLI's
// lenient env handling.
func applyEnv(fs *pflag.FlagSet, name, env string) {
	f := fs.Lookup(name)
	if f == nil || f.Changed {
		return
	}
	raw, ok := os.LookupEnv(EnvPrefix + env)
	if !ok || raw == "" {
		return
	}
	switch f.Value.Type() {
	case "bool":
		_ = f.Value.Set(strconv.FormatBool(parseBool(raw)))
	default:
		if err := f.Value.Set(raw); err != nil {
			return
		}
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// EffectiveWorkers resolves the worker pool size; zero means auto-size to
// max(host parallelism, 4).
func (c *Config) EffectiveWorkers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	n := runtime.GOMAXPROCS(0)
	if n < 4 {
		n = 4
	}
	return n
}

// Strict reports whether validation runs in strict mode.
func (c *Config) Strict() bool { return c.ValidateMode == ModeStrict }

// Warn reports whether validation runs in warn mode.
func (c *Config) Warn() bool { return c.ValidateMode == ModeWarn }
