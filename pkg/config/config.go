// Package config assembles firewall settings from the environment, an
// optional .env file and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"apwall/pkg/actor"
	"apwall/pkg/relay"
	"apwall/pkg/store"
	"apwall/pkg/telemetry"
)

type Config struct {
	BindAddress     string
	OutsidePort     int
	APServerAddress string
	APServerPort    int
	ServerType      store.Backend
	AdminAddress    string
	PolicyFile      string
	InboxPaths      []string
	// BlockStatus is sent to blocked peers; 0 closes the connection silently.
	BlockStatus int

	MaxBodyBytes        int64
	HeaderTimeout       time.Duration
	BodyTimeout         time.Duration
	ConnDeadline        time.Duration
	UpstreamDialTimeout time.Duration

	DatabaseURL        string
	DatabaseHost       string
	DatabaseRequireTLS string
	DBMaxConns         int32
	LookupTimeout      time.Duration
	CacheTTL           time.Duration
	CacheMaxEntries    int

	BurstLimit  int
	BurstWindow time.Duration

	KafkaEnabled bool
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	LogLevel  string
	LogPretty bool

	// OTel* follow the OTEL_EXPORTER_OTLP_* and OTEL_TRACES_SAMPLER* names.
	OTelEndpoint     string
	OTelHeaders      map[string]string
	OTelTimeout      time.Duration
	OTelInsecure     bool
	OTelRequired     bool
	OTelSampler      string
	OTelSamplerRatio float64

	Environment        string
	StrictProdSecurity string
	AllowPublicAdmin   string
}

// ListenAddr is the address peers connect to.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.OutsidePort))
}

// UpstreamAddr is the application server the firewall forwards to.
func (c Config) UpstreamAddr() string {
	return net.JoinHostPort(c.APServerAddress, strconv.Itoa(c.APServerPort))
}

// Telemetry returns the tracing setup for this configuration.
func (c Config) Telemetry(logger zerolog.Logger) telemetry.Options {
	return telemetry.Options{
		ServiceName: "apwall",
		Endpoint:    c.OTelEndpoint,
		Headers:     c.OTelHeaders,
		Timeout:     c.OTelTimeout,
		Insecure:    c.OTelInsecure,
		Required:    c.OTelRequired,
		Sampler:     c.OTelSampler,
		Ratio:       c.OTelSamplerRatio,
		Logger:      logger,
	}
}

func (c Config) Limits() relay.Limits {
	return relay.Limits{
		MaxBodyBytes:  c.MaxBodyBytes,
		HeaderTimeout: c.HeaderTimeout,
		BodyTimeout:   c.BodyTimeout,
	}
}

// fromEnv reads defaults from the environment.
func fromEnv() Config {
	return Config{
		BindAddress:         env("BIND_ADDRESS", "127.0.0.1"),
		OutsidePort:         envInt("OUTSIDE_PORT", 21200),
		APServerAddress:     env("AP_SERVER_ADDRESS", "127.0.0.1"),
		APServerPort:        envInt("AP_SERVER_PORT", 3000),
		ServerType:          store.Backend(env("SERVER_TYPE", string(store.BackendMisskey))),
		AdminAddress:        envAllowEmpty("ADMIN_ADDRESS", "127.0.0.1:21201"),
		PolicyFile:          env("POLICY_FILE", ""),
		InboxPaths:          envList("INBOX_PATHS", actor.DefaultInboxPatterns),
		BlockStatus:         envInt("BLOCK_STATUS", 403),
		MaxBodyBytes:        int64(envInt("MAX_BODY_BYTES", int(relay.DefaultMaxBodyBytes))),
		HeaderTimeout:       envMillis("HEADER_TIMEOUT_MS", 500),
		BodyTimeout:         envMillis("BODY_TIMEOUT_MS", 1000),
		ConnDeadline:        time.Duration(envInt("CONN_DEADLINE_SEC", 30)) * time.Second,
		UpstreamDialTimeout: envMillis("UPSTREAM_DIAL_TIMEOUT_MS", 2000),
		DatabaseURL:         env("DATABASE_URL", ""),
		DatabaseHost:        env("DB_HOST", "localhost"),
		DatabaseRequireTLS:  env("DATABASE_REQUIRE_TLS", ""),
		DBMaxConns:          int32(envInt("DB_MAX_CONNS", 10)),
		LookupTimeout:       envMillis("DB_LOOKUP_TIMEOUT_MS", 200),
		CacheTTL:            time.Duration(envInt("CACHE_TTL_SEC", 60)) * time.Second,
		CacheMaxEntries:     envInt("CACHE_MAX_ENTRIES", store.DefaultMaxEntries),
		BurstLimit:          envInt("BURST_LIMIT", 120),
		BurstWindow:         time.Duration(envInt("BURST_WINDOW_SEC", 60)) * time.Second,
		KafkaEnabled:        envBool("KAFKA_ENABLED", false),
		KafkaBrokers:        envList("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaTopic:          env("KAFKA_TOPIC", "apwall.relationships"),
		KafkaGroupID:        env("KAFKA_GROUP_ID", "apwall"),
		LogLevel:            env("LOG_LEVEL", "info"),
		LogPretty:           envBool("LOG_PRETTY", false),
		OTelEndpoint:        env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTelHeaders:         envMap("OTEL_EXPORTER_OTLP_HEADERS"),
		OTelTimeout:         time.Duration(envInt("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", 5)) * time.Second,
		OTelInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		OTelRequired:        envBool("OTEL_REQUIRED", false),
		OTelSampler:         env("OTEL_TRACES_SAMPLER", "parentbased_always_on"),
		OTelSamplerRatio:    envFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		Environment:         env("ENVIRONMENT", "development"),
		StrictProdSecurity:  env("STRICT_PROD_SECURITY", ""),
		AllowPublicAdmin:    env("ADMIN_ALLOW_PUBLIC", ""),
	}
}

// Load builds the configuration for args (without the program name). It
// returns pflag.ErrHelp when help was requested.
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := fromEnv()

	fset := pflag.NewFlagSet("apwall", pflag.ContinueOnError)
	fset.StringVarP(&cfg.BindAddress, "bind-address", "b", cfg.BindAddress, "IPv4 address to accept peers on")
	fset.IntVarP(&cfg.OutsidePort, "outside-port", "o", cfg.OutsidePort, "port to accept peers on")
	fset.StringVarP(&cfg.APServerAddress, "ap-server-address", "a", cfg.APServerAddress, "application server address")
	fset.IntVarP(&cfg.APServerPort, "ap-server-port", "p", cfg.APServerPort, "application server port")
	serverType := fset.StringP("server-type", "t", string(cfg.ServerType), "application server type (misskey, mastodon)")
	fset.StringVar(&cfg.AdminAddress, "admin-address", cfg.AdminAddress, "admin API listen address (empty disables)")
	fset.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", cfg.MaxBodyBytes, "largest request body accepted")
	fset.StringVar(&cfg.PolicyFile, "policy-file", cfg.PolicyFile, "YAML classifier policy (reloaded on change)")
	fset.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fset.StringVar(&cfg.OTelEndpoint, "otel-endpoint", cfg.OTelEndpoint, "OTLP/HTTP collector host:port (empty keeps spans local)")
	if err := fset.Parse(args); err != nil {
		return Config{}, err
	}
	if rest := fset.Args(); len(rest) > 0 {
		return Config{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	backend, err := store.ParseBackend(*serverType)
	if err != nil {
		return Config{}, err
	}
	cfg.ServerType = backend
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if ip := net.ParseIP(c.BindAddress); ip == nil || ip.To4() == nil {
		errs = append(errs, fmt.Errorf("bind address %q must be an IPv4 address", c.BindAddress))
	}
	if strings.Contains(c.APServerAddress, ":") || strings.TrimSpace(c.APServerAddress) == "" {
		errs = append(errs, fmt.Errorf("application server address %q must be an IPv4 address or host name", c.APServerAddress))
	}
	if !validPort(c.OutsidePort) {
		errs = append(errs, fmt.Errorf("outside port %d out of range", c.OutsidePort))
	}
	if !validPort(c.APServerPort) {
		errs = append(errs, fmt.Errorf("application server port %d out of range", c.APServerPort))
	}
	if c.AdminAddress != "" {
		if _, _, err := net.SplitHostPort(c.AdminAddress); err != nil {
			errs = append(errs, fmt.Errorf("admin address %q: %w", c.AdminAddress, err))
		}
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max body bytes must be positive"))
	}
	if c.BlockStatus != 0 && (c.BlockStatus < 400 || c.BlockStatus > 599) {
		errs = append(errs, fmt.Errorf("block status %d must be 0 or a 4xx/5xx code", c.BlockStatus))
	}
	if len(c.InboxPaths) == 0 {
		errs = append(errs, errors.New("at least one inbox path is required"))
	}
	for _, p := range c.InboxPaths {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("inbox path %q must start with /", p))
		}
	}
	for name, d := range map[string]time.Duration{
		"header timeout":        c.HeaderTimeout,
		"body timeout":          c.BodyTimeout,
		"connection deadline":   c.ConnDeadline,
		"upstream dial timeout": c.UpstreamDialTimeout,
		"lookup timeout":        c.LookupTimeout,
		"otel exporter timeout": c.OTelTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.OTelSamplerRatio < 0 || c.OTelSamplerRatio > 1 {
		errs = append(errs, fmt.Errorf("OTEL_TRACES_SAMPLER_ARG %v must be within [0, 1]", c.OTelSamplerRatio))
	}
	if c.DBMaxConns <= 0 {
		errs = append(errs, errors.New("DB_MAX_CONNS must be positive"))
	}
	return errors.Join(errs...)
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

func env(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

// envAllowEmpty distinguishes an explicitly empty variable from an unset one.
func envAllowEmpty(k, def string) string {
	if v, ok := os.LookupEnv(k); ok {
		return strings.TrimSpace(v)
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

func envMillis(k string, def int) time.Duration {
	return time.Duration(envInt(k, def)) * time.Millisecond
}

func envList(k string, def []string) []string {
	raw := os.Getenv(k)
	if strings.TrimSpace(raw) == "" {
		return append([]string(nil), def...)
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

// envMap reads comma separated key=value pairs. Entries without a key are
// skipped.
func envMap(k string) map[string]string {
	var out map[string]string
	for _, pair := range envList(k, nil) {
		key, val, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		if out == nil {
			out = map[string]string{}
		}
		out[key] = strings.TrimSpace(val)
	}
	return out
}
