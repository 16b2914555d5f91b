package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/origin"
)

const (
	envVarPort            = "PSTREAMER_RELAY_PORT"
	envVarRelayConfig     = "PSTREAMER_RELAY_CONFIG"
	envVarChannelFile     = "PSTREAMER_RELAY_CHANNEL_FILE"
	envVarDocumentRoot    = "PSTREAMER_RELAY_DOCUMENT_ROOT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "PSTREAMER_RELAY_LOG_FORMAT"
	envVarShutdownTimeout = "PSTREAMER_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "PSTREAMER_RELAY_MODE"

	DefaultPort                = 3000
	DefaultDocumentRoot        = "Public/"
	DefaultShutdown            = 15 * time.Second
	DefaultMode           Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	Port       int
	ListenAddr string

	// RelayConfig is the raw -s string; Relay is what was parsed from it.
	RelayConfig string
	Relay       Relay
	// ParseErrors holds the malformed -s tokens. They are not fatal; the
	// caller logs them.
	ParseErrors []error

	ChannelFile  string
	DocumentRoot string

	AllowedOrigins []string
	Origins        *origin.Policy

	ICEServers []webrtc.ICEServer

	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode
}

// Load parses args with environment variables as defaults. -h yields
// flag.ErrHelp.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if strings.TrimSpace(envMode) != "" {
		modeDefault = envMode
	}
	logFormatDefault := defaultLogFormatForMode(modeDefault)
	if raw, ok := lookup(envVarLogFormat); ok && strings.TrimSpace(raw) != "" {
		logFormatDefault = raw
	}

	port, err := envIntOrDefault(lookup, envVarPort, DefaultPort)
	if err != nil {
		return Config{}, err
	}
	relayConfig := envOrDefault(lookup, envVarRelayConfig, "")
	channelFile := envOrDefault(lookup, envVarChannelFile, "")
	documentRoot := envOrDefault(lookup, envVarDocumentRoot, DefaultDocumentRoot)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")

	shutdownTimeout := DefaultShutdown
	if raw, ok := lookup(envVarShutdownTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	fs := flag.NewFlagSet("pstreamer-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		verbose      bool
		quiet        bool
	)

	fs.IntVar(&port, "p", port, "HTTP listen port (env "+envVarPort+")")
	fs.StringVar(&relayConfig, "s", relayConfig, "Relay config string, comma separated key=value pairs (env "+envVarRelayConfig+")")
	fs.StringVar(&channelFile, "c", channelFile, "Channel file to populate sessions from, CSV rows or .yaml (env "+envVarChannelFile+")")
	fs.StringVar(&documentRoot, "f", documentRoot, "Document root for static files (env "+envVarDocumentRoot+")")
	fs.BoolVar(&verbose, "v", false, "Verbose logging (debug level)")
	fs.BoolVar(&quiet, "q", false, "Quiet logging (warnings and errors only)")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	if verbose && quiet {
		return Config{}, fmt.Errorf("-v and -q are mutually exclusive")
	}
	logLevel := slog.LevelInfo
	switch {
	case verbose:
		logLevel = slog.LevelDebug
	case quiet:
		logLevel = slog.LevelWarn
	}

	if port <= 0 || port > 65535 {
		return Config{}, fmt.Errorf("invalid port %d (expected 1-65535)", port)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}

	relay, parseErrs := ParseRelay(relayConfig)

	allowedOrigins := splitCommaSeparated(allowedOriginsStr)
	origins, err := origin.NewPolicy(allowedOrigins)
	if err != nil {
		return Config{}, fmt.Errorf("allowed origins: %w", err)
	}

	iceServers, err := ParseICEServersJSON(iceServersJSON)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", envICEServersJSON, err)
	}
	if len(iceServers) == 0 && len(relay.STUNURLs) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: relay.STUNURLs}}
	}

	return Config{
		Port:            port,
		ListenAddr:      net.JoinHostPort("", strconv.Itoa(port)),
		RelayConfig:     relayConfig,
		Relay:           relay,
		ParseErrors:     parseErrs,
		ChannelFile:     channelFile,
		DocumentRoot:    documentRoot,
		AllowedOrigins:  allowedOrigins,
		Origins:         origins,
		ICEServers:      iceServers,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
