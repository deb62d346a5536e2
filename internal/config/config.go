package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/origin"
)

const (
	envVarConfigFile      = "AERO_SIGNAL_RELAY_CONFIG"
	envVarListenAddr      = "AERO_SIGNAL_RELAY_LISTEN_ADDR"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "AERO_SIGNAL_RELAY_LOG_FORMAT"
	envVarLogLevel        = "AERO_SIGNAL_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_SIGNAL_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_SIGNAL_RELAY_MODE"

	// Signaling WebSocket hardening.
	envVarSignalingPath                 = "SIGNALING_PATH"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWriteTimeout         = "SIGNALING_WRITE_TIMEOUT"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingSendQueueFrames      = "SIGNALING_SEND_QUEUE_FRAMES"
	envVarSignalingSendQueueBytes       = "SIGNALING_SEND_QUEUE_BYTES"
	envVarHeartbeatInterval             = "HEARTBEAT_INTERVAL"

	// Page and client script.
	envVarStaticDir       = "STATIC_DIR"
	envVarScriptSourceDir = "SCRIPT_SOURCE_DIR"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"

	DefaultListenAddr                       = "127.0.0.1:8080"
	DefaultShutdown                         = 15 * time.Second
	DefaultMode                       Mode  = ModeDev
	DefaultSignalingPath                    = "/observer"
	DefaultSignalingWSIdleTimeout           = 60 * time.Second
	DefaultSignalingWriteTimeout            = time.Second
	DefaultMaxSignalingMessageBytes         = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSec       = 50
	DefaultSignalingSendQueueFrames         = 256
	DefaultSignalingSendQueueBytes          = 1 << 20 // 1MiB
	DefaultHeartbeatInterval                = time.Second
	DefaultTURNRESTTTLSeconds         int64 = 3600
	DefaultTURNRESTUsernamePrefix           = "aero"
)

var (
	ErrInvalidConfig = errors.New("config: invalid value")
	ErrConfigFile    = errors.New("config: cannot load config file")
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

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	// File is the YAML file the settings were layered on, if any.
	File string

	ListenAddr      string
	AllowedOrigins  []string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	SignalingPath          string
	SignalingWSIdleTimeout time.Duration
	SignalingWriteTimeout  time.Duration

	MaxSignalingMessageBytes int64
	// MaxSignalingMessagesPerSecond <= 0 disables per-connection rate limiting.
	MaxSignalingMessagesPerSecond int
	SignalingSendQueueFrames      int
	SignalingSendQueueBytes       int

	HeartbeatInterval time.Duration

	// StaticDir is served at /. Empty disables the page.
	StaticDir string
	// ScriptSourceDir holds the client script sources bundled into
	// /js/script.js and /js/script.min.js. Empty disables bundling.
	ScriptSourceDir string

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

// ICEConfigError is the error from parsing the ICE server settings, if any.
// A bad ICE list does not stop the relay; it only fails readiness and the
// /webrtc/ice endpoint.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// OriginPolicy builds the origin allow-list for AllowedOrigins.
func (c Config) OriginPolicy() (*origin.Policy, error) {
	return origin.NewPolicy(c.AllowedOrigins)
}

func defaults() Config {
	return Config{
		ListenAddr:                    DefaultListenAddr,
		Mode:                          DefaultMode,
		ShutdownTimeout:               DefaultShutdown,
		SignalingPath:                 DefaultSignalingPath,
		SignalingWSIdleTimeout:        DefaultSignalingWSIdleTimeout,
		SignalingWriteTimeout:         DefaultSignalingWriteTimeout,
		MaxSignalingMessageBytes:      DefaultMaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: DefaultMaxSignalingMessagesPerSec,
		SignalingSendQueueFrames:      DefaultSignalingSendQueueFrames,
		SignalingSendQueueBytes:       DefaultSignalingSendQueueBytes,
		HeartbeatInterval:             DefaultHeartbeatInterval,
		TURNREST: TurnRESTConfig{
			TTLSeconds:     DefaultTURNRESTTTLSeconds,
			UsernamePrefix: DefaultTURNRESTUsernamePrefix,
		},
	}
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

// load layers the config file, then the environment, then flags over the
// defaults. Later layers win.
func load(lookup func(string) (string, bool), args []string) (Config, error) {
	cfg := defaults()
	modeStr := string(cfg.Mode)
	var logFormatStr, logLevelStr string
	var iceServers []iceServerJSON

	cfg.File = configFilePath(lookup, args)
	if cfg.File != "" {
		fc, err := readFile(cfg.File)
		if err != nil {
			return Config{}, err
		}
		fc.apply(&cfg, &modeStr, &logFormatStr, &logLevelStr)
		iceServers = fc.ICEServers
	}

	modeStr = envOrDefault(lookup, envVarMode, modeStr)
	logFormatStr = envOrDefault(lookup, envVarLogFormat, logFormatStr)
	logLevelStr = envOrDefault(lookup, envVarLogLevel, logLevelStr)
	cfg.ListenAddr = envOrDefault(lookup, envVarListenAddr, cfg.ListenAddr)
	if raw := envOrDefault(lookup, envVarAllowedOrigins, ""); raw != "" {
		cfg.AllowedOrigins = splitCommaSeparated(raw)
	}
	cfg.SignalingPath = envOrDefault(lookup, envVarSignalingPath, cfg.SignalingPath)
	cfg.StaticDir = envOrDefault(lookup, envVarStaticDir, cfg.StaticDir)
	cfg.ScriptSourceDir = envOrDefault(lookup, envVarScriptSourceDir, cfg.ScriptSourceDir)
	cfg.TURNREST.SharedSecret = envOrDefault(lookup, envVarTURNRESTSharedSecret, cfg.TURNREST.SharedSecret)
	cfg.TURNREST.UsernamePrefix = envOrDefault(lookup, envVarTURNRESTUsernamePrefix, cfg.TURNREST.UsernamePrefix)

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{envVarShutdownTimeout, &cfg.ShutdownTimeout},
		{envVarSignalingWSIdleTimeout, &cfg.SignalingWSIdleTimeout},
		{envVarSignalingWriteTimeout, &cfg.SignalingWriteTimeout},
		{envVarHeartbeatInterval, &cfg.HeartbeatInterval},
	}
	for _, d := range durations {
		if *d.dst, err = envDurationOrDefault(lookup, d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}
	ints := []struct {
		key string
		dst *int
	}{
		{envVarMaxSignalingMessagesPerSecond, &cfg.MaxSignalingMessagesPerSecond},
		{envVarSignalingSendQueueFrames, &cfg.SignalingSendQueueFrames},
		{envVarSignalingSendQueueBytes, &cfg.SignalingSendQueueBytes},
	}
	for _, n := range ints {
		if *n.dst, err = envIntOrDefault(lookup, n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}
	if cfg.MaxSignalingMessageBytes, err = envInt64OrDefault(lookup, envVarMaxSignalingMessageBytes, cfg.MaxSignalingMessageBytes); err != nil {
		return Config{}, err
	}
	if cfg.TURNREST.TTLSeconds, err = envInt64OrDefault(lookup, envVarTURNRESTTTLSeconds, cfg.TURNREST.TTLSeconds); err != nil {
		return Config{}, err
	}

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	fs := pflag.NewFlagSet("aero-webrtc-signal-relay", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	configFile := cfg.File
	fs.StringVar(&configFile, "config", configFile, "YAML config file (env "+envVarConfigFile+")")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "HTTP listen address (host:port)")
	fs.StringSliceVar(&cfg.AllowedOrigins, "allowed-origins", cfg.AllowedOrigins, "Allowed browser origins, comma-separated; * allows any (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeStr, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json (default: text in dev, json in prod)")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error (default: debug in dev, info in prod)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&cfg.SignalingPath, "signaling-path", cfg.SignalingPath, "Signaling WebSocket path (env "+envVarSignalingPath+")")
	fs.DurationVar(&cfg.SignalingWSIdleTimeout, "signaling-ws-idle-timeout", cfg.SignalingWSIdleTimeout, "Close signaling connections silent for this long, 0 disables (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&cfg.SignalingWriteTimeout, "signaling-write-timeout", cfg.SignalingWriteTimeout, "Per-frame write deadline (env "+envVarSignalingWriteTimeout+")")
	fs.Int64Var(&cfg.MaxSignalingMessageBytes, "max-signaling-message-bytes", cfg.MaxSignalingMessageBytes, "Max inbound signaling message size (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&cfg.MaxSignalingMessagesPerSecond, "max-signaling-messages-per-second", cfg.MaxSignalingMessagesPerSecond, "Inbound messages/sec per connection, 0 = unlimited (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&cfg.SignalingSendQueueFrames, "signaling-send-queue-frames", cfg.SignalingSendQueueFrames, "Max queued outbound frames per connection (env "+envVarSignalingSendQueueFrames+")")
	fs.IntVar(&cfg.SignalingSendQueueBytes, "signaling-send-queue-bytes", cfg.SignalingSendQueueBytes, "Max queued outbound bytes per connection (env "+envVarSignalingSendQueueBytes+")")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "Ping interval for every connection (env "+envVarHeartbeatInterval+")")

	fs.StringVar(&cfg.StaticDir, "static-dir", cfg.StaticDir, "Directory served at / (env "+envVarStaticDir+")")
	fs.StringVar(&cfg.ScriptSourceDir, "script-source-dir", cfg.ScriptSourceDir, "Client script sources bundled into /js/script.js (env "+envVarScriptSourceDir+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&cfg.TURNREST.SharedSecret, "turn-rest-shared-secret", cfg.TURNREST.SharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&cfg.TURNREST.TTLSeconds, "turn-rest-ttl-seconds", cfg.TURNREST.TTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&cfg.TURNREST.UsernamePrefix, "turn-rest-username-prefix", cfg.TURNREST.UsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("%w: unexpected arguments %q", ErrInvalidConfig, fs.Args())
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	cfg.Mode = mode
	if logFormatStr == "" {
		logFormatStr = defaultLogFormatForMode(mode)
	}
	if logLevelStr == "" {
		logLevelStr = defaultLogLevelForMode(mode)
	}
	if cfg.LogFormat, err = parseLogFormat(logFormatStr); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = parseLogLevel(logLevelStr); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	servers, err := parseICEServersFromValues(
		iceServers,
		iceServersJSON,
		stunURLs,
		turnURLs,
		turnUsername,
		turnCredential,
		cfg.TURNREST.Enabled(),
	)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = servers
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("%w: listen address is required", ErrInvalidConfig)
	}
	if !strings.HasPrefix(c.SignalingPath, "/") {
		return fmt.Errorf("%w: signaling path %q must start with /", ErrInvalidConfig, c.SignalingPath)
	}
	if _, err := c.OriginPolicy(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	switch {
	case c.ShutdownTimeout < 0:
		return fmt.Errorf("%w: shutdown timeout must be >= 0", ErrInvalidConfig)
	case c.SignalingWSIdleTimeout < 0:
		return fmt.Errorf("%w: %s must be >= 0", ErrInvalidConfig, envVarSignalingWSIdleTimeout)
	case c.SignalingWriteTimeout <= 0:
		return fmt.Errorf("%w: %s must be > 0", ErrInvalidConfig, envVarSignalingWriteTimeout)
	case c.MaxSignalingMessageBytes <= 0:
		return fmt.Errorf("%w: %s must be > 0", ErrInvalidConfig, envVarMaxSignalingMessageBytes)
	case c.SignalingSendQueueFrames <= 0:
		return fmt.Errorf("%w: %s must be > 0", ErrInvalidConfig, envVarSignalingSendQueueFrames)
	case c.SignalingSendQueueBytes <= 0:
		return fmt.Errorf("%w: %s must be > 0", ErrInvalidConfig, envVarSignalingSendQueueBytes)
	case c.HeartbeatInterval <= 0:
		return fmt.Errorf("%w: %s must be > 0", ErrInvalidConfig, envVarHeartbeatInterval)
	}
	if c.TURNREST.Enabled() {
		if c.TURNREST.TTLSeconds <= 0 {
			return fmt.Errorf("%w: %s must be > 0", ErrInvalidConfig, envVarTURNRESTTTLSeconds)
		}
		if c.TURNREST.UsernamePrefix == "" || strings.Contains(c.TURNREST.UsernamePrefix, ":") {
			return fmt.Errorf("%w: %s must be non-empty and must not contain ':'", ErrInvalidConfig, envVarTURNRESTUsernamePrefix)
		}
	}
	return nil
}

// configFilePath finds --config ahead of flag parsing, since the file layer
// sits beneath the flags.
func configFilePath(lookup func(string) (string, bool), args []string) string {
	path := envOrDefault(lookup, envVarConfigFile, "")
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			return path
		case arg == "--config":
			if i+1 < len(args) {
				path = args[i+1]
				i++
			}
		case strings.HasPrefix(arg, "--config="):
			path = strings.TrimPrefix(arg, "--config=")
		}
	}
	return strings.TrimSpace(path)
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

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
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

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
