package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/origin"
)

const (
	envVarListenAddr      = "AERO_WEBRTC_RENDEZVOUS_LISTEN_ADDR"
	envVarPublicBaseURL   = "AERO_WEBRTC_RENDEZVOUS_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "AERO_WEBRTC_RENDEZVOUS_LOG_FORMAT"
	envVarLogLevel        = "AERO_WEBRTC_RENDEZVOUS_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_WEBRTC_RENDEZVOUS_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_WEBRTC_RENDEZVOUS_MODE"

	// Signaling WebSocket hardening.
	envVarSignalingWSIdleTimeout   = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval  = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarSendQueueSize            = "SIGNALING_SEND_QUEUE_SIZE"

	// Room lifecycle and relay behaviour.
	envVarPendingRoomTTL          = "PENDING_ROOM_TTL"
	envVarRoomSweepInterval       = "ROOM_SWEEP_INTERVAL"
	envVarUnreachableSignalPolicy = "UNREACHABLE_SIGNAL_POLICY"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultSignalingWSIdleTimeout   = 60 * time.Second
	DefaultSignalingWSPingInterval  = 20 * time.Second
	DefaultMaxSignalingMessageBytes = int64(64 * 1024)
	DefaultSendQueueSize            = 256

	// DefaultPendingRoomTTL bounds how long a room is kept when the client
	// that created it never joins.
	DefaultPendingRoomTTL    = 10 * time.Minute
	DefaultRoomSweepInterval = time.Minute

	DefaultUnreachableSignalPolicy = UnreachableSignalPolicyDrop
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

// UnreachableSignalPolicy selects what happens to a signal whose target is
// not connected.
type UnreachableSignalPolicy string

const (
	// UnreachableSignalPolicyDrop discards the signal without telling the
	// sender, so clients cannot probe which ids are online.
	UnreachableSignalPolicyDrop UnreachableSignalPolicy = "drop"
	// UnreachableSignalPolicyReport answers the sender with an error event.
	UnreachableSignalPolicyReport UnreachableSignalPolicy = "report"
)

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	SignalingWSIdleTimeout   time.Duration
	SignalingWSPingInterval  time.Duration
	MaxSignalingMessageBytes int64
	SendQueueSize            int

	PendingRoomTTL          time.Duration
	RoomSweepInterval       time.Duration
	UnreachableSignalPolicy UnreachableSignalPolicy

	ICEServers []webrtc.ICEServer

	iceConfigErr error
}

// ICEConfigError returns the error hit while parsing ICE servers. Load does
// not fail on it; /readyz reports it instead.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")
	unreachablePolicyStr := envOrDefault(lookup, envVarUnreachableSignalPolicy, string(DefaultUnreachableSignalPolicy))

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	pendingRoomTTL, err := envDurationOrDefault(lookup, envVarPendingRoomTTL, DefaultPendingRoomTTL)
	if err != nil {
		return Config{}, err
	}
	roomSweepInterval, err := envDurationOrDefault(lookup, envVarRoomSweepInterval, DefaultRoomSweepInterval)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	sendQueueSize, err := envIntOrDefault(lookup, envVarSendQueueSize, DefaultSendQueueSize)
	if err != nil {
		return Config{}, err
	}

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs := flag.NewFlagSet("aero-webrtc-rendezvous", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (AERO_ICE_SERVERS_JSON)")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs (AERO_STUN_URLS)")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs (AERO_TURN_URLS)")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (AERO_TURN_USERNAME)")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (AERO_TURN_CREDENTIAL)")

	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames on signaling WebSocket connections at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&sendQueueSize, "send-queue-size", sendQueueSize, "Max queued outbound messages per connection before it is closed as a slow consumer (env "+envVarSendQueueSize+")")

	fs.DurationVar(&pendingRoomTTL, "pending-room-ttl", pendingRoomTTL, "Expire rooms nobody has joined after this duration (0 = never; env "+envVarPendingRoomTTL+")")
	fs.DurationVar(&roomSweepInterval, "room-sweep-interval", roomSweepInterval, "How often to look for expired pending rooms (env "+envVarRoomSweepInterval+")")
	fs.StringVar(&unreachablePolicyStr, "unreachable-signal-policy", unreachablePolicyStr, "Signals to disconnected clients: drop or report (env "+envVarUnreachableSignalPolicy+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	unreachablePolicy, err := parseUnreachableSignalPolicy(unreachablePolicyStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval (%s) must be < %s/--signaling-ws-idle-timeout (%s)",
			envVarSignalingWSPingInterval,
			signalingWSPingInterval,
			envVarSignalingWSIdleTimeout,
			signalingWSIdleTimeout,
		)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if sendQueueSize <= 0 {
		return Config{}, fmt.Errorf("%s/--send-queue-size must be > 0", envVarSendQueueSize)
	}
	if pendingRoomTTL < 0 {
		return Config{}, fmt.Errorf("%s/--pending-room-ttl must be >= 0 (0 = never)", envVarPendingRoomTTL)
	}
	if roomSweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--room-sweep-interval must be > 0", envVarRoomSweepInterval)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		SignalingWSIdleTimeout:   signalingWSIdleTimeout,
		SignalingWSPingInterval:  signalingWSPingInterval,
		MaxSignalingMessageBytes: maxSignalingMessageBytes,
		SendQueueSize:            sendQueueSize,

		PendingRoomTTL:          pendingRoomTTL,
		RoomSweepInterval:       roomSweepInterval,
		UnreachableSignalPolicy: unreachablePolicy,
	}

	iceServers, err := ICESource{
		JSON:           iceServersJSON,
		STUNURLs:       stunURLs,
		TURNURLs:       turnURLs,
		TURNUsername:   turnUsername,
		TURNCredential: turnCredential,
	}.Servers()
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
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

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
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

func parseUnreachableSignalPolicy(raw string) (UnreachableSignalPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(UnreachableSignalPolicyDrop), "":
		return UnreachableSignalPolicyDrop, nil
	case string(UnreachableSignalPolicyReport):
		return UnreachableSignalPolicyReport, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarUnreachableSignalPolicy, raw,
			UnreachableSignalPolicyDrop,
			UnreachableSignalPolicyReport,
		)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}
