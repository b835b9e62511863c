package main

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && len(cfg.AllowedOrigins) == 0 && strings.TrimSpace(cfg.PublicBaseURL) == "" {
		logger.Warn("startup security warning: ALLOWED_ORIGINS and PUBLIC_BASE_URL are unset while --mode=prod (only same-host browser origins can connect)",
			"warning_code", "allowed_origins_unset_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.UnreachableSignalPolicy == config.UnreachableSignalPolicyReport {
		logger.Warn("startup security warning: UNREACHABLE_SIGNAL_POLICY=report tells senders whether a client id is connected",
			"warning_code", "unreachable_signal_policy_report",
			"unreachable_signal_policy", cfg.UnreachableSignalPolicy,
			"mode", cfg.Mode,
		)
	}

	if cfg.PendingRoomTTL <= 0 {
		logger.Warn("startup security warning: PENDING_ROOM_TTL=0 keeps never-joined rooms forever (unbounded room growth)",
			"warning_code", "pending_room_ttl_disabled",
			"pending_room_ttl", cfg.PendingRoomTTL,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; /readyz will fail until fixed",
			"warning_code", "ice_config_invalid",
			"err", err,
			"public_base_host", safeURLHost(cfg.PublicBaseURL),
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}

func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}
