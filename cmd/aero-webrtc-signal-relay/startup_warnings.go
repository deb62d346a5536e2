package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (any site can open signaling connections)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSignalingMessagesPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGES_PER_SECOND is unset/0 (unlimited) while --mode=prod",
			"warning_code", "signaling_rate_limit_disabled_in_prod",
			"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.SignalingWSIdleTimeout == 0 {
		logger.Warn("startup security warning: SIGNALING_WS_IDLE_TIMEOUT=0 keeps dead connections registered until TCP notices",
			"warning_code", "signaling_idle_timeout_disabled_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("invalid ICE server config; /readyz and /webrtc/ice will fail until fixed",
			"warning_code", "ice_config_invalid",
			"err", err,
		)
	} else if len(cfg.ICEServers) == 0 {
		logger.Info("no ICE servers configured; browsers will only gather host candidates",
			"warning_code", "ice_servers_empty",
		)
	}

	if !cfg.TURNREST.Enabled() && hasStaticTURNCredentials(cfg) {
		logger.Warn("startup security warning: static TURN credentials are handed to every client (prefer TURN_REST_SHARED_SECRET)",
			"warning_code", "turn_static_credentials",
			"mode", cfg.Mode,
		)
	}
}

func hasStaticTURNCredentials(cfg config.Config) bool {
	for _, server := range cfg.ICEServers {
		if server.Username == "" {
			continue
		}
		for _, url := range server.URLs {
			if config.IsTURNURL(url) {
				return true
			}
		}
	}
	return false
}
