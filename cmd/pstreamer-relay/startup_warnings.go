package main

import (
	"log/slog"
	"os"

	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/config"
)

// privilegedPortMax is the highest port that needs elevated privileges to bind.
const privilegedPortMax = 1023

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}
	r := cfg.Relay

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (any page may create and destroy sessions)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && r.MaxSessions <= 0 {
		logger.Warn("startup security warning: max_sessions is unset/0 (unlimited) while -mode=prod",
			"warning_code", "max_sessions_unlimited_in_prod",
			"max_sessions", r.MaxSessions,
			"mode", cfg.Mode,
		)
	}

	if r.BasePort <= privilegedPortMax {
		logger.Warn("startup warning: base_port is in the privileged range; session binds will fail without elevated privileges",
			"warning_code", "base_port_privileged",
			"base_port", r.BasePort,
		)
	}

	if r.Gateway == config.GatewayNone {
		if len(r.NAT1To1IPs) > 0 || len(cfg.ICEServers) > 0 || r.UDPPortMin != 0 {
			logger.Warn("startup warning: webrtc settings are ignored because gateway=none",
				"warning_code", "webrtc_settings_without_gateway",
				"nat_1to1_ips", r.NAT1To1IPs,
				"ice_servers", len(cfg.ICEServers),
			)
		}
	} else if r.UDPPortMin != 0 && int(r.UDPPortMax)-int(r.UDPPortMin)+1 < recommendedWebRTCUDPPortRangeSize {
		logger.Warn("startup warning: webrtc UDP port range is small; subscribers may fail to connect once it is used up",
			"warning_code", "webrtc_udp_port_range_small",
			"webrtc_udp_port_min", r.UDPPortMin,
			"webrtc_udp_port_max", r.UDPPortMax,
			"recommended_min_size", recommendedWebRTCUDPPortRangeSize,
		)
	}

	if cfg.DocumentRoot != "" {
		if info, err := os.Stat(cfg.DocumentRoot); err != nil || !info.IsDir() {
			logger.Warn("startup warning: document root is not a readable directory; only the REST API will be served",
				"warning_code", "document_root_missing",
				"document_root", cfg.DocumentRoot,
			)
		}
	}
}

// recommendedWebRTCUDPPortRangeSize is a conservative minimum; every
// subscriber PeerConnection holds at least one port.
const recommendedWebRTCUDPPortRangeSize = 100

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
