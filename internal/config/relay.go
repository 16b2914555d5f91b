package config

import (
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/tokens"
)

type GatewayMode string

const (
	GatewayWebRTC GatewayMode = "webrtc"
	GatewayNone   GatewayMode = "none"
)

const (
	DefaultBasePort         = 6001
	DefaultPortsPerSession  = 2
	DefaultListenIP         = "0.0.0.0"
	DefaultDestIP           = "127.0.0.1"
	DefaultOrphanInterval   = 60 * time.Second
	DefaultPurgePeriod      = 5 * time.Second
	DefaultPopulatePeriod   = 1 * time.Second
	DefaultGracePeriod      = 1 * time.Second
	DefaultICEGatherTimeout = 2 * time.Second
)

// Relay holds the streamer and gateway settings carried in the -s string.
type Relay struct {
	BasePort        int
	PortsPerSession int
	ListenIP        string
	// DestIP is the destination recorded for sessions created from the
	// channel file.
	DestIP string

	OrphanInterval time.Duration
	PurgePeriod    time.Duration
	PopulatePeriod time.Duration
	GracePeriod    time.Duration

	MaxSessions int
	// MaxPacketsPerSecond caps ingest per session; zero means unlimited.
	MaxPacketsPerSecond int

	Gateway          GatewayMode
	UDPPortMin       uint16
	UDPPortMax       uint16
	NAT1To1IPs       []string
	STUNURLs         []string
	ICEGatherTimeout time.Duration
}

func DefaultRelay() Relay {
	return Relay{
		BasePort:         DefaultBasePort,
		PortsPerSession:  DefaultPortsPerSession,
		ListenIP:         DefaultListenIP,
		DestIP:           DefaultDestIP,
		OrphanInterval:   DefaultOrphanInterval,
		PurgePeriod:      DefaultPurgePeriod,
		PopulatePeriod:   DefaultPopulatePeriod,
		GracePeriod:      DefaultGracePeriod,
		Gateway:          GatewayWebRTC,
		ICEGatherTimeout: DefaultICEGatherTimeout,
	}
}

type relayKey func(r *Relay, val string) string

// relayKeys maps each -s key to a setter. A setter returns a non-empty
// reason when val is rejected; r is left unchanged in that case.
var relayKeys = map[string]relayKey{
	"base_port": func(r *Relay, val string) string {
		n, reason := parsePort(val)
		if reason == "" {
			r.BasePort = n
		}
		return reason
	},
	"ports_per_session": func(r *Relay, val string) string {
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			return "expected a positive integer"
		}
		r.PortsPerSession = n
		return ""
	},
	"listen_ip": func(r *Relay, val string) string {
		if net.ParseIP(val) == nil {
			return "expected an IP address"
		}
		r.ListenIP = val
		return ""
	},
	"dest_ip": func(r *Relay, val string) string {
		if net.ParseIP(val) == nil {
			return "expected an IP address"
		}
		r.DestIP = val
		return ""
	},
	"orphan_interval": durationKey(func(r *Relay) *time.Duration { return &r.OrphanInterval }),
	"purge_period":    durationKey(func(r *Relay) *time.Duration { return &r.PurgePeriod }),
	"populate_period": durationKey(func(r *Relay) *time.Duration { return &r.PopulatePeriod }),
	"grace_period": func(r *Relay, val string) string {
		d, err := time.ParseDuration(val)
		if err != nil || d < 0 {
			return "expected a non-negative duration"
		}
		r.GracePeriod = d
		return ""
	},
	"max_sessions": func(r *Relay, val string) string {
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			return "expected a non-negative integer"
		}
		r.MaxSessions = n
		return ""
	},
	"max_pps_per_session": func(r *Relay, val string) string {
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			return "expected a non-negative integer"
		}
		r.MaxPacketsPerSecond = n
		return ""
	},
	"gateway": func(r *Relay, val string) string {
		switch GatewayMode(strings.ToLower(val)) {
		case GatewayWebRTC:
			r.Gateway = GatewayWebRTC
		case GatewayNone:
			r.Gateway = GatewayNone
		default:
			return "expected webrtc or none"
		}
		return ""
	},
	"webrtc_udp_port_min": func(r *Relay, val string) string {
		n, reason := parsePort(val)
		if reason == "" {
			r.UDPPortMin = uint16(n)
		}
		return reason
	},
	"webrtc_udp_port_max": func(r *Relay, val string) string {
		n, reason := parsePort(val)
		if reason == "" {
			r.UDPPortMax = uint16(n)
		}
		return reason
	},
	"webrtc_nat_1to1_ips": func(r *Relay, val string) string {
		ips := tokens.Split(val, ';')
		out := make([]string, 0, ips.Len())
		for _, ip := range ips {
			ip = strings.TrimSpace(ip)
			if net.ParseIP(ip) == nil {
				return "invalid IP " + strconv.Quote(ip)
			}
			out = append(out, ip)
		}
		r.NAT1To1IPs = out
		return ""
	},
	"stun_urls": func(r *Relay, val string) string {
		urls := tokens.Split(val, ';')
		out := make([]string, 0, urls.Len())
		for _, u := range urls {
			u = strings.TrimSpace(u)
			if err := checkSTUNURL(u); err != nil {
				return "expected stun: or stuns: URL, got " + strconv.Quote(u)
			}
			out = append(out, u)
		}
		r.STUNURLs = out
		return ""
	},
	"ice_gather_timeout": durationKey(func(r *Relay) *time.Duration { return &r.ICEGatherTimeout }),
}

func durationKey(field func(r *Relay) *time.Duration) relayKey {
	return func(r *Relay, val string) string {
		d, err := time.ParseDuration(val)
		if err != nil || d <= 0 {
			return "expected a positive duration"
		}
		*field(r) = d
		return ""
	}
}

func parsePort(val string) (int, string) {
	n, err := strconv.Atoi(val)
	if err != nil || n < 1 || n > 65535 {
		return 0, "expected a port in 1-65535"
	}
	return n, ""
}

// ParseRelay applies the key=value pairs in s over DefaultRelay. Unknown keys,
// malformed values and malformed tokens are returned as *tokens.ParseError
// and otherwise ignored.
func ParseRelay(s string) (Relay, []error) {
	r := DefaultRelay()
	kv, errs := tokens.ParseKeyValues(s)

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		val := kv[key]
		set, ok := relayKeys[key]
		if !ok {
			errs = append(errs, &tokens.ParseError{Token: key + "=" + val, Reason: "unknown key"})
			continue
		}
		if reason := set(&r, val); reason != "" {
			errs = append(errs, &tokens.ParseError{Token: key + "=" + val, Reason: reason})
		}
	}

	if (r.UDPPortMin == 0) != (r.UDPPortMax == 0) || r.UDPPortMin > r.UDPPortMax {
		errs = append(errs, &tokens.ParseError{
			Token:  "webrtc_udp_port_min/webrtc_udp_port_max",
			Reason: "both must be set and min <= max; ignoring range",
		})
		r.UDPPortMin, r.UDPPortMax = 0, 0
	}
	return r, errs
}
