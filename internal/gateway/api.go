package gateway

import (
	"fmt"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

const DefaultICEGatherTimeout = 2 * time.Second

// Config describes how the gateway's PeerConnections reach clients.
type Config struct {
	ICEServers       []webrtc.ICEServer
	ICEGatherTimeout time.Duration

	// UDPPortMin and UDPPortMax restrict ICE host candidates to a port range.
	// Both zero means any port.
	UDPPortMin uint16
	UDPPortMax uint16
	NAT1To1IPs []string
	// ListenIP restricts candidate gathering to one local address. Nil or
	// unspecified gathers on every interface.
	ListenIP net.IP

	// Codec is the capability of the track every session is published on.
	Codec webrtc.RTPCodecCapability

	// Net replaces the host network stack; tests pass a vnet.Net.
	Net           transport.Net
	LoggerFactory logging.LoggerFactory
	// Clock times ICE gathering in Answer. Defaults to the wall clock.
	Clock clock.Clock
}

// DefaultCodec is H.264 constrained baseline, packetization mode 1.
var DefaultCodec = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeH264,
	ClockRate:   90000,
	SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
}

func (c Config) withDefaults() Config {
	if c.ICEGatherTimeout <= 0 {
		c.ICEGatherTimeout = DefaultICEGatherTimeout
	}
	if c.Codec.MimeType == "" {
		c.Codec = DefaultCodec
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

func NewAPI(cfg Config) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(me)), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg Config) error {
	if cfg.LoggerFactory != nil {
		se.LoggerFactory = cfg.LoggerFactory
	}
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}
	if cfg.UDPPortMin != 0 || cfg.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	if len(cfg.NAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(cfg.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}
	if cfg.ListenIP != nil && !cfg.ListenIP.IsUnspecified() {
		listenIP := cfg.ListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}
	return nil
}
