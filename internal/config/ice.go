package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const envICEServersJSON = "PSTREAMER_ICE_SERVERS_JSON"

// iceServerJSON is one RTCIceServer entry. urls may be a string or a list.
type iceServerJSON struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*l = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

// ParseICEServersJSON parses the servers handed to the gateway's
// PeerConnections. Empty input yields no servers.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var entries []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("ice servers: %w", err)
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		server, err := e.server()
		if err != nil {
			return nil, fmt.Errorf("ice server %d: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// server checks every URL with pion's parser, so anything accepted here can
// be dialed by the ICE agent. TURN entries must carry credentials.
func (e iceServerJSON) server() (webrtc.ICEServer, error) {
	s := webrtc.ICEServer{Username: strings.TrimSpace(e.Username)}
	turn := false
	for _, u := range e.URLs {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		uri, err := stun.ParseURI(u)
		if err != nil {
			return s, fmt.Errorf("%q: %w", u, err)
		}
		if uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS {
			turn = true
		}
		s.URLs = append(s.URLs, u)
	}
	if len(s.URLs) == 0 {
		return s, errors.New("missing urls")
	}
	if turn {
		if s.Username == "" || strings.TrimSpace(e.Credential) == "" {
			return s, errors.New("turn url without username and credential")
		}
		s.Credential = e.Credential
	}
	return s, nil
}

// checkSTUNURL accepts the stun: and stuns: URLs of the stun_urls key.
func checkSTUNURL(raw string) error {
	uri, err := stun.ParseURI(raw)
	if err != nil {
		return err
	}
	if uri.Scheme != stun.SchemeTypeSTUN && uri.Scheme != stun.SchemeTypeSTUNS {
		return fmt.Errorf("not a stun url: %q", raw)
	}
	return nil
}
