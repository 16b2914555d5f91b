// Package gateway publishes relay sessions to browsers over WebRTC.
//
// Every live session gets one mountpoint: a local RTP track that the
// session's muxer writes into. Clients subscribe with a single non-trickle
// offer/answer exchange (Answer); any number of PeerConnections may share a
// mountpoint.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/streamer"
)

var (
	ErrUnknownStream   = errors.New("unknown stream")
	ErrDuplicateStream = errors.New("stream already published")
	ErrClosed          = errors.New("gateway closed")
	ErrGatherTimeout   = errors.New("ice gathering timed out")
	ErrDisabled        = errors.New("webrtc gateway disabled")
)

type mountpoint struct {
	id    string
	track *webrtc.TrackLocalStaticRTP
	peers map[*webrtc.PeerConnection]struct{}
}

// WebRTC is the pion backed gateway. StreamStarted, StreamStopped and
// WritePacket are called from the event loop; Answer is called from HTTP
// handler goroutines.
type WebRTC struct {
	api     *webrtc.API
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	mounts map[string]*mountpoint
	closed bool
}

var _ streamer.Gateway = (*WebRTC)(nil)

func NewWebRTC(cfg Config, log *slog.Logger, m *metrics.Metrics) (*WebRTC, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m == nil {
		m = metrics.New()
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = SlogLoggerFactory{Logger: log}
	}
	api, err := NewAPI(cfg)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	return &WebRTC{
		api:     api,
		cfg:     cfg,
		log:     log,
		metrics: m,
		mounts:  make(map[string]*mountpoint),
	}, nil
}

func (g *WebRTC) StreamStarted(s *streamer.Session) error {
	return g.Publish(s.ID())
}

// Publish creates the mountpoint for stream id.
func (g *WebRTC) Publish(id string) error {
	track, err := webrtc.NewTrackLocalStaticRTP(g.cfg.Codec, "video", "pstreamer-"+id)
	if err != nil {
		return fmt.Errorf("stream %q: new track: %w", id, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	if _, ok := g.mounts[id]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateStream, id)
	}
	g.mounts[id] = &mountpoint{
		id:    id,
		track: track,
		peers: make(map[*webrtc.PeerConnection]struct{}),
	}
	g.log.Debug("gateway mountpoint created", "session_id", id, "codec", g.cfg.Codec.MimeType)
	return nil
}

func (g *WebRTC) StreamStopped(id string) error {
	g.mu.Lock()
	mp, ok := g.mounts[id]
	if ok {
		delete(g.mounts, id)
	}
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStream, id)
	}
	g.closePeers(mp)
	g.log.Debug("gateway mountpoint removed", "session_id", id)
	return nil
}

// WritePacket forwards pkt to every client subscribed to stream id. The
// track rewrites payload type and SSRC per subscriber.
func (g *WebRTC) WritePacket(id string, pkt *rtp.Packet) error {
	g.mu.Lock()
	mp, ok := g.mounts[id]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStream, id)
	}
	return mp.track.WriteRTP(pkt)
}

// Subscribers reports how many PeerConnections are attached to stream id.
func (g *WebRTC) Subscribers(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if mp, ok := g.mounts[id]; ok {
		return len(mp.peers)
	}
	return 0
}

// Answer subscribes a new client to stream id. offerSDP is the client's
// complete offer; the returned answer carries all gathered candidates.
func (g *WebRTC) Answer(ctx context.Context, id, offerSDP string) (string, error) {
	g.mu.Lock()
	closed := g.closed
	mp, ok := g.mounts[id]
	g.mu.Unlock()
	if closed {
		return "", ErrClosed
	}
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStream, id)
	}

	pc, err := g.api.NewPeerConnection(webrtc.Configuration{ICEServers: g.cfg.ICEServers})
	if err != nil {
		return "", fmt.Errorf("new peer connection: %w", err)
	}
	fail := func(err error) (string, error) {
		_ = pc.Close()
		g.metrics.Inc(metrics.GatewayErrors)
		return "", err
	}

	sender, err := pc.AddTrack(mp.track)
	if err != nil {
		return fail(fmt.Errorf("add track: %w", err))
	}
	// RTCP has to be drained for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		return fail(fmt.Errorf("set remote description: %w", err))
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("create answer: %w", err))
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail(fmt.Errorf("set local description: %w", err))
	}

	timer := g.cfg.Clock.Timer(g.cfg.ICEGatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		// Whatever was gathered so far is still a usable answer.
		g.log.Debug("ice gathering timed out", "session_id", id, "timeout", g.cfg.ICEGatherTimeout.String())
	case <-ctx.Done():
		return fail(ctx.Err())
	}
	local := pc.LocalDescription()
	if local == nil {
		return fail(ErrGatherTimeout)
	}

	g.mu.Lock()
	if g.closed || g.mounts[id] != mp {
		g.mu.Unlock()
		return fail(fmt.Errorf("%w: %q", ErrUnknownStream, id))
	}
	mp.peers[pc] = struct{}{}
	g.mu.Unlock()

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			g.mu.Lock()
			delete(mp.peers, pc)
			g.mu.Unlock()
			_ = pc.Close()
			g.log.Debug("gateway subscriber left", "session_id", id, "state", state.String())
		}
	})

	g.log.Info("gateway subscriber joined", "session_id", id)
	return local.SDP, nil
}

func (g *WebRTC) closePeers(mp *mountpoint) {
	g.mu.Lock()
	peers := make([]*webrtc.PeerConnection, 0, len(mp.peers))
	for pc := range mp.peers {
		peers = append(peers, pc)
	}
	mp.peers = make(map[*webrtc.PeerConnection]struct{})
	g.mu.Unlock()

	for _, pc := range peers {
		if err := pc.Close(); err != nil {
			g.log.Debug("peer connection close failed", "session_id", mp.id, "err", err)
		}
	}
}

// Close drops every mountpoint and hangs up on every client.
func (g *WebRTC) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	mounts := g.mounts
	g.mounts = make(map[string]*mountpoint)
	g.mu.Unlock()

	for _, mp := range mounts {
		g.closePeers(mp)
	}
	g.log.Info("gateway closed", "mountpoints", len(mounts))
	return nil
}

// Nop accepts every call and publishes nothing.
type Nop struct{}

var _ streamer.Gateway = Nop{}

func (Nop) StreamStarted(*streamer.Session) error { return nil }
func (Nop) StreamStopped(string) error { return nil }
func (Nop) WritePacket(string, *rtp.Packet) error { return nil }
func (Nop) Close() error { return nil }

func (Nop) Answer(context.Context, string, string) (string, error) {
	return "", ErrDisabled
}
