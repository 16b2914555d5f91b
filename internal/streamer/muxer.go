package streamer

import (
	"errors"
	"fmt"

	"github.com/pion/rtp"
	"go.uber.org/multierr"
)

var (
	ErrNotRTP       = errors.New("datagram is not an RTP packet")
	ErrViewerBusy   = errors.New("viewer queue full")
	ErrMuxerClosed  = errors.New("muxer closed")
	ErrGatewayWrite = errors.New("gateway write failed")
)

// Muxer consumes the datagrams received on a session's ports.
type Muxer interface {
	WritePacket(pkt []byte) error
	Close() error
}

// MuxerFactory builds the muxer of a freshly allocated session.
type MuxerFactory func(s *Session, gw Gateway) (Muxer, error)

// Viewer is a client connection watching a session. The manager only keeps a
// weak reference: it never closes a viewer, it only tells it the session has
// gone away.
type Viewer interface {
	// Send queues pkt for delivery without blocking. It reports false when
	// the packet was dropped.
	Send(pkt []byte) bool
	// Invalidate is called once when the session the viewer is attached to
	// is destroyed.
	Invalidate()
}

// Gateway publishes sessions to WebRTC clients.
type Gateway interface {
	StreamStarted(s *Session) error
	StreamStopped(id string) error
	WritePacket(id string, pkt *rtp.Packet) error
	Close() error
}

// RTPMuxer passes RTP through unchanged: the raw datagram goes to the viewer
// and the parsed packet to the gateway track.
type RTPMuxer struct {
	session *Session
	gw      Gateway
	closed  bool
}

func NewRTPMuxer(s *Session, gw Gateway) (Muxer, error) {
	if s == nil {
		return nil, errors.New("rtp muxer: nil session")
	}
	return &RTPMuxer{session: s, gw: gw}, nil
}

func (m *RTPMuxer) WritePacket(pkt []byte) error {
	if m.closed {
		return ErrMuxerClosed
	}
	var p rtp.Packet
	if err := p.Unmarshal(pkt); err != nil {
		return fmt.Errorf("%w: %v", ErrNotRTP, err)
	}
	if p.Version != 2 {
		return fmt.Errorf("%w: version %d", ErrNotRTP, p.Version)
	}

	var err error
	if v := m.session.viewer; v != nil && !v.Send(pkt) {
		err = multierr.Append(err, ErrViewerBusy)
	}
	if m.gw != nil {
		if gwErr := m.gw.WritePacket(m.session.id, &p); gwErr != nil {
			err = multierr.Append(err, fmt.Errorf("%w: %v", ErrGatewayWrite, gwErr))
		}
	}
	return err
}

func (m *RTPMuxer) Close() error {
	m.closed = true
	return nil
}
