package streamer

import (
	"time"

	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/eventloop"
	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/ratelimit"
)

// Session is one relay stream: a block of UDP ports receiving media from a
// source and forwarding it to the muxer.
//
// A Session belongs to the loop goroutine; it must not be read or mutated from
// anywhere else.
type Session struct {
	id       string
	basePort int
	ports    int
	srcAddr  string
	srcPort  string
	dstAddr  string

	created      time.Time
	lastActivity time.Time

	regs   []*eventloop.Registration
	muxer  Muxer
	viewer Viewer

	// limiter is nil when ingest is unlimited.
	limiter *ratelimit.TokenBucket

	packets uint64
	bytes   uint64
	closed  bool
}

func (s *Session) ID() string              { return s.id }
func (s *Session) BasePort() int           { return s.basePort }
func (s *Session) Ports() int              { return s.ports }
func (s *Session) SourceAddr() string      { return s.srcAddr }
func (s *Session) SourcePort() string      { return s.srcPort }
func (s *Session) DestAddr() string        { return s.dstAddr }
func (s *Session) Created() time.Time      { return s.created }
func (s *Session) LastActivity() time.Time { return s.lastActivity }
func (s *Session) Packets() uint64         { return s.packets }
func (s *Session) Bytes() uint64           { return s.bytes }

// Viewer returns the attached viewer, or nil.
func (s *Session) Viewer() Viewer { return s.viewer }

// Closed reports whether the session has been destroyed.
func (s *Session) Closed() bool { return s.closed }
