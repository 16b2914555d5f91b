// Package streamer owns the relay sessions: it validates and registers them,
// hands out UDP ports, feeds received datagrams to each session's muxer and
// reaps sessions that stopped receiving media.
//
// A Manager is not safe for concurrent use. Every method must be called from
// the event loop goroutine; HTTP handlers reach it through Loop.Do.
package streamer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/eventloop"
	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/ordmap"
	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/ratelimit"
)

const (
	DefaultBasePort        = 6001
	DefaultPortsPerSession = 2
	DefaultListenIP        = "0.0.0.0"

	maxPort       = 65535
	maxFieldBytes = 64
)

type Options struct {
	// BasePort seeds the port counter. Ports are handed out in increasing
	// order and never reused.
	BasePort        int
	PortsPerSession int
	ListenIP        string
	// MaxSessions caps live sessions; zero means unlimited.
	MaxSessions int
	// MaxPacketsPerSecond caps ingest per session, with a burst of one
	// second's worth. Excess packets are dropped. Zero means unlimited.
	MaxPacketsPerSecond int
}

func (o Options) withDefaults() Options {
	if o.BasePort <= 0 {
		o.BasePort = DefaultBasePort
	}
	if o.PortsPerSession <= 0 {
		o.PortsPerSession = DefaultPortsPerSession
	}
	if o.ListenIP == "" {
		o.ListenIP = DefaultListenIP
	}
	return o
}

// Registrar is the part of the event loop the manager needs.
type Registrar interface {
	Register(conn net.PacketConn, handler func(pkt []byte)) (*eventloop.Registration, error)
	Deregister(reg *eventloop.Registration) error
}

// Binder opens the UDP socket for one allocated port.
type Binder func(ip string, port int) (net.PacketConn, error)

func listenUDP(ip string, port int) (net.PacketConn, error) {
	return net.ListenPacket("udp", net.JoinHostPort(ip, strconv.Itoa(port)))
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithLogger(logger *slog.Logger) Option { return func(m *Manager) { m.log = logger } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

func WithBinder(b Binder) Option { return func(m *Manager) { m.bind = b } }

func WithMuxerFactory(f MuxerFactory) Option { return func(m *Manager) { m.newMuxer = f } }

type Manager struct {
	opts     Options
	reg      Registrar
	gw       Gateway
	clock    clock.Clock
	log      *slog.Logger
	metrics  *metrics.Metrics
	bind     Binder
	newMuxer MuxerFactory

	sessions *ordmap.Map[*Session]
	nextPort int
	closed   bool
}

func NewManager(opts Options, reg Registrar, gw Gateway, deps ...Option) (*Manager, error) {
	if reg == nil {
		return nil, errors.New("streamer: nil registrar")
	}
	opts = opts.withDefaults()
	if opts.BasePort > maxPort {
		return nil, fmt.Errorf("streamer: base port %d out of range", opts.BasePort)
	}
	m := &Manager{
		opts:     opts,
		reg:      reg,
		gw:       gw,
		clock:    clock.New(),
		bind:     listenUDP,
		newMuxer: NewRTPMuxer,
		sessions: ordmap.New[*Session](),
		nextPort: opts.BasePort,
	}
	for _, dep := range deps {
		dep(m)
	}
	if m.log == nil {
		m.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m.metrics == nil {
		m.metrics = metrics.New()
	}
	return m, nil
}

// NextPort is the first port the next session will receive.
func (m *Manager) NextPort() int { return m.nextPort }

func (m *Manager) Options() Options { return m.opts }

// Create allocates a session receiving media from srcAddr:srcPort.
func (m *Manager) Create(srcAddr, srcPort, id, dstAddr string) (*Session, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if err := validate(id, srcAddr, srcPort, dstAddr); err != nil {
		m.metrics.Inc(metrics.SessionCreateFailed)
		return nil, err
	}
	if m.sessions.Contains(id) {
		m.metrics.Inc(metrics.SessionCreateFailed)
		return nil, fmt.Errorf("%w: %q", ErrDuplicateID, id)
	}
	if m.opts.MaxSessions > 0 && m.sessions.Len() >= m.opts.MaxSessions {
		m.metrics.Inc(metrics.TooManySessions)
		return nil, ErrTooManySessions
	}

	base, err := m.allocate()
	if err != nil {
		m.metrics.Inc(metrics.PortsExhausted)
		return nil, err
	}

	now := m.clock.Now()
	s := &Session{
		id:           id,
		basePort:     base,
		ports:        m.opts.PortsPerSession,
		srcAddr:      srcAddr,
		srcPort:      srcPort,
		dstAddr:      dstAddr,
		created:      now,
		lastActivity: now,
	}
	if pps := int64(m.opts.MaxPacketsPerSecond); pps > 0 {
		s.limiter = ratelimit.NewTokenBucket(m.clock, pps, pps)
	}

	conns := make([]net.PacketConn, 0, s.ports)
	closeConns := func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}
	for port := base; port < base+s.ports; port++ {
		c, err := m.bind(m.opts.ListenIP, port)
		if err != nil {
			closeConns()
			m.metrics.Inc(metrics.SessionCreateFailed)
			return nil, fmt.Errorf("%w: bind %s:%d: %v", ErrResourceExhausted, m.opts.ListenIP, port, err)
		}
		conns = append(conns, c)
	}

	mux, err := m.newMuxer(s, m.gw)
	if err != nil {
		closeConns()
		m.metrics.Inc(metrics.SessionCreateFailed)
		return nil, fmt.Errorf("session %q: muxer: %w", id, err)
	}
	s.muxer = mux

	for i, c := range conns {
		reg, err := m.reg.Register(c, func(pkt []byte) { m.handlePacket(s, pkt) })
		if err != nil {
			m.deregister(s)
			for _, rest := range conns[i:] {
				_ = rest.Close()
			}
			_ = mux.Close()
			m.metrics.Inc(metrics.SessionCreateFailed)
			return nil, fmt.Errorf("%w: register port %d: %v", ErrResourceExhausted, base+i, err)
		}
		s.regs = append(s.regs, reg)
	}

	if err := m.sessions.Insert(id, s); err != nil {
		// Unreachable: Contains was checked above on the same goroutine.
		m.release(s)
		return nil, fmt.Errorf("%w: %q", ErrDuplicateID, id)
	}

	if m.gw != nil {
		if err := m.gw.StreamStarted(s); err != nil {
			m.metrics.Inc(metrics.GatewayErrors)
			m.log.Warn("gateway stream start failed", "session_id", id, "err", err)
		}
	}

	m.metrics.Inc(metrics.SessionCreated)
	m.metrics.ActiveSessions.Set(float64(m.sessions.Len()))
	m.log.Info("session created",
		"session_id", id,
		"source", net.JoinHostPort(srcAddr, srcPort),
		"dest_ip", dstAddr,
		"base_port", base,
		"ports", s.ports,
	)
	return s, nil
}

// allocate reserves the next block of ports. The counter advances even when
// binding later fails, so a port is never handed out twice.
func (m *Manager) allocate() (int, error) {
	base := m.nextPort
	if base+m.opts.PortsPerSession-1 > maxPort {
		return 0, fmt.Errorf("%w: no ports left above %d", ErrResourceExhausted, base)
	}
	m.nextPort += m.opts.PortsPerSession
	return base, nil
}

// Destroy tears down the session with the given id.
func (m *Manager) Destroy(id string) error {
	s, err := m.sessions.Find(id)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	m.destroy(s)
	m.metrics.Inc(metrics.SessionDestroyed)
	m.log.Info("session destroyed", "session_id", id)
	return nil
}

func (m *Manager) destroy(s *Session) {
	m.release(s)
	_ = m.sessions.Remove(s.id)
	m.metrics.ActiveSessions.Set(float64(m.sessions.Len()))
}

// release deregisters the session's descriptors first, then lets go of the
// gateway mountpoint, the muxer and the viewer.
func (m *Manager) release(s *Session) {
	if s.closed {
		return
	}
	s.closed = true
	m.deregister(s)
	if m.gw != nil {
		if err := m.gw.StreamStopped(s.id); err != nil {
			m.metrics.Inc(metrics.GatewayErrors)
			m.log.Warn("gateway stream stop failed", "session_id", s.id, "err", err)
		}
	}
	if s.muxer != nil {
		if err := s.muxer.Close(); err != nil {
			m.log.Debug("muxer close failed", "session_id", s.id, "err", err)
		}
	}
	if v := s.viewer; v != nil {
		s.viewer = nil
		v.Invalidate()
		m.metrics.Inc(metrics.ViewerDetached)
	}
}

func (m *Manager) deregister(s *Session) {
	for _, reg := range s.regs {
		if err := m.reg.Deregister(reg); err != nil && !errors.Is(err, eventloop.ErrNotRegistered) {
			m.log.Debug("deregister failed", "session_id", s.id, "err", err)
		}
	}
	s.regs = nil
}

func (m *Manager) Get(id string) (*Session, error) {
	s, err := m.sessions.Find(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return s, nil
}

// List returns the live sessions ordered by id.
func (m *Manager) List() []*Session { return m.sessions.Values() }

func (m *Manager) Len() int { return m.sessions.Len() }

// Touch records activity on s. Last activity never moves backwards.
func (m *Manager) Touch(s *Session) {
	if now := m.clock.Now(); now.After(s.lastActivity) {
		s.lastActivity = now
	}
}

// RemoveOrphans destroys every session idle for longer than interval and
// returns how many were removed.
func (m *Manager) RemoveOrphans(interval time.Duration) int {
	now := m.clock.Now()
	removed := 0
	m.sessions.Range(func(id string, s *Session) bool {
		idle := now.Sub(s.lastActivity)
		if idle <= interval {
			return true
		}
		m.destroy(s)
		removed++
		m.metrics.Inc(metrics.SessionReaped)
		m.log.Info("orphan session reaped", "session_id", id, "idle", idle.String())
		return true
	})
	return removed
}

// AttachViewer makes v the viewer of session id. A previous viewer is
// invalidated.
func (m *Manager) AttachViewer(id string, v Viewer) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("%w: nil viewer", ErrInvalidField)
	}
	if old := s.viewer; old != nil && old != v {
		old.Invalidate()
		m.metrics.Inc(metrics.ViewerDetached)
	}
	s.viewer = v
	m.Touch(s)
	m.metrics.Inc(metrics.ViewerAttached)
	m.log.Debug("viewer attached", "session_id", id)
	return nil
}

// CheckClosedConnection forgets v wherever it is attached. The session itself
// is left alone.
func (m *Manager) CheckClosedConnection(v Viewer) {
	if v == nil {
		return
	}
	m.sessions.Range(func(id string, s *Session) bool {
		if s.viewer == v {
			s.viewer = nil
			m.metrics.Inc(metrics.ViewerDetached)
			m.log.Debug("viewer detached", "session_id", id)
		}
		return true
	})
}

func (m *Manager) handlePacket(s *Session, pkt []byte) {
	if s.closed {
		return
	}
	m.Touch(s)
	if s.limiter != nil && !s.limiter.Allow(1) {
		m.metrics.Inc(metrics.PacketsRateLimited)
		return
	}
	s.packets++
	s.bytes += uint64(len(pkt))

	err := s.muxer.WritePacket(pkt)
	switch {
	case err == nil:
		m.metrics.Inc(metrics.PacketsRelayed)
	case errors.Is(err, ErrNotRTP):
		m.metrics.Inc(metrics.PacketsNotRTP)
	default:
		m.metrics.Inc(metrics.PacketsRelayed)
		if errors.Is(err, ErrViewerBusy) {
			m.metrics.Inc(metrics.ViewerQueueDrops)
		}
		if errors.Is(err, ErrGatewayWrite) {
			m.metrics.Inc(metrics.GatewayErrors)
		}
	}
}

// Close destroys every session. The manager rejects Create afterwards.
func (m *Manager) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	n := 0
	m.sessions.Range(func(_ string, s *Session) bool {
		m.destroy(s)
		m.metrics.Inc(metrics.SessionDestroyed)
		n++
		return true
	})
	m.log.Info("streamer manager closed", "sessions_destroyed", n)
	return nil
}

// ToJSON renders the public descriptor of s. Fields are restricted to a safe
// character set on Create, so no escaping is needed.
func ToJSON(s *Session) string {
	return fmt.Sprintf(`{"id":"%s","source_ip":"%s","source_port":"%s","dest_ip":"%s","base_port":%d}`,
		s.id, s.srcAddr, s.srcPort, s.dstAddr, s.basePort)
}

func validate(id, srcAddr, srcPort, dstAddr string) error {
	for _, f := range []struct{ name, value string }{
		{"id", id},
		{"source_ip", srcAddr},
		{"source_port", srcPort},
		{"dest_ip", dstAddr},
	} {
		if err := checkField(f.name, f.value); err != nil {
			return err
		}
	}
	if p, err := strconv.Atoi(srcPort); err != nil || p < 1 || p > maxPort {
		return fmt.Errorf("%w: source_port %q", ErrInvalidField, srcPort)
	}
	return nil
}

func checkField(name, v string) error {
	if v == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidField, name)
	}
	if len(v) > maxFieldBytes {
		return fmt.Errorf("%w: %s longer than %d bytes", ErrInvalidField, name, maxFieldBytes)
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == ':', c == '-':
		default:
			return fmt.Errorf("%w: %s contains %q", ErrInvalidField, name, c)
		}
	}
	return nil
}
