package streamer

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/rtp"

	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/eventloop"
	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/metrics"
)

type fakeConn struct {
	port int
	in   chan []byte
	done chan struct{}
	once sync.Once
}

func newFakeConn(port int) *fakeConn {
	return &fakeConn{port: port, in: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case p := <-c.in:
		return copy(b, p), &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5004}, nil
	case <-c.done:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteTo(b []byte, _ net.Addr) (int, error) { return len(b), nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakeConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: c.port}
}
func (c *fakeConn) SetDeadline(time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

type fakeBinder struct {
	mu     sync.Mutex
	conns  map[int]*fakeConn
	failOn map[int]bool
}

func newFakeBinder() *fakeBinder {
	return &fakeBinder{conns: make(map[int]*fakeConn), failOn: make(map[int]bool)}
}

func (b *fakeBinder) bind(_ string, port int) (net.PacketConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failOn[port] {
		return nil, errors.New("address already in use")
	}
	c := newFakeConn(port)
	b.conns[port] = c
	return c, nil
}

func (b *fakeBinder) conn(port int) *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[port]
}

type fakeGateway struct {
	started []string
	stopped []string
	packets int
	failOn  string
}

func (g *fakeGateway) StreamStarted(s *Session) error {
	g.started = append(g.started, s.ID())
	if s.ID() == g.failOn {
		return errors.New("gateway unavailable")
	}
	return nil
}

func (g *fakeGateway) StreamStopped(id string) error {
	g.stopped = append(g.stopped, id)
	return nil
}

func (g *fakeGateway) WritePacket(string, *rtp.Packet) error {
	g.packets++
	return nil
}

func (g *fakeGateway) Close() error { return nil }

type fakeViewer struct {
	got         [][]byte
	full        bool
	invalidated int
}

func (v *fakeViewer) Send(pkt []byte) bool {
	if v.full {
		return false
	}
	v.got = append(v.got, pkt)
	return true
}

func (v *fakeViewer) Invalidate() { v.invalidated++ }

type harness struct {
	loop    *eventloop.Loop
	mock    *clock.Mock
	binder  *fakeBinder
	gw      *fakeGateway
	metrics *metrics.Metrics
	m       *Manager
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		loop:    eventloop.New(),
		mock:    clock.NewMock(),
		binder:  newFakeBinder(),
		gw:      &fakeGateway{},
		metrics: metrics.New(),
	}
	m, err := NewManager(opts, h.loop, h.gw,
		WithClock(h.mock),
		WithBinder(h.binder.bind),
		WithMetrics(h.metrics),
	)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	h.m = m
	t.Cleanup(func() { _ = h.loop.Close() })
	return h
}

func (h *harness) create(t *testing.T, id string) *Session {
	t.Helper()
	s, err := h.m.Create("10.0.0.1", "5004", id, "127.0.0.1")
	if err != nil {
		t.Fatalf("Create(%q): %v", id, err)
	}
	return s
}

func (h *harness) waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for condition")
		}
		if err := h.loop.Wait(context.Background(), 10*time.Millisecond); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
}

func rtpPacket(t *testing.T, seq uint16) []byte {
	t.Helper()
	p := rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: seq, SSRC: 1234},
		Payload: []byte{0xde, 0xad, 0xbe, 0xef},
	}
	b, err := p.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return b
}

func TestManager_PortsStrictlyIncreaseAcrossDestroys(t *testing.T) {
	h := newHarness(t, Options{BasePort: 7000, PortsPerSession: 2})

	var bases []int
	for _, id := range []string{"a", "b", "c"} {
		bases = append(bases, h.create(t, id).BasePort())
	}
	if err := h.m.Destroy("b"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	for _, id := range []string{"b", "d"} {
		bases = append(bases, h.create(t, id).BasePort())
	}

	if bases[0] != 7000 {
		t.Fatalf("first base port=%d, want 7000", bases[0])
	}
	for i := 1; i < len(bases); i++ {
		if bases[i] != bases[i-1]+2 {
			t.Fatalf("base ports %v not strictly increasing by PortsPerSession", bases)
		}
	}
}

func TestManager_PortExhaustion(t *testing.T) {
	h := newHarness(t, Options{BasePort: 65534, PortsPerSession: 2})
	h.create(t, "last")
	if _, err := h.m.Create("10.0.0.1", "5004", "over", "127.0.0.1"); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("Create err=%v, want %v", err, ErrResourceExhausted)
	}
	if got := h.metrics.Get(metrics.PortsExhausted); got != 1 {
		t.Fatalf("ports exhausted metric=%d, want 1", got)
	}
}

func TestManager_BindFailureReleasesPortsWithoutRewinding(t *testing.T) {
	h := newHarness(t, Options{BasePort: 7000, PortsPerSession: 2})
	h.binder.failOn[7001] = true

	if _, err := h.m.Create("10.0.0.1", "5004", "a", "127.0.0.1"); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("Create err=%v, want %v", err, ErrResourceExhausted)
	}
	if c := h.binder.conn(7000); c == nil || !c.isClosed() {
		t.Fatalf("socket bound before the failure was not released")
	}
	if h.m.Len() != 0 {
		t.Fatalf("Len=%d after failed Create", h.m.Len())
	}
	if h.m.NextPort() != 7002 {
		t.Fatalf("NextPort=%d, want 7002 (no rewind)", h.m.NextPort())
	}
	if s := h.create(t, "b"); s.BasePort() != 7002 {
		t.Fatalf("BasePort=%d, want 7002", s.BasePort())
	}
}

func TestManager_DuplicateAndNotFoundLeaveRegistryUnchanged(t *testing.T) {
	h := newHarness(t, Options{BasePort: 7000})
	h.create(t, "a")
	next := h.m.NextPort()

	if _, err := h.m.Create("10.0.0.2", "6000", "a", "127.0.0.1"); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("duplicate Create err=%v, want %v", err, ErrDuplicateID)
	}
	if err := h.m.Destroy("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Destroy err=%v, want %v", err, ErrNotFound)
	}
	if _, err := h.m.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get err=%v, want %v", err, ErrNotFound)
	}
	if h.m.Len() != 1 || h.m.NextPort() != next {
		t.Fatalf("Len=%d NextPort=%d, want 1 and %d", h.m.Len(), h.m.NextPort(), next)
	}
	s, err := h.m.Get("a")
	if err != nil || s.SourcePort() != "5004" {
		t.Fatalf("original session changed: %v %v", s, err)
	}
}

func TestManager_MaxSessions(t *testing.T) {
	h := newHarness(t, Options{MaxSessions: 1})
	h.create(t, "a")
	_, err := h.m.Create("10.0.0.1", "5004", "b", "127.0.0.1")
	if !errors.Is(err, ErrTooManySessions) || !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("Create err=%v, want %v", err, ErrTooManySessions)
	}
}

func TestManager_InvalidFields(t *testing.T) {
	h := newHarness(t, Options{})
	cases := []struct{ src, port, id, dst string }{
		{"10.0.0.1", "5004", "", "127.0.0.1"},
		{"10.0.0.1", "5004", "a/b", "127.0.0.1"},
		{"10.0.0.1", "5004", `a"b`, "127.0.0.1"},
		{"10.0.0.1", "port", "a", "127.0.0.1"},
		{"10.0.0.1", "70000", "a", "127.0.0.1"},
		{"10.0.0.1 ", "5004", "a", "127.0.0.1"},
		{"10.0.0.1", "5004", "a", ""},
	}
	for _, tc := range cases {
		if _, err := h.m.Create(tc.src, tc.port, tc.id, tc.dst); !errors.Is(err, ErrInvalidField) {
			t.Fatalf("Create(%q,%q,%q,%q) err=%v, want %v", tc.src, tc.port, tc.id, tc.dst, err, ErrInvalidField)
		}
	}
	if h.m.Len() != 0 || h.m.NextPort() != DefaultBasePort {
		t.Fatalf("rejected creates changed state: Len=%d NextPort=%d", h.m.Len(), h.m.NextPort())
	}
}

func TestToJSON(t *testing.T) {
	h := newHarness(t, Options{BasePort: 6001})
	s, err := h.m.Create("192.168.1.10", "6000", "cam-1", "127.0.0.1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	want := `{"id":"cam-1","source_ip":"192.168.1.10","source_port":"6000","dest_ip":"127.0.0.1","base_port":6001}`
	if got := ToJSON(s); got != want {
		t.Fatalf("ToJSON=%s\nwant   %s", got, want)
	}
}

func TestManager_RemoveOrphansBoundary(t *testing.T) {
	const interval = 60 * time.Second
	h := newHarness(t, Options{})
	h.create(t, "a")

	h.mock.Add(interval - time.Second)
	if n := h.m.RemoveOrphans(interval); n != 0 {
		t.Fatalf("RemoveOrphans at I-1 removed %d", n)
	}
	h.mock.Add(time.Second)
	if n := h.m.RemoveOrphans(interval); n != 0 {
		t.Fatalf("RemoveOrphans at exactly I removed %d", n)
	}
	h.mock.Add(time.Second)
	if n := h.m.RemoveOrphans(interval); n != 1 {
		t.Fatalf("RemoveOrphans at I+1 removed %d, want 1", n)
	}
	if h.m.Len() != 0 {
		t.Fatalf("Len=%d after reaping", h.m.Len())
	}
	if got := h.metrics.Get(metrics.SessionReaped); got != 1 {
		t.Fatalf("reaped metric=%d, want 1", got)
	}
}

func TestManager_TouchKeepsSessionAlive(t *testing.T) {
	const interval = 10 * time.Second
	h := newHarness(t, Options{})
	s := h.create(t, "a")

	h.mock.Add(8 * time.Second)
	h.m.Touch(s)
	first := s.LastActivity()
	h.mock.Add(8 * time.Second)
	if n := h.m.RemoveOrphans(interval); n != 0 {
		t.Fatalf("touched session was reaped")
	}

	// A touch from the past never moves last activity backwards.
	h.mock.Set(first.Add(-time.Minute))
	h.m.Touch(s)
	if !s.LastActivity().Equal(first) {
		t.Fatalf("LastActivity moved backwards to %v", s.LastActivity())
	}
}

func TestManager_CloseBalancesRegistrations(t *testing.T) {
	h := newHarness(t, Options{PortsPerSession: 2})
	for _, id := range []string{"a", "b", "c"} {
		h.create(t, id)
	}
	if err := h.m.Destroy("b"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := h.m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st := h.loop.Stats()
	if st.Registrations != 6 || st.Deregistrations != 6 {
		t.Fatalf("stats=%+v, want 6 registrations and 6 deregistrations", st)
	}
	for port, c := range h.binder.conns {
		if !c.isClosed() {
			t.Fatalf("socket on port %d left open", port)
		}
	}
	if len(h.gw.stopped) != 3 {
		t.Fatalf("gateway stopped=%v, want 3 streams", h.gw.stopped)
	}
	if _, err := h.m.Create("10.0.0.1", "5004", "d", "127.0.0.1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Create after Close err=%v, want %v", err, ErrClosed)
	}
}

func TestManager_GatewayFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, Options{})
	h.gw.failOn = "a"
	h.create(t, "a")
	if h.m.Len() != 1 {
		t.Fatalf("Len=%d, want 1", h.m.Len())
	}
	if got := h.metrics.Get(metrics.GatewayErrors); got != 1 {
		t.Fatalf("gateway errors=%d, want 1", got)
	}
}

func TestManager_PacketPathReachesViewerAndGateway(t *testing.T) {
	h := newHarness(t, Options{BasePort: 7000})
	s := h.create(t, "a")
	v := &fakeViewer{}
	if err := h.m.AttachViewer("a", v); err != nil {
		t.Fatalf("AttachViewer: %v", err)
	}

	h.mock.Add(30 * time.Second)
	h.binder.conn(7000).in <- rtpPacket(t, 1)
	h.binder.conn(7001).in <- []byte("not rtp")
	h.waitUntil(t, func() bool { return s.Packets() == 2 })

	if len(v.got) != 1 {
		t.Fatalf("viewer got %d packets, want 1", len(v.got))
	}
	if h.gw.packets != 1 {
		t.Fatalf("gateway got %d packets, want 1", h.gw.packets)
	}
	if !s.LastActivity().Equal(h.mock.Now()) {
		t.Fatalf("packet did not touch the session")
	}
	if got := h.metrics.Get(metrics.PacketsNotRTP); got != 1 {
		t.Fatalf("not-rtp metric=%d, want 1", got)
	}

	v.full = true
	h.binder.conn(7000).in <- rtpPacket(t, 2)
	h.waitUntil(t, func() bool { return s.Packets() == 3 })
	if got := h.metrics.Get(metrics.ViewerQueueDrops); got != 1 {
		t.Fatalf("viewer drops=%d, want 1", got)
	}
}

func TestManager_ViewerIsWeakReference(t *testing.T) {
	h := newHarness(t, Options{})
	s := h.create(t, "a")
	v1 := &fakeViewer{}
	v2 := &fakeViewer{}

	if err := h.m.AttachViewer("missing", v1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("AttachViewer err=%v, want %v", err, ErrNotFound)
	}
	if err := h.m.AttachViewer("a", v1); err != nil {
		t.Fatalf("AttachViewer: %v", err)
	}

	h.m.CheckClosedConnection(v2)
	if s.Viewer() != v1 {
		t.Fatalf("unrelated close cleared the viewer")
	}
	h.m.CheckClosedConnection(v1)
	if s.Viewer() != nil {
		t.Fatalf("viewer still attached after CheckClosedConnection")
	}
	if v1.invalidated != 0 || h.m.Len() != 1 {
		t.Fatalf("closing a viewer must not touch the session or call back")
	}

	if err := h.m.AttachViewer("a", v2); err != nil {
		t.Fatalf("AttachViewer: %v", err)
	}
	if err := h.m.Destroy("a"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if v2.invalidated != 1 {
		t.Fatalf("viewer invalidated %d times, want 1", v2.invalidated)
	}
}

func TestManager_IngestRateLimit(t *testing.T) {
	h := newHarness(t, Options{BasePort: 7000, MaxPacketsPerSecond: 2})
	s := h.create(t, "a")

	for seq := uint16(1); seq <= 3; seq++ {
		h.binder.conn(7000).in <- rtpPacket(t, seq)
	}
	h.waitUntil(t, func() bool { return h.metrics.Get(metrics.PacketsRateLimited) == 1 })
	if s.Packets() != 2 {
		t.Fatalf("packets=%d, want burst of 2", s.Packets())
	}
	if h.gw.packets != 2 {
		t.Fatalf("gateway got %d packets, want 2", h.gw.packets)
	}

	h.mock.Add(time.Second)
	h.binder.conn(7001).in <- rtpPacket(t, 4)
	h.waitUntil(t, func() bool { return s.Packets() == 3 })
	if !s.LastActivity().Equal(h.mock.Now()) {
		t.Fatalf("packet did not touch the session")
	}
}
