package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"

	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/eventloop"
	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/gateway"
	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/router"
	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/streamer"
)

type pipeConn struct {
	port int
	in   chan []byte
	done chan struct{}
	once sync.Once
}

func (c *pipeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case p := <-c.in:
		return copy(b, p), &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5004}, nil
	case <-c.done:
		return 0, nil, net.ErrClosed
	}
}

func (c *pipeConn) WriteTo(b []byte, _ net.Addr) (int, error) { return len(b), nil }
func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
func (c *pipeConn) LocalAddr() net.Addr              { return &net.UDPAddr{Port: c.port} }
func (c *pipeConn) SetDeadline(time.Time) error      { return nil }
func (c *pipeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *pipeConn) SetWriteDeadline(time.Time) error { return nil }

type fakeAnswerer struct {
	mu     sync.Mutex
	offers []string
}

func (a *fakeAnswerer) Answer(_ context.Context, id, offer string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.offers = append(a.offers, offer)
	return "answer-for-" + id, nil
}

type testServer struct {
	url   string
	conns sync.Map
}

func (ts *testServer) conn(port int) *pipeConn {
	v, ok := ts.conns.Load(port)
	if !ok {
		return nil
	}
	return v.(*pipeConn)
}

func startServer(t *testing.T, opts streamer.Options, gw Answerer) *testServer {
	t.Helper()
	ts := &testServer{}
	loop := eventloop.New()
	mgr, err := streamer.NewManager(opts, loop, gateway.Nop{}, streamer.WithBinder(func(_ string, port int) (net.PacketConn, error) {
		c := &pipeConn{port: port, in: make(chan []byte, 16), done: make(chan struct{})}
		ts.conns.Store(port, c)
		return c, nil
	}))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	h, err := New(Config{
		Loop:        loop,
		Manager:     mgr,
		Gateway:     gw,
		CheckOrigin: func(*http.Request) bool { return true },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rt := router.New()
	if err := h.Register(rt); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		for ctx.Err() == nil {
			_ = loop.Wait(ctx, 10*time.Millisecond)
		}
		_ = mgr.Close()
		_ = loop.Close()
	}()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rt.Dispatch(w, r) {
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-pumped
	})
	ts.url = srv.URL
	return ts
}

func doRequest(t *testing.T, method, url, contentType, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func createBody(id string) string {
	return fmt.Sprintf(`{"id":%q,"source_ip":"10.0.0.1","source_port":5004,"dest_ip":"127.0.0.1"}`, id)
}

func TestAPI_ChannelCRUD(t *testing.T) {
	ts := startServer(t, streamer.Options{BasePort: 7000}, nil)

	status, body := doRequest(t, http.MethodPost, ts.url+"/channel", "application/json", createBody("cam"))
	if status != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", status, body)
	}
	want := `{"id":"cam","source_ip":"10.0.0.1","source_port":"5004","dest_ip":"127.0.0.1","base_port":7000}`
	if body != want {
		t.Fatalf("create body=%s, want %s", body, want)
	}

	if status, _ := doRequest(t, http.MethodPost, ts.url+"/channel", "application/json", createBody("cam")); status != http.StatusConflict {
		t.Fatalf("duplicate status=%d, want 409", status)
	}

	if status, body := doRequest(t, http.MethodGet, ts.url+"/channel/cam", "", ""); status != http.StatusOK || body != want {
		t.Fatalf("get status=%d body=%s", status, body)
	}
	if status, _ := doRequest(t, http.MethodGet, ts.url+"/channel/nope", "", ""); status != http.StatusNotFound {
		t.Fatalf("get missing status=%d, want 404", status)
	}

	status, body = doRequest(t, http.MethodGet, ts.url+"/channels", "", "")
	if status != http.StatusOK {
		t.Fatalf("list status=%d", status)
	}
	var list []map[string]any
	if err := json.Unmarshal([]byte(body), &list); err != nil || len(list) != 1 {
		t.Fatalf("list body=%s err=%v", body, err)
	}

	if status, _ := doRequest(t, http.MethodDelete, ts.url+"/channel/cam", "", ""); status != http.StatusOK {
		t.Fatalf("delete status=%d, want 200", status)
	}
	if status, _ := doRequest(t, http.MethodDelete, ts.url+"/channel/cam", "", ""); status != http.StatusNotFound {
		t.Fatalf("second delete status=%d, want 404", status)
	}
	if _, body := doRequest(t, http.MethodGet, ts.url+"/channels", "", ""); body != "[]" {
		t.Fatalf("list after delete=%s, want []", body)
	}
}

func TestAPI_CreateRejectsBadInput(t *testing.T) {
	ts := startServer(t, streamer.Options{}, nil)

	cases := []struct {
		name, contentType, body string
	}{
		{"bad json", "application/json", "{"},
		{"unknown field", "application/json", `{"id":"a","bogus":1}`},
		{"bad id", "application/json", `{"id":"a/b","source_ip":"10.0.0.1","source_port":"5004","dest_ip":"127.0.0.1"}`},
		{"missing port", "application/json", `{"id":"a","source_ip":"10.0.0.1","dest_ip":"127.0.0.1"}`},
	}
	for _, tc := range cases {
		if status, body := doRequest(t, http.MethodPost, ts.url+"/channel", tc.contentType, tc.body); status != http.StatusBadRequest {
			t.Fatalf("%s: status=%d body=%s, want 400", tc.name, status, body)
		}
	}

	form := "id=form&source_ip=10.0.0.1&source_port=5004&dest_ip=127.0.0.1"
	if status, body := doRequest(t, http.MethodPost, ts.url+"/channel", "application/x-www-form-urlencoded", form); status != http.StatusCreated {
		t.Fatalf("form create status=%d body=%s", status, body)
	}
}

func TestAPI_ExhaustionIs503(t *testing.T) {
	ts := startServer(t, streamer.Options{MaxSessions: 1}, nil)
	doRequest(t, http.MethodPost, ts.url+"/channel", "application/json", createBody("a"))
	status, body := doRequest(t, http.MethodPost, ts.url+"/channel", "application/json", createBody("b"))
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status=%d body=%s, want 503", status, body)
	}
	var e errorResponse
	if err := json.Unmarshal([]byte(body), &e); err != nil || e.Code != "resource_exhausted" {
		t.Fatalf("error body=%s", body)
	}
}

func TestAPI_WebRTCOffer(t *testing.T) {
	gw := &fakeAnswerer{}
	ts := startServer(t, streamer.Options{}, gw)
	doRequest(t, http.MethodPost, ts.url+"/channel", "application/json", createBody("cam"))

	status, body := doRequest(t, http.MethodPost, ts.url+"/channel/cam/webrtc", "application/json", `{"type":"offer","sdp":"v=0"}`)
	if status != http.StatusOK {
		t.Fatalf("status=%d body=%s", status, body)
	}
	var ans map[string]string
	if err := json.Unmarshal([]byte(body), &ans); err != nil || ans["sdp"] != "answer-for-cam" || ans["type"] != "answer" {
		t.Fatalf("answer body=%s", body)
	}

	status, body = doRequest(t, http.MethodPost, ts.url+"/channel/cam/webrtc", "application/sdp", "v=0 raw")
	if status != http.StatusOK || body != "answer-for-cam" {
		t.Fatalf("raw sdp status=%d body=%s", status, body)
	}
	gw.mu.Lock()
	offers := append([]string(nil), gw.offers...)
	gw.mu.Unlock()
	if len(offers) != 2 || offers[1] != "v=0 raw" {
		t.Fatalf("offers=%v", offers)
	}

	if status, _ := doRequest(t, http.MethodPost, ts.url+"/channel/nope/webrtc", "application/sdp", "v=0"); status != http.StatusNotFound {
		t.Fatalf("missing session status=%d, want 404", status)
	}
	if status, _ := doRequest(t, http.MethodPost, ts.url+"/channel/cam/other", "application/sdp", "v=0"); status != http.StatusNotFound {
		t.Fatalf("unknown sub-resource status=%d, want 404", status)
	}
}

func TestAPI_WebRTCDisabled(t *testing.T) {
	ts := startServer(t, streamer.Options{}, gateway.Nop{})
	doRequest(t, http.MethodPost, ts.url+"/channel", "application/json", createBody("cam"))
	if status, _ := doRequest(t, http.MethodPost, ts.url+"/channel/cam/webrtc", "application/sdp", "v=0"); status != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", status)
	}
}

func TestAPI_SourcesWithoutBucket(t *testing.T) {
	ts := startServer(t, streamer.Options{}, nil)
	status, body := doRequest(t, http.MethodGet, ts.url+"/sources", "", "")
	if status != http.StatusOK || strings.TrimSpace(body) != "[]" {
		t.Fatalf("status=%d body=%s", status, body)
	}
}

func TestAPI_ViewerStream(t *testing.T) {
	ts := startServer(t, streamer.Options{BasePort: 7000}, nil)
	doRequest(t, http.MethodPost, ts.url+"/channel", "application/json", createBody("cam"))

	wsURL := "ws" + strings.TrimPrefix(ts.url, "http") + "/channel/cam/stream"
	if _, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.url, "http")+"/channel/nope/stream", nil); err == nil {
		t.Fatalf("dial to missing session succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("dial missing session resp=%v err=%v, want 404", resp, err)
	}

	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	pkt, err := (&rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 7},
		Payload: []byte{1, 2, 3},
	}).Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	// The viewer is attached asynchronously after the upgrade; keep sending
	// until one packet comes through.
	got := make(chan []byte, 1)
	go func() {
		_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := c.ReadMessage()
		if err == nil {
			got <- msg
		}
		close(got)
	}()
	deadline := time.After(5 * time.Second)
	var msg []byte
loop:
	for {
		ts.conn(7000).in <- pkt
		select {
		case m, ok := <-got:
			if !ok {
				t.Fatalf("websocket closed before any packet")
			}
			msg = m
			break loop
		case <-deadline:
			t.Fatalf("no packet reached the viewer")
		case <-time.After(20 * time.Millisecond):
		}
	}
	if !bytes.Equal(msg, pkt) {
		t.Fatalf("viewer got %x, want %x", msg, pkt)
	}

	if status, _ := doRequest(t, http.MethodDelete, ts.url+"/channel/cam", "", ""); status != http.StatusOK {
		t.Fatalf("delete status=%d", status)
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) || ce.Code != websocket.CloseGoingAway {
			t.Fatalf("read err=%v, want close %d", err, websocket.CloseGoingAway)
		}
		break
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", streamer.ErrInvalidField), http.StatusBadRequest},
		{fmt.Errorf("x: %w", streamer.ErrDuplicateID), http.StatusConflict},
		{fmt.Errorf("x: %w", streamer.ErrNotFound), http.StatusNotFound},
		{gateway.ErrUnknownStream, http.StatusNotFound},
		{streamer.ErrTooManySessions, http.StatusServiceUnavailable},
		{eventloop.ErrClosed, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v)=%d, want %d", tc.err, got, tc.want)
		}
	}
}
