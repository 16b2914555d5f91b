// Package api is the REST surface of the relay.
//
// HTTP handler goroutines decode requests, hand the actual work to the event
// loop with Loop.Do, and translate the outcome into a status code. This is
// the only place where internal errors are mapped to HTTP statuses.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/channels"
	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/eventloop"
	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/gateway"
	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/router"
	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/streamer"
)

const maxBodyBytes = 2 << 20

// Loop runs closures on the goroutine that owns the manager.
type Loop interface {
	Do(ctx context.Context, fn func()) error
	Post(fn func()) error
}

// Answerer negotiates a WebRTC subscription to a session.
type Answerer interface {
	Answer(ctx context.Context, id, offerSDP string) (string, error)
}

type Config struct {
	Loop    Loop
	Manager *streamer.Manager
	// Bucket and Gateway are optional.
	Bucket  *channels.Bucket
	Gateway Answerer
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	ViewerQueueBytes int
	// CheckOrigin overrides the websocket origin check. Nil accepts
	// same-host origins only.
	CheckOrigin func(r *http.Request) bool
}

type Handler struct {
	loop     Loop
	mgr      *streamer.Manager
	bucket   *channels.Bucket
	gw       Answerer
	log      *slog.Logger
	metrics  *metrics.Metrics
	queueCap int
	upgrader websocket.Upgrader
}

func New(cfg Config) (*Handler, error) {
	if cfg.Loop == nil || cfg.Manager == nil {
		return nil, errors.New("api: loop and manager are required")
	}
	h := &Handler{
		loop:     cfg.Loop,
		mgr:      cfg.Manager,
		bucket:   cfg.Bucket,
		gw:       cfg.Gateway,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		queueCap: cfg.ViewerQueueBytes,
		upgrader: websocket.Upgrader{CheckOrigin: cfg.CheckOrigin},
	}
	if h.log == nil {
		h.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if h.metrics == nil {
		h.metrics = metrics.New()
	}
	return h, nil
}

// Register installs the REST routes on rt.
func (h *Handler) Register(rt *router.Router) error {
	routes := []struct {
		method, pattern string
		fn              router.HandlerFunc
	}{
		{http.MethodPost, "/channel", h.createChannel},
		{http.MethodGet, "/channels", h.listChannels},
		{http.MethodGet, "/channel/", h.getChannel},
		{http.MethodDelete, "/channel/", h.deleteChannel},
		{http.MethodPost, "/channel/", h.postChannelSub},
		{http.MethodGet, "/sources", h.listSources},
	}
	for _, r := range routes {
		if err := rt.Handle(r.method, r.pattern, r.fn); err != nil {
			return err
		}
	}
	return nil
}

type createRequest struct {
	ID         string     `json:"id"`
	SourceIP   string     `json:"source_ip"`
	SourcePort portString `json:"source_port"`
	DestIP     string     `json:"dest_ip"`
}

// portString accepts a port written either as a JSON number or a string.
type portString string

func (p *portString) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*p = portString(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("source_port must be a number or string")
	}
	*p = portString(s)
	return nil
}

func (h *Handler) createChannel(w http.ResponseWriter, r *http.Request, _ string) {
	req, err := decodeCreate(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	var body string
	err = h.do(r.Context(), func() error {
		s, err := h.mgr.Create(req.SourceIP, string(req.SourcePort), req.ID, req.DestIP)
		if err != nil {
			return err
		}
		body = streamer.ToJSON(s)
		return nil
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeRawJSON(w, http.StatusCreated, body)
}

func decodeCreate(w http.ResponseWriter, r *http.Request) (createRequest, error) {
	var req createRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		parse := r.ParseForm
		if ct == "multipart/form-data" {
			parse = func() error { return r.ParseMultipartForm(maxBodyBytes) }
		}
		if err := parse(); err != nil {
			return req, err
		}
		req.ID = r.PostForm.Get("id")
		req.SourceIP = r.PostForm.Get("source_ip")
		req.SourcePort = portString(r.PostForm.Get("source_port"))
		req.DestIP = r.PostForm.Get("dest_ip")
		return req, nil
	default:
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			return req, fmt.Errorf("invalid json body: %w", err)
		}
		return req, nil
	}
}

func (h *Handler) listChannels(w http.ResponseWriter, r *http.Request, _ string) {
	var parts []string
	err := h.do(r.Context(), func() error {
		for _, s := range h.mgr.List() {
			parts = append(parts, streamer.ToJSON(s))
		}
		return nil
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeRawJSON(w, http.StatusOK, "["+strings.Join(parts, ",")+"]")
}

// getChannel serves GET /channel/{id} and GET /channel/{id}/stream.
func (h *Handler) getChannel(w http.ResponseWriter, r *http.Request, tail string) {
	id, sub := splitTail(tail)
	switch sub {
	case "":
	case "stream":
		h.streamChannel(w, r, id)
		return
	default:
		writeError(w, http.StatusNotFound, "not_found", "no such resource")
		return
	}

	var body string
	err := h.do(r.Context(), func() error {
		s, err := h.mgr.Get(id)
		if err != nil {
			return err
		}
		h.mgr.Touch(s)
		body = streamer.ToJSON(s)
		return nil
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeRawJSON(w, http.StatusOK, body)
}

func (h *Handler) deleteChannel(w http.ResponseWriter, r *http.Request, tail string) {
	id, sub := splitTail(tail)
	if sub != "" {
		writeError(w, http.StatusNotFound, "not_found", "no such resource")
		return
	}
	var body string
	err := h.do(r.Context(), func() error {
		s, err := h.mgr.Get(id)
		if err != nil {
			return err
		}
		body = streamer.ToJSON(s)
		return h.mgr.Destroy(id)
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeRawJSON(w, http.StatusOK, body)
}

// postChannelSub serves POST /channel/{id}/webrtc.
func (h *Handler) postChannelSub(w http.ResponseWriter, r *http.Request, tail string) {
	id, sub := splitTail(tail)
	if sub != "webrtc" {
		writeError(w, http.StatusNotFound, "not_found", "no such resource")
		return
	}
	if h.gw == nil {
		h.fail(w, r, gateway.ErrDisabled)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	rawSDP := ct == "application/sdp"
	offer := string(body)
	if !rawSDP {
		var req struct {
			Type string `json:"type"`
			SDP  string `json:"sdp"`
		}
		if err := json.Unmarshal(body, &req); err != nil || req.SDP == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "expected {\"type\":\"offer\",\"sdp\":...} or application/sdp body")
			return
		}
		if req.Type != "" && req.Type != "offer" {
			writeError(w, http.StatusBadRequest, "bad_request", "sdp type must be \"offer\"")
			return
		}
		offer = req.SDP
	}

	err = h.do(r.Context(), func() error {
		s, err := h.mgr.Get(id)
		if err != nil {
			return err
		}
		h.mgr.Touch(s)
		return nil
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	answer, err := h.gw.Answer(r.Context(), id, offer)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if rawSDP {
		w.Header().Set("Content-Type", "application/sdp")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, answer)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"type": "answer", "sdp": answer})
}

func (h *Handler) listSources(w http.ResponseWriter, r *http.Request, _ string) {
	out := []channels.Channel{}
	if h.bucket != nil {
		err := h.do(r.Context(), func() error {
			out = append(out, h.bucket.Channels()...)
			return nil
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) streamChannel(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.do(r.Context(), func() error {
		_, err := h.mgr.Get(id)
		return err
	}); err != nil {
		h.fail(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		return
	}
	v := newWSViewer(conn, h.queueCap)

	// The session may have been destroyed between the check and the upgrade.
	if err := h.do(r.Context(), func() error { return h.mgr.AttachViewer(id, v) }); err != nil {
		v.close(websocket.CloseGoingAway, "session not found")
		return
	}
	h.log.Debug("viewer connected", "session_id", id, "remote_addr", r.RemoteAddr)

	go v.writeLoop()
	v.readLoop()

	if err := h.loop.Post(func() { h.mgr.CheckClosedConnection(v) }); err != nil {
		h.log.Debug("viewer detach dropped", "session_id", id, "err", err)
	}
	h.log.Debug("viewer disconnected", "session_id", id, "remote_addr", r.RemoteAddr)
}

// do runs fn on the loop goroutine and returns its error.
func (h *Handler) do(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	if err := h.loop.Do(ctx, func() { errCh <- fn() }); err != nil {
		return err
	}
	return <-errCh
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Warn("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	}
	writeError(w, status, code, err.Error())
}

// statusFor maps an error from the manager, the gateway or the loop to an
// HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, streamer.ErrInvalidField):
		return http.StatusBadRequest, "invalid_field"
	case errors.Is(err, streamer.ErrDuplicateID):
		return http.StatusConflict, "duplicate_id"
	case errors.Is(err, streamer.ErrNotFound), errors.Is(err, gateway.ErrUnknownStream):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, streamer.ErrResourceExhausted):
		return http.StatusServiceUnavailable, "resource_exhausted"
	case errors.Is(err, streamer.ErrClosed),
		errors.Is(err, eventloop.ErrClosed),
		errors.Is(err, gateway.ErrClosed),
		errors.Is(err, gateway.ErrDisabled):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// splitTail splits "id/sub" into its parts.
func splitTail(tail string) (id, sub string) {
	id, sub, _ = strings.Cut(tail, "/")
	return id, sub
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRawJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
