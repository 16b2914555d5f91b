package router

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wilsonzlin/aero/proxy/pstreamer-relay/internal/ordmap"
)

func record(name string, got *string, tail *string) HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, t string) {
		*got = name
		*tail = t
	}
}

func TestRouter_ExactBeatsPrefix(t *testing.T) {
	rt := New()
	var got, tail string
	if err := rt.Handle(http.MethodGet, "/channel/", record("prefix", &got, &tail)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := rt.Handle(http.MethodGet, "/channel/special", record("exact", &got, &tail)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if !rt.Dispatch(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/channel/special", nil)) {
		t.Fatalf("Dispatch returned false")
	}
	if got != "exact" || tail != "" {
		t.Fatalf("got=%q tail=%q, want exact route", got, tail)
	}

	if !rt.Dispatch(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/channel/abc", nil)) {
		t.Fatalf("Dispatch returned false")
	}
	if got != "prefix" || tail != "abc" {
		t.Fatalf("got=%q tail=%q, want prefix route with tail abc", got, tail)
	}
}

func TestRouter_LongestPrefixWins(t *testing.T) {
	rt := New()
	var got, tail string
	_ = rt.Handle(http.MethodGet, "/a/", record("short", &got, &tail))
	_ = rt.Handle(http.MethodGet, "/a/b/", record("long", &got, &tail))

	rt.Dispatch(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/a/b/c", nil))
	if got != "long" || tail != "c" {
		t.Fatalf("got=%q tail=%q, want long/c", got, tail)
	}
	rt.Dispatch(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/a/x", nil))
	if got != "short" || tail != "x" {
		t.Fatalf("got=%q tail=%q, want short/x", got, tail)
	}
}

func TestRouter_MethodDiscrimination(t *testing.T) {
	rt := New()
	var got, tail string
	_ = rt.Handle(http.MethodGet, "/channel/", record("get", &got, &tail))
	_ = rt.Handle(http.MethodDelete, "/channel/", record("delete", &got, &tail))

	rt.Dispatch(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/channel/x", nil))
	if got != "delete" {
		t.Fatalf("got=%q, want delete", got)
	}
	if rt.Dispatch(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/channel/x", nil)) {
		t.Fatalf("PUT should not be handled")
	}
}

func TestRouter_NotHandled(t *testing.T) {
	rt := New()
	var got, tail string
	_ = rt.Handle(http.MethodGet, "/channels", record("list", &got, &tail))

	if rt.Dispatch(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/index.html", nil)) {
		t.Fatalf("unmatched path should fall through")
	}
	if rt.Dispatch(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/channels/x", nil)) {
		t.Fatalf("exact pattern must not match as prefix")
	}
}

func TestRouter_DuplicateRoute(t *testing.T) {
	rt := New()
	h := func(http.ResponseWriter, *http.Request, string) {}
	if err := rt.Handle(http.MethodPost, "/channel", h); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := rt.Handle(http.MethodPost, "/channel", h); !errors.Is(err, ordmap.ErrDuplicateKey) {
		t.Fatalf("duplicate Handle err=%v, want %v", err, ordmap.ErrDuplicateKey)
	}
	if err := rt.Handle(http.MethodGet, "channel", h); err == nil {
		t.Fatalf("expected error for relative pattern")
	}
	if got := len(rt.Routes()); got != 1 {
		t.Fatalf("len(Routes)=%d, want 1", got)
	}
}
