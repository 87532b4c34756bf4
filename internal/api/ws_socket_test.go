package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

func TestOriginPolicy(t *testing.T) {
	cases := []struct {
		name    string
		origin  string
		host    string
		allowed []string
		want    bool
	}{
		{name: "no origin", host: "localhost:8080", want: true},
		{name: "same host", origin: "http://localhost:3000", host: "localhost:8080", want: true},
		{name: "ipv6 same host", origin: "http://[::1]:3000", host: "[::1]:8080", want: true},
		{name: "other host", origin: "http://evil.test", host: "localhost:8080", want: false},
		{name: "allowed host", origin: "https://table.example", host: "localhost", allowed: []string{"table.example"}, want: true},
		{name: "allowed origin", origin: "https://table.example", host: "localhost", allowed: []string{"https://table.example"}, want: true},
		{name: "not listed", origin: "https://other.example", host: "localhost", allowed: []string{"table.example"}, want: false},
		{name: "wildcard", origin: "https://anywhere.example", host: "localhost", allowed: []string{"*"}, want: true},
		{name: "garbage origin", origin: "::", host: "localhost", want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, "http://localhost/ws/session/a", nil)
			request.Host = tc.host
			if tc.origin != "" {
				request.Header.Set("Origin", tc.origin)
			}
			if got := originPolicy(tc.allowed).allows(request); got != tc.want {
				t.Fatalf("allows = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCloseCodeForStatus(t *testing.T) {
	cases := map[int]int{
		http.StatusBadRequest:          websocket.CloseProtocolError,
		http.StatusNotFound:            websocket.ClosePolicyViolation,
		http.StatusForbidden:           websocket.ClosePolicyViolation,
		http.StatusServiceUnavailable:  websocket.CloseTryAgainLater,
		http.StatusInternalServerError: websocket.CloseInternalServerErr,
	}
	for status, want := range cases {
		if got := closeCodeForStatus(status); got != want {
			t.Fatalf("closeCodeForStatus(%d) = %d, want %d", status, got, want)
		}
	}
}

func TestClipReason(t *testing.T) {
	long := strings.Repeat("x", 200)
	if got := clipReason(long); len(got) != maxCloseReason {
		t.Fatalf("expected %d bytes, got %d", maxCloseReason, len(got))
	}
	if got := clipReason("short"); got != "short" {
		t.Fatalf("unexpected reason %q", got)
	}
}

func TestRejectSocketWithoutUpgrade(t *testing.T) {
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ws/session/x", nil)
	rejectSocket(recorder, request, nil, nil, socketFailure{status: http.StatusServiceUnavailable})
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "Service Unavailable") {
		t.Fatalf("expected status text reason, got %q", recorder.Body.String())
	}
}
