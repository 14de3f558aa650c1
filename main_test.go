package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"minerva/broker/internal/appio"
	"minerva/broker/internal/logging"
	"minerva/broker/internal/tracker"
)

func TestOriginCheckerAllowsAnyWhenUnconfigured(t *testing.T) {
	check := originChecker(nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	if !check(req) {
		t.Fatal("expected unconfigured origin checker to allow all origins")
	}
}

func TestOriginCheckerEnforcesAllowList(t *testing.T) {
	check := originChecker([]string{"https://good.example"})

	allowed := httptest.NewRequest(http.MethodGet, "/", nil)
	allowed.Header.Set("Origin", "https://good.example")
	if !check(allowed) {
		t.Fatal("expected allow-listed origin to pass")
	}

	denied := httptest.NewRequest(http.MethodGet, "/", nil)
	denied.Header.Set("Origin", "https://evil.example")
	if check(denied) {
		t.Fatal("expected non-allow-listed origin to be rejected")
	}

	noOrigin := httptest.NewRequest(http.MethodGet, "/", nil)
	if !check(noOrigin) {
		t.Fatal("expected requests without an Origin header to pass (non-browser clients)")
	}
}

func TestEchoHandlerAcceptsLifecycleCallbacksAndBacksAStream(t *testing.T) {
	trk, err := tracker.New(nil)
	if err != nil {
		t.Fatalf("tracker.New: %v", err)
	}
	b := &broker{logger: logging.NewTestLogger(), tracker: trk}

	var handler appio.Handler = b.newEchoHandler("stream-under-test")
	handler.OnStreamStarted("stream-under-test")
	handler.OnReset("stream-under-test", appio.ResetClient)

	s, err := trk.BuildStream("stream-under-test", handler)
	if err != nil {
		t.Fatalf("BuildStream: %v", err)
	}
	if err := s.SendBoxes(nil); err != nil {
		t.Fatalf("SendBoxes: %v", err)
	}
}
