package service

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTCPPingReadyWhenListening(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	ready, err := TCPPing{Addr: listener.Addr().String()}.Ping(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ready {
		t.Fatal("expected ready")
	}
}

func TestTCPPingNotReadyWhenRefused(t *testing.T) {
	// Grab a free port and close it again, so the dial is refused.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	ready, err := TCPPing{Addr: addr}.Ping(context.Background())
	if err != nil {
		t.Fatalf("a refused connection is not a hook error: %v", err)
	}
	if ready {
		t.Fatal("expected not ready")
	}
}

func TestHTTPPingStatusCodes(t *testing.T) {
	status := http.StatusServiceUnavailable
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()

	probe := HTTPPing{URL: server.URL}
	ready, err := probe.Ping(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ready {
		t.Fatal("5xx must report not ready")
	}

	status = http.StatusOK
	ready, err = probe.Ping(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ready {
		t.Fatal("2xx must report ready")
	}
}

func TestHTTPPingUnreachable(t *testing.T) {
	ready, err := HTTPPing{URL: "http://127.0.0.1:1/health"}.Ping(context.Background())
	if err != nil {
		t.Fatalf("an unreachable endpoint is not a hook error: %v", err)
	}
	if ready {
		t.Fatal("expected not ready")
	}
}

func TestHookFuncsNilMembers(t *testing.T) {
	hooks := HookFuncs{}
	if err := hooks.PreStart(context.Background(), nil); err != nil {
		t.Fatalf("nil pre_start: %v", err)
	}
	ready, err := hooks.Ping(context.Background())
	if err != nil || !ready {
		t.Fatalf("nil ping should report ready: %v, %v", ready, err)
	}
	if err := hooks.PostStart(context.Background(), nil); err != nil {
		t.Fatalf("nil post_start: %v", err)
	}
}
