package service

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/afroisalreadyinu/miniboss/internal/store"
)

// Declarative readiness probes attachable from a definitions file. Both treat
// an unreachable endpoint as "not ready yet" (retried by the poll loop), not
// as a hook error.

// TCPPing reports ready once a TCP connection to Addr succeeds.
type TCPPing struct {
	NopHooks
	Addr string
}

func (p TCPPing) Ping(ctx context.Context) (bool, error) {
	dialer := net.Dialer{Timeout: time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return false, nil
	}
	conn.Close()
	return true, nil
}

// HTTPPing reports ready once a GET against URL returns a non-5xx,
// non-4xx status.
type HTTPPing struct {
	NopHooks
	URL string
}

func (p HTTPPing) Ping(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false, err
	}
	client := http.Client{Timeout: time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false, nil
	}
	resp.Body.Close()
	return resp.StatusCode < 400, nil
}

// HookFuncs adapts plain functions to the Hooks interface, for programmatic
// service definitions. Nil members behave like NopHooks.
type HookFuncs struct {
	PreStartFunc  func(ctx context.Context, env *store.Store) error
	PingFunc      func(ctx context.Context) (bool, error)
	PostStartFunc func(ctx context.Context, env *store.Store) error
}

func (h HookFuncs) PreStart(ctx context.Context, env *store.Store) error {
	if h.PreStartFunc == nil {
		return nil
	}
	return h.PreStartFunc(ctx, env)
}

func (h HookFuncs) Ping(ctx context.Context) (bool, error) {
	if h.PingFunc == nil {
		return true, nil
	}
	return h.PingFunc(ctx)
}

func (h HookFuncs) PostStart(ctx context.Context, env *store.Store) error {
	if h.PostStartFunc == nil {
		return nil
	}
	return h.PostStartFunc(ctx, env)
}
