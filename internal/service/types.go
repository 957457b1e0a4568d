package service

import (
	"context"
	"fmt"

	"github.com/afroisalreadyinu/miniboss/internal/store"
)

// Stop signals a service may declare. SIGTERM is the default.
var AllowedStopSignals = []string{"SIGINT", "SIGTERM", "SIGKILL", "SIGQUIT"}

const DefaultDockerfile = "Dockerfile"

// Definition describes one service: identity, image, wiring and lifecycle
// policy. Definitions are constructed at load time and not modified afterwards;
// the scheduler owns them for the duration of an invocation.
type Definition struct {
	Name           string
	Image          string
	Dependencies   []string
	Env            map[string]string
	Ports          map[int]int // container port → host port
	Volumes        []Volume
	AlwaysStartNew bool
	StopSignal     string
	BuildFrom      string // build directory relative to the run dir; empty = not buildable
	Dockerfile     string
	Entrypoint     []string
	Cmd            []string
	User           string

	Hooks Hooks
}

// Volume is a single bind mount.
type Volume struct {
	Source string
	Target string
	Mode   string // "rw" or "ro"; empty means "rw"
}

// Bind renders the volume as a docker bind spec (source:target[:mode]).
func (v Volume) Bind() string {
	if v.Mode == "" {
		return fmt.Sprintf("%s:%s", v.Source, v.Target)
	}
	return fmt.Sprintf("%s:%s:%s", v.Source, v.Target, v.Mode)
}

// Buildable reports whether the service declares a build source directory.
func (d *Definition) Buildable() bool {
	return d.BuildFrom != ""
}

// Hooks is the per-service lifecycle capability set. All three hooks are
// user-supplied code as far as the engine is concerned: any returned error
// makes the service Failed, and a Ping error terminates the readiness poll
// immediately (as opposed to Ping returning false, which is retried).
type Hooks interface {
	PreStart(ctx context.Context, env *store.Store) error
	Ping(ctx context.Context) (bool, error)
	PostStart(ctx context.Context, env *store.Store) error
}

// NopHooks is the default capability set: no-op pre/post hooks and a ping
// that reports ready on the first attempt.
type NopHooks struct{}

func (NopHooks) PreStart(context.Context, *store.Store) error  { return nil }
func (NopHooks) Ping(context.Context) (bool, error)            { return true, nil }
func (NopHooks) PostStart(context.Context, *store.Store) error { return nil }

// DefinitionError reports an invalid service definition or an inconsistent
// definition set. It is fatal: no container operation happens after one.
type DefinitionError struct {
	Service string
	Reason  string
}

func (e *DefinitionError) Error() string {
	if e.Service == "" {
		return e.Reason
	}
	return fmt.Sprintf("service %q: %s", e.Service, e.Reason)
}

func defErrf(service, format string, args ...interface{}) *DefinitionError {
	return &DefinitionError{Service: service, Reason: fmt.Sprintf(format, args...)}
}
