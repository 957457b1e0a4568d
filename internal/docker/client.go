// Package docker is the container runtime client: the only part of miniboss
// that talks to the Docker daemon. The engine consumes the Client interface;
// tests substitute fakes.
package docker

import (
	"context"
	"fmt"
	"time"
)

// RuntimeError reports a failed container runtime operation. It is scoped to
// one service: the scheduler converts it to a Failed state and carries on
// with unrelated branches.
type RuntimeError struct {
	Op   string // operation that failed, e.g. "start container"
	Ref  string // image ref, container id or network name
	Logs string // container logs, when a started container died
	Err  error
}

func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Op, e.Ref)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Logs != "" {
		msg += "\ncontainer logs:\n" + e.Logs
	}
	return msg
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// CreateSpec is everything needed to create one service container.
type CreateSpec struct {
	Name        string // container name, unique per run
	Image       string
	Alias       string // network alias; the service name
	NetworkName string
	Env         map[string]string
	Ports       map[int]int // container port → host port
	Binds       []string    // volume binds, source:target[:mode]
	StopSignal  string
	Entrypoint  []string
	Cmd         []string
	User        string
	Labels      map[string]string
}

// ContainerInfo is the subset of container state the engine needs to decide
// whether an existing container can be reused.
type ContainerInfo struct {
	ID     string
	Name   string
	Status string // docker state string: running, exited, created, ...
	Image  string // image ref the container was created from
	Env    map[string]string
}

func (c ContainerInfo) Running() bool { return c.Status == "running" }
func (c ContainerInfo) Exited() bool  { return c.Status == "exited" }

// Client is the container runtime surface the engine consumes. All calls are
// synchronous and safe for concurrent use across distinct containers.
type Client interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error
	BuildImage(ctx context.Context, dir, dockerfile, tag string) error

	CreateContainer(ctx context.Context, spec CreateSpec) (string, error)
	// StartContainer starts a created or exited container and verifies it is
	// actually running; if it died immediately, the returned RuntimeError
	// carries the container logs.
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id, signal string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	// FindExisting lists containers whose name starts with namePrefix on the
	// given network, newest first.
	FindExisting(ctx context.Context, namePrefix, networkID string) ([]ContainerInfo, error)
	ContainerLogs(ctx context.Context, id string) (string, error)

	// EnsureNetwork creates the named bridge network if it does not exist and
	// returns its id either way.
	EnsureNetwork(ctx context.Context, name string) (string, error)
	RemoveNetwork(ctx context.Context, name string) error
}
