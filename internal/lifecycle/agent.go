// Package lifecycle drives a single service through its start and stop
// flows. Each Agent owns exactly one service for the duration of an
// invocation; the scheduler decides when an agent may run, the agent decides
// what happens to its container.
package lifecycle

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/afroisalreadyinu/miniboss/internal/build"
	"github.com/afroisalreadyinu/miniboss/internal/docker"
	"github.com/afroisalreadyinu/miniboss/internal/service"
	"github.com/afroisalreadyinu/miniboss/internal/store"
)

const (
	DefaultStartTimeout = 300 * time.Second
	DefaultStopTimeout  = 50 * time.Second
	defaultPollInterval = 100 * time.Millisecond
)

// Options configures one agent invocation.
type Options struct {
	Group        string // collection group; part of container names and labels
	NetworkName  string
	NetworkID    string
	RunDir       string        // directory the definitions were loaded from
	Timeout      time.Duration // readiness deadline for start, grace period for stop
	PollInterval time.Duration
	Remove       bool // remove containers after stopping them
	ForceNew     bool // treat the service as AlwaysStartNew regardless of its definition
}

func (o Options) pollInterval() time.Duration {
	if o.PollInterval > 0 {
		return o.PollInterval
	}
	return defaultPollInterval
}

// Agent runs the lifecycle of one service. State transitions happen only on
// the goroutine executing Start or Stop; State and Err may be read from
// anywhere.
type Agent struct {
	def    *service.Definition
	client docker.Client
	env    *store.Store
	opts   Options

	mu    sync.Mutex
	state State
	err   error
}

func NewAgent(def *service.Definition, client docker.Client, env *store.Store, opts Options) *Agent {
	return &Agent{def: def, client: client, env: env, opts: opts, state: StatePending}
}

func (a *Agent) Name() string { return a.def.Name }

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Err returns the error that moved the agent to Failed, if any.
func (a *Agent) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *Agent) transition(to State) {
	a.mu.Lock()
	a.state = to
	a.mu.Unlock()
}

// MarkExcluded moves the agent to its terminal Excluded state without any
// runtime call.
func (a *Agent) MarkExcluded() {
	a.transition(StateExcluded)
}

// MarkFailed records a failure that did not come from the agent's own flow,
// such as a failed dependency.
func (a *Agent) MarkFailed(step string, err error) {
	a.mu.Lock()
	a.state = StateFailed
	a.err = &LifecycleError{Service: a.def.Name, Step: step, Err: err}
	a.mu.Unlock()
}

func (a *Agent) fail(step string, err error) error {
	a.MarkFailed(step, err)
	lerr := a.Err()
	fmt.Printf("[miniboss] failed to start %s: %v\n", a.def.Name, lerr)
	return lerr
}

// namePrefix is the per-service, per-group container name prefix. The random
// suffix appended at create time keeps names unique across runs.
func (a *Agent) namePrefix() string {
	return fmt.Sprintf("%s-%s", a.def.Name, a.opts.Group)
}

func (a *Agent) containerName() string {
	return fmt.Sprintf("%s-%04d", a.namePrefix(), rand.Intn(10000))
}

func (a *Agent) labels() map[string]string {
	return map[string]string{
		"miniboss.service": a.def.Name,
		"miniboss.group":   a.opts.Group,
	}
}

// Start drives the full start flow and leaves the agent in Running or
// Failed. A container created during this invocation is stopped and removed
// if a later step fails, so a half-initialized service does not linger.
func (a *Agent) Start(ctx context.Context) error {
	a.transition(StateStarting)

	// A buildable service on a :latest image is rebuilt on every start, so
	// local changes are picked up without an explicit reload.
	image := a.def.Image
	if a.def.Buildable() && strings.HasSuffix(a.def.Image, ":latest") {
		tag, err := build.Run(ctx, a.client, a.opts.RunDir, a.def.BuildFrom, a.def.Dockerfile, a.def.Name)
		if err != nil {
			return a.fail("build", err)
		}
		image = tag
	}

	env, err := a.env.RenderAll(a.def.Env)
	if err != nil {
		return a.fail("render env", err)
	}

	existing, err := a.client.FindExisting(ctx, a.namePrefix(), a.opts.NetworkID)
	if err != nil {
		return a.fail("list containers", err)
	}

	if len(existing) > 0 {
		reused, err := a.maybeReuse(ctx, existing[0], image, env)
		if err != nil {
			return err
		}
		if reused {
			return nil
		}
	}

	if err := a.def.Hooks.PreStart(ctx, a.env); err != nil {
		return a.fail("pre_start", err)
	}

	exists, err := a.client.ImageExists(ctx, image)
	if err != nil {
		return a.fail("inspect image", err)
	}
	if !exists {
		fmt.Printf("[miniboss] pulling image %s for service %s\n", image, a.def.Name)
		if err := a.client.PullImage(ctx, image); err != nil {
			return a.fail("pull image", err)
		}
	}

	binds := make([]string, 0, len(a.def.Volumes))
	for _, vol := range a.def.Volumes {
		binds = append(binds, vol.Bind())
	}
	id, err := a.client.CreateContainer(ctx, docker.CreateSpec{
		Name:        a.containerName(),
		Image:       image,
		Alias:       a.def.Name,
		NetworkName: a.opts.NetworkName,
		Env:         env,
		Ports:       a.def.Ports,
		Binds:       binds,
		StopSignal:  a.def.StopSignal,
		Entrypoint:  a.def.Entrypoint,
		Cmd:         a.def.Cmd,
		User:        a.def.User,
		Labels:      a.labels(),
	})
	if err != nil {
		return a.fail("create container", err)
	}

	if err := a.client.StartContainer(ctx, id); err != nil {
		a.cleanup(ctx, id)
		return a.fail("start container", err)
	}
	fmt.Printf("[miniboss] started container for service %s\n", a.def.Name)

	a.transition(StateAwaitingReady)
	if err := a.awaitReady(ctx); err != nil {
		a.cleanup(ctx, id)
		return err
	}

	a.transition(StateInitializingPostStart)
	if err := a.def.Hooks.PostStart(ctx, a.env); err != nil {
		a.cleanup(ctx, id)
		return a.fail("post_start", err)
	}

	a.transition(StateRunning)
	fmt.Printf("[miniboss] service %s is running\n", a.def.Name)
	return nil
}

// maybeReuse decides whether an existing container can serve this
// invocation. A running container is taken over as-is, hooks and readiness
// poll skipped. An exited container is restarted, with the readiness poll
// but without the init hooks, when the image and the specified env match and
// the service does not insist on fresh containers. The bool result reports
// whether the existing container satisfied the start.
func (a *Agent) maybeReuse(ctx context.Context, existing docker.ContainerInfo, image string, env map[string]string) (bool, error) {
	if existing.Running() {
		fmt.Printf("[miniboss] service %s is already running on container %s\n", a.def.Name, existing.Name)
		a.transition(StateRunning)
		return true, nil
	}
	if !existing.Exited() {
		return false, nil
	}
	alwaysNew := a.def.AlwaysStartNew || a.opts.ForceNew
	if alwaysNew || existing.Image != image || len(differingKeys(env, existing.Env)) > 0 {
		return false, nil
	}

	fmt.Printf("[miniboss] restarting existing container %s for service %s\n", existing.Name, a.def.Name)
	if err := a.client.StartContainer(ctx, existing.ID); err != nil {
		return true, a.fail("start container", err)
	}
	a.transition(StateAwaitingReady)
	if err := a.awaitReady(ctx); err != nil {
		return true, err
	}
	a.transition(StateRunning)
	fmt.Printf("[miniboss] service %s is running\n", a.def.Name)
	return true, nil
}

// awaitReady polls the service's ping hook until it reports ready or the
// deadline passes. A ping error ends the poll immediately; a false result is
// retried.
func (a *Agent) awaitReady(ctx context.Context) error {
	timeout := a.opts.Timeout
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		ready, err := a.def.Hooks.Ping(ctx)
		if err != nil {
			return a.fail("ping", err)
		}
		if ready {
			return nil
		}
		if time.Now().After(deadline) {
			return a.fail("ping", fmt.Errorf("service did not become ready in %s", timeout))
		}
		select {
		case <-ctx.Done():
			return a.fail("ping", ctx.Err())
		case <-time.After(a.opts.pollInterval()):
		}
	}
}

// cleanup tears down a container created during this invocation after a
// later step failed. Best effort; the original error is what gets reported.
func (a *Agent) cleanup(ctx context.Context, id string) {
	if err := a.client.StopContainer(ctx, id, a.def.StopSignal, a.stopTimeout()); err != nil {
		fmt.Printf("[miniboss] cleanup of service %s: %v\n", a.def.Name, err)
		return
	}
	if err := a.client.RemoveContainer(ctx, id); err != nil {
		fmt.Printf("[miniboss] cleanup of service %s: %v\n", a.def.Name, err)
	}
}

func (a *Agent) stopTimeout() time.Duration {
	if a.opts.Timeout > 0 {
		return a.opts.Timeout
	}
	return DefaultStopTimeout
}

// Stop stops every container of this service on the network, newest first,
// and optionally removes them. There is no polling: StopContainer returns
// once the container is down or the grace period escalated to SIGKILL. The
// agent ends up Stopped even when there was nothing to stop, so stop is
// idempotent.
func (a *Agent) Stop(ctx context.Context) error {
	existing, err := a.client.FindExisting(ctx, a.namePrefix(), a.opts.NetworkID)
	if err != nil {
		a.MarkFailed("list containers", err)
		return a.Err()
	}
	if len(existing) == 0 {
		fmt.Printf("[miniboss] no containers to stop for service %s\n", a.def.Name)
		a.transition(StateStopped)
		return nil
	}

	var firstErr error
	for _, info := range existing {
		if info.Running() {
			if err := a.client.StopContainer(ctx, info.ID, a.def.StopSignal, a.stopTimeout()); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				fmt.Printf("[miniboss] failed to stop container %s of service %s: %v\n", info.Name, a.def.Name, err)
				continue
			}
			fmt.Printf("[miniboss] stopped container %s of service %s\n", info.Name, a.def.Name)
		}
		if a.opts.Remove {
			if err := a.client.RemoveContainer(ctx, info.ID); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				fmt.Printf("[miniboss] failed to remove container %s of service %s: %v\n", info.Name, a.def.Name, err)
			}
		}
	}
	a.transition(StateStopped)
	if firstErr != nil {
		a.mu.Lock()
		a.err = firstErr
		a.mu.Unlock()
	}
	return firstErr
}

// differingKeys returns the keys of specified whose values differ from (or
// are absent in) actual.
func differingKeys(specified, actual map[string]string) []string {
	var keys []string
	for key, value := range specified {
		if actual[key] != value {
			keys = append(keys, key)
		}
	}
	return keys
}
