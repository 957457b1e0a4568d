// Package scheduler executes lifecycle flows over a dependency graph. Each
// service gets its own goroutine; dependency order is enforced with
// per-service gates, so independent branches run concurrently while a
// service never starts before its dependencies are Running, and never stops
// before its dependents have settled.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/afroisalreadyinu/miniboss/internal/docker"
	"github.com/afroisalreadyinu/miniboss/internal/graph"
	"github.com/afroisalreadyinu/miniboss/internal/lifecycle"
	"github.com/afroisalreadyinu/miniboss/internal/service"
	"github.com/afroisalreadyinu/miniboss/internal/store"
)

// Outcome is the per-invocation result, grouped by terminal state. Names
// within each group are sorted for stable reporting.
type Outcome struct {
	Started  []string
	Failed   []string
	Stopped  []string
	Excluded []string
}

func (o Outcome) sorted() Outcome {
	sort.Strings(o.Started)
	sort.Strings(o.Failed)
	sort.Strings(o.Stopped)
	sort.Strings(o.Excluded)
	return o
}

// Runner executes one start or stop run over a filtered graph.
type Runner struct {
	client docker.Client
	env    *store.Store
	opts   lifecycle.Options

	agents map[string]*lifecycle.Agent
	gates  map[string]chan struct{}
}

func NewRunner(client docker.Client, env *store.Store, opts lifecycle.Options) *Runner {
	return &Runner{client: client, env: env, opts: opts}
}

func (r *Runner) prepare(g *graph.Graph, excluded []*service.Definition) {
	r.agents = make(map[string]*lifecycle.Agent, g.Len()+len(excluded))
	r.gates = make(map[string]chan struct{}, g.Len())
	for _, name := range g.StartOrder() {
		def, _ := g.Definition(name)
		r.agents[name] = lifecycle.NewAgent(def, r.client, r.env, r.opts)
		r.gates[name] = make(chan struct{})
	}
	// Excluded services settle immediately; they get no gate because nothing
	// in the filtered graph waits on them.
	for _, def := range excluded {
		agent := lifecycle.NewAgent(def, r.client, r.env, r.opts)
		agent.MarkExcluded()
		r.agents[def.Name] = agent
	}
}

// Start runs the start flow for every service in g. A service whose
// dependency ends up Failed is marked Failed itself without any runtime
// call; unrelated branches keep going. Start returns once every service has
// settled.
func (r *Runner) Start(ctx context.Context, g *graph.Graph, excluded []*service.Definition) Outcome {
	r.prepare(g, excluded)

	var wg sync.WaitGroup
	for _, name := range g.StartOrder() {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer close(r.gates[name])

			agent := r.agents[name]
			for _, dep := range g.Dependencies(name) {
				select {
				case <-r.gates[dep]:
				case <-ctx.Done():
					agent.MarkFailed("dependency", ctx.Err())
					return
				}
				if r.agents[dep].State() != lifecycle.StateRunning {
					agent.MarkFailed("dependency",
						fmt.Errorf("dependency %s failed to start", dep))
					fmt.Printf("[miniboss] not starting %s: dependency %s failed\n", name, dep)
					return
				}
			}
			// Error already recorded on the agent; collected below.
			_ = agent.Start(ctx)
		}(name)
	}
	wg.Wait()

	return r.collect()
}

// Stop runs the stop flow in reverse dependency order: a service waits for
// all its dependents to settle before stopping. Stop failures are reported
// but do not hold back unrelated services.
func (r *Runner) Stop(ctx context.Context, g *graph.Graph, excluded []*service.Definition) Outcome {
	r.prepare(g, excluded)

	var wg sync.WaitGroup
	for _, name := range g.StopOrder() {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer close(r.gates[name])

			for _, dependent := range g.Dependents(name) {
				select {
				case <-r.gates[dependent]:
				case <-ctx.Done():
					r.agents[name].MarkFailed("stop", ctx.Err())
					return
				}
			}
			_ = r.agents[name].Stop(ctx)
		}(name)
	}
	wg.Wait()

	return r.collect()
}

func (r *Runner) collect() Outcome {
	var out Outcome
	for name, agent := range r.agents {
		switch agent.State() {
		case lifecycle.StateRunning:
			out.Started = append(out.Started, name)
		case lifecycle.StateStopped:
			out.Stopped = append(out.Stopped, name)
		case lifecycle.StateExcluded:
			out.Excluded = append(out.Excluded, name)
		default:
			out.Failed = append(out.Failed, name)
		}
	}
	return out.sorted()
}
