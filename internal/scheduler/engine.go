package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/afroisalreadyinu/miniboss/internal/build"
	"github.com/afroisalreadyinu/miniboss/internal/docker"
	"github.com/afroisalreadyinu/miniboss/internal/graph"
	"github.com/afroisalreadyinu/miniboss/internal/lifecycle"
	"github.com/afroisalreadyinu/miniboss/internal/service"
	"github.com/afroisalreadyinu/miniboss/internal/store"
)

// CollectionHooks are collection-level notifications, invoked after a run
// has settled. Hook errors are logged and swallowed: a notification failure
// never changes the outcome of a run.
type CollectionHooks struct {
	OnStartServices func(started []string) error
	OnStopServices  func(stopped []string) error
	OnReloadService func(name string) error
}

// Options configures a top-level start, stop or reload operation.
type Options struct {
	NetworkName string
	Timeout     time.Duration
	Remove      bool     // stop only: remove containers, network and context file
	Exclude     []string // services to leave alone
	Hooks       CollectionHooks
}

// StartServices starts every non-excluded service of the collection in
// dependency order. Definition and exclusion problems fail before any
// container operation; service failures are collected in the outcome.
func StartServices(ctx context.Context, client docker.Client, coll *service.Collection, opts Options) (Outcome, error) {
	g, err := graph.Build(coll.Definitions)
	if err != nil {
		return Outcome{}, err
	}
	filtered, err := g.FilterForStart(opts.Exclude)
	if err != nil {
		return Outcome{}, err
	}

	env, err := store.Load(coll.Dir)
	if err != nil {
		return Outcome{}, err
	}
	networkID, err := client.EnsureNetwork(ctx, opts.NetworkName)
	if err != nil {
		return Outcome{}, err
	}

	runner := NewRunner(client, env, lifecycle.Options{
		Group:       coll.Group,
		NetworkName: opts.NetworkName,
		NetworkID:   networkID,
		RunDir:      coll.Dir,
		Timeout:     opts.Timeout,
	})
	out := runner.Start(ctx, filtered, excludedDefs(g, opts.Exclude))

	if err := env.Save(coll.Dir); err != nil {
		fmt.Printf("[miniboss] could not persist context: %v\n", err)
	}
	if opts.Hooks.OnStartServices != nil {
		if err := opts.Hooks.OnStartServices(out.Started); err != nil {
			fmt.Printf("[miniboss] on_start_services hook: %v\n", err)
		}
	}

	fmt.Printf("[miniboss] started: %s\n", joinOrNone(out.Started))
	if len(out.Failed) > 0 {
		fmt.Printf("[miniboss] failed: %s\n", strings.Join(out.Failed, ","))
	}
	return out, nil
}

// StopServices stops every non-excluded service in reverse dependency order
// and persists the context afterwards. With Remove set, the containers and
// the context file are removed instead; the network too, unless exclusions
// left services attached to it.
func StopServices(ctx context.Context, client docker.Client, coll *service.Collection, opts Options) (Outcome, error) {
	g, err := graph.Build(coll.Definitions)
	if err != nil {
		return Outcome{}, err
	}
	filtered, err := g.FilterForStop(opts.Exclude)
	if err != nil {
		return Outcome{}, err
	}

	env, err := store.Load(coll.Dir)
	if err != nil {
		return Outcome{}, err
	}
	networkID, err := client.EnsureNetwork(ctx, opts.NetworkName)
	if err != nil {
		return Outcome{}, err
	}

	runner := NewRunner(client, env, lifecycle.Options{
		Group:       coll.Group,
		NetworkName: opts.NetworkName,
		NetworkID:   networkID,
		RunDir:      coll.Dir,
		Timeout:     opts.Timeout,
		Remove:      opts.Remove,
	})
	out := runner.Stop(ctx, filtered, excludedDefs(g, opts.Exclude))

	// Remove deletes the context file either way; the network survives as
	// long as excluded services may still be attached to it.
	if opts.Remove {
		if err := store.RemoveFile(coll.Dir); err != nil {
			fmt.Printf("[miniboss] could not remove context file: %v\n", err)
		}
		if len(opts.Exclude) == 0 {
			if err := client.RemoveNetwork(ctx, opts.NetworkName); err != nil {
				fmt.Printf("[miniboss] could not remove network: %v\n", err)
			}
		}
	} else if err := env.Save(coll.Dir); err != nil {
		fmt.Printf("[miniboss] could not persist context: %v\n", err)
	}
	if opts.Hooks.OnStopServices != nil {
		if err := opts.Hooks.OnStopServices(out.Stopped); err != nil {
			fmt.Printf("[miniboss] on_stop_services hook: %v\n", err)
		}
	}

	fmt.Printf("[miniboss] stopped: %s\n", joinOrNone(out.Stopped))
	return out, nil
}

// ReloadService rebuilds one buildable service's image, stops its current
// container and starts a fresh one from the new image. Dependents are left
// running; a reload is for iterating on one service, not for restarting the
// world. The buildability check happens before any runtime call.
func ReloadService(ctx context.Context, client docker.Client, coll *service.Collection, name string, opts Options) (Outcome, error) {
	g, err := graph.Build(coll.Definitions)
	if err != nil {
		return Outcome{}, err
	}
	def, ok := g.Definition(name)
	if !ok {
		return Outcome{}, &service.DefinitionError{
			Service: name,
			Reason:  "not among the defined services",
		}
	}
	if !def.Buildable() {
		return Outcome{}, &service.DefinitionError{
			Service: name,
			Reason:  "cannot be built: no build directory specified",
		}
	}

	env, err := store.Load(coll.Dir)
	if err != nil {
		return Outcome{}, err
	}
	networkID, err := client.EnsureNetwork(ctx, opts.NetworkName)
	if err != nil {
		return Outcome{}, err
	}

	tag, err := build.Run(ctx, client, coll.Dir, def.BuildFrom, def.Dockerfile, name)
	if err != nil {
		return Outcome{}, err
	}

	// Reload operates on the target service alone; its dependencies are
	// assumed running and its dependents stay up across the swap.
	solo := *def
	solo.Dependencies = nil
	solo.Image = tag

	lopts := lifecycle.Options{
		Group:       coll.Group,
		NetworkName: opts.NetworkName,
		NetworkID:   networkID,
		RunDir:      coll.Dir,
		Timeout:     opts.Timeout,
		Remove:      opts.Remove,
		ForceNew:    true,
	}
	soloGraph, err := graph.Build([]*service.Definition{&solo})
	if err != nil {
		return Outcome{}, err
	}

	NewRunner(client, env, lopts).Stop(ctx, soloGraph, nil)
	out := NewRunner(client, env, lopts).Start(ctx, soloGraph, nil)

	if err := env.Save(coll.Dir); err != nil {
		fmt.Printf("[miniboss] could not persist context: %v\n", err)
	}
	if opts.Hooks.OnReloadService != nil {
		if err := opts.Hooks.OnReloadService(name); err != nil {
			fmt.Printf("[miniboss] on_reload_service hook: %v\n", err)
		}
	}
	return out, nil
}

// excludedDefs resolves excluded names against the full graph. The filter
// step has already validated every name.
func excludedDefs(g *graph.Graph, excluded []string) []*service.Definition {
	defs := make([]*service.Definition, 0, len(excluded))
	for _, name := range excluded {
		if def, ok := g.Definition(name); ok {
			defs = append(defs, def)
		}
	}
	return defs
}

func joinOrNone(names []string) string {
	if len(names) == 0 {
		return "(none)"
	}
	return strings.Join(names, ",")
}
