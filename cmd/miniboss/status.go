package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

type serviceStatus struct {
	Service     string
	Status      string
	State       string
	Uptime      string
	ContainerID string
	Instances   int
	Running     int
}

// dockerStatusSource reads the live container state behind the ps command.
// Containers are matched by the miniboss.group label, so only containers
// this collection created are counted.
type dockerStatusSource struct {
	group string
	cli   *client.Client
	now   func() time.Time
}

type instance struct {
	id        string
	status    string
	state     string
	startedAt time.Time
	running   bool
}

func newDockerStatusSource(group string) (*dockerStatusSource, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &dockerStatusSource{
		group: group,
		cli:   cli,
		now:   time.Now,
	}, nil
}

func (d *dockerStatusSource) Close() error {
	return d.cli.Close()
}

// Snapshot returns one aggregated status per requested service. A service
// with no containers at all comes back as "unknown" rather than missing, so
// the ps table always has a row per defined service.
func (d *dockerStatusSource) Snapshot(ctx context.Context, serviceNames []string) (map[string]serviceStatus, error) {
	nameSet := make(map[string]struct{}, len(serviceNames))
	out := make(map[string]serviceStatus, len(serviceNames))
	for _, name := range serviceNames {
		nameSet[name] = struct{}{}
		out[name] = unknownStatus(name)
	}

	args := filters.NewArgs(filters.Arg("label", "miniboss.group="+d.group))
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, err
	}

	buckets := make(map[string][]instance)
	for _, c := range containers {
		serviceName := serviceNameFromLabels(c.Labels, c.Names)
		if serviceName == "" {
			continue
		}
		if _, ok := nameSet[serviceName]; !ok {
			continue
		}

		inspect, err := d.cli.ContainerInspect(ctx, c.ID)
		if err != nil {
			continue
		}
		buckets[serviceName] = append(buckets[serviceName], containerToInstance(inspect))
	}

	now := d.now()
	for serviceName, instances := range buckets {
		out[serviceName] = aggregateInstances(serviceName, instances, now)
	}

	return out, nil
}

func unknownStatus(service string) serviceStatus {
	return serviceStatus{
		Service: service,
		Status:  "unknown",
		State:   "unknown",
		Uptime:  "-",
	}
}

func serviceNameFromLabels(labels map[string]string, names []string) string {
	if labels == nil {
		labels = map[string]string{}
	}
	if v := strings.TrimSpace(labels["miniboss.service"]); v != "" {
		return v
	}
	if len(names) > 0 {
		return strings.TrimPrefix(names[0], "/")
	}
	return ""
}

func containerToInstance(info types.ContainerJSON) instance {
	state := "unknown"
	running := false
	startedAt := time.Time{}

	if info.ContainerJSONBase != nil && info.State != nil {
		state = strings.ToLower(strings.TrimSpace(info.State.Status))
		running = info.State.Running
		if started := strings.TrimSpace(info.State.StartedAt); started != "" {
			if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
				startedAt = ts
			}
		}
	}

	return instance{
		id:        info.ID,
		status:    normalizeStatus(state, running),
		state:     state,
		startedAt: startedAt,
		running:   running,
	}
}

// aggregateInstances folds several containers of the same service into one
// row, reporting the worst status among them and the longest uptime.
func aggregateInstances(service string, instances []instance, now time.Time) serviceStatus {
	if len(instances) == 0 {
		return unknownStatus(service)
	}

	sort.Slice(instances, func(i, j int) bool {
		return statusSeverity(instances[i].status) > statusSeverity(instances[j].status)
	})
	worst := instances[0]

	running := 0
	longest := time.Duration(0)
	for _, inst := range instances {
		if inst.running {
			running++
			if !inst.startedAt.IsZero() {
				if dur := now.Sub(inst.startedAt); dur > longest {
					longest = dur
				}
			}
		}
	}

	uptime := "-"
	if longest > 0 {
		uptime = formatDuration(longest)
	}

	return serviceStatus{
		Service:     service,
		Status:      worst.status,
		State:       worst.state,
		Uptime:      uptime,
		ContainerID: shortContainerID(worst.id),
		Instances:   len(instances),
		Running:     running,
	}
}

func normalizeStatus(state string, running bool) string {
	if running {
		return "running"
	}
	switch state {
	case "restarting", "created", "paused":
		return "starting"
	case "dead", "exited", "removing", "":
		return "stopped"
	default:
		return state
	}
}

func statusSeverity(status string) int {
	switch status {
	case "running":
		return 0
	case "starting":
		return 1
	case "unknown":
		return 1
	case "stopped":
		return 2
	default:
		return 2
	}
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	d -= time.Duration(h) * time.Hour
	m := int(d / time.Minute)
	d -= time.Duration(m) * time.Minute
	s := int(d / time.Second)

	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

func shortContainerID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
