package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// startVerifyWindow is how long StartContainer waits for a freshly started
// container to settle into the running state before declaring it dead.
const startVerifyWindow = 2 * time.Second

// SDKClient implements Client on top of the Docker SDK.
type SDKClient struct {
	cli *client.Client
}

func NewSDKClient() (*SDKClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &SDKClient{cli: cli}, nil
}

func (d *SDKClient) Close() error { return d.cli.Close() }

// Ping checks daemon reachability; used by the doctor preflight.
func (d *SDKClient) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *SDKClient) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, &RuntimeError{Op: "inspect image", Ref: ref, Err: err}
}

func (d *SDKClient) PullImage(ctx context.Context, ref string) error {
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return &RuntimeError{Op: "pull image", Ref: ref, Err: err}
	}
	defer reader.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return &RuntimeError{Op: "pull image", Ref: ref, Err: err}
	}
	return nil
}

func (d *SDKClient) BuildImage(ctx context.Context, dir, dockerfile, tag string) error {
	buildContext, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return &RuntimeError{Op: "build image", Ref: tag, Err: fmt.Errorf("tar build context: %w", err)}
	}
	defer buildContext.Close()

	resp, err := d.cli.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: dockerfile,
		Remove:     true,
	})
	if err != nil {
		return &RuntimeError{Op: "build image", Ref: tag, Err: err}
	}
	defer resp.Body.Close()

	// Build failures arrive inside the JSON progress stream, not as an HTTP
	// error.
	decoder := json.NewDecoder(resp.Body)
	for {
		var message struct {
			Error string `json:"error"`
		}
		if err := decoder.Decode(&message); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return &RuntimeError{Op: "build image", Ref: tag, Err: err}
		}
		if message.Error != "" {
			return &RuntimeError{Op: "build image", Ref: tag, Err: errors.New(message.Error)}
		}
	}
}

func (d *SDKClient) CreateContainer(ctx context.Context, spec CreateSpec) (string, error) {
	exposed, bindings, err := portConfig(spec.Ports)
	if err != nil {
		return "", &RuntimeError{Op: "create container", Ref: spec.Name, Err: err}
	}

	config := &container.Config{
		Image:        spec.Image,
		Env:          envSlice(spec.Env),
		ExposedPorts: exposed,
		Labels:       spec.Labels,
		StopSignal:   spec.StopSignal,
		User:         spec.User,
	}
	if len(spec.Entrypoint) > 0 {
		config.Entrypoint = strslice.StrSlice(spec.Entrypoint)
	}
	if len(spec.Cmd) > 0 {
		config.Cmd = strslice.StrSlice(spec.Cmd)
	}

	hostConfig := &container.HostConfig{
		PortBindings: bindings,
		Binds:        spec.Binds,
	}

	var netConfig *network.NetworkingConfig
	if spec.NetworkName != "" {
		netConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.NetworkName: {Aliases: []string{spec.Alias}},
			},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, netConfig, nil, spec.Name)
	if err != nil {
		if client.IsErrNotFound(err) {
			err = fmt.Errorf("image %s could not be found; please make sure it exists", spec.Image)
		}
		return "", &RuntimeError{Op: "create container", Ref: spec.Name, Err: err}
	}
	return resp.ID, nil
}

func (d *SDKClient) StartContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return &RuntimeError{Op: "start container", Ref: shortID(id), Err: err}
	}

	// The container status is not set right away; give it a moment before
	// concluding it died on startup.
	deadline := time.Now().Add(startVerifyWindow)
	for {
		info, err := d.cli.ContainerInspect(ctx, id)
		if err != nil {
			return &RuntimeError{Op: "inspect container", Ref: shortID(id), Err: err}
		}
		if info.State != nil && info.State.Running {
			return nil
		}
		if info.State != nil && info.State.Status == "exited" || time.Now().After(deadline) {
			logs, _ := d.ContainerLogs(ctx, id)
			return &RuntimeError{
				Op:   "start container",
				Ref:  shortID(id),
				Logs: logs,
				Err:  errors.New("container is not running after start"),
			}
		}
		select {
		case <-ctx.Done():
			return &RuntimeError{Op: "start container", Ref: shortID(id), Err: ctx.Err()}
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (d *SDKClient) StopContainer(ctx context.Context, id, signal string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	opts := container.StopOptions{Signal: signal}
	if seconds > 0 {
		opts.Timeout = &seconds
	}
	if err := d.cli.ContainerStop(ctx, id, opts); err != nil {
		return &RuntimeError{Op: "stop container", Ref: shortID(id), Err: err}
	}
	return nil
}

func (d *SDKClient) RemoveContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{}); err != nil {
		return &RuntimeError{Op: "remove container", Ref: shortID(id), Err: err}
	}
	return nil
}

func (d *SDKClient) FindExisting(ctx context.Context, namePrefix, networkID string) ([]ContainerInfo, error) {
	args := filters.NewArgs(filters.Arg("name", namePrefix))
	if networkID != "" {
		args.Add("network", networkID)
	}
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, &RuntimeError{Op: "list containers", Ref: namePrefix, Err: err}
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		inspect, err := d.cli.ContainerInspect(ctx, c.ID)
		if err != nil {
			// Container disappeared between list and inspect.
			if client.IsErrNotFound(err) {
				continue
			}
			return nil, &RuntimeError{Op: "inspect container", Ref: shortID(c.ID), Err: err}
		}
		infos = append(infos, inspectToInfo(inspect))
	}
	infos = keepNamePrefix(infos, namePrefix)
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name > infos[j].Name })
	return infos, nil
}

// keepNamePrefix drops containers the daemon's name filter matched only as a
// substring; "b-grp" must not pick up "web-grp-0001".
func keepNamePrefix(infos []ContainerInfo, prefix string) []ContainerInfo {
	kept := infos[:0]
	for _, info := range infos {
		if strings.HasPrefix(info.Name, prefix) {
			kept = append(kept, info)
		}
	}
	return kept
}

func (d *SDKClient) ContainerLogs(ctx context.Context, id string) (string, error) {
	reader, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "50",
	})
	if err != nil {
		return "", &RuntimeError{Op: "container logs", Ref: shortID(id), Err: err}
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", &RuntimeError{Op: "container logs", Ref: shortID(id), Err: err}
	}
	if stderr.Len() > 0 {
		return stdout.String() + stderr.String(), nil
	}
	return stdout.String(), nil
}

func (d *SDKClient) EnsureNetwork(ctx context.Context, name string) (string, error) {
	if id, err := d.findNetwork(ctx, name); err != nil {
		return "", err
	} else if id != "" {
		return id, nil
	}
	resp, err := d.cli.NetworkCreate(ctx, name, types.NetworkCreate{Driver: "bridge"})
	if err != nil {
		return "", &RuntimeError{Op: "create network", Ref: name, Err: err}
	}
	fmt.Printf("[miniboss] created network %s\n", name)
	return resp.ID, nil
}

func (d *SDKClient) RemoveNetwork(ctx context.Context, name string) error {
	id, err := d.findNetwork(ctx, name)
	if err != nil {
		return err
	}
	if id == "" {
		return nil
	}
	if err := d.cli.NetworkRemove(ctx, id); err != nil {
		return &RuntimeError{Op: "remove network", Ref: name, Err: err}
	}
	fmt.Printf("[miniboss] removed network %s\n", name)
	return nil
}

func (d *SDKClient) findNetwork(ctx context.Context, name string) (string, error) {
	// The name filter is a substring match; check for the exact name.
	networks, err := d.cli.NetworkList(ctx, types.NetworkListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", &RuntimeError{Op: "list networks", Ref: name, Err: err}
	}
	for _, n := range networks {
		if n.Name == name {
			return n.ID, nil
		}
	}
	return "", nil
}

func inspectToInfo(inspect types.ContainerJSON) ContainerInfo {
	info := ContainerInfo{ID: inspect.ID}
	if inspect.ContainerJSONBase != nil {
		info.Name = strings.TrimPrefix(inspect.Name, "/")
		if inspect.State != nil {
			info.Status = inspect.State.Status
		}
	}
	if inspect.Config != nil {
		info.Image = inspect.Config.Image
		info.Env = parseEnvLines(inspect.Config.Env)
	}
	return info
}

func parseEnvLines(lines []string) map[string]string {
	env := make(map[string]string, len(lines))
	for _, line := range lines {
		if key, value, ok := strings.Cut(line, "="); ok {
			env[key] = value
		}
	}
	return env
}

func envSlice(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(env))
	for _, key := range keys {
		lines = append(lines, key+"="+env[key])
	}
	return lines
}

func portConfig(ports map[int]int) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}
	exposed := make(nat.PortSet, len(ports))
	bindings := make(nat.PortMap, len(ports))
	for containerPort, hostPort := range ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
		if err != nil {
			return nil, nil, err
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: strconv.Itoa(hostPort)}}
	}
	return exposed, bindings, nil
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
