package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/afroisalreadyinu/miniboss/internal/docker"
	"github.com/afroisalreadyinu/miniboss/internal/service"
	"github.com/afroisalreadyinu/miniboss/internal/store"
)

type fakeClient struct {
	mu          sync.Mutex
	calls       []string
	existing    []docker.ContainerInfo
	imageExists bool
	created     []docker.CreateSpec
	nextID      int

	startErr error
	stopErr  error
}

func (f *fakeClient) record(format string, args ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeClient) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.calls))
	for _, call := range f.calls {
		names = append(names, strings.Fields(call)[0])
	}
	return names
}

func (f *fakeClient) ImageExists(ctx context.Context, ref string) (bool, error) {
	f.record("image-exists %s", ref)
	return f.imageExists, nil
}

func (f *fakeClient) PullImage(ctx context.Context, ref string) error {
	f.record("pull %s", ref)
	return nil
}

func (f *fakeClient) BuildImage(ctx context.Context, dir, dockerfile, tag string) error {
	f.record("build %s", tag)
	return nil
}

func (f *fakeClient) CreateContainer(ctx context.Context, spec docker.CreateSpec) (string, error) {
	f.mu.Lock()
	f.created = append(f.created, spec)
	f.nextID++
	id := fmt.Sprintf("id-%d", f.nextID)
	f.mu.Unlock()
	f.record("create %s", spec.Name)
	return id, nil
}

func (f *fakeClient) StartContainer(ctx context.Context, id string) error {
	f.record("start %s", id)
	return f.startErr
}

func (f *fakeClient) StopContainer(ctx context.Context, id, signal string, timeout time.Duration) error {
	f.record("stop %s %s", id, signal)
	return f.stopErr
}

func (f *fakeClient) RemoveContainer(ctx context.Context, id string) error {
	f.record("remove %s", id)
	return nil
}

func (f *fakeClient) FindExisting(ctx context.Context, namePrefix, networkID string) ([]docker.ContainerInfo, error) {
	f.record("find %s", namePrefix)
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []docker.ContainerInfo
	for _, info := range f.existing {
		if strings.HasPrefix(info.Name, namePrefix) {
			matched = append(matched, info)
		}
	}
	return matched, nil
}

func (f *fakeClient) ContainerLogs(ctx context.Context, id string) (string, error) {
	return "", nil
}

func (f *fakeClient) EnsureNetwork(ctx context.Context, name string) (string, error) {
	f.record("ensure-network %s", name)
	return "net-1", nil
}

func (f *fakeClient) RemoveNetwork(ctx context.Context, name string) error {
	f.record("remove-network %s", name)
	return nil
}

func testDef(t *testing.T, hooks service.Hooks) *service.Definition {
	t.Helper()
	def := &service.Definition{
		Name:  "svc",
		Image: "img:1",
		Env:   map[string]string{"KEY": "value"},
		Hooks: hooks,
	}
	if err := def.Normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	return def
}

func testOpts() Options {
	return Options{
		Group:        "grp",
		NetworkName:  "testnet",
		NetworkID:    "net-1",
		Timeout:      time.Second,
		PollInterval: time.Millisecond,
	}
}

func TestStartFreshContainer(t *testing.T) {
	var hookOrder []string
	hooks := service.HookFuncs{
		PreStartFunc: func(ctx context.Context, env *store.Store) error {
			hookOrder = append(hookOrder, "pre_start")
			return nil
		},
		PingFunc: func(ctx context.Context) (bool, error) {
			hookOrder = append(hookOrder, "ping")
			return true, nil
		},
		PostStartFunc: func(ctx context.Context, env *store.Store) error {
			hookOrder = append(hookOrder, "post_start")
			return nil
		},
	}
	client := &fakeClient{imageExists: true}
	agent := NewAgent(testDef(t, hooks), client, store.New(), testOpts())

	if err := agent.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if agent.State() != StateRunning {
		t.Fatalf("expected Running, got %s", agent.State())
	}
	if want := []string{"pre_start", "ping", "post_start"}; !equal(hookOrder, want) {
		t.Fatalf("hook order: got %v, want %v", hookOrder, want)
	}
	if want := []string{"find", "image-exists", "create", "start"}; !equal(client.callNames(), want) {
		t.Fatalf("call order: %v", client.callNames())
	}

	spec := client.created[0]
	if !strings.HasPrefix(spec.Name, "svc-grp-") {
		t.Errorf("container name: %q", spec.Name)
	}
	if spec.Alias != "svc" {
		t.Errorf("network alias: %q", spec.Alias)
	}
	if spec.Labels["miniboss.service"] != "svc" || spec.Labels["miniboss.group"] != "grp" {
		t.Errorf("labels: %v", spec.Labels)
	}
}

func TestStartRendersEnvFromContext(t *testing.T) {
	def := testDef(t, service.NopHooks{})
	def.Env = map[string]string{"DB_PASSWORD": "{db_password}"}

	env := store.New()
	env.Set("db_password", "hunter2")
	client := &fakeClient{imageExists: true}
	agent := NewAgent(def, client, env, testOpts())

	if err := agent.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := client.created[0].Env["DB_PASSWORD"]; got != "hunter2" {
		t.Fatalf("env not rendered: %q", got)
	}
}

func TestStartFailsOnUnrenderableEnv(t *testing.T) {
	def := testDef(t, service.NopHooks{})
	def.Env = map[string]string{"DB_PASSWORD": "{db_password}"}

	client := &fakeClient{imageExists: true}
	agent := NewAgent(def, client, store.New(), testOpts())

	if err := agent.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if agent.State() != StateFailed {
		t.Fatalf("expected Failed, got %s", agent.State())
	}
	var ctxErr *store.ContextError
	if !errors.As(agent.Err(), &ctxErr) {
		t.Fatalf("expected wrapped ContextError, got %v", agent.Err())
	}
	if len(client.created) != 0 {
		t.Fatal("no container should have been created")
	}
}

func TestStartPullsMissingImage(t *testing.T) {
	client := &fakeClient{imageExists: false}
	agent := NewAgent(testDef(t, service.NopHooks{}), client, store.New(), testOpts())

	if err := agent.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"find", "image-exists", "pull", "create", "start"}; !equal(client.callNames(), want) {
		t.Fatalf("call order: %v", client.callNames())
	}
}

func TestStartReusesRunningContainer(t *testing.T) {
	preStartCalled := false
	hooks := service.HookFuncs{
		PreStartFunc: func(ctx context.Context, env *store.Store) error {
			preStartCalled = true
			return nil
		},
	}
	client := &fakeClient{
		imageExists: true,
		existing: []docker.ContainerInfo{
			{ID: "old-1", Name: "svc-grp-1234", Status: "running", Image: "img:1"},
		},
	}
	agent := NewAgent(testDef(t, hooks), client, store.New(), testOpts())

	if err := agent.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if agent.State() != StateRunning {
		t.Fatalf("expected Running, got %s", agent.State())
	}
	if preStartCalled {
		t.Error("pre_start must not run when taking over a running container")
	}
	if len(client.created) != 0 {
		t.Error("no new container should have been created")
	}
}

func TestStartRestartsMatchingExitedContainer(t *testing.T) {
	pinged := false
	hooks := service.HookFuncs{
		PreStartFunc: func(ctx context.Context, env *store.Store) error {
			t.Error("pre_start must not run for a restarted container")
			return nil
		},
		PingFunc: func(ctx context.Context) (bool, error) {
			pinged = true
			return true, nil
		},
		PostStartFunc: func(ctx context.Context, env *store.Store) error {
			t.Error("post_start must not run for a restarted container")
			return nil
		},
	}
	client := &fakeClient{
		imageExists: true,
		existing: []docker.ContainerInfo{
			{ID: "old-1", Name: "svc-grp-1234", Status: "exited", Image: "img:1",
				Env: map[string]string{"KEY": "value"}},
		},
	}
	agent := NewAgent(testDef(t, hooks), client, store.New(), testOpts())

	if err := agent.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if agent.State() != StateRunning {
		t.Fatalf("expected Running, got %s", agent.State())
	}
	if !pinged {
		t.Error("readiness poll must run for a restarted container")
	}
	if len(client.created) != 0 {
		t.Error("no new container should have been created")
	}
	if want := []string{"find", "start"}; !equal(client.callNames(), want) {
		t.Fatalf("call order: %v", client.callNames())
	}
}

func TestStartSkipsExitedContainerOnMismatch(t *testing.T) {
	cases := map[string]docker.ContainerInfo{
		"different image": {ID: "old-1", Name: "svc-grp-1234", Status: "exited",
			Image: "img:0", Env: map[string]string{"KEY": "value"}},
		"different env": {ID: "old-1", Name: "svc-grp-1234", Status: "exited",
			Image: "img:1", Env: map[string]string{"KEY": "other"}},
	}
	for name, info := range cases {
		t.Run(name, func(t *testing.T) {
			client := &fakeClient{imageExists: true, existing: []docker.ContainerInfo{info}}
			agent := NewAgent(testDef(t, service.NopHooks{}), client, store.New(), testOpts())

			if err := agent.Start(context.Background()); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(client.created) != 1 {
				t.Fatal("expected a fresh container")
			}
		})
	}
}

func TestStartAlwaysStartNewSkipsReuse(t *testing.T) {
	def := testDef(t, service.NopHooks{})
	def.AlwaysStartNew = true
	client := &fakeClient{
		imageExists: true,
		existing: []docker.ContainerInfo{
			{ID: "old-1", Name: "svc-grp-1234", Status: "exited", Image: "img:1",
				Env: map[string]string{"KEY": "value"}},
		},
	}
	agent := NewAgent(def, client, store.New(), testOpts())

	if err := agent.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(client.created) != 1 {
		t.Fatal("expected a fresh container")
	}
}

func TestPingRetriesUntilReady(t *testing.T) {
	attempts := 0
	hooks := service.HookFuncs{
		PingFunc: func(ctx context.Context) (bool, error) {
			attempts++
			return attempts >= 3, nil
		},
	}
	client := &fakeClient{imageExists: true}
	agent := NewAgent(testDef(t, hooks), client, store.New(), testOpts())

	if err := agent.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 ping attempts, got %d", attempts)
	}
}

func TestPingTimeoutFailsAndCleansUp(t *testing.T) {
	attempts := 0
	hooks := service.HookFuncs{
		PingFunc: func(ctx context.Context) (bool, error) {
			attempts++
			return false, nil
		},
	}
	client := &fakeClient{imageExists: true}
	opts := testOpts()
	opts.Timeout = 20 * time.Millisecond
	opts.PollInterval = 5 * time.Millisecond
	agent := NewAgent(testDef(t, hooks), client, store.New(), opts)

	err := agent.Start(context.Background())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var lcErr *LifecycleError
	if !errors.As(err, &lcErr) || lcErr.Step != "ping" {
		t.Fatalf("expected ping LifecycleError, got %v", err)
	}
	if agent.State() != StateFailed {
		t.Fatalf("expected Failed, got %s", agent.State())
	}
	calls := client.callNames()
	if !contains(calls, "stop") || !contains(calls, "remove") {
		t.Fatalf("expected cleanup of the created container, calls: %v", calls)
	}
	// 20ms budget at 5ms intervals allows at most one attempt past the
	// deadline; scheduling delays can only reduce the count.
	if attempts < 2 || attempts > 6 {
		t.Fatalf("expected between 2 and 6 ping attempts, got %d", attempts)
	}
}

func TestPingErrorEndsPollImmediately(t *testing.T) {
	attempts := 0
	hooks := service.HookFuncs{
		PingFunc: func(ctx context.Context) (bool, error) {
			attempts++
			return false, errors.New("probe exploded")
		},
	}
	client := &fakeClient{imageExists: true}
	agent := NewAgent(testDef(t, hooks), client, store.New(), testOpts())

	if err := agent.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("a ping error must not be retried, got %d attempts", attempts)
	}
}

func TestPostStartFailureCleansUp(t *testing.T) {
	hooks := service.HookFuncs{
		PostStartFunc: func(ctx context.Context, env *store.Store) error {
			return errors.New("init failed")
		},
	}
	client := &fakeClient{imageExists: true}
	agent := NewAgent(testDef(t, hooks), client, store.New(), testOpts())

	err := agent.Start(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	var lcErr *LifecycleError
	if !errors.As(err, &lcErr) || lcErr.Step != "post_start" {
		t.Fatalf("expected post_start LifecycleError, got %v", err)
	}
	calls := client.callNames()
	if !contains(calls, "stop") || !contains(calls, "remove") {
		t.Fatalf("expected cleanup, calls: %v", calls)
	}
}

func TestPreStartFailureCreatesNothing(t *testing.T) {
	hooks := service.HookFuncs{
		PreStartFunc: func(ctx context.Context, env *store.Store) error {
			return errors.New("no disk space")
		},
	}
	client := &fakeClient{imageExists: true}
	agent := NewAgent(testDef(t, hooks), client, store.New(), testOpts())

	if err := agent.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if len(client.created) != 0 {
		t.Fatal("no container should have been created")
	}
}

func TestStartBuildsLatestBuildableImage(t *testing.T) {
	runDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(runDir, "app"), 0o755); err != nil {
		t.Fatal(err)
	}
	dockerfile := filepath.Join(runDir, "app", "Dockerfile")
	if err := os.WriteFile(dockerfile, []byte("FROM scratch\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	def := testDef(t, service.NopHooks{})
	def.Image = "svc:latest"
	def.BuildFrom = "app"
	client := &fakeClient{imageExists: true}
	opts := testOpts()
	opts.RunDir = runDir
	agent := NewAgent(def, client, store.New(), opts)

	if err := agent.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls := client.callNames()
	if calls[0] != "build" {
		t.Fatalf("expected build first, calls: %v", calls)
	}
	if !strings.HasPrefix(client.created[0].Image, "svc-") {
		t.Fatalf("container should run the freshly built image, got %q", client.created[0].Image)
	}
}

func TestStopStopsAndRemoves(t *testing.T) {
	client := &fakeClient{
		existing: []docker.ContainerInfo{
			{ID: "run-1", Name: "svc-grp-1234", Status: "running"},
			{ID: "old-1", Name: "svc-grp-0001", Status: "exited"},
		},
	}
	opts := testOpts()
	opts.Remove = true
	def := testDef(t, service.NopHooks{})
	def.StopSignal = "SIGINT"
	agent := NewAgent(def, client, store.New(), opts)

	if err := agent.Stop(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if agent.State() != StateStopped {
		t.Fatalf("expected Stopped, got %s", agent.State())
	}
	if !contains(client.calls, "stop run-1 SIGINT") {
		t.Errorf("running container not stopped with its signal: %v", client.calls)
	}
	// Both the stopped and the already-exited container get removed.
	if !contains(client.calls, "remove run-1") || !contains(client.calls, "remove old-1") {
		t.Errorf("containers not removed: %v", client.calls)
	}
}

func TestStopWithoutContainersIsIdempotent(t *testing.T) {
	client := &fakeClient{}
	agent := NewAgent(testDef(t, service.NopHooks{}), client, store.New(), testOpts())

	if err := agent.Stop(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if agent.State() != StateStopped {
		t.Fatalf("expected Stopped, got %s", agent.State())
	}
}

func TestStopReportsFailureButFinishes(t *testing.T) {
	client := &fakeClient{
		stopErr: errors.New("daemon hiccup"),
		existing: []docker.ContainerInfo{
			{ID: "run-1", Name: "svc-grp-1234", Status: "running"},
		},
	}
	agent := NewAgent(testDef(t, service.NopHooks{}), client, store.New(), testOpts())

	if err := agent.Stop(context.Background()); err == nil {
		t.Fatal("expected stop error to be reported")
	}
	if agent.State() != StateStopped {
		t.Fatalf("expected Stopped, got %s", agent.State())
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
