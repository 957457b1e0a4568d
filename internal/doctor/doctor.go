// Package doctor runs the environment preflight: is a docker client
// installed, is the daemon reachable, can images be built. None of the
// checks mutate anything.
package doctor

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

type Runner func(name string, args ...string) ([]byte, error)

// Pinger is the daemon reachability probe; satisfied by the docker client.
type Pinger interface {
	Ping(ctx context.Context) error
}

type CheckResult struct {
	Name    string
	OK      bool
	Version string
	Detail  string
}

func defaultRunner(name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	stdout, err := cmd.Output()
	if err == nil {
		return stdout, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		combined := make([]byte, 0, len(stdout)+len(exitErr.Stderr))
		combined = append(combined, stdout...)
		combined = append(combined, exitErr.Stderr...)
		return combined, err
	}

	return stdout, err
}

func CheckDocker(run Runner) CheckResult {
	return check("docker", run, "docker", "version", "--format", "{{.Client.Version}}")
}

func CheckBuildx(run Runner) CheckResult {
	return check("buildkit", run, "docker", "buildx", "version")
}

// CheckDaemon probes the docker daemon over the API socket. A nil pinger
// means no client could be constructed, which is itself a failed check.
func CheckDaemon(ctx context.Context, pinger Pinger) CheckResult {
	if pinger == nil {
		return CheckResult{Name: "daemon", Detail: "no docker client"}
	}
	if err := pinger.Ping(ctx); err != nil {
		return CheckResult{Name: "daemon", Detail: err.Error()}
	}
	return CheckResult{Name: "daemon", OK: true, Version: "reachable"}
}

func RunAll(ctx context.Context, pinger Pinger) []CheckResult {
	return RunAllWithRunner(ctx, pinger, defaultRunner)
}

func RunAllWithRunner(ctx context.Context, pinger Pinger, run Runner) []CheckResult {
	return []CheckResult{
		CheckDocker(run),
		CheckDaemon(ctx, pinger),
		CheckBuildx(run),
	}
}

func check(name string, run Runner, binary string, args ...string) CheckResult {
	output, err := run(binary, args...)
	if err != nil {
		return CheckResult{
			Name:   name,
			OK:     false,
			Detail: strings.TrimSpace(string(output)),
		}
	}

	version := strings.TrimSpace(firstLine(string(output)))
	return CheckResult{
		Name:    name,
		OK:      version != "",
		Version: version,
	}
}

func firstLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[0])
}
