package service

import (
	"regexp"
)

// Service names double as network aliases, so they must be valid hostnames
// (RFC 1123 label).
var hostnameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// Validate checks a single definition. Set-level checks (name uniqueness,
// dependency resolution, cycles) belong to the graph resolver.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return defErrf("", "field 'name' must be a non-empty string")
	}
	if !hostnameRe.MatchString(d.Name) {
		return defErrf(d.Name, "name is not a valid hostname")
	}
	if d.Image == "" {
		return defErrf(d.Name, "field 'image' must be a non-empty string")
	}
	for containerPort, hostPort := range d.Ports {
		if containerPort <= 0 || hostPort <= 0 {
			return defErrf(d.Name, "ports must be positive, got %d:%d", containerPort, hostPort)
		}
	}
	if d.StopSignal != "" && !allowedStopSignal(d.StopSignal) {
		return defErrf(d.Name, "stop signal not allowed: %s", d.StopSignal)
	}
	for _, volume := range d.Volumes {
		if volume.Source == "" || volume.Target == "" {
			return defErrf(d.Name, "volume definitions must specify source and target")
		}
		if volume.Mode != "" && volume.Mode != "rw" && volume.Mode != "ro" {
			return defErrf(d.Name, "volume mode must be 'rw' or 'ro', got %q", volume.Mode)
		}
	}
	for _, dep := range d.Dependencies {
		if dep == d.Name {
			return defErrf(d.Name, "service depends on itself")
		}
	}
	return nil
}

// normalize fills in defaults. Called by the loader; programmatic callers go
// through it via Normalize.
func (d *Definition) normalize() {
	if d.StopSignal == "" {
		d.StopSignal = "SIGTERM"
	}
	if d.Dockerfile == "" {
		d.Dockerfile = DefaultDockerfile
	}
	if d.Hooks == nil {
		d.Hooks = NopHooks{}
	}
	if d.Env == nil {
		d.Env = map[string]string{}
	}
	if d.Ports == nil {
		d.Ports = map[int]int{}
	}
}

// Normalize applies defaults and validates. Use this when building
// definitions in code rather than from a definitions file.
func (d *Definition) Normalize() error {
	d.normalize()
	return d.Validate()
}

func allowedStopSignal(signal string) bool {
	for _, allowed := range AllowedStopSignals {
		if signal == allowed {
			return true
		}
	}
	return false
}
