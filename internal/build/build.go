// Package build prepares and runs image builds for reloadable services. The
// Dockerfile is parsed locally before the daemon is involved, so syntax
// problems surface with a line number instead of a failed build stream.
package build

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/moby/buildkit/frontend/dockerfile/parser"
)

// ImageBuilder is the runtime slice the builder needs.
type ImageBuilder interface {
	BuildImage(ctx context.Context, dir, dockerfile, tag string) error
}

// ImageTag derives the tag a rebuilt service image is stored under. The
// timestamp makes every reload produce a distinct tag, so an exited container
// from a previous build is never mistaken for reusable.
func ImageTag(serviceName string, now time.Time) string {
	return fmt.Sprintf("%s-%s", serviceName, now.Format("2006-01-02-1504"))
}

// Validate parses the Dockerfile and checks it has at least one FROM
// instruction.
func Validate(r io.Reader, name string) error {
	parsed, err := parser.Parse(r)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	for _, node := range parsed.AST.Children {
		if strings.EqualFold(strings.TrimSpace(node.Value), "from") {
			return nil
		}
	}
	return fmt.Errorf("%s has no FROM instruction", name)
}

// Run validates the service's Dockerfile and builds the image, returning the
// tag it was built under. buildFrom is resolved relative to runDir.
func Run(ctx context.Context, builder ImageBuilder, runDir, buildFrom, dockerfile, serviceName string) (string, error) {
	buildDir := buildFrom
	if !filepath.IsAbs(buildDir) {
		buildDir = filepath.Join(runDir, buildFrom)
	}

	dockerfilePath := filepath.Join(buildDir, dockerfile)
	f, err := os.Open(dockerfilePath)
	if err != nil {
		return "", fmt.Errorf("open dockerfile: %w", err)
	}
	err = Validate(f, dockerfilePath)
	f.Close()
	if err != nil {
		return "", err
	}

	tag := ImageTag(serviceName, time.Now())
	fmt.Printf("[miniboss] building image %s for service %s from %s\n", tag, serviceName, buildDir)
	if err := builder.BuildImage(ctx, buildDir, dockerfile, tag); err != nil {
		return "", err
	}
	return tag, nil
}
