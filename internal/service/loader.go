package service

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Collection is a parsed definitions file.
type Collection struct {
	Group string
	Dir   string // absolute directory of the definitions file; build paths and the context file resolve against it

	// Definitions in declaration order. The graph resolver uses this order
	// as the tie-break for independent services, so it must be stable.
	Definitions []*Definition
}

// rawService is the YAML deserialization target for one service entry.
type rawService struct {
	Image          string               `yaml:"image"`
	Dependencies   []string             `yaml:"dependencies"`
	Env            map[string]yaml.Node `yaml:"env"`
	Ports          map[int]int          `yaml:"ports"`
	Volumes        []yaml.Node          `yaml:"volumes"`
	AlwaysStartNew bool                 `yaml:"always_start_new"`
	StopSignal     string               `yaml:"stop_signal"`
	BuildFrom      string               `yaml:"build_from"`
	Dockerfile     string               `yaml:"dockerfile"`
	Entrypoint     yaml.Node            `yaml:"entrypoint"`
	Cmd            yaml.Node            `yaml:"cmd"`
	User           string               `yaml:"user"`
	Ping           *rawPing             `yaml:"ping"`
}

type rawPing struct {
	TCP  string `yaml:"tcp"`
	HTTP string `yaml:"http"`
}

type rawCollection struct {
	Group    string    `yaml:"group"`
	Services yaml.Node `yaml:"services"`
}

// Load reads a miniboss.yml from path.
func Load(path string) (*Collection, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open definitions file: %w", err)
	}
	defer f.Close()

	collection, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolve definitions directory: %w", err)
	}
	collection.Dir = dir
	if collection.Group == "" {
		collection.Group = Slugify(filepath.Base(dir))
	}
	return collection, nil
}

// Parse reads service definitions from the given reader. Services are kept in
// declaration order; a mapping is used in the file, so the YAML node tree is
// walked directly instead of decoding into a Go map.
func Parse(r io.Reader) (*Collection, error) {
	var raw rawCollection
	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode definitions: %w", err)
	}

	if raw.Services.Kind == 0 || len(raw.Services.Content) == 0 {
		return nil, &DefinitionError{Reason: "no services defined"}
	}
	if raw.Services.Kind != yaml.MappingNode {
		return nil, &DefinitionError{Reason: "'services' must be a mapping"}
	}

	collection := &Collection{Group: raw.Group}
	for i := 0; i+1 < len(raw.Services.Content); i += 2 {
		nameNode := raw.Services.Content[i]
		bodyNode := raw.Services.Content[i+1]

		var body rawService
		if err := bodyNode.Decode(&body); err != nil {
			return nil, fmt.Errorf("service %q: %w", nameNode.Value, err)
		}

		def, err := definitionFromRaw(nameNode.Value, &body)
		if err != nil {
			return nil, err
		}
		collection.Definitions = append(collection.Definitions, def)
	}
	return collection, nil
}

func definitionFromRaw(name string, raw *rawService) (*Definition, error) {
	env, err := parseEnv(name, raw.Env)
	if err != nil {
		return nil, err
	}
	volumes, err := parseVolumes(name, raw.Volumes)
	if err != nil {
		return nil, err
	}
	entrypoint, err := stringOrList(name, "entrypoint", raw.Entrypoint)
	if err != nil {
		return nil, err
	}
	cmd, err := stringOrList(name, "cmd", raw.Cmd)
	if err != nil {
		return nil, err
	}

	def := &Definition{
		Name:           name,
		Image:          raw.Image,
		Dependencies:   raw.Dependencies,
		Env:            env,
		Ports:          raw.Ports,
		Volumes:        volumes,
		AlwaysStartNew: raw.AlwaysStartNew,
		StopSignal:     raw.StopSignal,
		BuildFrom:      raw.BuildFrom,
		Dockerfile:     raw.Dockerfile,
		Entrypoint:     entrypoint,
		Cmd:            cmd,
		User:           raw.User,
		Hooks:          hooksFromRaw(raw.Ping),
	}
	def.normalize()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func hooksFromRaw(ping *rawPing) Hooks {
	if ping == nil {
		return NopHooks{}
	}
	if ping.TCP != "" {
		return TCPPing{Addr: ping.TCP}
	}
	if ping.HTTP != "" {
		return HTTPPing{URL: ping.HTTP}
	}
	return NopHooks{}
}

// parseEnv accepts any scalar as an env value; non-string scalars keep their
// literal text.
func parseEnv(service string, raw map[string]yaml.Node) (map[string]string, error) {
	if raw == nil {
		return nil, nil
	}
	env := make(map[string]string, len(raw))
	for key, node := range raw {
		if node.Kind != yaml.ScalarNode {
			return nil, defErrf(service, "env value for %q must be a scalar", key)
		}
		env[key] = node.Value
	}
	return env, nil
}

// parseVolumes accepts the short "source:target[:mode]" form and the long
// mapping form with source/target/mode keys.
func parseVolumes(service string, raw []yaml.Node) ([]Volume, error) {
	if raw == nil {
		return nil, nil
	}
	volumes := make([]Volume, 0, len(raw))
	for i, node := range raw {
		switch node.Kind {
		case yaml.ScalarNode:
			volume, err := parseVolumeShort(node.Value)
			if err != nil {
				return nil, defErrf(service, "volume %d: %v", i, err)
			}
			volumes = append(volumes, volume)
		case yaml.MappingNode:
			var volume Volume
			if err := node.Decode(&volume); err != nil {
				return nil, defErrf(service, "volume %d: %v", i, err)
			}
			volumes = append(volumes, volume)
		default:
			return nil, defErrf(service, "volume %d: must be a string or a mapping", i)
		}
	}
	return volumes, nil
}

func parseVolumeShort(spec string) (Volume, error) {
	parts := strings.Split(spec, ":")
	switch len(parts) {
	case 2:
		return Volume{Source: parts[0], Target: parts[1]}, nil
	case 3:
		return Volume{Source: parts[0], Target: parts[1], Mode: parts[2]}, nil
	default:
		return Volume{}, fmt.Errorf("volume spec %q must be source:target[:mode]", spec)
	}
}

func stringOrList(service, field string, node yaml.Node) ([]string, error) {
	switch node.Kind {
	case 0:
		return nil, nil
	case yaml.ScalarNode:
		if node.Value == "" {
			return nil, nil
		}
		return strings.Fields(node.Value), nil
	case yaml.SequenceNode:
		var out []string
		if err := node.Decode(&out); err != nil {
			return nil, defErrf(service, "field %q must be a string or list of strings", field)
		}
		return out, nil
	default:
		return nil, defErrf(service, "field %q must be a string or list of strings", field)
	}
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify turns a directory name into a value usable as a group name,
// container name part and network name part.
func Slugify(name string) string {
	slug := slugRe.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(slug, "-")
}
