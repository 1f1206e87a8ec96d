// Package manifest loads layered YAML manifests describing a world's
// dependencies (tool versions, setup commands, environment) with base-chain
// resolution: a manifest may declare a
// `base` to inherit from, either a whole-file inheritance or masked on a
// per-section basis, with cycle and depth guards.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxBaseDepth bounds how deep a base chain can resolve, guarding against
// long (but non-circular) chains as well as most cycles a visited-set miss
// would otherwise allow through.
const maxBaseDepth = 10

// BaseField is the `base:` key. A scalar names a whole-file parent; an
// object selectively masks individual sections to a different parent.
type BaseField struct {
	Name  string `yaml:"name,omitempty"`
	Tools string `yaml:"tools,omitempty"`
	Env   string `yaml:"env,omitempty"`
	Setup string `yaml:"setup,omitempty"`
}

func (b *BaseField) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		b.Name = value.Value
		return nil
	}
	type plain BaseField
	return value.Decode((*plain)(b))
}

func (b BaseField) HasMasks() bool {
	return b.Tools != "" || b.Env != "" || b.Setup != ""
}

// Dependency is a single tool/version requirement a world must satisfy
// before executing, e.g. {name: node, version: "20"}.
type Dependency struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version,omitempty"`
}

// Manifest is a world-dependency manifest: what tools a project needs, what
// environment variables to pass through, and what setup commands to run
// once when a world is first provisioned.
type Manifest struct {
	Base  BaseField         `yaml:"base,omitempty"`
	Tools []Dependency      `yaml:"tools,omitempty"`
	Env   []string          `yaml:"env,omitempty"`
	Setup []string          `yaml:"setup,omitempty"`
	Vars  map[string]string `yaml:"vars,omitempty"`
}

// parseOne parses a single manifest file's YAML content, without resolving
// its base chain.
func parseOne(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	return &m, nil
}

// Load resolves path's full base chain into a single merged Manifest.
func Load(path string) (*Manifest, error) {
	return resolve(path, make(map[string]bool), 0)
}

func resolve(path string, visited map[string]bool, depth int) (*Manifest, error) {
	if depth > maxBaseDepth {
		return nil, fmt.Errorf("manifest: base chain too deep (max %d)", maxBaseDepth)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: resolve path %s: %w", path, err)
	}
	if visited[abs] {
		return nil, fmt.Errorf("manifest: circular base reference at %s", abs)
	}
	visited[abs] = true

	child, err := parseOne(abs)
	if err != nil {
		return nil, err
	}

	var parent *Manifest
	switch child.Base.Name {
	case "none":
		if child.Base.HasMasks() {
			return nil, fmt.Errorf("manifest: base masks invalid with base: none")
		}
		return child, nil
	case "":
		parent = &Manifest{}
	default:
		parentPath := resolveBasePath(child.Base.Name, filepath.Dir(abs))
		parent, err = resolve(parentPath, visited, depth+1)
		if err != nil {
			return nil, fmt.Errorf("manifest: resolve base %q: %w", child.Base.Name, err)
		}
	}

	if child.Base.HasMasks() {
		if err := applySectionMasks(parent, child.Base, filepath.Dir(abs), visited, depth); err != nil {
			return nil, err
		}
	}

	return Merge(parent, child), nil
}

// resolveBasePath turns a base value into an absolute path: a relative path
// (./ or ../) resolves against the child's directory; anything else is
// treated as a named base under ~/.substrate/bases/<name>.yaml.
func resolveBasePath(base, configDir string) string {
	if filepath.IsAbs(base) {
		return base
	}
	if strings.HasPrefix(base, "./") || strings.HasPrefix(base, "../") {
		return filepath.Join(configDir, base)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".substrate", "bases", base+".yaml")
}

// applySectionMasks replaces individual sections of parent with the
// corresponding section from a different resolved manifest, or clears the
// section entirely when the mask value is "none".
func applySectionMasks(parent *Manifest, masks BaseField, configDir string, visited map[string]bool, depth int) error {
	resolveSection := func(name string) (*Manifest, error) {
		if name == "none" {
			return nil, nil
		}
		refPath := resolveBasePath(name, configDir)
		return resolve(refPath, visited, depth+1)
	}

	if masks.Tools != "" {
		ref, err := resolveSection(masks.Tools)
		if err != nil {
			return fmt.Errorf("manifest: resolve base.tools %q: %w", masks.Tools, err)
		}
		if ref == nil {
			parent.Tools = nil
		} else {
			parent.Tools = ref.Tools
		}
	}
	if masks.Env != "" {
		ref, err := resolveSection(masks.Env)
		if err != nil {
			return fmt.Errorf("manifest: resolve base.env %q: %w", masks.Env, err)
		}
		if ref == nil {
			parent.Env = nil
		} else {
			parent.Env = ref.Env
		}
	}
	if masks.Setup != "" {
		ref, err := resolveSection(masks.Setup)
		if err != nil {
			return fmt.Errorf("manifest: resolve base.setup %q: %w", masks.Setup, err)
		}
		if ref == nil {
			parent.Setup = nil
		} else {
			parent.Setup = ref.Setup
		}
	}
	return nil
}

// Merge layers child on top of parent: tools and env are unioned (child
// wins on name collision for tools, a later entry wins for a duplicate
// string in env), setup commands are appended (parent's run first), and
// vars are merged with child overriding parent per-key.
func Merge(parent, child *Manifest) *Manifest {
	merged := &Manifest{}
	merged.Tools = mergeTools(parent.Tools, child.Tools)
	merged.Env = mergeStringSet(parent.Env, child.Env)
	merged.Setup = append(append([]string{}, parent.Setup...), child.Setup...)
	merged.Vars = mergeVars(parent.Vars, child.Vars)
	return merged
}

func mergeTools(parent, child []Dependency) []Dependency {
	byName := make(map[string]Dependency, len(parent)+len(child))
	var order []string
	for _, d := range parent {
		if _, seen := byName[d.Name]; !seen {
			order = append(order, d.Name)
		}
		byName[d.Name] = d
	}
	for _, d := range child {
		if _, seen := byName[d.Name]; !seen {
			order = append(order, d.Name)
		}
		byName[d.Name] = d
	}
	out := make([]Dependency, 0, len(order))
	for _, n := range order {
		out = append(out, byName[n])
	}
	return out
}

func mergeStringSet(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func mergeVars(parent, child map[string]string) map[string]string {
	if len(parent) == 0 && len(child) == 0 {
		return nil
	}
	out := make(map[string]string, len(parent)+len(child))
	for k, v := range parent {
		out[k] = v
	}
	for k, v := range child {
		out[k] = v
	}
	return out
}
