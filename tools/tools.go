// Package tools implements the built-in tools the agent can invoke and the
// permission-gated executor that runs them.
package tools

import (
	"context"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/quillworks/quill/config"
	"github.com/quillworks/quill/errors"
)

// Tool defines the interface for any action the agent can take. Schema
// returns the JSON-Schema object describing the tool's arguments; Mutates
// reports whether executing the tool can change state outside the agent.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]interface{}
	Mutates() bool
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// Registry holds all available tools, built-ins plus any registered from
// capability servers. Built-in names always win collisions.
type Registry struct {
	tools    map[string]Tool
	builtins map[string]bool
}

// NewRegistry creates a registry populated with the built-in tools.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{
		tools:    make(map[string]Tool),
		builtins: make(map[string]bool),
	}

	fsAccess := &cfg.FilesystemAccess
	timeout := time.Duration(cfg.CommandTimeoutMs) * time.Millisecond

	r.registerBuiltin(&ReadFileTool{fsAccess: fsAccess})
	r.registerBuiltin(&WriteFileTool{fsAccess: fsAccess})
	r.registerBuiltin(&EditFileTool{fsAccess: fsAccess})
	r.registerBuiltin(&ListDirectoryTool{fsAccess: fsAccess})
	r.registerBuiltin(&GlobTool{fsAccess: fsAccess})
	r.registerBuiltin(&GrepTool{fsAccess: fsAccess})
	r.registerBuiltin(&ExecuteCommandTool{timeout: timeout})
	r.registerBuiltin(&FetchURLTool{})

	return r
}

func (r *Registry) registerBuiltin(t Tool) {
	r.tools[t.Name()] = t
	r.builtins[t.Name()] = true
}

// RegisterExternal adds a tool from a capability server. Names that collide
// with a built-in are rejected so the built-in stays authoritative.
func (r *Registry) RegisterExternal(t Tool) error {
	if r.builtins[t.Name()] {
		return errors.New("tool '%s' shadows a built-in and was not registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name])
	}
	return out
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, errors.New("invalid glob pattern '%s': %v", pattern, err)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// checkReadable denies access to hidden paths.
func checkReadable(fs *config.FilesystemAccess, path string) error {
	hidden, err := isPathRestricted(path, fs.Hidden)
	if err != nil {
		return err
	}
	if hidden {
		return errors.New("access denied: path '%s' is hidden", path)
	}
	return nil
}

// checkWritable denies access to hidden and read-only paths.
func checkWritable(fs *config.FilesystemAccess, path string) error {
	if err := checkReadable(fs, path); err != nil {
		return err
	}
	readOnly, err := isPathRestricted(path, fs.ReadOnly)
	if err != nil {
		return err
	}
	if readOnly {
		return errors.New("access denied: path '%s' is read-only", path)
	}
	return nil
}

// validateArgs checks the arguments against the tool's JSON-Schema object:
// required keys must be present and declared properties must have the
// declared primitive type. Unknown keys pass through untouched.
func validateArgs(schema map[string]interface{}, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	for _, key := range requiredKeys(schema) {
		if _, present := args[key]; !present {
			return errors.New("missing required argument '%s'", key)
		}
	}
	props, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return nil
	}
	for key, value := range args {
		raw, declared := props[key]
		if !declared {
			continue
		}
		prop, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		wantType, _ := prop["type"].(string)
		if wantType == "" || value == nil {
			continue
		}
		if !matchesType(value, wantType) {
			return errors.New("argument '%s' must be of type %s", key, wantType)
		}
	}
	return nil
}

// requiredKeys reads the schema's required list, which is []string when
// declared in Go and []interface{} when decoded from JSON.
func requiredKeys(schema map[string]interface{}) []string {
	switch required := schema["required"].(type) {
	case []string:
		return required
	case []interface{}:
		keys := make([]string, 0, len(required))
		for _, r := range required {
			if s, ok := r.(string); ok {
				keys = append(keys, s)
			}
		}
		return keys
	default:
		return nil
	}
}

func matchesType(value interface{}, wantType string) bool {
	switch wantType {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number", "integer":
		switch value.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	default:
		return true
	}
}

// objectSchema is a small helper for declaring tool schemas.
func objectSchema(required []string, props map[string]interface{}) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}
