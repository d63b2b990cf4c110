// Package tooling is the tool substrate: a registry of tool descriptors with
// argument schemas, and a dispatcher that invokes handlers under per-tool
// rate limits and timeouts.
package tooling

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrUnknownTool reports a dispatch or lookup for an unregistered name.
	ErrUnknownTool = errors.New("tooling: unknown tool")
	// ErrArgsInvalid reports arguments rejected by the tool's schema.
	ErrArgsInvalid = errors.New("tooling: arguments invalid")
)

// Descriptor declares one tool in the catalog. Tier and WriteCapable feed
// the risk policy; ArgSchema is a JSON schema applied before dispatch.
type Descriptor struct {
	Name           string         `yaml:"name" json:"name"`
	Tier           string         `yaml:"tier" json:"tier"`
	HandlerID      string         `yaml:"handler_id" json:"handler_id"`
	ArgSchema      map[string]any `yaml:"arg_schema" json:"arg_schema"`
	RateRPS        float64        `yaml:"rate_rps" json:"rate_rps"`
	TimeoutSeconds int            `yaml:"timeout_seconds" json:"timeout_seconds"`
	WriteCapable   bool           `yaml:"write_capable" json:"write_capable"`
	PathArgs       []string       `yaml:"path_args" json:"path_args"`
}

type registered struct {
	desc   Descriptor
	schema *jsonschema.Schema
}

// Registry holds the tool catalog. Immutable after construction.
type Registry struct {
	tools map[string]registered
}

// NewRegistry compiles every descriptor's argument schema. A descriptor
// without a schema accepts any object.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	r := &Registry{tools: make(map[string]registered, len(descriptors))}
	for _, d := range descriptors {
		if d.Name == "" {
			return nil, errors.New("tooling: descriptor with empty name")
		}
		if _, dup := r.tools[d.Name]; dup {
			return nil, fmt.Errorf("tooling: duplicate tool %q", d.Name)
		}

		var schema *jsonschema.Schema
		if d.ArgSchema != nil {
			raw, err := marshalSchema(d.ArgSchema)
			if err != nil {
				return nil, fmt.Errorf("tooling: tool %q: %w", d.Name, err)
			}
			compiler := jsonschema.NewCompiler()
			url := "tool://" + d.Name + "/args.json"
			if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
				return nil, fmt.Errorf("tooling: tool %q: %w", d.Name, err)
			}
			if schema, err = compiler.Compile(url); err != nil {
				return nil, fmt.Errorf("tooling: tool %q: compile schema: %w", d.Name, err)
			}
		}
		r.tools[d.Name] = registered{desc: d, schema: schema}
	}
	return r, nil
}

// Lookup returns the descriptor for a tool name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	t, ok := r.tools[name]
	return t.desc, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateArgs applies the tool's argument schema. Unknown tools and schema
// violations both fail; a tool without a schema accepts everything.
func (r *Registry) ValidateArgs(name string, args map[string]any) error {
	t, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if t.schema == nil {
		return nil
	}
	doc := jsonRoundTrip(args)
	if err := t.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrArgsInvalid, err)
	}
	return nil
}

// TierMap projects the catalog into the risk policy's tool→tier mapping.
func (r *Registry) TierMap() map[string]string {
	tiers := make(map[string]string, len(r.tools))
	for name, t := range r.tools {
		tiers[name] = t.desc.Tier
	}
	return tiers
}

// WriteTools lists the write-capable tool names, sorted.
func (r *Registry) WriteTools() []string {
	var names []string
	for name, t := range r.tools {
		if t.desc.WriteCapable {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
