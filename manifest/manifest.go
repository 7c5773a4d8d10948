// Package manifest loads and validates ManifestConfig: the declarative,
// immutable-after-load configuration for one actor. Manifests are authored
// as YAML and their handler option blobs are validated against a JSON
// Schema before being accepted, following the same
// unmarshal-then-schema-validate idiom the registry uses for tool schemas.
package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

type (
	// Config is the immutable configuration for one actor.
	Config struct {
		Name         string        `yaml:"name"`
		Package      string        `yaml:"package"`
		Handlers     []HandlerSpec `yaml:"handlers"`
		Permissions  Permissions   `yaml:"permissions"`
		InitialState []byte        `yaml:"initial_state,omitempty"`
	}

	// HandlerSpec names a capability handler and its raw, handler-specific
	// options. Options are validated against OptionsSchema when the
	// handler's builder registers one; see handler.Registry.
	HandlerSpec struct {
		Capability string          `yaml:"capability"`
		Options    json.RawMessage `yaml:"options,omitempty"`
	}

	// Permissions is the per-capability grant-set consulted by the
	// permission gate before every capability call.
	Permissions map[string]CapabilityGrant

	// CapabilityGrant lists the operations a handler may perform and an
	// optional rate limit applied uniformly across them.
	CapabilityGrant struct {
		Allow      []string `yaml:"allow"`
		RatePerSec float64  `yaml:"rate_per_sec,omitempty"`
		BurstSize  int      `yaml:"burst_size,omitempty"`
	}
)

// UnmarshalYAML decodes a handler entry, capturing the options mapping as
// JSON bytes. The YAML decoder cannot place a mapping node into
// json.RawMessage directly, and everything downstream of Parse — schema
// validation and the handler builders — speaks JSON.
func (s *HandlerSpec) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Capability string    `yaml:"capability"`
		Options    yaml.Node `yaml:"options"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	s.Capability = raw.Capability
	s.Options = nil

	if raw.Options.Kind == 0 || raw.Options.Tag == "!!null" {
		return nil
	}
	var options any
	if err := raw.Options.Decode(&options); err != nil {
		return fmt.Errorf("manifest: decode options for %q: %w", raw.Capability, err)
	}
	encoded, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("manifest: encode options for %q: %w", raw.Capability, err)
	}
	s.Options = encoded
	return nil
}

// Parse decodes YAML manifest bytes into a Config. It does not validate
// handler options against a schema; call ValidateOptions for that, since
// the schema is handler-specific and owned by the handler registry.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("manifest: parse yaml: %w", err)
	}
	if cfg.Name == "" {
		return Config{}, fmt.Errorf("manifest: name is required")
	}
	if cfg.Package == "" {
		return Config{}, fmt.Errorf("manifest: package reference is required")
	}
	return cfg, nil
}

// Allowed reports whether op is permitted for capability under these
// permissions. A capability with no entry grants nothing.
func (p Permissions) Allowed(capability, op string) bool {
	grant, ok := p[capability]
	if !ok {
		return false
	}
	for _, allowed := range grant.Allow {
		if allowed == op {
			return true
		}
	}
	return false
}

// ValidateOptions compiles schema (a JSON Schema document) and validates
// options against it. A nil or empty schema is treated as "anything goes".
func ValidateOptions(schema []byte, options json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	if len(options) == 0 {
		options = json.RawMessage("{}")
	}

	var schemaDoc any
	if err := json.Unmarshal(schema, &schemaDoc); err != nil {
		return fmt.Errorf("manifest: unmarshal schema: %w", err)
	}
	var optionsDoc any
	if err := json.Unmarshal(options, &optionsDoc); err != nil {
		return fmt.Errorf("manifest: unmarshal options: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("options.json", schemaDoc); err != nil {
		return fmt.Errorf("manifest: add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("options.json")
	if err != nil {
		return fmt.Errorf("manifest: compile schema: %w", err)
	}
	if err := compiled.Validate(optionsDoc); err != nil {
		return fmt.Errorf("manifest: options validation: %w", err)
	}
	return nil
}
