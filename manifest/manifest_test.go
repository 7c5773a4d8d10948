package manifest_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theater-run/theater/manifest"
)

const validManifest = `
name: echo-actor
package: store://components/hash/abc123
handlers:
  - capability: timing
    options:
      resolution_ms: 10
permissions:
  timing:
    allow: ["now", "sleep"]
    rate_per_sec: 5
`

func TestParseValidManifest(t *testing.T) {
	cfg, err := manifest.Parse([]byte(validManifest))
	require.NoError(t, err)
	assert.Equal(t, "echo-actor", cfg.Name)
	assert.Equal(t, "store://components/hash/abc123", cfg.Package)
	require.Len(t, cfg.Handlers, 1)
	assert.Equal(t, "timing", cfg.Handlers[0].Capability)

	var options map[string]int
	require.NoError(t, json.Unmarshal(cfg.Handlers[0].Options, &options))
	assert.Equal(t, map[string]int{"resolution_ms": 10}, options)

	assert.True(t, cfg.Permissions.Allowed("timing", "now"))
	assert.False(t, cfg.Permissions.Allowed("timing", "spawn"))
	assert.False(t, cfg.Permissions.Allowed("filesystem", "read"))
}

func TestParseRejectsMissingName(t *testing.T) {
	_, err := manifest.Parse([]byte("package: store://x/hash/y\n"))
	assert.Error(t, err)
}

func TestParseRejectsMissingPackage(t *testing.T) {
	_, err := manifest.Parse([]byte("name: x\n"))
	assert.Error(t, err)
}

func TestValidateOptionsAcceptsConformingPayload(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"properties": {"resolution_ms": {"type": "integer", "minimum": 1}},
		"required": ["resolution_ms"]
	}`)
	options := json.RawMessage(`{"resolution_ms": 10}`)
	assert.NoError(t, manifest.ValidateOptions(schema, options))
}

func TestValidateOptionsRejectsNonConformingPayload(t *testing.T) {
	schema := []byte(`{
		"type": "object",
		"properties": {"resolution_ms": {"type": "integer", "minimum": 1}},
		"required": ["resolution_ms"]
	}`)
	options := json.RawMessage(`{}`)
	assert.Error(t, manifest.ValidateOptions(schema, options))
}

func TestValidateOptionsNilSchemaAllowsAnything(t *testing.T) {
	assert.NoError(t, manifest.ValidateOptions(nil, json.RawMessage(`{"anything": true}`)))
}
