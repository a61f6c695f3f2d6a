// Package schemavalidation rejects malformed inbound MQTT payloads before
// any Base64/slot work, using JSON Schema as the single source of truth for
// shape instead of hand-rolled field presence checks.
package schemavalidation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// puwBundleSchemaURL and commandSchemaURL are synthetic resource names; no
// network fetch happens since both schemas are compiled from the embedded
// strings below via AddResource.
const (
	puwBundleSchemaURL = "edgecore://schema/puw-bundle-v1.json"
	commandSchemaURL   = "edgecore://schema/mqtt-command-v1.json"
)

// puwBundleSchema mirrors the wire format of a protected-update bundle.
const puwBundleSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["signing_certificate", "manifest", "fragment_count"],
	"properties": {
		"signing_certificate": {"type": "string", "minLength": 1},
		"manifest": {"type": "string", "minLength": 1},
		"fragment_count": {"type": "integer", "minimum": 1, "maximum": 3},
		"fragment_0": {"type": "string"},
		"fragment_1": {"type": "string"},
		"fragment_2": {"type": "string"}
	},
	"allOf": [
		{
			"if": {"properties": {"fragment_count": {"const": 1}}},
			"then": {"required": ["fragment_0"]}
		},
		{
			"if": {"properties": {"fragment_count": {"const": 2}}},
			"then": {"required": ["fragment_0", "fragment_1"]}
		},
		{
			"if": {"properties": {"fragment_count": {"const": 3}}},
			"then": {"required": ["fragment_0", "fragment_1", "fragment_2"]}
		}
	]
}`

// commandSchema covers the JSON-bodied inbound command topics
// (check_certificate_response, upload_certificate_response,
// sync_certificate_response); the certificate and protected_update topics
// carry DER/the PUW bundle respectively and are validated separately.
const commandSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"has_certificate": {"type": "boolean"},
		"status": {"type": "string"}
	}
}`

// Validator holds the compiled schemas used across the life of the process.
type Validator struct {
	puwBundle *jsonschema.Schema
	command   *jsonschema.Schema
}

// New compiles both embedded schemas.
func New() (*Validator, error) {
	puw, err := compile(puwBundleSchemaURL, puwBundleSchema)
	if err != nil {
		return nil, fmt.Errorf("schemavalidation: compile puw bundle schema: %w", err)
	}
	cmd, err := compile(commandSchemaURL, commandSchema)
	if err != nil {
		return nil, fmt.Errorf("schemavalidation: compile command schema: %w", err)
	}
	return &Validator{puwBundle: puw, command: cmd}, nil
}

func compile(url, schema string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// ValidatePUWBundle rejects a protected_update payload that doesn't match
// the wire format before any Base64 decode or slot work is attempted
//.
func (v *Validator) ValidatePUWBundle(data []byte) error {
	return v.validate(v.puwBundle, data)
}

// ValidateCommand validates the JSON-bodied CLSM acknowledgement/response
// topics.
func (v *Validator) ValidateCommand(data []byte) error {
	return v.validate(v.command, data)
}

func (v *Validator) validate(schema *jsonschema.Schema, data []byte) error {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("schemavalidation: invalid JSON: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("schemavalidation: %w", err)
	}
	return nil
}
