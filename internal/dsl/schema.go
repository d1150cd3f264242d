package dsl

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	yaml "gopkg.in/yaml.v3"
)

const flowFileSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["version", "flows"],
	"additionalProperties": false,
	"properties": {
		"version": {
			"type": "string",
			"enum": ["v1"]
		},
		"vars": {
			"type": "object",
			"additionalProperties": {
				"type": ["string", "number", "boolean"]
			}
		},
		"flows": {
			"type": "array",
			"minItems": 1,
			"items": {
				"$ref": "#/definitions/flow"
			}
		}
	},
	"definitions": {
		"flow": {
			"type": "object",
			"required": ["name", "task"],
			"additionalProperties": false,
			"properties": {
				"name": {
					"type": "string",
					"minLength": 1
				},
				"description": {
					"type": "string"
				},
				"task": {
					"type": "string",
					"minLength": 1
				}
			}
		}
	}
}`

var schemaLoader = gojsonschema.NewStringLoader(flowFileSchema)

// GetJSONSchema returns the JSON schema flow files are validated against.
func GetJSONSchema() string {
	return flowFileSchema
}

// ValidateYAMLWithSchema checks a flow file against the schema and returns
// every violation in one error.
func ValidateYAMLWithSchema(yamlPayload []byte) error {
	var data interface{}
	if err := yaml.Unmarshal(yamlPayload, &data); err != nil {
		return fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal to JSON: %w", err)
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to validate schema: %w", err)
	}

	if !result.Valid() {
		var b strings.Builder
		for _, desc := range result.Errors() {
			fmt.Fprintf(&b, "- %s\n", desc)
		}
		return fmt.Errorf("schema validation failed:\n%s", b.String())
	}
	return nil
}
