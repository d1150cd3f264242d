// Package dsl reads test flow catalogs from YAML files. A file declares
// variables and a list of flows whose task text may reference them as
// {{ .vars.name }} or read the environment as {{ .env.NAME }}.
package dsl

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"

	yaml "gopkg.in/yaml.v3"

	"github.com/rocketship-ai/qapilot/internal/model"
)

const Version = "v1"

// FlowFile is the on-disk shape of a flow catalog.
type FlowFile struct {
	Version string                 `yaml:"version"`
	Vars    map[string]interface{} `yaml:"vars"`
	Flows   []Flow                 `yaml:"flows"`
}

type Flow struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Task        string `yaml:"task"`
}

// ParseFlows validates yamlPayload, renders every flow's task and
// description and returns them as unsaved test flows. overrides replace
// file variables of the same name.
func ParseFlows(yamlPayload []byte, overrides map[string]string) ([]model.TestFlow, error) {
	if err := ValidateYAMLWithSchema(yamlPayload); err != nil {
		return nil, err
	}

	var file FlowFile
	if err := yaml.Unmarshal(yamlPayload, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	vars := MergeVariables(file.Vars, overrides)
	seen := make(map[string]bool, len(file.Flows))
	flows := make([]model.TestFlow, 0, len(file.Flows))
	for i, f := range file.Flows {
		name := strings.TrimSpace(f.Name)
		if seen[name] {
			return nil, fmt.Errorf("flow %d: duplicate name %q", i, name)
		}
		seen[name] = true

		task, err := Render(f.Task, vars)
		if err != nil {
			return nil, fmt.Errorf("flow %q: task: %w", name, err)
		}
		desc, err := Render(f.Description, vars)
		if err != nil {
			return nil, fmt.Errorf("flow %q: description: %w", name, err)
		}
		flows = append(flows, model.TestFlow{
			Name:        name,
			Description: strings.TrimSpace(desc),
			Task:        strings.TrimSpace(task),
		})
	}
	return flows, nil
}

// ParseFile reads and parses a flow file from disk.
func ParseFile(path string, overrides map[string]string) ([]model.TestFlow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow file: %w", err)
	}
	return ParseFlows(data, overrides)
}

// Render executes input as a template over vars and the process
// environment. Unknown variables are an error.
func Render(input string, vars map[string]interface{}) (string, error) {
	if !strings.Contains(input, "{{") {
		return input, nil
	}
	tmpl, err := template.New("flow").Option("missingkey=error").Parse(input)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	data := map[string]interface{}{
		"vars": vars,
		"env":  environ(),
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template: %w", err)
	}
	return buf.String(), nil
}

// MergeVariables overlays CLI values on file variables.
func MergeVariables(fileVars map[string]interface{}, overrides map[string]string) map[string]interface{} {
	merged := make(map[string]interface{}, len(fileVars)+len(overrides))
	for k, v := range fileVars {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}
