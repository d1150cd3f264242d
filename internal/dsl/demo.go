package dsl

import (
	_ "embed"
	"fmt"

	"github.com/rocketship-ai/qapilot/internal/model"
)

//go:embed demo_flows.yaml
var demoFlows []byte

// DemoFlows returns the built-in demo catalog rendered for baseURL.
func DemoFlows(baseURL string) ([]model.TestFlow, error) {
	overrides := map[string]string{}
	if baseURL != "" {
		overrides["baseUrl"] = baseURL
	}
	flows, err := ParseFlows(demoFlows, overrides)
	if err != nil {
		return nil, fmt.Errorf("demo flows: %w", err)
	}
	for i := range flows {
		flows[i].IsDemo = true
	}
	return flows, nil
}
