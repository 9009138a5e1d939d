package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/agentrun/types"
	"github.com/BaSui01/agentrun/workflow/approval"
	"github.com/BaSui01/agentrun/workflow/retry"
)

// Definition is the serializable form of a workflow
type Definition struct {
	Name        string           `yaml:"name" json:"name" jsonschema:"description=Workflow name"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []StepDefinition `yaml:"steps" json:"steps" jsonschema:"minItems=1"`
	Metadata    map[string]any   `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// StepDefinition is the serializable form of a Step
type StepDefinition struct {
	ID                  string            `yaml:"id" json:"id"`
	AgentSpecID         string            `yaml:"agent_spec_id" json:"agent_spec_id"`
	DependsOn           []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	LockKey             string            `yaml:"lock_key,omitempty" json:"lock_key,omitempty"`
	RequiresApproval    bool              `yaml:"requires_approval,omitempty" json:"requires_approval,omitempty"`
	ApprovalTimeout     types.Duration    `yaml:"approval_timeout,omitempty" json:"approval_timeout,omitempty"`
	ApprovalDefault     approval.Decision `yaml:"approval_default,omitempty" json:"approval_default,omitempty" jsonschema:"enum=approve,enum=reject"`
	Critical            bool              `yaml:"critical,omitempty" json:"critical,omitempty"`
	RunAlways           bool              `yaml:"run_always,omitempty" json:"run_always,omitempty"`
	Timeout             types.Duration    `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	EstimatedCost       decimal.Decimal   `yaml:"estimated_cost,omitempty" json:"estimated_cost,omitzero"`
	Input               map[string]any    `yaml:"input,omitempty" json:"input,omitempty"`
	RetryPolicyOverride *retry.Override   `yaml:"retry_policy_override,omitempty" json:"retry_policy_override,omitempty"`
}

// ParseDefinition decodes a definition. format is "yaml" or "json"; an empty
// format sniffs JSON by a leading '{'.
func ParseDefinition(data []byte, format string) (*Definition, error) {
	if format == "" {
		format = "yaml"
		if trimmed := strings.TrimSpace(string(data)); strings.HasPrefix(trimmed, "{") {
			format = "json"
		}
	}

	var def Definition
	switch format {
	case "json":
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow from JSON: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow from YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported workflow format: %s", format)
	}
	return &def, nil
}

// LoadDefinitionFile reads a workflow definition, picking the format from the
// file extension.
func LoadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	format := ""
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		format = "json"
	case ".yaml", ".yml":
		format = "yaml"
	}
	return ParseDefinition(data, format)
}

// LoadGraphFile reads a definition file and builds its graph.
func LoadGraphFile(path string) (*Graph, error) {
	def, err := LoadDefinitionFile(path)
	if err != nil {
		return nil, err
	}
	return def.Build()
}

// Build validates the definition and converts it into a Graph. Cycles and
// dangling depends_on references are rejected here, before any execution.
func (d *Definition) Build() (*Graph, error) {
	if strings.TrimSpace(d.Name) == "" {
		return nil, invalidWorkflow("workflow name is required")
	}
	steps := make([]*Step, 0, len(d.Steps))
	for _, sd := range d.Steps {
		steps = append(steps, &Step{
			ID:               sd.ID,
			AgentSpecID:      sd.AgentSpecID,
			DependsOn:        append([]string(nil), sd.DependsOn...),
			LockKey:          sd.LockKey,
			RequiresApproval: sd.RequiresApproval,
			ApprovalTimeout:  sd.ApprovalTimeout.Std(),
			ApprovalDefault:  sd.ApprovalDefault,
			Critical:         sd.Critical,
			RunAlways:        sd.RunAlways,
			Retry:            sd.RetryPolicyOverride,
			Timeout:          sd.Timeout.Std(),
			EstimatedCost:    sd.EstimatedCost,
			Input:            sd.Input,
		})
	}
	g, err := NewGraph(d.Name, steps)
	if err != nil {
		return nil, err
	}
	g.description = d.Description
	return g, nil
}

// ToDefinition converts a graph back to its serializable form
func (g *Graph) ToDefinition() *Definition {
	def := &Definition{
		Name:        g.name,
		Description: g.description,
		Steps:       make([]StepDefinition, 0, len(g.steps)),
	}
	for _, s := range g.steps {
		def.Steps = append(def.Steps, StepDefinition{
			ID:                  s.ID,
			AgentSpecID:         s.AgentSpecID,
			DependsOn:           append([]string(nil), s.DependsOn...),
			LockKey:             s.LockKey,
			RequiresApproval:    s.RequiresApproval,
			ApprovalTimeout:     types.Duration(s.ApprovalTimeout),
			ApprovalDefault:     s.ApprovalDefault,
			Critical:            s.Critical,
			RunAlways:           s.RunAlways,
			Timeout:             types.Duration(s.Timeout),
			EstimatedCost:       s.EstimatedCost,
			Input:               s.Input,
			RetryPolicyOverride: s.Retry,
		})
	}
	return def
}

// ToJSON converts a Definition to JSON string
func (d *Definition) ToJSON() (string, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	return string(data), nil
}

// ToYAML converts a Definition to YAML string
func (d *Definition) ToYAML() (string, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to marshal to YAML: %w", err)
	}
	return string(data), nil
}

var (
	decimalType  = reflect.TypeOf(decimal.Decimal{})
	durationType = reflect.TypeOf(types.Duration(0))
)

// DefinitionSchema returns the JSON Schema of the workflow definition format.
func DefinitionSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		ExpandedStruct: true,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			switch t {
			case decimalType:
				return &jsonschema.Schema{
					OneOf: []*jsonschema.Schema{
						{Type: "number", Minimum: json.Number("0")},
						{Type: "string", Pattern: `^[0-9]+(\.[0-9]+)?$`},
					},
				}
			case durationType:
				return &jsonschema.Schema{
					Description: "Go duration string (\"1.5s\") or milliseconds",
					OneOf: []*jsonschema.Schema{
						{Type: "string"},
						{Type: "integer", Minimum: json.Number("0")},
					},
				}
			}
			return nil
		},
	}
	s := r.Reflect(&Definition{})
	s.Title = "agentrun workflow"
	return s
}
