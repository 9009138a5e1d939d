package declarative

import (
	"github.com/BaSui01/agentrun/types"
)

// PartialSpec is one named fragment of agent configuration.
// Scalar fields are Optional so that an omitted field inherits from the parent
// while an explicitly set one, even to a zero value, overrides it.
// This struct is designed to be deserialized from YAML or JSON files.
type PartialSpec struct {
	// Identity
	ID     string `yaml:"id" json:"id"`
	Parent string `yaml:"parent,omitempty" json:"parent,omitempty"`

	// LLM configuration
	Model       types.Optional[string]  `yaml:"model,omitempty" json:"model,omitzero"`
	Provider    types.Optional[string]  `yaml:"provider,omitempty" json:"provider,omitzero"`
	Temperature types.Optional[float64] `yaml:"temperature,omitempty" json:"temperature,omitzero"`
	MaxTokens   types.Optional[int]     `yaml:"max_tokens,omitempty" json:"max_tokens,omitzero"`

	// Prompt
	SystemPrompt types.Optional[string] `yaml:"system_prompt,omitempty" json:"system_prompt,omitzero"`

	// Tools are unioned across the chain, first-seen order.
	Tools []string `yaml:"tools,omitempty" json:"tools,omitempty"`

	// Metadata is merged key by key, descendants win.
	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Clone returns a copy that shares no mutable state with p.
func (p *PartialSpec) Clone() *PartialSpec {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Tools = append([]string(nil), p.Tools...)
	cp.Metadata = cloneMetadata(p.Metadata)
	return &cp
}

// cloneMetadata deep-copies nested maps and slices produced by YAML/JSON decoding.
func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMetadata(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// AgentSpec is the flattened result of merging a PartialSpec chain.
type AgentSpec struct {
	ID           string         `json:"id"`
	Model        string         `json:"model,omitempty"`
	Provider     string         `json:"provider,omitempty"`
	Temperature  *float64       `json:"temperature,omitempty"`
	MaxTokens    *int           `json:"max_tokens,omitempty"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Tools        []string       `json:"tools,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	// Provenance lists the contributing spec IDs, root first.
	Provenance []string `json:"provenance"`
	// Depth is the number of specs in the chain.
	Depth int `json:"depth"`
	// FieldSources maps each set scalar field to the spec ID it came from.
	FieldSources map[string]string `json:"field_sources,omitempty"`
}

// Scalar field names used in FieldSources.
const (
	FieldModel        = "model"
	FieldProvider     = "provider"
	FieldTemperature  = "temperature"
	FieldMaxTokens    = "max_tokens"
	FieldSystemPrompt = "system_prompt"
)
