package declarative

import (
	"fmt"

	"github.com/BaSui01/agentrun/types"
)

// ValidatePartial checks identity and value ranges of a single spec.
// It does not look at the parent chain.
func ValidatePartial(spec *PartialSpec) error {
	if spec == nil {
		return invalidSpec("agent spec is nil")
	}
	if spec.ID == "" {
		return invalidSpec("agent spec: id is required")
	}
	if spec.Parent == spec.ID {
		return types.NewError(types.ErrCycleDetected,
			fmt.Sprintf("agent spec %q: parent refers to itself", spec.ID))
	}
	if t, ok := spec.Temperature.Get(); ok && (t < 0 || t > 2) {
		return invalidSpec(fmt.Sprintf("agent spec %q: temperature must be between 0 and 2, got %g", spec.ID, t))
	}
	if n, ok := spec.MaxTokens.Get(); ok && n < 0 {
		return invalidSpec(fmt.Sprintf("agent spec %q: max_tokens must be non-negative, got %d", spec.ID, n))
	}
	for i, tool := range spec.Tools {
		if tool == "" {
			return invalidSpec(fmt.Sprintf("agent spec %q: tools[%d] is empty", spec.ID, i))
		}
	}
	return nil
}

func invalidSpec(msg string) error {
	return types.NewError(types.ErrInvalidSpec, msg).WithCategory(types.CategoryValidation)
}
