package validation

import (
	"github.com/rendis/flowmaster/internal/store"
	"github.com/rendis/flowmaster/pkg/schema"
)

// Validator checks workflow specs and commands before the master acts on them.
// Structural checks use JSON Schema Draft 2020-12.
type Validator interface {
	ValidateSpec(spec *schema.WorkflowSpec) error
	ValidateCommand(cmd *store.Command) error
}
