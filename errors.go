package tuyalan

import "fmt"

// ConfigurationError reports an invalid Config, spec.md §7 category 1.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("tuyalan: configuration: %s: %s", e.Field, e.Reason)
}

// OperationResult is the user-visible outcome of every public operation,
// spec.md §7's "{success: false, Error: '...'}" shape.
type OperationResult struct {
	Success bool
	Error   string
	Dps     map[string]any
}

// parseErrorCode renders a device return code as a user string. Per
// spec.md §9's open question, unknown codes fall through to a generic
// "Error code: N"; 0 renders as an empty string and codes 1 and 2 get a
// short message.
func parseErrorCode(code uint32) string {
	switch code {
	case 0:
		return ""
	case 1:
		return "device busy"
	case 2:
		return "device rejected request"
	default:
		return fmt.Sprintf("Error code: %d", code)
	}
}
