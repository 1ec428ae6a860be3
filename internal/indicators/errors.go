package indicators

import "fmt"

// IndicatorError reports an invalid indicator configuration: an unknown
// name, a mode violation, or a malformed custom rule.
type IndicatorError struct {
	Name   string
	Reason string
}

func (e *IndicatorError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("indicator error: %s", e.Reason)
	}
	return fmt.Sprintf("indicator %q: %s", e.Name, e.Reason)
}

func newIndicatorError(name, format string, args ...interface{}) *IndicatorError {
	return &IndicatorError{Name: name, Reason: fmt.Sprintf(format, args...)}
}
