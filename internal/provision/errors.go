package provision

import (
	"fmt"
	"strings"
)

// StepError reports the step at which a run failed and the unit of work it
// was on. It unwraps to the underlying *errs.Error.
type StepError struct {
	At     State
	City   string
	Module string
	Table  string
	Err    error
}

func (e *StepError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "provision %s failed at %s", e.City, e.At)
	if e.Module != "" {
		fmt.Fprintf(&sb, " (module %s", e.Module)
		if e.Table != "" {
			fmt.Fprintf(&sb, ", table %s", e.Table)
		}
		sb.WriteString(")")
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

func (e *StepError) Unwrap() error {
	return e.Err
}
