package workflow

import "fmt"

// UsageError reports a bad phase name or flag combination. The CLI maps it
// to its dedicated exit code and prints usage instead of a stack of context.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }

// EnvironmentError reports a host capability that is missing or disabled.
// Retrying cannot fix it, so the error carries remediation text for the
// operator.
type EnvironmentError struct {
	Check       string
	Remediation string
	Err         error
}

func (e *EnvironmentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v (remediation: %s)", e.Check, e.Err, e.Remediation)
	}
	return fmt.Sprintf("%s (remediation: %s)", e.Check, e.Remediation)
}

func (e *EnvironmentError) Unwrap() error { return e.Err }

// ResidualProcessError reports guest processes that survived stop-guests.
// The confirming re-scan found them after every termination attempt, so the
// phase must fail rather than report a clean stop.
type ResidualProcessError struct {
	PIDs []int32
}

func (e *ResidualProcessError) Error() string {
	return fmt.Sprintf("%d guest process(es) still running after termination: %v", len(e.PIDs), e.PIDs)
}
