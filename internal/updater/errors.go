package updater

import "fmt"

// ApplyError reports a failure to install a resolver configuration.
type ApplyError struct {
	Op  string
	Err error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("failed to %s resolver configuration: %v", e.Op, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }
