package agent

import (
	"fmt"
	"strings"
)

// InterruptExpiredError reports a resume attempt against an interrupt that
// no longer exists, either expired or already consumed.
type InterruptExpiredError struct {
	ID string
}

func (e *InterruptExpiredError) Error() string {
	return fmt.Sprintf("interrupt %s not found or expired", e.ID)
}

// ConfigMismatchError reports provided configuration keys that do not match
// the keys the interrupt asked for. Raised before any gateway traffic.
type ConfigMismatchError struct {
	Missing    []string
	Extraneous []string
}

func (e *ConfigMismatchError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing keys: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Extraneous) > 0 {
		parts = append(parts, "extraneous keys: "+strings.Join(e.Extraneous, ", "))
	}
	return "config mismatch: " + strings.Join(parts, "; ")
}
