package device

import (
	"fmt"
	"strings"
)

// IdentityError reports an identification reply that cannot be parsed.
type IdentityError struct {
	Reply  string
	Reason string
}

func NewIdentityError(reply, reason string) *IdentityError {
	return &IdentityError{Reply: reply, Reason: reason}
}

func (e *IdentityError) Error() string {
	return fmt.Sprintf("unrecognised identification reply %q: %s", e.Reply, e.Reason)
}

// ProtocolIncompatibleError reports an identified device that has no known
// mapping.
type ProtocolIncompatibleError struct {
	Manufacturer string
	Model        string
	Dialect      Dialect
}

func (e *ProtocolIncompatibleError) Error() string {
	return fmt.Sprintf("device %s %s (%s dialect) is not a supported model", e.Manufacturer, e.Model, e.Dialect)
}

// PartialFailureError reports that only some of the requested channels
// were configured.
type PartialFailureError struct {
	Succeeded int
	Requested int
	Failed    []ChannelID
}

func (e *PartialFailureError) Error() string {
	failed := make([]string, len(e.Failed))
	for i, id := range e.Failed {
		failed[i] = id.String()
	}

	return fmt.Sprintf("configured %d of %d channels, failed: %s", e.Succeeded, e.Requested, strings.Join(failed, ", "))
}
