package event

import "fmt"

// ValidationError reports a malformed event or payload. It names the
// offending field so the submitting collaborator can fix the intent.
// Validation failures are rejected before any chain mutation and are never
// retried automatically.
type ValidationError struct {
	Kind   Kind
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("event: invalid %s: field %q: %s", e.Kind, e.Field, e.Reason)
	}

	return fmt.Sprintf("event: invalid: field %q: %s", e.Field, e.Reason)
}

// SchemaVersionError reports an event whose payload schema version is older
// than the projector expects and for which no migration is registered.
type SchemaVersionError struct {
	Kind     Kind
	Got      int
	Expected int
}

func (e *SchemaVersionError) Error() string {
	return fmt.Sprintf("event: %s schema version %d, projector expects %d and no migration is registered",
		e.Kind, e.Got, e.Expected)
}
