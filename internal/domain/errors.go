package domain

import (
	"errors"
	"fmt"
)

// Reference-data defects are surfaced immediately and loudly: they mean a
// broken deployment, not a bad record. Defects local to one record's
// optional context are absorbed as "absent" instead.
var (
	// ErrNoCoverageMatch signals a gap in the coverage rule set: a valid
	// record matched zero coverage predicates. Fatal for the request.
	ErrNoCoverageMatch = errors.New("no coverage segment matched")

	// ErrCalibrationUnavailable means the mandatory global calibration
	// record is missing. Fatal.
	ErrCalibrationUnavailable = errors.New("global calibration unavailable")

	// ErrIncompleteBundle means a mandatory assembly input was withheld.
	ErrIncompleteBundle = errors.New("incomplete evidence bundle")
)

// SchemaError reports a predicate or vector that does not conform to the
// canonical feature schema. It fails the single evaluation it occurred in.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error on field %q: %s", e.Field, e.Reason)
}

// IsSchemaError reports whether err is (or wraps) a SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}
