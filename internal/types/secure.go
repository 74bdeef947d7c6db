package types

import "log/slog"

// redactedPlaceholder replaces secret values anywhere they would otherwise
// print.
const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString holds credentials that must never surface in output: the
// runner API token, the Postgres DSN, SQS credentials. It satisfies
// fmt.Stringer, json.Marshaler, and slog.LogValuer with a fixed redacted
// placeholder, so a config dump, an API response, or a log line cannot leak
// the value by accident.
//
// Unmask returns the plaintext for the few call sites that genuinely need
// it.
type SecretString string

// String redacts. fmt verbs like %v and %s go through here.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON redacts, keeping secrets out of serialized configs and
// response bodies.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// LogValue redacts structured log attributes, covering slog handlers that
// bypass fmt.Stringer and would otherwise print the underlying string.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(redactedPlaceholder)
}

// Unmask returns the plaintext. Call it only at the point of use, such as
// building an Authorization header or opening the database pool, never to
// stash the value somewhere printable.
func (s SecretString) Unmask() string {
	return string(s)
}
