package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Compile-time interface assertions.
// These ensure all JSONB types implement both sql.Scanner and driver.Valuer,
// catching any method signature drift at compile time rather than at runtime.
// Scan is on pointer receivers; Value is on value receivers.
var (
	_ sql.Scanner   = (*FilterPredicate)(nil)
	_ driver.Valuer = FilterPredicate{}
	_ sql.Scanner   = (*JobConfiguration)(nil)
	_ driver.Valuer = JobConfiguration{}
	_ sql.Scanner   = (*WorkflowSteps)(nil)
	_ driver.Valuer = WorkflowSteps(nil)
	_ sql.Scanner   = (*ResultMap)(nil)
	_ driver.Valuer = ResultMap(nil)
)

// scanJSONB is a generic helper that scans a JSONB database value into a Go pointer.
// It handles nil values, []byte, and string representations from different database drivers.
func scanJSONB(dest interface{}, value interface{}) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}

// valueJSONB is a generic helper that converts a Go value to a JSONB-compatible driver.Value.
// Returns nil for nil interface values; otherwise marshals to JSON bytes.
func valueJSONB(v interface{}) (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// ---------------------------------------------------------------------------
// FilterPredicate
// ---------------------------------------------------------------------------

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (p *FilterPredicate) Scan(value interface{}) error {
	return scanJSONB(p, value)
}

// Value implements the driver.Valuer interface for writing JSONB to the database.
func (p FilterPredicate) Value() (driver.Value, error) {
	return valueJSONB(p)
}

// ---------------------------------------------------------------------------
// JobConfiguration
// ---------------------------------------------------------------------------

// Scan implements the sql.Scanner interface for reading JSONB from the database.
// The stored form carries its own operation_type discriminator, so the custom
// UnmarshalJSON reconstructs the right variant.
func (c *JobConfiguration) Scan(value interface{}) error {
	return scanJSONB(c, value)
}

// Value implements the driver.Valuer interface for writing JSONB to the database.
func (c JobConfiguration) Value() (driver.Value, error) {
	return valueJSONB(c)
}

// ---------------------------------------------------------------------------
// WorkflowSteps
// ---------------------------------------------------------------------------

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (s *WorkflowSteps) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	return scanJSONB(s, value)
}

// Value implements the driver.Valuer interface for writing JSONB to the database.
func (s WorkflowSteps) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

// ---------------------------------------------------------------------------
// ResultMap
// ---------------------------------------------------------------------------

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (m *ResultMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	return scanJSONB(m, value)
}

// Value implements the driver.Valuer interface for writing JSONB to the database.
func (m ResultMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
