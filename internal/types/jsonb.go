package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Scan implements sql.Scanner so DropSettings can be read from a JSONB
// column. Missing fields fall back to the documented defaults, so settings
// saved by older versions of the service stay meaningful.
func (s *DropSettings) Scan(src any) error {
	*s = DefaultDropSettings()
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, s)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("unsupported source type for DropSettings: %T", src)
	}
}

// Value implements driver.Valuer so DropSettings can be written to a JSONB
// column.
func (s DropSettings) Value() (driver.Value, error) {
	return json.Marshal(s)
}
