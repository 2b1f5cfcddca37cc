package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// Timestamps are stored as fixed-width UTC RFC3339 strings so that SQL
// string comparison orders them correctly.
const timeLayout = time.RFC3339

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", raw, err)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// dbValue converts Go-side patch values into driver-friendly values.
// Typed nil pointers become SQL NULL; times become RFC3339 strings.
func dbValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return formatTime(val)
	case *time.Time:
		if val == nil {
			return nil
		}
		return formatTime(*val)
	case *string:
		if val == nil {
			return nil
		}
		return *val
	default:
		return v
	}
}
