package database

import (
	"database/sql"
	"fmt"
	"time"
)

// SQLiteTimeLayout is fixed width so that text comparison in SQL orders the same as time comparison.
const SQLiteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t for a SQLite TEXT column.
func FormatTime(t time.Time) string {
	return t.UTC().Format(SQLiteTimeLayout)
}

// ParseTime reads a value written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(SQLiteTimeLayout, s)
	if err != nil {
		if t2, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
			return t2.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("parse sqlite time %q: %w", s, err)
	}
	return t, nil
}

// ParseNullTime reads an optional time column.
func ParseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := ParseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
