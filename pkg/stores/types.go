package stores

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Timestamps are stored as RFC 3339 text with nanoseconds, which sorts
// lexically in chronological order for UTC values.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// encodeJSON encodes maps for JSON columns; nil maps become "{}".
func encodeJSON[T any](v map[string]T) (string, error) {
	if v == nil {
		return "{}", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeJSON decodes a JSON column, leaving out nil for empty objects.
func decodeJSON[T any](s string, out *map[string]T) error {
	if s == "" || s == "{}" || s == "null" {
		*out = nil
		return nil
	}
	return json.Unmarshal([]byte(s), out)
}
