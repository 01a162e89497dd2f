package models

import (
	"strconv"
	"strings"
	"time"
)

// SupportedTimestampFormats lists formats we attempt to parse
var SupportedTimestampFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123,
	time.UnixDate,
}

// Normalize applies field normalization to an Event
// - lower-cases identifiers
// - infers Status from error fields when absent
// - normalizes metadata keys
func (e *Event) Normalize() {
	e.ID = strings.TrimSpace(e.ID)
	e.Source = strings.ToLower(strings.TrimSpace(e.Source))
	e.Model = strings.ToLower(strings.TrimSpace(e.Model))
	e.Operation = strings.ToLower(strings.TrimSpace(e.Operation))
	e.Provider = strings.ToLower(strings.TrimSpace(e.Provider))
	e.ErrorType = strings.TrimSpace(e.ErrorType)
	e.ErrorMessage = strings.TrimSpace(e.ErrorMessage)

	e.Status = Status(strings.ToLower(strings.TrimSpace(string(e.Status))))
	if e.Status == "" {
		if e.ErrorType != "" || e.ErrorMessage != "" {
			e.Status = StatusError
		} else {
			e.Status = StatusSuccess
		}
	}

	if !e.Timestamp.IsZero() {
		e.Timestamp = e.Timestamp.UTC()
	}

	if e.Metadata != nil {
		normalized := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			normalized[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
		e.Metadata = normalized
	}
}

// ParseTimestamp attempts to parse a timestamp string into time.Time.
// Bare integers are read as unix seconds, or milliseconds when large enough.
func ParseTimestamp(ts string) (time.Time, error) {
	ts = strings.TrimSpace(ts)

	for _, format := range SupportedTimestampFormats {
		if t, err := time.Parse(format, ts); err == nil {
			return t.UTC(), nil
		}
	}

	if n, err := strconv.ParseInt(ts, 10, 64); err == nil && n > 0 {
		if n >= 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}

	return time.Time{}, ErrInvalidTimestamp
}
