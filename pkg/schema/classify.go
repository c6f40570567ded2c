package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Date and timestamp layouts accepted by Classify. Only unambiguous
// year-first or US month-first forms are recognised.
var (
	dateLayouts = []string{
		"2006-01-02",
		"2006/01/02",
		"01/02/2006",
	}
	timestampLayouts = []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04",
	}
)

// Classify returns the narrowest type that can hold value. Null sentinels
// must be filtered by the caller.
func Classify(value string) ColumnType {
	s := strings.TrimSpace(value)
	if s == "" {
		return TypeString
	}
	if isInteger(s) {
		return TypeInteger
	}
	if isFloat(s) {
		return TypeFloat
	}
	if _, ok := parseDate(s); ok {
		return TypeDate
	}
	if _, ok := parseTimestamp(s); ok {
		return TypeTimestamp
	}
	if strings.EqualFold(s, "true") || strings.EqualFold(s, "false") {
		return TypeBoolean
	}
	if LooksLikeJSON(s) && json.Valid([]byte(s)) {
		return TypeJSON
	}
	return TypeString
}

// LooksLikeJSON reports whether the trimmed value opens an object or array.
func LooksLikeJSON(value string) bool {
	s := strings.TrimSpace(value)
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

func isInteger(s string) bool {
	digits := strings.TrimLeft(s, "+-")
	if len(s)-len(digits) > 1 || digits == "" {
		return false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return false
		}
	}
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

// isFloat accepts plain decimal notation only; ParseFloat alone would also
// take "Inf", "NaN" and hex floats.
func isFloat(s string) bool {
	body := strings.TrimLeft(s, "+-")
	if len(s)-len(body) > 1 || body == "" {
		return false
	}
	sawDigit, sawMark := false, false
	for _, c := range body {
		switch {
		case c >= '0' && c <= '9':
			sawDigit = true
		case c == '.' || c == 'e' || c == 'E' || c == '+' || c == '-':
			sawMark = true
		default:
			return false
		}
	}
	if !sawDigit || !sawMark {
		return false
	}
	f, err := strconv.ParseFloat(s, 64)
	return err == nil && !math.IsInf(f, 0) && !math.IsNaN(f)
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Coerce converts a raw value to the Go value stored in a column of type t:
// int64, float64, time.Time, bool or string. JSON columns receive compact
// JSON text; scalars landing in a JSON column are encoded as JSON values.
func Coerce(value string, t ColumnType) (any, error) {
	s := strings.TrimSpace(value)
	switch t {
	case TypeInteger:
		if !isInteger(s) {
			return nil, fmt.Errorf("%q is not an integer", value)
		}
		n, _ := strconv.ParseInt(s, 10, 64)
		return n, nil
	case TypeFloat:
		if !isInteger(s) && !isFloat(s) {
			return nil, fmt.Errorf("%q is not a number", value)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number: %w", value, err)
		}
		return f, nil
	case TypeDate:
		d, ok := parseDate(s)
		if !ok {
			return nil, fmt.Errorf("%q is not a date", value)
		}
		return d, nil
	case TypeTimestamp:
		if ts, ok := parseTimestamp(s); ok {
			return ts.UTC(), nil
		}
		if d, ok := parseDate(s); ok {
			return d, nil
		}
		return nil, fmt.Errorf("%q is not a timestamp", value)
	case TypeBoolean:
		switch {
		case strings.EqualFold(s, "true"):
			return true, nil
		case strings.EqualFold(s, "false"):
			return false, nil
		}
		return nil, fmt.Errorf("%q is not a boolean", value)
	case TypeJSON:
		return coerceJSON(value)
	case TypeString, TypeNull:
		return value, nil
	}
	return nil, fmt.Errorf("unsupported column type %s", t)
}

func coerceJSON(value string) (string, error) {
	s := strings.TrimSpace(value)
	if LooksLikeJSON(s) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, []byte(s)); err != nil {
			return "", fmt.Errorf("malformed json fragment: %w", err)
		}
		return buf.String(), nil
	}
	switch Classify(s) {
	case TypeInteger, TypeFloat:
		// 007, +5, .5 and 1. are numbers here but not JSON numbers; those
		// are kept verbatim as JSON strings.
		if json.Valid([]byte(s)) {
			return s, nil
		}
	case TypeBoolean:
		return strings.ToLower(s), nil
	}
	out, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
