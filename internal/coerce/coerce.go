// Package coerce implements the fixed, first-match-wins field coercion
// ladder used by the CSV Split Handler: decimal, then timestamp, then
// bool, falling back to the raw string. Grounded on the teacher's
// parser/csv.go tolerant-row approach (skip rather than fail on a
// mismatched field count), generalized from "every field is a string"
// to "every field is typed".
package coerce

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind discriminates which rung of the ladder produced a Value.
type Kind int

const (
	KindString Kind = iota
	KindDecimal
	KindTimestamp
	KindBool
)

// Value holds one coerced field alongside the rung that produced it, so
// callers needing the typed form (decimal math, time comparison) don't
// have to re-parse the raw string.
type Value struct {
	Kind      Kind
	Raw       string
	Decimal   decimal.Decimal
	Timestamp time.Time
	Bool      bool
}

// timestampLayouts are tried in order; the first that consumes the whole
// field wins. Covers ISO-8601 local and UTC forms.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Field runs the coercion ladder on raw, returning the first rung that
// matches the entire field. An empty field coerces to an empty string at
// the final rung, per the ladder's definition.
func Field(raw string) Value {
	if raw == "" {
		return Value{Kind: KindString, Raw: raw}
	}

	if d, err := decimal.NewFromString(raw); err == nil {
		return Value{Kind: KindDecimal, Raw: raw, Decimal: d}
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return Value{Kind: KindTimestamp, Raw: raw, Timestamp: t}
		}
	}

	switch strings.ToLower(raw) {
	case "true":
		return Value{Kind: KindBool, Raw: raw, Bool: true}
	case "false":
		return Value{Kind: KindBool, Raw: raw, Bool: false}
	}

	return Value{Kind: KindString, Raw: raw}
}

// JSON returns the value in the form that belongs in a batch's row JSON:
// a decimal.Decimal (its own MarshalJSON writes it as a quoted decimal
// string, e.g. "99.99"), a time.Time, a bool, or the raw string.
func (v Value) JSON() any {
	switch v.Kind {
	case KindDecimal:
		return v.Decimal
	case KindTimestamp:
		return v.Timestamp
	case KindBool:
		return v.Bool
	default:
		return v.Raw
	}
}

// Row coerces every field in a CSV record, keyed by its header name.
func Row(headers, record []string) map[string]any {
	row := make(map[string]any, len(headers))
	for i, h := range headers {
		if i >= len(record) {
			row[h] = ""
			continue
		}
		row[h] = Field(record[i]).JSON()
	}
	return row
}
