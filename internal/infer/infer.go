// Package infer implements per-column type inference and DDL synthesis for
// delimited datasets.
//
// Inference is deliberately conservative: a column gets the most specific
// logical type satisfied by every non-null value, and any mixed column
// degrades to string. Nulls never disqualify a type.
package infer

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Type is a logical column type inferred from sample values.
type Type string

const (
	TypeInteger  Type = "integer"
	TypeFloat    Type = "float"
	TypeBoolean  Type = "boolean"
	TypeDate     Type = "date"
	TypeDatetime Type = "datetime"
	TypeString   Type = "string"
	TypeUnknown  Type = "unknown"
)

// distinctCap bounds per-column distinct counting.
const distinctCap = 10000

// typeSampleRows bounds how many non-null values type classification
// examines. Stats still cover the whole column; values past the sample are
// the validator's job to catch.
const typeSampleRows = 1000

// varcharCeiling is the max suggested VARCHAR width; longer columns map to TEXT.
const varcharCeiling = 1024

// ColumnAnalysis summarizes one column of the dataset.
type ColumnAnalysis struct {
	Name      string
	Type      Type
	NullCount int
	Distinct  int
	MinLen    int
	MaxLen    int
	// Confidence is the share of non-null values parsed by the winning
	// type: 1.0 for every inferred type, 0.0 for unknown.
	Confidence float64
	SQLType    string
}

// AnalyzeColumn infers the logical type of a column from its values.
//
// Cells must be nil or string. Precedence is boolean, integer, float, date,
// datetime, then string; the winner is the first type satisfied by every
// non-null value in the classification sample (the first typeSampleRows
// non-null values). A column with no non-null values is unknown.
func AnalyzeColumn(name string, values []any) ColumnAnalysis {
	a := ColumnAnalysis{Name: name, Type: TypeUnknown}

	allBool := true
	allInt := true
	allFloat := true
	allDate := true
	allTS := true

	distinct := make(map[string]struct{}, 64)
	capped := false
	nonNull := 0

	for _, v := range values {
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			a.NullCount++
			continue
		}
		s = strings.TrimSpace(s)
		nonNull++

		n := utf8.RuneCountInString(s)
		if nonNull == 1 || n < a.MinLen {
			a.MinLen = n
		}
		if n > a.MaxLen {
			a.MaxLen = n
		}

		if !capped {
			distinct[s] = struct{}{}
			if len(distinct) >= distinctCap {
				capped = true
			}
		}

		if nonNull > typeSampleRows {
			continue
		}

		if allBool {
			if _, ok := ParseBool(s); !ok {
				allBool = false
			}
		}
		if allInt {
			if _, err := strconv.ParseInt(s, 10, 64); err != nil {
				allInt = false
			}
		}
		if allFloat {
			if _, err := strconv.ParseFloat(s, 64); err != nil {
				allFloat = false
			}
		}
		if allDate {
			if _, ok := ParseDate(s); !ok {
				allDate = false
			}
		}
		if allTS {
			if _, ok := ParseTimestamp(s); !ok {
				allTS = false
			}
		}
	}

	a.Distinct = len(distinct)

	if nonNull == 0 {
		a.SQLType = sqlTypeFor(a)
		return a
	}

	switch {
	case allBool:
		a.Type = TypeBoolean
	case allInt:
		a.Type = TypeInteger
	case allFloat:
		a.Type = TypeFloat
	case allDate:
		a.Type = TypeDate
	case allTS:
		a.Type = TypeDatetime
	default:
		a.Type = TypeString
	}
	a.Confidence = 1.0
	a.SQLType = sqlTypeFor(a)
	return a
}

// AnalyzeAll runs AnalyzeColumn over every column, preserving column order.
func AnalyzeAll(columns []string, columnValues func(i int) []any) []ColumnAnalysis {
	out := make([]ColumnAnalysis, len(columns))
	for i, name := range columns {
		out[i] = AnalyzeColumn(name, columnValues(i))
	}
	return out
}

// Conforms reports whether a single cell satisfies the given logical type.
// Nil and blank cells always conform.
func Conforms(v any, t Type) bool {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return true
	}
	s = strings.TrimSpace(s)

	switch t {
	case TypeBoolean:
		_, ok := ParseBool(s)
		return ok
	case TypeInteger:
		_, err := strconv.ParseInt(s, 10, 64)
		return err == nil
	case TypeFloat:
		_, err := strconv.ParseFloat(s, 64)
		return err == nil
	case TypeDate:
		_, ok := ParseDate(s)
		return ok
	case TypeDatetime:
		_, ok := ParseTimestamp(s)
		return ok
	default:
		return true
	}
}

// sqlTypeFor maps an analysis to a portable SQL column type. String columns
// get a VARCHAR sized to the longest observed value rounded up, or TEXT once
// past the ceiling.
func sqlTypeFor(a ColumnAnalysis) string {
	switch a.Type {
	case TypeInteger:
		return "BIGINT"
	case TypeFloat:
		return "DOUBLE PRECISION"
	case TypeBoolean:
		return "BOOLEAN"
	case TypeDate:
		return "DATE"
	case TypeDatetime:
		return "TIMESTAMP"
	case TypeString:
		if a.MaxLen > varcharCeiling {
			return "TEXT"
		}
		return "VARCHAR(" + strconv.Itoa(roundUpWidth(a.MaxLen)) + ")"
	default:
		return "TEXT"
	}
}

// roundUpWidth pads the observed max length to the next multiple of 50 so
// slightly longer future values do not immediately overflow the column.
func roundUpWidth(n int) int {
	const step = 50
	if n <= 0 {
		return step
	}
	return ((n + step - 1) / step) * step
}

// ParseBool recognizes the loose boolean literal set.
func ParseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "yes", "y":
		return true, true
	case "0", "f", "false", "no", "n":
		return false, true
	default:
		return false, false
	}
}

var dateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"02/01/2006",
	"01/02/2006",
}

var tsLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05.000Z07:00",
	"02.01.2006 15:04:05",
}

// ParseDate tries the supported date layouts in order.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, lay := range dateLayouts {
		if t, err := time.Parse(lay, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseTimestamp tries the supported timestamp layouts in order.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, lay := range tsLayouts {
		if t, err := time.Parse(lay, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
