package csv

import (
	"strconv"
	"strings"
)

// DefaultPrecision is the number of decimals used when a caller passes a negative precision.
const DefaultPrecision = 6

// needsQuotes reports whether a field must be quoted.
func needsQuotes(field string) bool {
	return strings.ContainsAny(field, ",\"\n\r")
}

// Escape returns field quoted when it contains a comma, quote, CR or LF,
// with embedded quotes doubled. Other fields are returned unchanged.
func Escape(field string) string {
	if !needsQuotes(field) {
		return field
	}
	return string(appendEscaped(make([]byte, 0, len(field)+2), field))
}

func appendEscaped(dst []byte, field string) []byte {
	if !needsQuotes(field) {
		return append(dst, field...)
	}
	dst = append(dst, '"')
	for i := 0; i < len(field); i++ {
		if field[i] == '"' {
			dst = append(dst, '"')
		}
		dst = append(dst, field[i])
	}
	return append(dst, '"')
}

// JoinRow escapes and comma-joins columns.
func JoinRow(columns []string) string {
	return string(appendRow(nil, columns))
}

func appendRow(dst []byte, columns []string) []byte {
	for i, c := range columns {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = appendEscaped(dst, c)
	}
	return dst
}

func appendInts(dst []byte, values []int64) []byte {
	for i, v := range values {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = strconv.AppendInt(dst, v, 10)
	}
	return dst
}

func appendFloats(dst []byte, values []float64, precision int) []byte {
	if precision < 0 {
		precision = DefaultPrecision
	}
	for i, v := range values {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = strconv.AppendFloat(dst, v, 'f', precision, 64)
	}
	return dst
}
