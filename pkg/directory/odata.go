package directory

import (
	"fmt"
	"strings"
)

// Quote renders s as an OData string literal.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// EqFilter builds "field eq 'value'".
func EqFilter(field, value string) string {
	return fmt.Sprintf("%s eq %s", field, Quote(value))
}

// ContainsFilter builds "contains(field,'value')".
func ContainsFilter(field, value string) string {
	return fmt.Sprintf("contains(%s,%s)", field, Quote(value))
}

// AnyEqFilter builds a lambda filter over a multi-valued field.
func AnyEqFilter(field, value string) string {
	return fmt.Sprintf("%s/any(p:p eq %s)", field, Quote(value))
}
