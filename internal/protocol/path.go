package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oliveagle/jsonpath"
)

// Lookup evaluates a JSONPath expression against the success value. A bare
// key such as "tables" is treated as "$.tables".
func (r Result) Lookup(expr string) (any, error) {
	var value any
	if err := r.Decode(&value); err != nil {
		return nil, err
	}
	return LookupPath(value, expr)
}

// LookupPath evaluates a JSONPath expression against decoded JSON.
func LookupPath(value any, expr string) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" || expr == "$" {
		return value, nil
	}
	if !strings.HasPrefix(expr, "$") {
		expr = "$." + strings.TrimPrefix(expr, ".")
	}

	pattern, err := jsonpath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", expr, err)
	}
	out, err := pattern.Lookup(value)
	if err != nil {
		return nil, fmt.Errorf("path %q: %w", expr, err)
	}
	return out, nil
}

// MustJSON marshals v for display, falling back to fmt on failure.
func MustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
