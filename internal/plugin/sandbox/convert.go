// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package sandbox

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/samber/oops"
)

// Plain converts v to the plain value set shared by all engines by a JSON
// round trip. Values that are already plain are returned unchanged.
func Plain(v any) any {
	switch v.(type) {
	case nil, bool, int, int64, float64, string, []any, map[string]any, Func, Module, Callback:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Sprint(v)
	}
	return out
}

// Decode fills out from a plain value, ignoring Callback members.
func Decode(v, out any) error {
	if m, ok := v.(map[string]any); ok {
		m = maps.Clone(m)
		for k, mv := range m {
			if _, isCb := mv.(Callback); isCb {
				delete(m, k)
			}
		}
		v = m
	}
	data, err := json.Marshal(v)
	if err != nil {
		return oops.In("sandbox").Wrap(err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return oops.In("sandbox").Wrapf(err, "invalid argument")
	}
	return nil
}

// Args wraps the argument list of a Func call.
type Args []any

func (a Args) at(i int) any {
	if i < len(a) {
		return a[i]
	}
	return nil
}

func argErr(i int, want string, got any) error {
	return oops.In("sandbox").With("argument", i+1).Errorf("argument #%d: expected %s, got %T", i+1, want, got)
}

// String returns argument i as a string.
func (a Args) String(i int) (string, error) {
	s, ok := a.at(i).(string)
	if !ok {
		return "", argErr(i, "string", a.at(i))
	}
	return s, nil
}

// OptString returns argument i as a string, or def when absent.
func (a Args) OptString(i int, def string) (string, error) {
	if a.at(i) == nil {
		return def, nil
	}
	return a.String(i)
}

// Number returns argument i as a float64.
func (a Args) Number(i int) (float64, error) {
	switch n := a.at(i).(type) {
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, argErr(i, "number", n)
	}
}

// Int returns argument i as an int64.
func (a Args) Int(i int) (int64, error) {
	n, err := a.Number(i)
	return int64(n), err
}

// Map returns argument i as a table, or an empty one when absent.
func (a Args) Map(i int) (map[string]any, error) {
	switch m := a.at(i).(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return m, nil
	case []any:
		if len(m) == 0 {
			return map[string]any{}, nil
		}
	}
	return nil, argErr(i, "table", a.at(i))
}

// Strings returns argument i as a list of strings; nil is an empty list.
func (a Args) Strings(i int) ([]string, error) {
	switch l := a.at(i).(type) {
	case nil:
		return nil, nil
	case []string:
		return l, nil
	case []any:
		out := make([]string, len(l))
		for j, v := range l {
			s, ok := v.(string)
			if !ok {
				return nil, argErr(i, "list of strings", v)
			}
			out[j] = s
		}
		return out, nil
	case map[string]any:
		if len(l) == 0 {
			return nil, nil
		}
	}
	return nil, argErr(i, "list of strings", a.at(i))
}

// Callback returns argument i as a script function.
func (a Args) Callback(i int) (Callback, error) {
	cb, ok := a.at(i).(Callback)
	if !ok {
		return nil, argErr(i, "function", a.at(i))
	}
	return cb, nil
}

// Any returns argument i.
func (a Args) Any(i int) any {
	return a.at(i)
}
