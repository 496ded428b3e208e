// Package require implements the presence checks stub routes run against
// incoming requests. Each helper inspects one mapping (query parameters,
// headers, or a decoded JSON body) and fails with a dump of the whole
// structure so the test runner sees exactly what the application sent.
package require

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// Kind names the structure a requirement inspected.
type Kind string

const (
	KindParam    Kind = "parameter"
	KindHeader   Kind = "header"
	KindProperty Kind = "property"
)

// Error reports a required key that was missing or falsy. Dump holds a JSON
// rendering of the inspected structure.
type Error struct {
	Kind Kind
	Name string
	Dump json.RawMessage
}

func (e *Error) Error() string {
	return fmt.Sprintf("required %s %q missing or empty; inspected: %s", e.Kind, e.Name, e.Dump)
}

// As unwraps a requirement failure from err.
func As(err error) (*Error, bool) {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr, true
	}
	return nil, false
}

// Param checks that name is present in values with a non-empty value.
func Param(values url.Values, name string) error {
	if values.Get(name) != "" {
		return nil
	}
	return &Error{Kind: KindParam, Name: name, Dump: dump(flatten(values))}
}

// Header checks that name is present in h with a non-empty value. Lookup is
// case-insensitive per MIME header canonicalization.
func Header(h http.Header, name string) error {
	if h.Get(name) != "" {
		return nil
	}
	return &Error{Kind: KindHeader, Name: name, Dump: dump(flatten(h))}
}

// Property checks that name is present in obj with a truthy value. JSON
// null, empty strings, false and zero numbers count as missing; empty arrays
// and objects do not.
func Property(obj map[string]any, name string) error {
	if truthy(obj[name]) {
		return nil
	}
	return &Error{Kind: KindProperty, Name: name, Dump: dump(obj)}
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	case bool:
		return val
	case float64:
		return val != 0
	case json.Number:
		f, err := val.Float64()
		return err == nil && f != 0
	default:
		return true
	}
}

// flatten renders a header- or query-shaped map with single values unwrapped
// from their slices, which keeps dumps readable.
func flatten(m map[string][]string) map[string]any {
	flat := make(map[string]any, len(m))
	for key, vals := range m {
		switch len(vals) {
		case 0:
			flat[key] = ""
		case 1:
			flat[key] = vals[0]
		default:
			flat[key] = vals
		}
	}
	return flat
}

func dump(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
