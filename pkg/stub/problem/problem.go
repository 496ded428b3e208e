// Package problem provides helpers for emitting RFC 7807 responses with
// consistent field casing across the stub runtime and SDK embedding
// scenarios.
package problem

import (
	"encoding/json"
	"net/http"
)

// Response represents an RFC 7807 problem document. Dump is an extension
// member carrying a JSON rendering of the structure a failed requirement
// inspected, so test runners see exactly what the application sent.
type Response struct {
	Type     string          `json:"type"`
	Title    string          `json:"title"`
	Status   int             `json:"status"`
	Detail   string          `json:"detail,omitempty"`
	Instance string          `json:"instance,omitempty"`
	TraceID  string          `json:"traceId,omitempty"`
	Dump     json.RawMessage `json:"dump,omitempty"`
}

// Write emits a problem+json response.
func Write(w http.ResponseWriter, status int, title, detail, traceID, instance string) {
	WriteResponse(w, Response{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
		TraceID:  traceID,
	})
}

// WriteResponse emits an already-populated problem document. The Type field
// defaults to about:blank when unset.
func WriteResponse(w http.ResponseWriter, resp Response) {
	if resp.Type == "" {
		resp.Type = "about:blank"
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(resp.Status)
	_ = json.NewEncoder(w).Encode(resp)
}
