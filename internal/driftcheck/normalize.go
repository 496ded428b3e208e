package driftcheck

import "encoding/json"

// DefaultVolatileKeys are scrubbed before diffing when the caller does not
// pick its own set: identifiers and timestamps that legitimately differ
// between the recording and the replay.
var DefaultVolatileKeys = []string{"id", "createdAt", "updatedAt", "timestamp", "requestId", "traceId"}

// StripJSONKeys returns a normalizer that removes the named keys from JSON
// objects at any depth, so volatile fields do not count as drift.
func StripJSONKeys(keys ...string) func([]byte) []byte {
	if len(keys) == 0 {
		return func(b []byte) []byte { return b }
	}

	keySet := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		keySet[key] = struct{}{}
	}

	return func(b []byte) []byte {
		if len(b) == 0 {
			return b
		}

		var payload interface{}
		if err := json.Unmarshal(b, &payload); err != nil {
			return b
		}

		stripKeys(payload, keySet)

		result, err := json.Marshal(payload)
		if err != nil {
			return b
		}
		return result
	}
}

func stripKeys(value interface{}, keySet map[string]struct{}) {
	switch v := value.(type) {
	case map[string]interface{}:
		for key := range keySet {
			delete(v, key)
		}
		for _, child := range v {
			stripKeys(child, keySet)
		}
	case []interface{}:
		for _, elem := range v {
			stripKeys(elem, keySet)
		}
	}
}
