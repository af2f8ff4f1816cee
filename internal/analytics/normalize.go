package analytics

import "encoding/json"

// FallbackPayload is returned when the service reply carries no recognizable
// answer in any of the known shapes.
const FallbackPayload = "No response received from the analysis service."

// Normalize flattens the loosely-specified upstream payload into a single
// result string. The service may answer with a bare string, an object whose
// answer sits under "response", or an object with a "results" field (itself
// either a string or an arbitrary structure, stringified here). Both
// dispatcher paths share this fallback order.
func Normalize(raw json.RawMessage) string {
	if len(raw) == 0 {
		return FallbackPayload
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return FallbackPayload
		}
		return s
	}

	var obj struct {
		Response string          `json:"response"`
		Results  json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return FallbackPayload
	}

	if obj.Response != "" {
		return obj.Response
	}

	if len(obj.Results) > 0 {
		var rs string
		if err := json.Unmarshal(obj.Results, &rs); err == nil {
			return rs
		}
		return string(obj.Results)
	}

	return FallbackPayload
}
