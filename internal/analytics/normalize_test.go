package analytics

import (
	"encoding/json"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"bare string", `"hello"`, "hello"},
		{"response field", `{"response":"the answer"}`, "the answer"},
		{"results string", `{"results":"plain"}`, "plain"},
		{"results array stringified", `{"results":["a","b"]}`, `["a","b"]`},
		{"results object stringified", `{"results":{"k":1}}`, `{"k":1}`},
		{"response wins over results", `{"response":"r","results":["x"]}`, "r"},
		{"empty object", `{}`, FallbackPayload},
		{"empty string", `""`, FallbackPayload},
		{"garbage", `not json`, FallbackPayload},
		{"empty input", ``, FallbackPayload},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Normalize(json.RawMessage(tc.raw))
			if got != tc.want {
				t.Errorf("Normalize(%s) = %q, want %q", tc.raw, got, tc.want)
			}
		})
	}
}
