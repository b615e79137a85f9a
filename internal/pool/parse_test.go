package pool

import "testing"

func TestParseExternalSessionID(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   string
	}{
		{"clean json", `{"session_id":"abc-123"}`, "abc-123"},
		{"json embedded in chatter", "Session started.\n{\"session_id\": \"xyz\"}\nREADY", "xyz"},
		{"whitespace id", `{"session_id":"  padded  "}`, "padded"},
		{"missing field", `{"status":"ok"}`, ""},
		{"not json", "READY", ""},
		{"malformed json", `{"session_id":`, ""},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := parseExternalSessionID(tc.output); got != tc.want {
				t.Fatalf("parseExternalSessionID(%q) = %q, want %q", tc.output, got, tc.want)
			}
		})
	}
}
