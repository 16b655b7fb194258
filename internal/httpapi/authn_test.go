package httpapi

import (
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer   abc  ", "abc", true},
		{"", "", false},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if tc.ok && (err != nil || got != tc.token) {
			t.Fatalf("extractBearerToken(%q) = %q, %v", tc.header, got, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("extractBearerToken(%q) should fail", tc.header)
		}
	}
}

func TestIsPublicPath(t *testing.T) {
	for _, p := range []string{"/healthz", "/readyz", "/metrics", "/v1/auth/token", "/v1/info"} {
		if !isPublicPath(p) {
			t.Fatalf("%s should be public", p)
		}
	}
	for _, p := range []string{"/v1/orders", "/v1/admin/reports", "/healthz/x"} {
		if isPublicPath(p) {
			t.Fatalf("%s should require auth", p)
		}
	}
}
