package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeOrigins(t *testing.T) {
	tests := []struct {
		name     string
		in       []string
		want     []string
		allowAll bool
	}{
		{name: "empty", in: nil, want: nil},
		{name: "lowercases scheme and host", in: []string{"HTTP://LocalHost:8080"}, want: []string{"http://localhost:8080"}},
		{name: "drops path", in: []string{"https://chat.example.com/app"}, want: []string{"https://chat.example.com"}},
		{name: "wildcard", in: []string{"*", "https://a.example"}, want: []string{"https://a.example"}, allowAll: true},
		{name: "invalid entries skipped", in: []string{"localhost", "  ", "https://ok.example"}, want: []string{"https://ok.example"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, allowAll := normalizeOrigins(tt.in)
			if tt.want == nil {
				assert.Empty(t, got)
			} else {
				assert.Equal(t, tt.want, got)
			}
			assert.Equal(t, tt.allowAll, allowAll)
		})
	}
}

func TestOriginChecker(t *testing.T) {
	t.Cleanup(func() { SetConfig(nil) })
	SetConfig(&Config{AllowedOrigins: []string{"https://chat.example.com"}})

	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{name: "allowed", origin: "https://chat.example.com", want: true},
		{name: "case insensitive", origin: "HTTPS://CHAT.EXAMPLE.COM", want: true},
		{name: "other host", origin: "https://evil.example.com", want: false},
		{name: "other scheme", origin: "http://chat.example.com", want: false},
		{name: "missing", origin: "", want: false},
		{name: "garbage", origin: "::::", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originChecker(nil)(r))
		})
	}
}

func TestOriginCheckerAllowAll(t *testing.T) {
	t.Cleanup(func() { SetConfig(nil) })
	SetConfig(&Config{AllowedOrigins: []string{"*"}})

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "https://anything.example")
	assert.True(t, originChecker(nil)(r))
}
