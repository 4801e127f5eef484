package mitm

import (
	"testing"

	"github.com/WhileEndless/go-tunnelproxy/pkg/proxyio"
)

func TestSplicerMatches(t *testing.T) {
	s := New(Config{Patterns: []string{"example.com", "*.internal.test"}})

	cases := []struct {
		host string
		want bool
	}{
		{"example.com", true},
		{"www.example.com", false},
		{"api.internal.test", true},
		{"internal.test", false},
		{"unrelated.org", false},
	}
	for _, c := range cases {
		if got := s.Matches(c.host); got != c.want {
			t.Errorf("Matches(%q) = %v, want %v", c.host, got, c.want)
		}
	}
}

func TestContentLength(t *testing.T) {
	withLen := proxyio.MessageHead{Headers: map[string][]string{"Content-Length": {"42"}}}
	if got := contentLength(withLen); got != 42 {
		t.Errorf("contentLength = %d, want 42", got)
	}
	without := proxyio.MessageHead{Headers: map[string][]string{}}
	if got := contentLength(without); got != -1 {
		t.Errorf("contentLength with no header = %d, want -1", got)
	}
}
