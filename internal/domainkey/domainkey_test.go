package domainkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		host string
		want string
	}{
		{"registrable domain", "example.com", "example.com"},
		{"subdomain", "www.example.com", "example.com"},
		{"leading dot", ".a.b.example.com", "example.com"},
		{"multi label suffix", "shop.example.co.uk", "example.co.uk"},
		{"uppercase", "WWW.Example.COM", "example.com"},
		{"public suffix", "co.uk", "co.uk"},
		{"single label", "localhost", "localhost"},
		{"ipv4", "192.168.0.1", "192.168.0.1"},
		{"ipv6", "[::1]", "[::1]"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Of(tt.host))
		})
	}
}
