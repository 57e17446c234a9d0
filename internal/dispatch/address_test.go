package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeAddress(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"international prefix escape", "0044123456789", "44123456789@s.whatsapp.net"},
		{"plus and separators", "+44 123-456-789", "44123456789@s.whatsapp.net"},
		{"plain digits", "491701234567", "491701234567@s.whatsapp.net"},
		{"parenthesised", "(49) 170 1234567", "491701234567@s.whatsapp.net"},
		{"empty input", "", "@s.whatsapp.net"},
		{"no digits at all", "call me", "@s.whatsapp.net"},
		{"letters mixed in", "49abc170", "49170@s.whatsapp.net"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizeAddress(tc.in))
		})
	}
}

func TestGroupAddress(t *testing.T) {
	assert.Equal(t, "12036302@g.us", GroupAddress("12036302"))
	assert.Equal(t, "12036302@g.us", GroupAddress("12036302@g.us"))
}
