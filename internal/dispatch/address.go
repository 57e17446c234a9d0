package dispatch

import "strings"

const (
	// userServer is the address domain for individual recipients.
	userServer = "s.whatsapp.net"
	// groupServer is the address domain for group conversations.
	groupServer = "g.us"
)

// NormalizeAddress converts an arbitrary phone number string into a network
// address: every non-digit is stripped, an international-prefix escape "00"
// is dropped, and the user server suffix is appended. Total over any input;
// malformed numbers normalize to a possibly invalid address and the send
// failure is captured per-recipient.
func NormalizeAddress(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := strings.TrimPrefix(b.String(), "00")
	return digits + "@" + userServer
}

// GroupAddress returns the network address for a group id. Ids that already
// carry a server suffix are passed through untouched.
func GroupAddress(id string) string {
	if strings.Contains(id, "@") {
		return id
	}
	return id + "@" + groupServer
}
