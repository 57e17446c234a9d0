// Package transport defines the abstraction over the live WhatsApp
// connection. The session manager owns exactly one Handle at a time and
// consumes its event stream; the dispatch engine borrows the handle for the
// duration of a single publish.
package transport

import "context"

// CloseReason classifies why a handle's connection ended.
type CloseReason string

const (
	// CloseLoggedOut means the remote side revoked the session. It is the
	// only terminal reason: the session manager must not reconnect and must
	// wipe stored credentials.
	CloseLoggedOut CloseReason = "logged_out"
	// CloseNetwork covers connection drops and transient socket failures.
	CloseNetwork CloseReason = "network"
	// CloseStreamError covers protocol-level stream errors, including the
	// session being replaced by another client.
	CloseStreamError CloseReason = "stream_error"
	// CloseUnknown is used when the underlying client gave no reason.
	CloseUnknown CloseReason = "unknown"
)

// Terminal reports whether the reason forbids automatic reconnection.
func (r CloseReason) Terminal() bool {
	return r == CloseLoggedOut
}

// MediaKind identifies the media payload type for captioned sends.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// Event is one lifecycle notification from a Handle. Implementations are the
// concrete event structs below; consumers switch on the dynamic type.
type Event interface {
	event()
}

// PairingCodeEvent carries a fresh pairing code that the user must scan to
// authenticate the session. Codes expire and may be re-emitted.
type PairingCodeEvent struct {
	Code string
}

// OpenedEvent signals the connection is established and authenticated.
type OpenedEvent struct{}

// ClosedEvent signals the connection ended for the given reason.
type ClosedEvent struct {
	Reason CloseReason
}

// CredentialsEvent carries an updated credential blob that must be persisted
// before the session manager's event handler returns.
type CredentialsEvent struct {
	Blob []byte
}

func (PairingCodeEvent) event() {}

func (OpenedEvent) event() {}

func (ClosedEvent) event() {}

func (CredentialsEvent) event() {}

// Group describes one joined group conversation.
type Group struct {
	ID           string
	Name         string
	Participants int
}

// Handle is one live connection attempt. The event channel is closed when the
// handle is closed; no events are delivered after that.
type Handle interface {
	// Events returns the handle's lifecycle event stream. The channel is
	// owned by the handle and closed by Close.
	Events() <-chan Event

	// SendText delivers a plain text message to the given address.
	SendText(ctx context.Context, address, text string) error

	// SendMedia fetches the media at url and delivers it with the caption.
	SendMedia(ctx context.Context, address, url string, kind MediaKind, caption string) error

	// FetchGroups enumerates the groups the session participates in.
	FetchGroups(ctx context.Context) ([]Group, error)

	// Logout revokes the session on the remote side.
	Logout(ctx context.Context) error

	// Close releases the connection without revoking the session. Safe to
	// call more than once.
	Close()
}

// Dialer creates connection attempts. prior carries the credential blob from
// a previous session, or nil when pairing from scratch.
type Dialer interface {
	Dial(ctx context.Context, prior []byte) (Handle, error)
}
