// Package credentials persists the gateway's session credential blob so a
// restart can resume the authenticated session without re-pairing.
package credentials

import "context"

// Store persists a single credential blob keyed by the gateway's fixed local
// identity. Save must be durable before it returns; Clear is idempotent.
type Store interface {
	// Load returns the stored blob, or (nil, nil) when nothing is stored.
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, blob []byte) error
	Clear(ctx context.Context) error
}
