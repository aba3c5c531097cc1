// Package keyprovider defines the external key-management capability the
// signer depends on. The subsystem never implements cryptographic schemes
// itself and never holds raw key material; it stores key ids only.
//
// Keys must remain retrievable by id after rotation so that signatures made
// under a retired key keep verifying.
package keyprovider

import "context"

// Provider is the signing capability boundary.
type Provider interface {
	// ActiveKeyID returns the id of the key currently used for new
	// signatures.
	ActiveKeyID(ctx context.Context) (string, error)

	// Sign signs the payload with the identified key. An empty keyID means
	// the active key.
	Sign(ctx context.Context, keyID string, payload []byte) ([]byte, error)

	// Verify checks the signature against the identified key. The key must
	// resolve even if it has since been rotated out.
	Verify(ctx context.Context, keyID string, payload, signature []byte) (bool, error)

	// Rotate retires the active key and returns the id of its replacement.
	Rotate(ctx context.Context) (string, error)
}
