// Package identity derives the node's cryptographic identity from a
// configured seed string. The same seed always yields the same keypair
// and peer ID, so operators can pin and pre-announce the bootstrap
// node's identity out of band.
package identity

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Derive produces a deterministic ed25519 keypair and peer ID from the
// seed. The seed is hashed with SHA-256 to obtain exactly the 32 bytes
// of key material ed25519 requires.
func Derive(seed string) (crypto.PrivKey, peer.ID, error) {
	if seed == "" {
		return nil, "", fmt.Errorf("identity seed cannot be empty")
	}

	sum := sha256.Sum256([]byte(seed))
	priv, _, err := crypto.GenerateEd25519Key(bytes.NewReader(sum[:]))
	if err != nil {
		return nil, "", fmt.Errorf("failed to derive keypair: %w", err)
	}

	id, err := peer.IDFromPublicKey(priv.GetPublic())
	if err != nil {
		return nil, "", fmt.Errorf("failed to derive peer ID: %w", err)
	}

	return priv, id, nil
}
