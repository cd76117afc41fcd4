package identity

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/stretchr/testify/require"
)

func TestDeriveDeterministic(t *testing.T) {
	priv1, id1, err := Derive("bootstrap-1")
	require.NoError(t, err)
	priv2, id2, err := Derive("bootstrap-1")
	require.NoError(t, err)

	require.Equal(t, id1, id2)

	raw1, err := crypto.MarshalPublicKey(priv1.GetPublic())
	require.NoError(t, err)
	raw2, err := crypto.MarshalPublicKey(priv2.GetPublic())
	require.NoError(t, err)
	require.Equal(t, raw1, raw2)
}

func TestDeriveDistinctSeeds(t *testing.T) {
	_, id1, err := Derive("bootstrap-1")
	require.NoError(t, err)
	_, id2, err := Derive("bootstrap-2")
	require.NoError(t, err)

	require.NotEqual(t, id1, id2)
}

func TestDeriveEmptySeed(t *testing.T) {
	_, _, err := Derive("")
	require.Error(t, err)
}

func TestDeriveIDMatchesPublicKey(t *testing.T) {
	priv, id, err := Derive("some-seed")
	require.NoError(t, err)

	// The peer ID must always be re-derivable from the public key.
	require.True(t, id.MatchesPublicKey(priv.GetPublic()))
}
