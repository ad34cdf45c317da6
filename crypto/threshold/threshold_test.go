package threshold

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMasterSignatureFromShares(t *testing.T) {
	// Degree 1: two shares required out of four.
	poly := NewRandomPoly(1)
	ks := poly.Commitment()
	require.Equal(t, 1, ks.Threshold())

	msg := []byte("bare header hash stand-in")
	shares := make(map[int]*Signature)
	for i := 0; i < 4; i++ {
		share := poly.Eval(i).Sign(msg)
		require.True(t, ks.VerifyShare(i, share, msg), "share %d must verify against the key set", i)
		shares[i] = share
	}

	sig, err := CombineSignatures(ks.Threshold(), shares)
	require.NoError(t, err)
	require.True(t, ks.PublicKey().Verify(sig, msg))

	// Any f+1 subset recovers the same master signature.
	subset := map[int]*Signature{1: shares[1], 3: shares[3]}
	sig2, err := CombineSignatures(ks.Threshold(), subset)
	require.NoError(t, err)
	require.Equal(t, sig.Bytes(), sig2.Bytes())
}

func TestCombineInsufficientShares(t *testing.T) {
	poly := NewRandomPoly(1)
	msg := []byte("msg")
	shares := map[int]*Signature{0: poly.Eval(0).Sign(msg)}
	_, err := CombineSignatures(1, shares)
	require.ErrorIs(t, err, ErrInsufficientShares)
}

func TestKeySetSerializationRoundTrip(t *testing.T) {
	poly := NewRandomPoly(2)
	ks := poly.Commitment()

	restored, err := PublicKeySetFromBytes(ks.Bytes())
	require.NoError(t, err)
	require.Equal(t, ks.Threshold(), restored.Threshold())
	require.True(t, ks.PublicKey().Equal(restored.PublicKey()))
	for i := 0; i < 5; i++ {
		require.True(t, ks.KeyShare(i).Equal(restored.KeyShare(i)))
	}
}

func TestShareMatchesCommitment(t *testing.T) {
	poly := NewRandomPoly(2)
	ks := poly.Commitment()
	for i := 0; i < 7; i++ {
		require.True(t, poly.Eval(i).Public().Equal(ks.KeyShare(i)),
			"evaluated share %d must match the commitment evaluation", i)
	}
}

func TestSecretShareSerializationRoundTrip(t *testing.T) {
	poly := NewRandomPoly(1)
	share := poly.Eval(2)
	restored, err := SecretKeyShareFromBytes(share.Bytes())
	require.NoError(t, err)
	require.True(t, share.Public().Equal(restored.Public()))
}

func TestKeySetAccumulation(t *testing.T) {
	// Summing two dealt polynomials must keep shares consistent with the
	// summed commitment, the core property key generation relies on.
	a, b := NewRandomPoly(1), NewRandomPoly(1)
	sum := a.Commitment()
	require.NoError(t, sum.Add(b.Commitment()))

	msg := []byte("combined key message")
	shares := make(map[int]*Signature)
	for i := 0; i < 2; i++ {
		share := a.Eval(i)
		share.Accumulate(b.Eval(i))
		require.True(t, share.Public().Equal(sum.KeyShare(i)))
		shares[i] = share.Sign(msg)
	}
	sig, err := CombineSignatures(sum.Threshold(), shares)
	require.NoError(t, err)
	require.True(t, sum.PublicKey().Verify(sig, msg))
}

func TestInvalidDeserialization(t *testing.T) {
	_, err := PublicKeyFromBytes([]byte{0x01, 0x02})
	require.Error(t, err)
	_, err = SignatureFromBytes(nil)
	require.Error(t, err)
	_, err = PublicKeySetFromBytes(nil)
	require.ErrorIs(t, err, ErrInvalidKeySet)
}
