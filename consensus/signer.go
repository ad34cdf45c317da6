package consensus

import (
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
)

// Signer is the capability set the engine needs from its key holder:
// header-hash signing, ECIES decryption for key generation, and the
// public identity. Implementations must be safe for concurrent use.
type Signer interface {
	// Address returns the mining address of the key.
	Address() common.Address
	// Sign signs a 32-byte hash with the secp256k1 key.
	Sign(hash common.Hash) ([]byte, error)
	// Decrypt performs ECIES decryption with the key. authData is the
	// shared authentication data, empty for key generation artifacts.
	Decrypt(authData, cipher []byte) ([]byte, error)
	// Public returns the public key.
	Public() *ecdsa.PublicKey
}

type keyPairSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeyPairSigner wraps a raw private key as a Signer. Intended for
// tests and single-key deployments; production nodes wire their keystore
// through this interface instead.
func NewKeyPairSigner(key *ecdsa.PrivateKey) Signer {
	return &keyPairSigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

func (s *keyPairSigner) Address() common.Address { return s.address }

func (s *keyPairSigner) Sign(hash common.Hash) ([]byte, error) {
	return crypto.Sign(hash[:], s.key)
}

func (s *keyPairSigner) Decrypt(authData, cipher []byte) ([]byte, error) {
	return ecies.ImportECDSA(s.key).Decrypt(cipher, nil, authData)
}

func (s *keyPairSigner) Public() *ecdsa.PublicKey {
	return &s.key.PublicKey
}
