package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// PublicKey is a comparable ed25519 public key.
type PublicKey [ed25519.PublicKeySize]byte

// Signature is a comparable ed25519 signature.
type Signature [ed25519.SignatureSize]byte

// Signer signs arbitrary bytes with a fixed key.
type Signer interface {
	PublicKey() PublicKey
	Sign(msg []byte) Signature
}

// String returns a short hex form suitable for logs.
func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:4])
}

// Hex returns the full hex encoding.
func (pk PublicKey) Hex() string {
	return hex.EncodeToString(pk[:])
}

// IsZero reports whether the key is unset.
func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

// ParsePublicKey decodes a hex encoded public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return pk, fmt.Errorf("failed to decode public key: %w", err)
	}
	if len(raw) != len(pk) {
		return pk, fmt.Errorf("invalid public key length %d", len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

// Keypair is an ed25519 keypair.
type Keypair struct {
	public PublicKey
	secret ed25519.PrivateKey
}

// GenerateKeypair creates a new random keypair.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	kp := &Keypair{secret: priv}
	copy(kp.public[:], pub)
	return kp, nil
}

// KeypairFromSeed rebuilds a keypair from its 32 byte seed.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	kp := &Keypair{secret: priv}
	copy(kp.public[:], priv.Public().(ed25519.PublicKey))
	return kp, nil
}

// PublicKey returns the public half.
func (k *Keypair) PublicKey() PublicKey {
	return k.public
}

// Seed returns the private seed for persistence.
func (k *Keypair) Seed() []byte {
	return k.secret.Seed()
}

// Sign signs msg.
func (k *Keypair) Sign(msg []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(k.secret, msg))
	return sig
}

// Verify checks sig over msg against pk.
func Verify(pk PublicKey, msg []byte, sig Signature) bool {
	return ed25519.Verify(pk[:], msg, sig[:])
}

// KeyedSig is a signature together with the key that produced it.
type KeyedSig struct {
	PublicKey PublicKey
	Signature Signature
}

// Verify checks the signature over msg.
func (s KeyedSig) Verify(msg []byte) bool {
	return Verify(s.PublicKey, msg, s.Signature)
}

// Digest returns the sha3-256 hash of the concatenated parts.
func Digest(parts ...[]byte) [32]byte {
	h := sha3.New256()
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
