package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// PeerIDPrefix is the human-readable part of bech32-encoded peer identifiers.
const PeerIDPrefix = "ore"

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Sign produces a recoverable secp256k1 signature over the keccak256 digest
// of the payload.
func (k *PrivateKey) Sign(payload []byte) ([]byte, error) {
	digest := crypto.Keccak256(payload)
	return crypto.Sign(digest, k.PrivateKey)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the uncompressed SEC1 encoding of the public key.
func (k *PublicKey) Bytes() []byte {
	return crypto.FromECDSAPub(k.PublicKey)
}

func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	key, err := crypto.UnmarshalPubkey(b)
	if err != nil {
		return nil, err
	}
	return &PublicKey{key}, nil
}

// Hash returns the 20-byte identity hash of the public key: the trailing
// 20 bytes of keccak256 over the uncompressed point.
func (k *PublicKey) Hash() [20]byte {
	var out [20]byte
	raw := crypto.FromECDSAPub(k.PublicKey)
	if len(raw) == 0 {
		return out
	}
	sum := crypto.Keccak256(raw[1:])
	copy(out[:], sum[12:])
	return out
}

// VerifySignature reports whether sig is a valid signature of payload by the
// holder of pub. The recovery byte, if present, is ignored.
func VerifySignature(pub *PublicKey, payload, sig []byte) bool {
	if pub == nil || len(sig) < 64 {
		return false
	}
	digest := crypto.Keccak256(payload)
	return crypto.VerifySignature(crypto.CompressPubkey(pub.PublicKey), digest, sig[:64])
}

// EncodePeerID renders a public key hash as a bech32 string for logs and
// operator tooling.
func EncodePeerID(hash [20]byte) string {
	conv, err := bech32.ConvertBits(hash[:], 8, 5, true)
	if err != nil {
		return ""
	}
	encoded, err := bech32.Encode(PeerIDPrefix, conv)
	if err != nil {
		return ""
	}
	return encoded
}

// DecodePeerID parses a bech32 peer identifier back into its key hash.
func DecodePeerID(s string) ([20]byte, error) {
	var out [20]byte
	prefix, decoded, err := bech32.Decode(s)
	if err != nil {
		return out, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if prefix != PeerIDPrefix {
		return out, fmt.Errorf("unexpected peer id prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return out, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != 20 {
		return out, fmt.Errorf("peer id must decode to 20 bytes, got %d", len(conv))
	}
	copy(out[:], conv)
	return out, nil
}
