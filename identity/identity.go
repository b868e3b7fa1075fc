// Package identity provides the signing capability sequence logs rely on.
// An Identity is an opaque comparable token: a scheme byte followed by the
// scheme's public material. Logs never look inside it; they only compare
// identities and hand them to a Verifier.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/drpcorg/seqlog/seqlog_errors"
)

type Scheme byte

const (
	SchemeEd25519 Scheme = 'E'
	SchemeGroup   Scheme = 'G'
)

// Identity is ordered bytewise; the zero value is nobody.
type Identity string

// Signer produces signatures on behalf of one Identity.
type Signer interface {
	Identity() Identity
	Sign(msg []byte) ([]byte, error)
}

// Verifier checks a signature made by id over msg.
type Verifier interface {
	Verify(id Identity, msg, sig []byte) bool
}

func (id Identity) IsZero() bool {
	return len(id) == 0
}

func (id Identity) Scheme() Scheme {
	if id.IsZero() {
		return 0
	}
	return Scheme(id[0])
}

// Key returns the scheme specific public material.
func (id Identity) Key() []byte {
	if id.IsZero() {
		return nil
	}
	return []byte(id[1:])
}

func (id Identity) Compare(b Identity) int {
	return strings.Compare(string(id), string(b))
}

func (id Identity) String() string {
	if id.IsZero() {
		return "-"
	}
	return string(id[0]) + hex.EncodeToString(id.Key())
}

// Short is the first bytes of String, good enough for logs and prompts.
func (id Identity) Short() string {
	s := id.String()
	if len(s) > 9 {
		return s[:9]
	}
	return s
}

func ParseIdentity(s string) (Identity, error) {
	if s == "-" || s == "" {
		return "", nil
	}
	key, err := hex.DecodeString(s[1:])
	if err != nil {
		return "", fmt.Errorf("%w: %v", seqlog_errors.ErrBadIdentity, err)
	}
	id := Identity(append([]byte{s[0]}, key...))
	switch id.Scheme() {
	case SchemeEd25519:
		if len(key) != ed25519.PublicKeySize {
			return "", seqlog_errors.ErrBadIdentity
		}
	case SchemeGroup:
		if _, _, err := ParseGroup(id); err != nil {
			return "", err
		}
	default:
		return "", seqlog_errors.ErrBadIdentity
	}
	return id, nil
}

func Ed25519Identity(pub ed25519.PublicKey) Identity {
	return Identity(append([]byte{byte(SchemeEd25519)}, pub...))
}

// KeyPair is a single ed25519 key signer.
type KeyPair struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func GenerateKeyPair(rand io.Reader) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return nil, err
	}
	return &KeyPair{pub: pub, priv: priv}, nil
}

// KeyPairFromSeed derives the key pair from a 32 byte seed.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes", seqlog_errors.ErrBadIdentity, ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil
}

func (k *KeyPair) Identity() Identity {
	return Ed25519Identity(k.pub)
}

func (k *KeyPair) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(k.priv, msg), nil
}
