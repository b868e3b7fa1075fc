package sequence

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/drpcorg/seqlog/policy"
	"github.com/drpcorg/seqlog/seqlog_errors"
)

const AddressLen = 1 + 32 + 8

// Address locates a sequence in the network: its kind, a 32 byte name
// and a type tag. Public and private sequences live in separate spaces.
type Address struct {
	Kind policy.Kind
	Name [32]byte
	Tag  uint64
}

// NewAddress hashes a human readable name into an address.
func NewAddress(kind policy.Kind, name string, tag uint64) Address {
	return Address{Kind: kind, Name: sha256.Sum256([]byte(name)), Tag: tag}
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// Bytes is the fixed size encoding, also used as a key prefix in the store.
func (a Address) Bytes() []byte {
	ret := make([]byte, 0, AddressLen)
	ret = append(ret, byte(a.Kind))
	ret = append(ret, a.Name[:]...)
	return binary.BigEndian.AppendUint64(ret, a.Tag)
}

func AddressFromBytes(b []byte) (a Address, err error) {
	if len(b) != AddressLen {
		return a, seqlog_errors.ErrBadAddress
	}
	a.Kind = policy.Kind(b[0])
	if a.Kind != policy.Public && a.Kind != policy.Private {
		return Address{}, seqlog_errors.ErrBadAddress
	}
	copy(a.Name[:], b[1:33])
	a.Tag = binary.BigEndian.Uint64(b[33:])
	return a, nil
}

// String is kind/name/tag, e.g. public/9f86...0a08/7
func (a Address) String() string {
	return fmt.Sprintf("%s/%s/%d", a.Kind, hex.EncodeToString(a.Name[:]), a.Tag)
}

func ParseAddress(s string) (a Address, err error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return a, seqlog_errors.ErrBadAddress
	}
	if a.Kind, err = policy.ParseKind(parts[0]); err != nil {
		return Address{}, fmt.Errorf("%w: %v", seqlog_errors.ErrBadAddress, err)
	}
	name, err := hex.DecodeString(parts[1])
	if err != nil || len(name) != len(a.Name) {
		return Address{}, seqlog_errors.ErrBadAddress
	}
	copy(a.Name[:], name)
	if a.Tag, err = strconv.ParseUint(parts[2], 10, 64); err != nil {
		return Address{}, fmt.Errorf("%w: %v", seqlog_errors.ErrBadAddress, err)
	}
	return a, nil
}
