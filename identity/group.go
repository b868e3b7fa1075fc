package identity

import (
	"crypto/ed25519"
	"encoding/binary"
	"slices"

	"github.com/drpcorg/seqlog/protocol"
	"github.com/drpcorg/seqlog/seqlog_errors"
)

// Groups nest, but not deeper than this.
const MaxGroupDepth = 8

// NewGroup makes the identity of a threshold group: any threshold of the
// members signing together act as the group. Members are sorted and
// deduplicated, so the same set always yields the same identity.
//
//	G T{threshold} M{member}+
func NewGroup(threshold int, members ...Identity) (Identity, error) {
	set := slices.Clone(members)
	slices.SortFunc(set, Identity.Compare)
	set = slices.Compact(set)
	if len(set) == 0 || threshold < 1 || threshold > len(set) {
		return "", seqlog_errors.ErrBadThreshold
	}
	ret := []byte{byte(SchemeGroup)}
	ret = protocol.Append(ret, 'T', binary.AppendUvarint(nil, uint64(threshold)))
	for _, m := range set {
		if m.IsZero() {
			return "", seqlog_errors.ErrBadIdentity
		}
		ret = protocol.Append(ret, 'M', []byte(m))
	}
	return Identity(ret), nil
}

// ParseGroup returns the threshold and the sorted members of a group identity.
func ParseGroup(id Identity) (threshold int, members []Identity, err error) {
	if id.Scheme() != SchemeGroup {
		return 0, nil, seqlog_errors.ErrBadIdentity
	}
	rest := id.Key()
	var body []byte
	if body, rest, err = protocol.TakeWary('T', rest); err != nil {
		return 0, nil, seqlog_errors.ErrBadIdentity
	}
	t, n := binary.Uvarint(body)
	if n <= 0 || n != len(body) {
		return 0, nil, seqlog_errors.ErrBadIdentity
	}
	for len(rest) > 0 {
		if body, rest, err = protocol.TakeWary('M', rest); err != nil || len(body) == 0 {
			return 0, nil, seqlog_errors.ErrBadIdentity
		}
		m := Identity(body)
		if len(members) > 0 && members[len(members)-1].Compare(m) >= 0 {
			return 0, nil, seqlog_errors.ErrBadIdentity
		}
		members = append(members, m)
	}
	if t < 1 || t > uint64(len(members)) {
		return 0, nil, seqlog_errors.ErrBadThreshold
	}
	return int(t), members, nil
}

// GroupSigner signs for a group with whichever member signers it holds.
type GroupSigner struct {
	id        Identity
	threshold int
	members   []Identity
	signers   map[Identity]Signer
}

func NewGroupSigner(group Identity, signers ...Signer) (*GroupSigner, error) {
	threshold, members, err := ParseGroup(group)
	if err != nil {
		return nil, err
	}
	gs := &GroupSigner{
		id:        group,
		threshold: threshold,
		members:   members,
		signers:   make(map[Identity]Signer),
	}
	for _, s := range signers {
		if _, ok := slices.BinarySearchFunc(members, s.Identity(), Identity.Compare); !ok {
			return nil, seqlog_errors.ErrBadIdentity
		}
		gs.signers[s.Identity()] = s
	}
	return gs, nil
}

func (gs *GroupSigner) Identity() Identity {
	return gs.id
}

// Sign collects member signatures in member order until the threshold
// is met.
//
//	S{N{member index} G{signature}}+
func (gs *GroupSigner) Sign(msg []byte) (sig []byte, err error) {
	count := 0
	for i, m := range gs.members {
		if count == gs.threshold {
			break
		}
		s, ok := gs.signers[m]
		if !ok {
			continue
		}
		part, err := s.Sign(msg)
		if err != nil {
			return nil, err
		}
		sig = protocol.Append(sig, 'S',
			protocol.Record('N', binary.AppendUvarint(nil, uint64(i))),
			protocol.Record('G', part))
		count++
	}
	if count < gs.threshold {
		return nil, seqlog_errors.ErrNotEnoughSigners
	}
	return sig, nil
}

// Schemes is the default Verifier; it understands ed25519 keys and
// threshold groups of them.
type Schemes struct{}

func (Schemes) Verify(id Identity, msg, sig []byte) bool {
	return verify(id, msg, sig, 0)
}

func verify(id Identity, msg, sig []byte, depth int) bool {
	switch id.Scheme() {
	case SchemeEd25519:
		key := id.Key()
		return len(key) == ed25519.PublicKeySize &&
			len(sig) == ed25519.SignatureSize &&
			ed25519.Verify(key, msg, sig)
	case SchemeGroup:
		if depth >= MaxGroupDepth {
			return false
		}
		return verifyGroup(id, msg, sig, depth)
	default:
		return false
	}
}

func verifyGroup(id Identity, msg, sig []byte, depth int) bool {
	threshold, members, err := ParseGroup(id)
	if err != nil {
		return false
	}
	seen := make(map[uint64]bool)
	for len(sig) > 0 {
		var part, nrec, grec []byte
		if part, sig, err = protocol.TakeWary('S', sig); err != nil {
			return false
		}
		if nrec, part, err = protocol.TakeWary('N', part); err != nil {
			return false
		}
		if grec, err = protocol.TakeExact('G', part); err != nil {
			return false
		}
		idx, n := binary.Uvarint(nrec)
		if n <= 0 || n != len(nrec) || idx >= uint64(len(members)) || seen[idx] {
			return false
		}
		if !verify(members[idx], msg, grec, depth+1) {
			return false
		}
		seen[idx] = true
	}
	return len(seen) >= threshold
}
