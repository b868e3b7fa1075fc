package sequence

import (
	"fmt"
	"slices"

	"github.com/drpcorg/seqlog/identity"
	"github.com/drpcorg/seqlog/seqlog_errors"
)

// sign fills in the id, the source and the signature. The counter is the
// signer's next one in this log.
func (l *Log) sign(op *Operation, signer identity.Signer) (*Operation, error) {
	actor := signer.Identity()
	if actor.IsZero() {
		return nil, seqlog_errors.ErrBadIdentity
	}
	op.Address = l.address
	op.ID = ID{Actor: actor, Counter: l.vv.Get(actor) + 1}
	op.Source = actor
	sig, err := signer.Sign(op.Canonical())
	if err != nil {
		return nil, fmt.Errorf("signing %s: %w", op.ID, err)
	}
	op.Signature = sig
	return op, nil
}

// Insert builds a signed operation inserting payload right after the
// given live entry, or at the front for Start. The log is not changed;
// the operation still has to go through Merge.
func (l *Log) Insert(after ID, payload []byte, signer identity.Signer) (*Operation, error) {
	if !after.IsStart() {
		n, ok := l.nodes[after]
		if !ok || n.Removed {
			return nil, fmt.Errorf("%w: %s", seqlog_errors.ErrIndexNotFound, after)
		}
	}
	return l.sign(&Operation{
		Kind:    Insert,
		After:   after,
		Payload: slices.Clone(payload),
	}, signer)
}

// Remove builds a signed operation removing a live entry.
func (l *Log) Remove(target ID, signer identity.Signer) (*Operation, error) {
	n, ok := l.nodes[target]
	if !ok || n.Removed {
		return nil, fmt.Errorf("%w: %s", seqlog_errors.ErrInvalidTarget, target)
	}
	return l.sign(&Operation{
		Kind:   Remove,
		Target: target,
	}, signer)
}

// Append builds an insert after the last live entry.
func (l *Log) Append(payload []byte, signer identity.Signer) (*Operation, error) {
	after := Start
	if last, ok := l.Last(); ok {
		after = last.ID
	}
	return l.Insert(after, payload, signer)
}

// InsertAt builds an insert anchored at the live entry before position at,
// so that locally the payload lands at that position. A sibling with a
// higher counter already anchored there still comes first.
func (l *Log) InsertAt(at Index, payload []byte, signer identity.Signer) (*Operation, error) {
	i, ok := at.resolve(l.live)
	if !ok {
		return nil, fmt.Errorf("%w: %s of %d", seqlog_errors.ErrIndexNotFound, at, l.live)
	}
	after := Start
	if i > 0 {
		after = l.liveNodes()[i-1].ID
	}
	return l.Insert(after, payload, signer)
}

// RemoveAt builds a removal of the live entry at the index.
func (l *Log) RemoveAt(at Index, signer identity.Signer) (*Operation, error) {
	e, err := l.Get(at)
	if err != nil {
		return nil, err
	}
	return l.Remove(e.ID, signer)
}
