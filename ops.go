package seqlog

import (
	"bytes"
	"context"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/seqlog/identity"
	"github.com/drpcorg/seqlog/policy"
	"github.com/drpcorg/seqlog/sequence"
	"github.com/pkg/errors"
)

func payloadHash(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}

// Insert puts payload right after the live entry after, or at the front
// for sequence.Start, signed by signer.
func (r *Replica) Insert(ctx context.Context, addr sequence.Address, after sequence.ID, payload []byte, signer identity.Signer) (sequence.ID, error) {
	return r.local(ctx, addr, func(l *sequence.Log) (*sequence.Operation, error) {
		return l.Insert(after, payload, signer)
	})
}

func (r *Replica) Append(ctx context.Context, addr sequence.Address, payload []byte, signer identity.Signer) (sequence.ID, error) {
	return r.local(ctx, addr, func(l *sequence.Log) (*sequence.Operation, error) {
		return l.Append(payload, signer)
	})
}

// InsertAt puts payload at a position of the live view. See
// sequence.Log.InsertAt for where concurrent inserts end up.
func (r *Replica) InsertAt(ctx context.Context, addr sequence.Address, at sequence.Index, payload []byte, signer identity.Signer) (sequence.ID, error) {
	return r.local(ctx, addr, func(l *sequence.Log) (*sequence.Operation, error) {
		return l.InsertAt(at, payload, signer)
	})
}

func (r *Replica) Remove(ctx context.Context, addr sequence.Address, target sequence.ID, signer identity.Signer) (sequence.ID, error) {
	return r.local(ctx, addr, func(l *sequence.Log) (*sequence.Operation, error) {
		return l.Remove(target, signer)
	})
}

func (r *Replica) RemoveAt(ctx context.Context, addr sequence.Address, at sequence.Index, signer identity.Signer) (sequence.ID, error) {
	return r.local(ctx, addr, func(l *sequence.Log) (*sequence.Operation, error) {
		return l.RemoveAt(at, signer)
	})
}

// view runs f on the sequence's log under its lock.
func (r *Replica) view(addr sequence.Address, f func(l *sequence.Log) error) error {
	if err := r.enter(); err != nil {
		return err
	}
	defer r.leave()
	st, err := r.state(addr)
	if err != nil {
		return err
	}
	st.lock.Lock()
	defer st.lock.Unlock()
	return f(st.log)
}

// Read returns the live entries at [start, end) if requester may read
// the sequence. Bounds are clamped.
func (r *Replica) Read(addr sequence.Address, requester identity.Identity, start, end int) (entries []sequence.Entry, err error) {
	err = r.view(addr, func(l *sequence.Log) error {
		if err := l.Policy().Check(requester, policy.Read); err != nil {
			return err
		}
		entries = l.Read(start, end)
		return nil
	})
	return
}

// Get returns the live entry at the index if requester may read.
func (r *Replica) Get(addr sequence.Address, requester identity.Identity, at sequence.Index) (entry sequence.Entry, err error) {
	err = r.view(addr, func(l *sequence.Log) error {
		if err := l.Policy().Check(requester, policy.Read); err != nil {
			return err
		}
		entry, err = l.Get(at)
		return err
	})
	return
}

// Lookup finds the live entries carrying exactly payload using the
// payload hash index.
func (r *Replica) Lookup(addr sequence.Address, requester identity.Identity, payload []byte) (ids []sequence.ID, err error) {
	err = r.view(addr, func(l *sequence.Log) error {
		if err := l.Policy().Check(requester, policy.Read); err != nil {
			return err
		}
		prefix := HKeyPrefix(addr, payloadHash(payload))
		it, err := r.db.NewIter(&pebble.IterOptions{
			LowerBound: prefix,
			UpperBound: prefixEnd(prefix),
		})
		if err != nil {
			return errors.Wrap(err, "payload index")
		}
		defer it.Close()
		for valid := it.First(); valid; valid = it.Next() {
			id, ok := HKeyID(it.Key())
			if !ok {
				continue
			}
			// hashes collide, payloads don't
			if e, ok := l.Entry(id); ok && !e.Removed && bytes.Equal(e.Payload, payload) {
				ids = append(ids, id)
			}
		}
		return nil
	})
	return
}

func (r *Replica) Policy(addr sequence.Address) (pol *policy.Policy, err error) {
	err = r.view(addr, func(l *sequence.Log) error {
		pol = l.Policy()
		return nil
	})
	return
}

func (r *Replica) Owner(addr sequence.Address) (owner identity.Identity, err error) {
	err = r.view(addr, func(l *sequence.Log) error {
		owner = l.Owner()
		return nil
	})
	return
}

// Len is the number of live entries.
func (r *Replica) Len(addr sequence.Address) (n int, err error) {
	err = r.view(addr, func(l *sequence.Log) error {
		n = l.Len()
		return nil
	})
	return
}

func (r *Replica) VersionVector(addr sequence.Address) (vv sequence.VV, err error) {
	err = r.view(addr, func(l *sequence.Log) error {
		vv = l.VersionVector()
		return nil
	})
	return
}

func (r *Replica) Digest(addr sequence.Address) (digest uint64, err error) {
	err = r.view(addr, func(l *sequence.Log) error {
		digest = l.Digest()
		return nil
	})
	return
}
