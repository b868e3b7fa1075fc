package seqlog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash"
	"github.com/drpcorg/seqlog/protocol"
	"github.com/drpcorg/seqlog/seqlog_errors"
	"github.com/drpcorg/seqlog/sequence"
)

type pendingOp struct {
	op   *sequence.Operation
	rec  []byte
	from string
}

// pendingOps parks operations that arrived ahead of their dependencies,
// per sequence, in arrival order.
type pendingOps struct {
	lock  sync.Mutex
	ops   map[sequence.Address][]pendingOp
	count int
	limit int
}

func newPendingOps(limit int) *pendingOps {
	return &pendingOps{
		ops:   make(map[sequence.Address][]pendingOp),
		limit: limit,
	}
}

func (p *pendingOps) add(po pendingOp) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.count >= p.limit {
		return seqlog_errors.ErrPendingFull
	}
	addr := po.op.Address
	p.ops[addr] = append(p.ops[addr], po)
	p.count++
	OpsPending.Set(float64(p.count))
	return nil
}

func (p *pendingOps) take(addr sequence.Address) []pendingOp {
	p.lock.Lock()
	defer p.lock.Unlock()
	ops := p.ops[addr]
	delete(p.ops, addr)
	p.count -= len(ops)
	OpsPending.Set(float64(p.count))
	return ops
}

func (p *pendingOps) Len() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.count
}

// Pending is the number of operations waiting for their dependencies.
func (r *Replica) Pending() int {
	return r.pending.Len()
}

func (r *Replica) Drain(ctx context.Context, recs protocol.Records) error {
	return r.DrainFrom(ctx, "", recs)
}

// DrainFrom applies records received from the named peer: genesis
// records Y and operations O. New records are relayed to every other
// peer. An operation that fails the gate or the merge rules is logged
// and dropped; one whose dependencies are missing waits until they
// arrive. Only malformed records fail the whole batch.
func (r *Replica) DrainFrom(ctx context.Context, from string, recs protocol.Records) error {
	if err := r.enter(); err != nil {
		return err
	}
	defer r.leave()
	DrainBatchSize.Observe(float64(len(recs)))
	for _, rec := range recs {
		hash := xxhash.Sum64(rec)
		if r.seen.Contains(hash) {
			continue
		}
		done := true
		var err error
		switch protocol.Lit(rec) {
		case 'Y':
			err = r.drainGenesis(ctx, from, rec)
		case 'O':
			done, err = r.drainOp(ctx, from, rec)
		default:
			err = fmt.Errorf("%w: unexpected record %c", seqlog_errors.ErrBadPacket, protocol.Lit(rec))
		}
		if err != nil {
			return err
		}
		if done {
			r.seen.Add(hash, struct{}{})
		}
	}
	return nil
}

func (r *Replica) drainGenesis(ctx context.Context, from string, rec []byte) error {
	addr, pol, err := ParseGenesis(rec)
	if err != nil {
		return err
	}
	created, err := r.genesis(ctx, addr, pol, rec)
	if errors.Is(err, seqlog_errors.ErrSequenceExists) {
		r.log.WarnCtx(ctx, "conflicting genesis", "addr", addr.String(), "from", from)
		OpsRejected.WithLabelValues(rejectReason(err)).Inc()
		return nil
	} else if err != nil {
		return err
	}
	if created {
		r.Broadcast(ctx, protocol.Records{rec}, from)
		r.retryPending(ctx, addr)
	}
	return nil
}

// drainOp reports done unless the op was dropped for lack of pending
// room, in which case a later copy of it must not be skipped.
func (r *Replica) drainOp(ctx context.Context, from string, rec []byte) (done bool, err error) {
	op, err := sequence.ParseOperation(rec)
	if err != nil {
		return false, err
	}
	po := pendingOp{op: op, rec: rec, from: from}
	applied, parked, err := r.admit(ctx, po)
	switch {
	case applied:
		r.retryPending(ctx, op.Address)
	case parked:
		r.log.DebugCtx(ctx, "op pending", "op", op.String(), "from", from)
	case err == nil:
	case errors.Is(err, seqlog_errors.ErrClosed):
		return false, err
	case errors.Is(err, seqlog_errors.ErrPendingFull):
		r.reject(ctx, op, from, err)
		return false, nil
	default:
		r.reject(ctx, op, from, err)
	}
	return true, nil
}

// admit submits a received op and parks it if its dependencies are
// missing. Parking happens under the sequence lock, so whoever applies
// the dependency later finds the op pending.
func (r *Replica) admit(ctx context.Context, po pendingOp) (applied, parked bool, err error) {
	addr := po.op.Address
	st, err := r.state(addr)
	if errors.Is(err, seqlog_errors.ErrUnknownSeq) {
		if err = r.pending.add(po); err != nil {
			return false, false, err
		}
		// the genesis may have landed after the lookup
		if _, ok := r.seqs.Load(addr); ok {
			r.retryPending(ctx, addr)
		}
		return false, true, nil
	} else if err != nil {
		return false, false, err
	}
	st.lock.Lock()
	defer st.lock.Unlock()
	applied, err = r.submitLocked(ctx, st, po.op, po.rec, po.from)
	if errors.Is(err, seqlog_errors.ErrMissingDependency) {
		if err = r.pending.add(po); err != nil {
			return false, false, err
		}
		return false, true, nil
	}
	return applied, false, err
}

func (r *Replica) reject(ctx context.Context, op *sequence.Operation, from string, err error) {
	r.log.WarnCtx(ctx, "op rejected", "op", op.String(), "from", from, "err", err)
	OpsRejected.WithLabelValues(rejectReason(err)).Inc()
}

// retryPending reapplies parked operations of the sequence until a
// round makes no progress.
func (r *Replica) retryPending(ctx context.Context, addr sequence.Address) {
	for {
		ops := r.pending.take(addr)
		if len(ops) == 0 {
			return
		}
		progress := false
		for _, po := range ops {
			applied, parked, err := r.admit(ctx, po)
			switch {
			case applied:
				progress = true
			case parked, err == nil:
			default:
				r.reject(ctx, po.op, po.from, err)
			}
		}
		if !progress {
			return
		}
	}
}
