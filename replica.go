// Package seqlog keeps signed sequence logs in a pebble store and
// replicates them between peers. The merge rules live in package
// sequence; this package persists what the rules admit, parks operations
// whose dependencies have not arrived yet and fans new records out to
// connected peers.
package seqlog

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/seqlog/policy"
	"github.com/drpcorg/seqlog/protocol"
	"github.com/drpcorg/seqlog/seqlog_errors"
	"github.com/drpcorg/seqlog/sequence"
	"github.com/drpcorg/seqlog/utils"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
)

// seqState is one sequence: its log and the number the next applied
// operation gets in the store. lock serializes everything touching log.
type seqState struct {
	lock sync.Mutex
	log  *sequence.Log
	next uint64
}

type Replica struct {
	opts Options
	db   *pebble.DB
	dir  string
	log  utils.Logger

	seqs *xsync.MapOf[sequence.Address, *seqState]
	// queues to broadcast all new records
	outq *xsync.MapOf[string, protocol.DrainCloser]
	seen *lru.Cache[uint64, struct{}]

	pending *pendingOps
	// held shared by every call touching the store, exclusively by Close
	closing sync.RWMutex
	closed  atomic.Bool
}

// Open opens or creates a replica in dir and reloads every stored
// sequence by replaying its operations in the order they were applied.
func Open(dir string, opts Options) (*Replica, error) {
	opts.SetDefaults()
	db, err := pebble.Open(dir, &opts.Options)
	if err != nil {
		return nil, errors.Wrapf(err, "open store at %s", dir)
	}
	seen, err := lru.New[uint64, struct{}](opts.SeenCacheSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	r := &Replica{
		opts:    opts,
		db:      db,
		dir:     dir,
		log:     opts.Logger,
		seqs:    xsync.NewMapOf[sequence.Address, *seqState](),
		outq:    xsync.NewMapOf[string, protocol.DrainCloser](),
		seen:    seen,
		pending: newPendingOps(opts.MaxPending),
	}
	if err := r.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	r.log.Info("replica open", "name", opts.Name, "dir", dir, "sequences", r.seqs.Size())
	return r, nil
}

func (r *Replica) load() error {
	yit, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{'Y'},
		UpperBound: []byte{'Z'},
	})
	if err != nil {
		return err
	}
	defer yit.Close()
	for valid := yit.First(); valid; valid = yit.Next() {
		addr, pol, err := ParseGenesis(yit.Value())
		if err != nil {
			return errors.Wrapf(err, "bad genesis under %x", yit.Key())
		}
		l, err := sequence.New(addr, pol)
		if err != nil {
			return err
		}
		st := &seqState{log: l}
		if err := r.replay(st); err != nil {
			return errors.Wrapf(err, "replay %s", addr)
		}
		r.seqs.Store(addr, st)
	}
	return nil
}

func (r *Replica) replay(st *seqState) error {
	lo, hi := KeyRange('O', st.log.Address())
	it, err := r.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return err
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		n, ok := OKeyN(it.Key())
		if !ok {
			return fmt.Errorf("bad op key %x", it.Key())
		}
		op, err := sequence.ParseOperation(it.Value())
		if err != nil {
			return err
		}
		// stored ops passed the gate when they were first applied
		if err := st.log.Apply(op); err != nil {
			return errors.Wrapf(err, "op #%d", n)
		}
		st.next = n + 1
	}
	return nil
}

func (r *Replica) Name() string {
	return r.opts.Name
}

func (r *Replica) Logger() utils.Logger {
	return r.log
}

// Close waits for running calls to finish and closes the store.
func (r *Replica) Close() error {
	r.closing.Lock()
	defer r.closing.Unlock()
	if !r.closed.CompareAndSwap(false, true) {
		return seqlog_errors.ErrClosed
	}
	r.outq.Range(func(name string, hose protocol.DrainCloser) bool {
		_ = hose.Close()
		return true
	})
	r.outq.Clear()
	return r.db.Close()
}

// enter fails once the replica is closed; otherwise Close waits for the
// matching leave.
func (r *Replica) enter() error {
	r.closing.RLock()
	if r.closed.Load() {
		r.closing.RUnlock()
		return seqlog_errors.ErrClosed
	}
	return nil
}

func (r *Replica) leave() {
	r.closing.RUnlock()
}

// Snapshot is a consistent view of the store for sync sessions.
func (r *Replica) Snapshot() (pebble.Reader, error) {
	if err := r.enter(); err != nil {
		return nil, err
	}
	defer r.leave()
	return r.db.NewSnapshot(), nil
}

// Metrics lists the collectors a caller may register.
func (r *Replica) Metrics() []prometheus.Collector {
	return []prometheus.Collector{
		OpsApplied,
		OpsRejected,
		OpsPending,
		DrainBatchSize,
		NewPebbleCollector(r.db),
	}
}

// AddPacketHose opens an outbound queue that receives every record this
// replica applies from now on. A hose with the same name gets replaced.
func (r *Replica) AddPacketHose(name string) protocol.FeedCloser {
	queue := utils.NewFDQueue[protocol.Records](
		r.opts.BroadcastQueueMaxSize,
		r.opts.BroadcastQueueTimeLimit,
		r.opts.BroadcastQueueBatchSize,
	)
	if old, ok := r.outq.LoadAndStore(name, queue); ok {
		r.log.Warn("closing the old hose", "name", name)
		_ = old.Close()
	}
	return queue
}

func (r *Replica) RemovePacketHose(name string) error {
	if hose, ok := r.outq.LoadAndDelete(name); ok {
		r.log.Debug("closing the hose", "name", name)
		return hose.Close()
	}
	return nil
}

// Broadcast drains records into every hose but except. A hose that
// cannot keep up is closed and dropped.
func (r *Replica) Broadcast(ctx context.Context, recs protocol.Records, except string) {
	r.outq.Range(func(name string, hose protocol.DrainCloser) bool {
		if name == except {
			return true
		}
		if err := hose.Drain(ctx, recs); err != nil {
			r.log.WarnCtx(ctx, "dropping hose", "name", name, "err", err)
			r.outq.Delete(name)
			_ = hose.Close()
		}
		return true
	})
}

func (r *Replica) state(addr sequence.Address) (*seqState, error) {
	if r.closed.Load() {
		return nil, seqlog_errors.ErrClosed
	}
	st, ok := r.seqs.Load(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", seqlog_errors.ErrUnknownSeq, addr)
	}
	return st, nil
}

// Create starts a new sequence owned by the policy's owner.
func (r *Replica) Create(ctx context.Context, addr sequence.Address, pol *policy.Policy) error {
	if err := r.enter(); err != nil {
		return err
	}
	defer r.leave()
	rec := GenesisRecord(addr, pol)
	created, err := r.genesis(ctx, addr, pol, rec)
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("%w: %s", seqlog_errors.ErrSequenceExists, addr)
	}
	r.Broadcast(ctx, protocol.Records{rec}, "")
	return nil
}

// genesis stores a sequence unless it is already known. Receiving the
// same genesis twice is fine; a different policy for a known address
// is ErrSequenceExists.
func (r *Replica) genesis(ctx context.Context, addr sequence.Address, pol *policy.Policy, rec []byte) (created bool, err error) {
	l, err := sequence.New(addr, pol)
	if err != nil {
		return false, err
	}
	st := &seqState{log: l}
	st.lock.Lock()
	defer st.lock.Unlock()
	if old, loaded := r.seqs.LoadOrStore(addr, st); loaded {
		if !old.log.Policy().Equal(pol) {
			return false, fmt.Errorf("%w: %s with another policy", seqlog_errors.ErrSequenceExists, addr)
		}
		return false, nil
	}
	if err = r.db.Set(YKey(addr), rec, r.opts.WriteOptions); err != nil {
		r.seqs.Delete(addr)
		return false, errors.Wrap(err, "store genesis")
	}
	r.log.InfoCtx(ctx, "sequence created", "addr", addr.String(), "owner", pol.Owner().Short())
	return true, nil
}

// commit persists an admitted operation and then applies it. A failed
// store write leaves the log untouched.
func (r *Replica) commit(st *seqState, op *sequence.Operation, rec []byte) (applied bool, err error) {
	seen, err := st.log.Check(op)
	if err != nil || seen {
		return false, err
	}
	addr := st.log.Address()
	b := r.db.NewBatch()
	defer b.Close()
	_ = b.Set(OKey(addr, st.next), rec, nil)
	_ = b.Set(VKey(addr, op.ID.Actor), binary.BigEndian.AppendUint64(nil, op.ID.Counter), nil)
	if op.Kind == sequence.Insert {
		_ = b.Set(HKey(addr, payloadHash(op.Payload), op.ID), nil, nil)
	}
	if err = b.Commit(r.opts.WriteOptions); err != nil {
		return false, errors.Wrapf(err, "store op %s", op.ID)
	}
	st.next++
	// Check passed under the same lock
	if err = st.log.Apply(op); err != nil {
		r.log.Error("stored op failed to apply", "op", op.String(), "err", err)
		return false, err
	}
	return true, nil
}

// submit runs op through the gate and the merge rules. New records are
// broadcast to every hose but the one named from.
func (r *Replica) submit(ctx context.Context, op *sequence.Operation, rec []byte, from string) (applied bool, err error) {
	st, err := r.state(op.Address)
	if err != nil {
		return false, err
	}
	st.lock.Lock()
	defer st.lock.Unlock()
	return r.submitLocked(ctx, st, op, rec, from)
}

func (r *Replica) submitLocked(ctx context.Context, st *seqState, op *sequence.Operation, rec []byte, from string) (applied bool, err error) {
	if err = st.log.Admit(op, r.opts.Verifier); err != nil {
		return false, err
	}
	if applied, err = r.commit(st, op, rec); err != nil || !applied {
		return
	}
	origin := "remote"
	if from == "" {
		origin = "local"
	}
	OpsApplied.WithLabelValues(op.Kind.String(), origin).Inc()
	// still under the lock, so hoses see each sequence in applied order
	r.Broadcast(ctx, protocol.Records{rec}, from)
	return true, nil
}

// Submit admits and applies one operation, reporting the verdict as is:
// ErrInvalidSignature, an AccessDeniedError, ErrMissingDependency and so
// on. A duplicate is a success.
func (r *Replica) Submit(ctx context.Context, op *sequence.Operation) error {
	if err := r.enter(); err != nil {
		return err
	}
	defer r.leave()
	applied, err := r.submit(ctx, op, op.Record(), "")
	if applied {
		r.retryPending(ctx, op.Address)
	}
	return err
}

// local builds an operation against the sequence's log and submits it
// without releasing the lock in between, so the counter it picked is
// still the next one.
func (r *Replica) local(ctx context.Context, addr sequence.Address, build func(l *sequence.Log) (*sequence.Operation, error)) (sequence.ID, error) {
	if err := r.enter(); err != nil {
		return sequence.Start, err
	}
	defer r.leave()
	st, err := r.state(addr)
	if err != nil {
		return sequence.Start, err
	}
	st.lock.Lock()
	op, err := build(st.log)
	if err == nil {
		_, err = r.submitLocked(ctx, st, op, op.Record(), "")
	}
	st.lock.Unlock()
	if err != nil {
		return sequence.Start, err
	}
	r.retryPending(ctx, addr)
	return op.ID, nil
}

// Addresses lists the known sequences in address byte order.
func (r *Replica) Addresses() []sequence.Address {
	var addrs []sequence.Address
	r.seqs.Range(func(addr sequence.Address, _ *seqState) bool {
		addrs = append(addrs, addr)
		return true
	})
	slices.SortFunc(addrs, func(a, b sequence.Address) int {
		return bytes.Compare(a.Bytes(), b.Bytes())
	})
	return addrs
}
