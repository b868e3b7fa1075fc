package seqlog

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/seqlog/protocol"
	"github.com/drpcorg/seqlog/seqlog_errors"
	"github.com/drpcorg/seqlog/sequence"
	"github.com/drpcorg/seqlog/utils"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type SyncHost interface {
	Snapshot() (pebble.Reader, error)
	DrainFrom(ctx context.Context, from string, recs protocol.Records) error
	AddPacketHose(name string) protocol.FeedCloser
	RemovePacketHose(name string) error
}

type SyncMode byte

const (
	SyncRead   SyncMode = 1
	SyncWrite  SyncMode = 2
	SyncLive   SyncMode = 4
	SyncRW     SyncMode = SyncRead | SyncWrite
	SyncRL     SyncMode = SyncRead | SyncLive
	SyncRWLive SyncMode = SyncRead | SyncWrite | SyncLive
)

func (m SyncMode) String() string {
	ret := []byte("---")
	if m&SyncRead != 0 {
		ret[0] = 'r'
	}
	if m&SyncWrite != 0 {
		ret[1] = 'w'
	}
	if m&SyncLive != 0 {
		ret[2] = 'l'
	}
	return string(ret)
}

type SyncState int

const (
	SendHandshake SyncState = iota
	SendDiff
	SendLive
	SendEOF
	SendNone
)

func (s SyncState) String() string {
	return []string{"SendHandshake", "SendDiff", "SendLive", "SendEOF", "SendNone"}[s]
}

// Syncer is one replication session with one peer. Each side sends a
// handshake with its version vectors, then every stored record the peer
// lacks, then (in Live mode) whatever gets applied later, then a bye.
//
//	H{ M{mode} T{trace id} S{ A{address} V{...} }* }
//	Y... O... (diff, one sequence per batch)
//	O... (live)
//	B{ reason }
type Syncer struct {
	Name string
	Host SyncHost
	Mode SyncMode
	Log  utils.Logger
	// WaitUntilNone is how long to wait for the peer's bye once ours is sent.
	WaitUntilNone time.Duration

	traceId    string
	snap       pebble.Reader
	addrs      []sequence.Address
	peervv     map[sequence.Address]sequence.VV
	oqueue     protocol.FeedCloser
	feedState  SyncState
	drainState SyncState
	reason     error

	lock sync.Mutex
	cond sync.Cond
	once sync.Once
}

func (sync *Syncer) init() {
	sync.once.Do(func() {
		sync.cond.L = &sync.lock
		if sync.Log == nil {
			sync.Log = utils.NewDefaultLogger(slog.LevelWarn)
		}
		if sync.WaitUntilNone == 0 {
			sync.WaitUntilNone = time.Second
		}
		if id, err := uuid.NewV7(); err == nil {
			sync.traceId = id.String()
		} else {
			sync.traceId = uuid.NewString()
		}
	})
}

func (sync *Syncer) GetTraceId() string {
	sync.init()
	return sync.traceId
}

func (sync *Syncer) logCtx(ctx context.Context) context.Context {
	return utils.WithDefaultArgs(ctx, "name", sync.Name, "trace_id", sync.GetTraceId())
}

func (sync *Syncer) Close() error {
	sync.init()
	sync.SetFeedState(SendEOF)
	if sync.Host == nil {
		return seqlog_errors.ErrClosed
	}
	sync.lock.Lock()
	defer sync.lock.Unlock()
	if sync.snap != nil {
		if err := sync.snap.Close(); err != nil {
			sync.Log.Error("sync: failed closing snapshot", "name", sync.Name, "err", err)
		}
		sync.snap = nil
	}
	if sync.oqueue != nil {
		_ = sync.Host.RemovePacketHose(sync.Name)
		sync.oqueue = nil
	}
	sync.Log.Debug("sync: connection closed", "name", sync.Name, "reason", sync.reason)
	return nil
}

func (sync *Syncer) Feed(ctx context.Context) (recs protocol.Records, err error) {
	sync.init()
	ctx = sync.logCtx(ctx)
	switch sync.getFeedState() {
	case SendHandshake:
		recs, err = sync.FeedHandshake(ctx)
		if err != nil {
			sync.fail(err)
			return nil, err
		}
		sync.SetFeedState(SendDiff)

	case SendDiff:
		sync.WaitDrainState(SendDiff)
		recs, err = sync.FeedDiff(ctx)
		if err == io.EOF {
			sync.closeSnapshot()
			if sync.getMode()&SyncLive != 0 {
				sync.SetFeedState(SendLive)
			} else {
				sync.SetFeedState(SendEOF)
			}
			err = nil
		} else if err != nil {
			sync.Log.WarnCtx(ctx, "sync: diff failed", "err", err)
			sync.fail(err)
			err = nil
		}

	case SendLive:
		recs, err = sync.oqueue.Feed(ctx)
		if errors.Is(err, utils.ErrClosed) || errors.Is(err, utils.ErrOverflow) {
			sync.SetFeedState(SendEOF)
			err = nil
		}

	case SendEOF:
		reason := "closing"
		sync.lock.Lock()
		if sync.reason != nil {
			reason = sync.reason.Error()
		}
		sync.lock.Unlock()
		recs = protocol.Records{protocol.Record('B', []byte(reason))}
		sync.closeSnapshot()
		sync.SetFeedState(SendNone)

	case SendNone:
		timer := time.AfterFunc(sync.WaitUntilNone, func() {
			sync.SetDrainState(SendNone)
		})
		sync.WaitDrainState(SendNone)
		timer.Stop()
		err = io.EOF
	}
	return
}

func (sync *Syncer) closeSnapshot() {
	sync.lock.Lock()
	defer sync.lock.Unlock()
	if sync.snap != nil {
		_ = sync.snap.Close()
		sync.snap = nil
	}
}

// FeedHandshake opens the live hose first and takes the snapshot second,
// so every record is either in the snapshot or in the hose.
func (sync *Syncer) FeedHandshake(ctx context.Context) (recs protocol.Records, err error) {
	mode := sync.getMode()
	if mode&SyncLive != 0 {
		sync.oqueue = sync.Host.AddPacketHose(sync.Name)
	}
	snap, err := sync.Host.Snapshot()
	if err != nil {
		return nil, err
	}
	sync.lock.Lock()
	sync.snap = snap
	sync.lock.Unlock()
	vvs, err := SnapshotVVs(snap)
	if err != nil {
		return nil, err
	}
	sync.addrs = sortedAddresses(vvs)
	hs := HandshakeRecord(mode, sync.traceId, vvs)
	sync.Log.DebugCtx(ctx, "sync: handshake sent", "sequences", len(vvs), "mode", mode.String())
	return protocol.Records{hs}, nil
}

// FeedDiff returns what the peer lacks of the next sequence, io.EOF
// after the last one.
func (sync *Syncer) FeedDiff(ctx context.Context) (recs protocol.Records, err error) {
	if sync.getMode()&SyncWrite == 0 {
		return nil, io.EOF
	}
	for len(sync.addrs) > 0 && len(recs) == 0 {
		addr := sync.addrs[0]
		sync.addrs = sync.addrs[1:]
		recs, err = sync.diff(addr)
		if err != nil {
			return nil, err
		}
	}
	if len(recs) == 0 {
		return nil, io.EOF
	}
	sync.Log.DebugCtx(ctx, "sync: diff sent", "records", len(recs))
	return recs, nil
}

func (sync *Syncer) diff(addr sequence.Address) (recs protocol.Records, err error) {
	peervv, known := sync.peervv[addr]
	if !known {
		gen, closer, err := sync.snap.Get(YKey(addr))
		if err != nil {
			return nil, errors.Wrapf(err, "genesis of %s", addr)
		}
		recs = append(recs, append([]byte(nil), gen...))
		_ = closer.Close()
		peervv = sequence.VV{}
	}
	lo, hi := KeyRange('O', addr)
	it, err := sync.snap.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		op, err := sequence.ParseOperation(it.Value())
		if err != nil {
			return nil, errors.Wrapf(err, "stored op %x", it.Key())
		}
		if !peervv.Covers(op.ID) {
			recs = append(recs, append([]byte(nil), it.Value()...))
		}
	}
	return recs, nil
}

func (sync *Syncer) getMode() SyncMode {
	sync.lock.Lock()
	defer sync.lock.Unlock()
	return sync.Mode
}

func (sync *Syncer) getFeedState() SyncState {
	sync.lock.Lock()
	defer sync.lock.Unlock()
	return sync.feedState
}

func (sync *Syncer) SetFeedState(state SyncState) {
	sync.init()
	sync.Log.Debug("sync: feed state", "name", sync.Name, "state", state.String())
	sync.lock.Lock()
	sync.feedState = state
	sync.lock.Unlock()
}

func (sync *Syncer) SetDrainState(state SyncState) {
	sync.init()
	sync.Log.Debug("sync: drain state", "name", sync.Name, "state", state.String())
	sync.lock.Lock()
	if state > sync.drainState {
		sync.drainState = state
	}
	sync.cond.Broadcast()
	sync.lock.Unlock()
}

func (sync *Syncer) WaitDrainState(state SyncState) (ds SyncState) {
	sync.init()
	sync.lock.Lock()
	for sync.drainState < state {
		sync.cond.Wait()
	}
	ds = sync.drainState
	sync.lock.Unlock()
	return
}

func (sync *Syncer) getDrainState() SyncState {
	sync.lock.Lock()
	defer sync.lock.Unlock()
	return sync.drainState
}

func (sync *Syncer) Drain(ctx context.Context, recs protocol.Records) (err error) {
	sync.init()
	ctx = sync.logCtx(ctx)
	if len(recs) == 0 {
		return nil
	}
	switch sync.getDrainState() {
	case SendHandshake:
		if err = sync.DrainHandshake(ctx, recs[0]); err != nil {
			break
		}
		recs = recs[1:]
		sync.SetDrainState(SendDiff)
		if len(recs) == 0 {
			break
		}
		fallthrough

	// the peer may still be sending after our wait for its bye ran out
	case SendDiff, SendLive, SendNone:
		if sync.failed() {
			return seqlog_errors.ErrClosed
		}
		bye := false
		if recs.LastLit() == 'B' {
			bye = true
			reason, _ := protocol.Take('B', recs[len(recs)-1])
			sync.Log.DebugCtx(ctx, "sync: peer said bye", "reason", string(reason))
			recs = recs[:len(recs)-1]
		}
		if len(recs) > 0 && sync.getMode()&SyncRead != 0 {
			err = sync.Host.DrainFrom(ctx, sync.Name, recs)
		}
		if bye {
			sync.SetDrainState(SendNone)
		}

	default:
		return seqlog_errors.ErrClosed
	}

	if err != nil {
		sync.Log.WarnCtx(ctx, "sync: drain failed", "err", err)
		sync.fail(err)
	}
	return
}

// fail ends the session: our bye carries err, the peer's data is refused.
func (sync *Syncer) fail(err error) {
	sync.lock.Lock()
	sync.reason = err
	if sync.feedState < SendEOF {
		sync.feedState = SendEOF
	}
	sync.lock.Unlock()
	sync.SetDrainState(SendNone)
}

func (sync *Syncer) failed() bool {
	sync.lock.Lock()
	defer sync.lock.Unlock()
	return sync.reason != nil
}

func (sync *Syncer) DrainHandshake(ctx context.Context, rec []byte) error {
	mode, trace, vvs, err := ParseHandshake(rec)
	if err != nil {
		return err
	}
	sync.lock.Lock()
	sync.Mode &= mode
	sync.peervv = vvs
	sync.lock.Unlock()
	sync.Log.DebugCtx(ctx, "sync: handshake received", "peer_trace_id", trace, "mode", mode.String(), "sequences", len(vvs))
	return nil
}

// SnapshotVVs reads the version vector of every sequence in the store,
// empty ones included.
func SnapshotVVs(snap pebble.Reader) (map[sequence.Address]sequence.VV, error) {
	vvs := make(map[sequence.Address]sequence.VV)
	yit, err := snap.NewIter(&pebble.IterOptions{LowerBound: []byte{'Y'}, UpperBound: []byte{'Z'}})
	if err != nil {
		return nil, err
	}
	for valid := yit.First(); valid; valid = yit.Next() {
		addr, err := sequence.AddressFromBytes(yit.Key()[1:])
		if err != nil {
			_ = yit.Close()
			return nil, err
		}
		vvs[addr] = sequence.VV{}
	}
	if err = yit.Close(); err != nil {
		return nil, err
	}
	vit, err := snap.NewIter(&pebble.IterOptions{LowerBound: []byte{'V'}, UpperBound: []byte{'W'}})
	if err != nil {
		return nil, err
	}
	defer vit.Close()
	for valid := vit.First(); valid; valid = vit.Next() {
		addr, actor, ok := VKeyAddrActor(vit.Key())
		if !ok || len(vit.Value()) != 8 {
			return nil, fmt.Errorf("bad version key %x", vit.Key())
		}
		vv, known := vvs[addr]
		if !known {
			continue
		}
		vv.Put(actor, binary.BigEndian.Uint64(vit.Value()))
	}
	return vvs, nil
}
