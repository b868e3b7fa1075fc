package seqlog

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/seqlog/identity"
	"github.com/drpcorg/seqlog/policy"
	"github.com/drpcorg/seqlog/protocol"
	"github.com/drpcorg/seqlog/seqlog_errors"
	"github.com/drpcorg/seqlog/sequence"
	"github.com/drpcorg/seqlog/utils"
	"github.com/stretchr/testify/assert"
)

func testdirs(names ...string) ([]string, func()) {
	dirs := make([]string, len(names))
	for i, name := range names {
		dirs[i] = filepath.Join(os.TempDir(), fmt.Sprintf("seqlog-%d-%s", os.Getpid(), name))
		os.RemoveAll(dirs[i])
	}
	return dirs, func() {
		for _, dir := range dirs {
			os.RemoveAll(dir)
		}
	}
}

func keyPair(b byte) *identity.KeyPair {
	kp, err := identity.KeyPairFromSeed(bytes.Repeat([]byte{b}, 32))
	if err != nil {
		panic(err)
	}
	return kp
}

var (
	owner = keyPair(1)
	bob   = keyPair(2)
	mallo = keyPair(4)
)

var testAddr = sequence.NewAddress(policy.Private, "replica test", 7)

func testPolicy(t *testing.T) *policy.Policy {
	pol, err := policy.New(policy.Private, owner.Identity(), map[policy.User]policy.Permissions{
		policy.Key(bob.Identity()): {Allow: policy.Caps(policy.Append)},
	})
	assert.NoError(t, err)
	return pol
}

func testOpen(t *testing.T, dir, name string) *Replica {
	r, err := Open(dir, Options{
		Name:   name,
		Logger: utils.NewDefaultLogger(slog.LevelError),
	})
	assert.NoError(t, err)
	return r
}

func readValues(t *testing.T, r *Replica) []string {
	entries, err := r.Read(testAddr, owner.Identity(), 0, 1<<30)
	assert.NoError(t, err)
	ret := []string{}
	for _, e := range entries {
		ret = append(ret, string(e.Payload))
	}
	return ret
}

func TestReplica_CreateInsertRead(t *testing.T) {
	dirs, clear := testdirs("a")
	defer clear()
	ctx := context.Background()
	a := testOpen(t, dirs[0], "a")
	defer a.Close()

	assert.NoError(t, a.Create(ctx, testAddr, testPolicy(t)))
	assert.ErrorIs(t, a.Create(ctx, testAddr, testPolicy(t)), seqlog_errors.ErrSequenceExists)

	aid, err := a.Append(ctx, testAddr, []byte("a"), owner)
	assert.NoError(t, err)
	_, err = a.Append(ctx, testAddr, []byte("b"), owner)
	assert.NoError(t, err)
	xid, err := a.InsertAt(ctx, testAddr, sequence.FromStart(1), []byte("x"), owner)
	assert.NoError(t, err)
	assert.Equal(t, uint64(3), xid.Counter)
	_, err = a.Insert(ctx, testAddr, sequence.Start, []byte("b"), owner)
	assert.NoError(t, err)

	assert.Equal(t, []string{"b", "a", "x", "b"}, readValues(t, a))
	n, err := a.Len(testAddr)
	assert.NoError(t, err)
	assert.Equal(t, 4, n)

	e, err := a.Get(testAddr, owner.Identity(), sequence.FromEnd(1))
	assert.NoError(t, err)
	assert.Equal(t, "b", string(e.Payload))

	ids, err := a.Lookup(testAddr, owner.Identity(), []byte("x"))
	assert.NoError(t, err)
	assert.Equal(t, []sequence.ID{xid}, ids)
	ids, err = a.Lookup(testAddr, owner.Identity(), []byte("b"))
	assert.NoError(t, err)
	assert.Len(t, ids, 2)

	_, err = a.Remove(ctx, testAddr, aid, owner)
	assert.NoError(t, err)
	_, err = a.RemoveAt(ctx, testAddr, sequence.FromStart(0), owner)
	assert.NoError(t, err)
	assert.Equal(t, []string{"x", "b"}, readValues(t, a))
	ids, err = a.Lookup(testAddr, owner.Identity(), []byte("b"))
	assert.NoError(t, err)
	assert.Len(t, ids, 1)

	_, err = a.Append(ctx, sequence.NewAddress(policy.Private, "nope", 0), []byte("z"), owner)
	assert.ErrorIs(t, err, seqlog_errors.ErrUnknownSeq)
	assert.Equal(t, []sequence.Address{testAddr}, a.Addresses())
}

func TestReplica_Reopen(t *testing.T) {
	dirs, clear := testdirs("a")
	defer clear()
	ctx := context.Background()

	a := testOpen(t, dirs[0], "a")
	assert.NoError(t, a.Create(ctx, testAddr, testPolicy(t)))
	for _, v := range []string{"one", "two", "three"} {
		_, err := a.Append(ctx, testAddr, []byte(v), owner)
		assert.NoError(t, err)
	}
	_, err := a.Append(ctx, testAddr, []byte("four"), bob)
	assert.NoError(t, err)
	_, err = a.RemoveAt(ctx, testAddr, sequence.FromStart(1), owner)
	assert.NoError(t, err)
	digest, err := a.Digest(testAddr)
	assert.NoError(t, err)
	vv, err := a.VersionVector(testAddr)
	assert.NoError(t, err)
	assert.NoError(t, a.Close())
	assert.ErrorIs(t, a.Close(), seqlog_errors.ErrClosed)

	b := testOpen(t, dirs[0], "a")
	defer b.Close()
	assert.Equal(t, []string{"one", "three", "four"}, readValues(t, b))
	digest2, err := b.Digest(testAddr)
	assert.NoError(t, err)
	assert.Equal(t, digest, digest2)
	vv2, err := b.VersionVector(testAddr)
	assert.NoError(t, err)
	assert.Equal(t, vv, vv2)
	pol, err := b.Policy(testAddr)
	assert.NoError(t, err)
	assert.True(t, pol.Equal(testPolicy(t)))
	own, err := b.Owner(testAddr)
	assert.NoError(t, err)
	assert.Equal(t, owner.Identity(), own)

	id, err := b.Append(ctx, testAddr, []byte("five"), owner)
	assert.NoError(t, err)
	assert.Equal(t, uint64(5), id.Counter)
}

func TestReplica_ReadAccess(t *testing.T) {
	dirs, clear := testdirs("a")
	defer clear()
	ctx := context.Background()
	a := testOpen(t, dirs[0], "a")
	defer a.Close()
	assert.NoError(t, a.Create(ctx, testAddr, testPolicy(t)))
	_, err := a.Append(ctx, testAddr, []byte("secret"), bob)
	assert.NoError(t, err)

	_, err = a.Read(testAddr, mallo.Identity(), 0, 10)
	assert.ErrorIs(t, err, seqlog_errors.ErrAccessDenied)
	// bob may append but not read
	_, err = a.Get(testAddr, bob.Identity(), sequence.FromStart(0))
	var denied *policy.AccessDeniedError
	assert.ErrorAs(t, err, &denied)
	assert.Equal(t, policy.Read, denied.Capability)
	_, err = a.Lookup(testAddr, bob.Identity(), []byte("secret"))
	assert.ErrorIs(t, err, seqlog_errors.ErrAccessDenied)

	_, err = a.Remove(ctx, testAddr, sequence.Start, bob)
	assert.ErrorIs(t, err, seqlog_errors.ErrInvalidTarget)
	_, err = a.RemoveAt(ctx, testAddr, sequence.FromStart(0), bob)
	assert.ErrorIs(t, err, seqlog_errors.ErrAccessDenied)
	_, err = a.Append(ctx, testAddr, []byte("hi"), mallo)
	assert.ErrorIs(t, err, seqlog_errors.ErrAccessDenied)
	assert.Equal(t, []string{"secret"}, readValues(t, a))
}

// tap collects every record a replica broadcasts.
func tap(t *testing.T, r *Replica) func() protocol.Records {
	hose := r.AddPacketHose("tap")
	return func() protocol.Records {
		ctx, cancel := context.WithTimeout(context.Background(), 0)
		defer cancel()
		var all protocol.Records
		for {
			recs, err := hose.Feed(ctx)
			if err != nil {
				assert.ErrorIs(t, err, context.DeadlineExceeded)
				return all
			}
			all = append(all, recs...)
		}
	}
}

func TestReplica_DrainOutOfOrder(t *testing.T) {
	dirs, clear := testdirs("a", "b")
	defer clear()
	ctx := context.Background()
	a := testOpen(t, dirs[0], "a")
	defer a.Close()
	b := testOpen(t, dirs[1], "b")
	defer b.Close()

	feed := tap(t, a)
	assert.NoError(t, a.Create(ctx, testAddr, testPolicy(t)))
	first, err := a.Append(ctx, testAddr, []byte("1"), owner)
	assert.NoError(t, err)
	_, err = a.Insert(ctx, testAddr, first, []byte("2"), bob)
	assert.NoError(t, err)
	_, err = a.Remove(ctx, testAddr, first, owner)
	assert.NoError(t, err)
	recs := feed()
	assert.Len(t, recs, 4)
	assert.Equal(t, uint8('Y'), protocol.Lit(recs[0]))

	// ops first, the genesis last
	for i := len(recs) - 1; i >= 0; i-- {
		assert.NoError(t, b.Drain(ctx, protocol.Records{recs[i]}))
	}
	assert.Equal(t, 0, b.Pending())
	assert.Equal(t, readValues(t, a), readValues(t, b))
	da, _ := a.Digest(testAddr)
	db, _ := b.Digest(testAddr)
	assert.Equal(t, da, db)

	// duplicates change nothing
	assert.NoError(t, b.Drain(ctx, recs))
	assert.Equal(t, []string{"2"}, readValues(t, b))
}

func TestReplica_DrainRejects(t *testing.T) {
	dirs, clear := testdirs("a")
	defer clear()
	ctx := context.Background()
	a := testOpen(t, dirs[0], "a")
	defer a.Close()
	assert.NoError(t, a.Create(ctx, testAddr, testPolicy(t)))
	_, err := a.Append(ctx, testAddr, []byte("ok"), owner)
	assert.NoError(t, err)

	// a forger builds ops against its own copy of the sequence
	l, err := sequence.New(testAddr, testPolicy(t))
	assert.NoError(t, err)
	forged, err := l.Append([]byte("evil"), mallo)
	assert.NoError(t, err)
	assert.NoError(t, a.Drain(ctx, protocol.Records{forged.Record()}))
	assert.ErrorIs(t, a.Submit(ctx, forged), seqlog_errors.ErrAccessDenied)

	tampered, err := l.Append([]byte("fine"), bob)
	assert.NoError(t, err)
	tampered.Payload = []byte("evil")
	assert.NoError(t, a.Drain(ctx, protocol.Records{tampered.Record()}))
	assert.ErrorIs(t, a.Submit(ctx, tampered), seqlog_errors.ErrInvalidSignature)

	assert.Equal(t, []string{"ok"}, readValues(t, a))
	assert.Equal(t, 0, a.Pending())

	err = a.Drain(ctx, protocol.Records{protocol.Record('Z', []byte("junk"))})
	assert.ErrorIs(t, err, seqlog_errors.ErrBadPacket)
}

func TestReplica_PendingLimit(t *testing.T) {
	dirs, clear := testdirs("a")
	defer clear()
	ctx := context.Background()
	a, err := Open(dirs[0], Options{
		Name:       "a",
		Logger:     utils.NewDefaultLogger(slog.LevelError),
		MaxPending: 1,
		Options:    pebble.Options{ErrorIfExists: true},
	})
	assert.NoError(t, err)
	defer a.Close()

	l, err := sequence.New(testAddr, testPolicy(t))
	assert.NoError(t, err)
	op1, err := l.Append([]byte("1"), owner)
	assert.NoError(t, err)
	assert.NoError(t, l.Apply(op1))
	op2, err := l.Append([]byte("2"), owner)
	assert.NoError(t, err)

	assert.NoError(t, a.Drain(ctx, protocol.Records{op1.Record(), op2.Record()}))
	assert.Equal(t, 1, a.Pending())

	assert.NoError(t, a.Drain(ctx, protocol.Records{GenesisRecord(testAddr, testPolicy(t))}))
	assert.Equal(t, []string{"1"}, readValues(t, a))
	// the dropped op is not remembered as seen
	assert.NoError(t, a.Drain(ctx, protocol.Records{op2.Record()}))
	assert.Equal(t, []string{"1", "2"}, readValues(t, a))
}

func TestReplica_GenesisConflict(t *testing.T) {
	dirs, clear := testdirs("a")
	defer clear()
	ctx := context.Background()
	a := testOpen(t, dirs[0], "a")
	defer a.Close()
	assert.NoError(t, a.Create(ctx, testAddr, testPolicy(t)))

	other, err := policy.New(policy.Private, mallo.Identity(), nil)
	assert.NoError(t, err)
	assert.NoError(t, a.Drain(ctx, protocol.Records{GenesisRecord(testAddr, other)}))
	own, err := a.Owner(testAddr)
	assert.NoError(t, err)
	assert.Equal(t, owner.Identity(), own)
}

func TestReplica_Lookup(t *testing.T) {
	dirs, clear := testdirs("a")
	defer clear()
	ctx := context.Background()
	a := testOpen(t, dirs[0], "a")
	defer a.Close()
	assert.NoError(t, a.Create(ctx, testAddr, testPolicy(t)))

	first, err := a.Append(ctx, testAddr, []byte("dup"), owner)
	assert.NoError(t, err)
	second, err := a.Append(ctx, testAddr, []byte("dup"), bob)
	assert.NoError(t, err)
	_, err = a.Append(ctx, testAddr, []byte("other"), owner)
	assert.NoError(t, err)

	ids, err := a.Lookup(testAddr, owner.Identity(), []byte("dup"))
	assert.NoError(t, err)
	assert.ElementsMatch(t, []sequence.ID{first, second}, ids)
	ids, err = a.Lookup(testAddr, owner.Identity(), []byte("none"))
	assert.NoError(t, err)
	assert.Empty(t, ids)

	_, err = a.Remove(ctx, testAddr, first, owner)
	assert.NoError(t, err)
	ids, err = a.Lookup(testAddr, owner.Identity(), []byte("dup"))
	assert.NoError(t, err)
	assert.Equal(t, []sequence.ID{second}, ids)

	// bob wrote it but may not read it back
	_, err = a.Lookup(testAddr, bob.Identity(), []byte("dup"))
	assert.ErrorIs(t, err, seqlog_errors.ErrAccessDenied)
	_, err = a.Lookup(sequence.NewAddress(policy.Private, "nope", 0), owner.Identity(), []byte("dup"))
	assert.ErrorIs(t, err, seqlog_errors.ErrUnknownSeq)
}

func TestReplica_StoreFailure(t *testing.T) {
	dirs, clear := testdirs("a")
	defer clear()
	ctx := context.Background()
	a := testOpen(t, dirs[0], "a")
	assert.NoError(t, a.Create(ctx, testAddr, testPolicy(t)))
	assert.NoError(t, a.Close())

	// every write to a read-only store fails
	ro, err := Open(dirs[0], Options{
		Name:    "a",
		Logger:  utils.NewDefaultLogger(slog.LevelError),
		Options: pebble.Options{ReadOnly: true},
	})
	assert.NoError(t, err)
	_, err = ro.Append(ctx, testAddr, []byte("ghost"), owner)
	assert.Error(t, err)

	l, err := sequence.New(testAddr, testPolicy(t))
	assert.NoError(t, err)
	remote, err := l.Append([]byte("remote"), bob)
	assert.NoError(t, err)
	assert.NoError(t, ro.Drain(ctx, protocol.Records{remote.Record()}))
	assert.Error(t, ro.Submit(ctx, remote))

	n, err := ro.Len(testAddr)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
	vv, err := ro.VersionVector(testAddr)
	assert.NoError(t, err)
	assert.Empty(t, vv)
	assert.NoError(t, ro.Close())

	b := testOpen(t, dirs[0], "a")
	defer b.Close()
	id, err := b.Append(ctx, testAddr, []byte("real"), owner)
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), id.Counter)
	assert.NoError(t, b.Submit(ctx, remote))
	assert.ElementsMatch(t, []string{"real", "remote"}, readValues(t, b))
}

func TestReplica_ConflictingOp(t *testing.T) {
	dirs, clear := testdirs("a")
	defer clear()
	ctx := context.Background()
	a := testOpen(t, dirs[0], "a")
	defer a.Close()
	assert.NoError(t, a.Create(ctx, testAddr, testPolicy(t)))
	_, err := a.Append(ctx, testAddr, []byte("mine"), bob)
	assert.NoError(t, err)

	// bob's key also signs on a replica that never saw "mine"
	l, err := sequence.New(testAddr, testPolicy(t))
	assert.NoError(t, err)
	other, err := l.Append([]byte("theirs"), bob)
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), other.ID.Counter)

	assert.NoError(t, a.Drain(ctx, protocol.Records{other.Record()}))
	assert.ErrorIs(t, a.Submit(ctx, other), seqlog_errors.ErrConflict)
	assert.Equal(t, []string{"mine"}, readValues(t, a))
	assert.Equal(t, 0, a.Pending())
}

func TestReplica_ConcurrentDrain(t *testing.T) {
	dirs, clear := testdirs("src")
	defer clear()
	ctx := context.Background()
	src := testOpen(t, dirs[0], "src")
	defer src.Close()

	feed := tap(t, src)
	assert.NoError(t, src.Create(ctx, testAddr, testPolicy(t)))
	var last sequence.ID
	for i := 0; i < 24; i++ {
		signer := owner
		if i%3 == 0 {
			signer = bob
		}
		id, err := src.Append(ctx, testAddr, []byte{byte('a' + i)}, signer)
		assert.NoError(t, err)
		if i%5 == 4 {
			_, err = src.Remove(ctx, testAddr, last, owner)
			assert.NoError(t, err)
		}
		last = id
	}
	recs := feed()
	want := readValues(t, src)
	digest, err := src.Digest(testAddr)
	assert.NoError(t, err)

	const peers = 4
	for round := 0; round < 8; round++ {
		rdirs, rclear := testdirs(fmt.Sprintf("dst%d", round))
		dst := testOpen(t, rdirs[0], "dst")

		rnd := rand.New(rand.NewSource(int64(round)))
		shuffled := append(protocol.Records{}, recs...)
		rnd.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		var wg sync.WaitGroup
		for p := 0; p < peers; p++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				from := fmt.Sprintf("peer%d", p)
				for i := p; i < len(shuffled); i += peers {
					assert.NoError(t, dst.DrainFrom(ctx, from, protocol.Records{shuffled[i]}))
				}
			}(p)
		}
		wg.Wait()

		assert.Equal(t, 0, dst.Pending(), "round %d", round)
		assert.Equal(t, want, readValues(t, dst), "round %d", round)
		got, err := dst.Digest(testAddr)
		assert.NoError(t, err)
		assert.Equal(t, digest, got)
		assert.NoError(t, dst.Close())
		rclear()
	}
}

func TestReplica_CloseWhileWriting(t *testing.T) {
	dirs, clear := testdirs("a")
	defer clear()
	ctx := context.Background()
	a := testOpen(t, dirs[0], "a")
	assert.NoError(t, a.Create(ctx, testAddr, testPolicy(t)))

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if _, err := a.Append(ctx, testAddr, []byte("w"), owner); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, a.Close())
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, seqlog_errors.ErrClosed)
	}
	_, err := a.Len(testAddr)
	assert.ErrorIs(t, err, seqlog_errors.ErrClosed)
	_, err = a.Snapshot()
	assert.ErrorIs(t, err, seqlog_errors.ErrClosed)

	// whatever got in is whole
	b := testOpen(t, dirs[0], "a")
	defer b.Close()
	n, err := b.Len(testAddr)
	assert.NoError(t, err)
	vv, err := b.VersionVector(testAddr)
	assert.NoError(t, err)
	assert.Equal(t, uint64(n), vv.Get(owner.Identity()))
}

func TestReplica_NonPositiveLimits(t *testing.T) {
	opts := Options{MaxPending: -1, SeenCacheSize: -1, BroadcastQueueBatchSize: -5}
	opts.SetDefaults()
	assert.Equal(t, 1<<16, opts.MaxPending)
	assert.Equal(t, 1<<14, opts.SeenCacheSize)
	assert.Equal(t, 1<<16, opts.BroadcastQueueBatchSize)

	dirs, clear := testdirs("a")
	defer clear()
	ctx := context.Background()
	a, err := Open(dirs[0], Options{
		Logger:        utils.NewDefaultLogger(slog.LevelError),
		SeenCacheSize: -1,
	})
	assert.NoError(t, err)
	defer a.Close()
	assert.NoError(t, a.Drain(ctx, protocol.Records{GenesisRecord(testAddr, testPolicy(t))}))
	assert.Equal(t, []sequence.Address{testAddr}, a.Addresses())
}

func TestKeys(t *testing.T) {
	id := sequence.ID{Actor: bob.Identity(), Counter: 42}
	key := HKey(testAddr, 0xfeed, id)
	got, ok := HKeyID(key)
	assert.True(t, ok)
	assert.Equal(t, id, got)

	n, ok := OKeyN(OKey(testAddr, 9))
	assert.True(t, ok)
	assert.Equal(t, uint64(9), n)

	addr, actor, ok := VKeyAddrActor(VKey(testAddr, bob.Identity()))
	assert.True(t, ok)
	assert.Equal(t, testAddr, addr)
	assert.Equal(t, bob.Identity(), actor)

	lo, hi := KeyRange('O', testAddr)
	assert.True(t, bytes.Compare(lo, OKey(testAddr, 0)) <= 0)
	assert.True(t, bytes.Compare(OKey(testAddr, 1<<63), hi) < 0)
}
