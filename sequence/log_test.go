package sequence

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/drpcorg/seqlog/identity"
	"github.com/drpcorg/seqlog/policy"
	"github.com/drpcorg/seqlog/protocol"
	"github.com/drpcorg/seqlog/seqlog_errors"
	"github.com/stretchr/testify/assert"
)

var verifier = identity.Schemes{}

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
	carol = keyPair(3)
	mallo = keyPair(4)
)

var testAddr = NewAddress(policy.Private, "test", 1)

func testLog(t *testing.T) *Log {
	pol, err := policy.New(policy.Private, owner.Identity(), map[policy.User]policy.Permissions{
		policy.Key(bob.Identity()):   {Allow: policy.Caps(policy.Append)},
		policy.Key(carol.Identity()): {Allow: policy.Caps(policy.Append, policy.Remove)},
	})
	assert.NoError(t, err)
	l, err := New(testAddr, pol)
	assert.NoError(t, err)
	return l
}

func values(l *Log) []string {
	ret := []string{}
	for _, v := range l.Values() {
		ret = append(ret, string(v))
	}
	return ret
}

func mustMerge(t *testing.T, l *Log, ops ...*Operation) {
	for _, op := range ops {
		assert.NoError(t, l.Merge(op, verifier), op.String())
	}
}

func TestConcurrentInsertsOnSameAnchor(t *testing.T) {
	r1, r2 := testLog(t), testLog(t)

	x, err := r1.Insert(Start, []byte("x"), owner)
	assert.NoError(t, err)
	mustMerge(t, r1, x)
	mustMerge(t, r2, x)
	assert.Equal(t, []string{"x"}, values(r1))

	z, err := r1.Insert(x.ID, []byte("z"), owner)
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), z.ID.Counter)
	y, err := r2.Insert(x.ID, []byte("y"), bob)
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), y.ID.Counter)

	mustMerge(t, r1, z, y)
	mustMerge(t, r2, y, z)

	assert.Equal(t, []string{"x", "z", "y"}, values(r1))
	assert.Equal(t, values(r1), values(r2))
	assert.Equal(t, r1.Digest(), r2.Digest())
}

func TestSiblingTieBrokenByActor(t *testing.T) {
	l := testLog(t)
	a, err := l.Insert(Start, []byte("b"), bob)
	assert.NoError(t, err)
	c, err := l.Insert(Start, []byte("c"), carol)
	assert.NoError(t, err)
	mustMerge(t, l, c, a)
	// same counter, the smaller identity goes first
	want := []string{"b", "c"}
	if carol.Identity().Compare(bob.Identity()) < 0 {
		want = []string{"c", "b"}
	}
	assert.Equal(t, want, values(l))
}

func TestIdempotence(t *testing.T) {
	l := testLog(t)
	x, err := l.Insert(Start, []byte("x"), owner)
	assert.NoError(t, err)
	mustMerge(t, l, x)
	rm, err := l.Remove(x.ID, owner)
	assert.NoError(t, err)
	mustMerge(t, l, rm)

	entries := l.Entries()
	vv := l.VersionVector()
	mustMerge(t, l, x, rm, x)
	assert.Equal(t, entries, l.Entries())
	assert.Equal(t, vv, l.VersionVector())
	assert.True(t, l.Has(x.ID))
	assert.True(t, l.Has(rm.ID))
}

func TestPolicyEnforcement(t *testing.T) {
	l := testLog(t)
	x, err := l.Insert(Start, []byte("x"), owner)
	assert.NoError(t, err)
	mustMerge(t, l, x)
	before, vv, digest := l.Entries(), l.VersionVector(), l.Digest()

	// no entry at all
	op, err := l.Insert(x.ID, []byte("evil"), mallo)
	assert.NoError(t, err)
	err = l.Merge(op, verifier)
	assert.ErrorIs(t, err, seqlog_errors.ErrAccessDenied)
	var denied *policy.AccessDeniedError
	assert.True(t, errors.As(err, &denied))
	assert.Equal(t, mallo.Identity(), denied.Identity)

	// append only
	rm, err := l.Remove(x.ID, bob)
	assert.NoError(t, err)
	assert.ErrorIs(t, l.Merge(rm, verifier), seqlog_errors.ErrAccessDenied)

	assert.Equal(t, before, l.Entries())
	assert.Equal(t, vv, l.VersionVector())
	assert.Equal(t, digest, l.Digest())

	// remove granted
	rm, err = l.Remove(x.ID, carol)
	assert.NoError(t, err)
	mustMerge(t, l, rm)
	assert.Equal(t, 0, l.Len())
}

func TestSignatureIntegrity(t *testing.T) {
	l := testLog(t)
	x, err := l.Insert(Start, []byte("x"), owner)
	assert.NoError(t, err)

	tampered := *x
	tampered.Payload = []byte("y")
	assert.ErrorIs(t, l.Merge(&tampered, verifier), seqlog_errors.ErrInvalidSignature)

	moved := *x
	moved.ID.Counter = 2
	assert.ErrorIs(t, l.Merge(&moved, verifier), seqlog_errors.ErrInvalidSignature)

	// signed by bob, claimed to be owner's
	forged, err := l.Insert(Start, []byte("x"), bob)
	assert.NoError(t, err)
	forged.ID.Actor = owner.Identity()
	forged.Source = owner.Identity()
	assert.ErrorIs(t, l.Merge(forged, verifier), seqlog_errors.ErrInvalidSignature)

	// the source must be the actor
	mismatch := *x
	mismatch.Source = bob.Identity()
	assert.ErrorIs(t, l.Merge(&mismatch, verifier), seqlog_errors.ErrInvalidSignature)

	assert.Equal(t, 0, len(l.Entries()))
	mustMerge(t, l, x)
}

func TestCausalGating(t *testing.T) {
	r1, r2 := testLog(t), testLog(t)
	x, err := r1.Insert(Start, []byte("x"), owner)
	assert.NoError(t, err)
	mustMerge(t, r1, x)
	y, err := r1.Insert(x.ID, []byte("y"), bob)
	assert.NoError(t, err)
	mustMerge(t, r1, y)
	rm, err := r1.Remove(x.ID, carol)
	assert.NoError(t, err)

	assert.ErrorIs(t, r2.Merge(y, verifier), seqlog_errors.ErrMissingDependency)
	assert.ErrorIs(t, r2.Merge(rm, verifier), seqlog_errors.ErrMissingDependency)
	assert.Equal(t, 0, len(r2.Entries()))

	mustMerge(t, r2, x, y, rm)
	assert.Equal(t, []string{"y"}, values(r2))
}

func TestCounterGap(t *testing.T) {
	r1, r2 := testLog(t), testLog(t)
	a, err := r1.Insert(Start, []byte("a"), owner)
	assert.NoError(t, err)
	mustMerge(t, r1, a)
	b, err := r1.Insert(Start, []byte("b"), owner)
	assert.NoError(t, err)

	assert.ErrorIs(t, r2.Merge(b, verifier), seqlog_errors.ErrMissingDependency)
	mustMerge(t, r2, a, b)
	assert.Equal(t, []string{"b", "a"}, values(r2))
}

func TestTombstoneStability(t *testing.T) {
	r1, r2 := testLog(t), testLog(t)
	x, err := r1.Insert(Start, []byte("x"), owner)
	assert.NoError(t, err)
	mustMerge(t, r1, x)
	w, err := r1.Insert(Start, []byte("w"), owner)
	assert.NoError(t, err)
	mustMerge(t, r1, w)
	mustMerge(t, r2, x, w)
	assert.Equal(t, []string{"w", "x"}, values(r2))

	// r1 removes x while r2 inserts after it
	rm, err := r1.Remove(x.ID, owner)
	assert.NoError(t, err)
	mustMerge(t, r1, rm)
	v, err := r2.Insert(x.ID, []byte("v"), carol)
	assert.NoError(t, err)
	mustMerge(t, r2, v)

	_, err = r1.Insert(x.ID, []byte("late"), owner)
	assert.ErrorIs(t, err, seqlog_errors.ErrIndexNotFound)

	mustMerge(t, r1, v)
	mustMerge(t, r2, rm)
	assert.Equal(t, values(r1), values(r2))
	assert.Equal(t, []string{"w", "v"}, values(r1))
	entry, ok := r1.Entry(x.ID)
	assert.True(t, ok)
	assert.True(t, entry.Removed)
	assert.Len(t, r1.Entries(), 3)
}

func TestConstructionErrors(t *testing.T) {
	l := testLog(t)
	ghost := ID{Actor: bob.Identity(), Counter: 7}
	_, err := l.Insert(ghost, []byte("a"), owner)
	assert.ErrorIs(t, err, seqlog_errors.ErrIndexNotFound)
	_, err = l.Remove(ghost, owner)
	assert.ErrorIs(t, err, seqlog_errors.ErrInvalidTarget)
	_, err = l.Remove(Start, owner)
	assert.ErrorIs(t, err, seqlog_errors.ErrInvalidTarget)

	x, err := l.Insert(Start, []byte("x"), owner)
	assert.NoError(t, err)
	mustMerge(t, l, x)
	rm, err := l.Remove(x.ID, owner)
	assert.NoError(t, err)
	mustMerge(t, l, rm)
	_, err = l.Remove(x.ID, owner)
	assert.ErrorIs(t, err, seqlog_errors.ErrInvalidTarget)
	_, err = l.Get(FromStart(0))
	assert.ErrorIs(t, err, seqlog_errors.ErrIndexNotFound)

	// a removal is not an entry
	op, err := l.sign(&Operation{Kind: Remove, Target: rm.ID}, owner)
	assert.NoError(t, err)
	assert.ErrorIs(t, l.Merge(op, verifier), seqlog_errors.ErrInvalidTarget)
}

func TestWrongAddress(t *testing.T) {
	l := testLog(t)
	other, err := New(NewAddress(policy.Private, "other", 1), l.Policy())
	assert.NoError(t, err)
	op, err := other.Insert(Start, []byte("x"), owner)
	assert.NoError(t, err)
	assert.ErrorIs(t, l.Merge(op, verifier), seqlog_errors.ErrWrongAddress)

	_, err = New(NewAddress(policy.Public, "test", 1), l.Policy())
	assert.ErrorIs(t, err, seqlog_errors.ErrBadPolicy)
}

func TestIndexes(t *testing.T) {
	l := testLog(t)
	for _, s := range []string{"a", "b", "c", "d"} {
		op, err := l.Append([]byte(s), owner)
		assert.NoError(t, err)
		mustMerge(t, l, op)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, values(l))

	op, err := l.InsertAt(FromStart(2), []byte("x"), owner)
	assert.NoError(t, err)
	mustMerge(t, l, op)
	assert.Equal(t, []string{"a", "b", "x", "c", "d"}, values(l))

	// bob's counter 1 ranks below every sibling already anchored at b
	op, err = l.InsertAt(FromStart(2), []byte("y"), bob)
	assert.NoError(t, err)
	mustMerge(t, l, op)
	assert.Equal(t, []string{"a", "b", "x", "c", "d", "y"}, values(l))

	last, err := l.Get(FromEnd(2))
	assert.NoError(t, err)
	assert.Equal(t, "d", string(last.Payload))
	_, err = l.Get(FromEnd(0))
	assert.ErrorIs(t, err, seqlog_errors.ErrIndexNotFound)

	rng, err := l.InRange(FromStart(1), FromEnd(1))
	assert.NoError(t, err)
	assert.Len(t, rng, 4)
	assert.Equal(t, "b", string(rng[0].Payload))
	_, err = l.InRange(FromStart(0), FromStart(9))
	assert.ErrorIs(t, err, seqlog_errors.ErrIndexNotFound)

	rm, err := l.RemoveAt(FromStart(0), carol)
	assert.NoError(t, err)
	mustMerge(t, l, rm)
	assert.Equal(t, "b", string(l.Read(0, 1)[0].Payload))
	assert.Len(t, l.Read(-3, 100), 5)
	assert.Empty(t, l.Read(3, 1))

	e, ok := l.Last()
	assert.True(t, ok)
	assert.Equal(t, "y", string(e.Payload))
}

// deliver applies ops in the given order, retrying the ones blocked on
// missing dependencies until nothing moves.
func deliver(t *testing.T, l *Log, ops []*Operation) {
	pending := ops
	for len(pending) > 0 {
		var next []*Operation
		for _, op := range pending {
			err := l.Merge(op, verifier)
			if errors.Is(err, seqlog_errors.ErrMissingDependency) {
				next = append(next, op)
				continue
			}
			assert.NoError(t, err)
		}
		if len(next) == len(pending) {
			t.Fatalf("stuck with %d operations", len(next))
		}
		pending = next
	}
}

func TestConvergence(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	signers := []identity.Signer{owner, bob, carol}
	replicas := []*Log{testLog(t), testLog(t), testLog(t)}
	var all []*Operation

	for round := 0; round < 20; round++ {
		// every replica makes a few local edits
		for i, r := range replicas {
			for k := 0; k < 3; k++ {
				var op *Operation
				var err error
				if r.Len() > 0 && rnd.Intn(4) == 0 && i != 1 {
					op, err = r.RemoveAt(FromStart(uint64(rnd.Intn(r.Len()))), signers[i])
				} else {
					op, err = r.InsertAt(FromStart(uint64(rnd.Intn(r.Len()+1))), []byte{byte('a' + rnd.Intn(26))}, signers[i])
				}
				assert.NoError(t, err)
				mustMerge(t, r, op)
				all = append(all, op)
			}
		}
		// and a random subset of everything gets gossiped around
		for _, r := range replicas {
			some := make([]*Operation, 0, len(all))
			for _, op := range all {
				if rnd.Intn(2) == 0 {
					some = append(some, op)
				}
			}
			rnd.Shuffle(len(some), func(i, j int) { some[i], some[j] = some[j], some[i] })
			for _, op := range some {
				_ = r.Merge(op, verifier)
			}
		}
	}

	for _, r := range replicas {
		shuffled := append([]*Operation{}, all...)
		rnd.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		deliver(t, r, shuffled)
	}
	for _, r := range replicas[1:] {
		assert.Equal(t, values(replicas[0]), values(r))
		assert.Equal(t, replicas[0].Entries(), r.Entries())
		assert.Equal(t, replicas[0].Digest(), r.Digest())
		assert.Equal(t, replicas[0].VersionVector(), r.VersionVector())
	}
}

func TestGroupOwner(t *testing.T) {
	board, err := identity.NewGroup(2, bob.Identity(), carol.Identity(), mallo.Identity())
	assert.NoError(t, err)
	pol, err := policy.New(policy.Private, board, map[policy.User]policy.Permissions{
		policy.Key(owner.Identity()): {Allow: policy.Caps(policy.Append)},
	})
	assert.NoError(t, err)
	r1, err := New(testAddr, pol)
	assert.NoError(t, err)
	r2, err := New(testAddr, pol)
	assert.NoError(t, err)

	two, err := identity.NewGroupSigner(board, bob, carol)
	assert.NoError(t, err)
	x, err := r1.Append([]byte("x"), two)
	assert.NoError(t, err)
	assert.Equal(t, board, x.ID.Actor)
	mustMerge(t, r1, x)
	mustMerge(t, r2, x)
	rm, err := r1.Remove(x.ID, two)
	assert.NoError(t, err)
	mustMerge(t, r1, rm)
	assert.Equal(t, 0, r1.Len())

	one, err := identity.NewGroupSigner(board, mallo)
	assert.NoError(t, err)
	_, err = r2.Append([]byte("y"), one)
	assert.ErrorIs(t, err, seqlog_errors.ErrNotEnoughSigners)

	// a single member's share does not pass for the group
	y, err := r2.Append([]byte("y"), two)
	assert.NoError(t, err)
	share, _, err := protocol.TakeWary('S', y.Signature)
	assert.NoError(t, err)
	y.Signature = protocol.Record('S', share)
	assert.ErrorIs(t, r2.Merge(y, verifier), seqlog_errors.ErrInvalidSignature)

	// nor does a member signing alone under its own key
	z, err := r2.Append([]byte("z"), bob)
	assert.NoError(t, err)
	assert.ErrorIs(t, r2.Merge(z, verifier), seqlog_errors.ErrAccessDenied)
	assert.Equal(t, []string{"x"}, values(r2))
}

func TestGroupActor(t *testing.T) {
	board, err := identity.NewGroup(2, bob.Identity(), carol.Identity())
	assert.NoError(t, err)
	pol, err := policy.New(policy.Private, owner.Identity(), map[policy.User]policy.Permissions{
		policy.Key(board): {Allow: policy.Caps(policy.Append)},
	})
	assert.NoError(t, err)
	l, err := New(NewAddress(policy.Private, "board", 1), pol)
	assert.NoError(t, err)

	both, err := identity.NewGroupSigner(board, carol, bob)
	assert.NoError(t, err)
	a, err := l.Append([]byte("a"), both)
	assert.NoError(t, err)
	assert.NoError(t, l.Admit(a, verifier))
	mustMerge(t, l, a)
	b, err := l.Append([]byte("b"), both)
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), b.ID.Counter)
	mustMerge(t, l, b)

	rm, err := l.Remove(a.ID, both)
	assert.NoError(t, err)
	assert.ErrorIs(t, l.Admit(rm, verifier), seqlog_errors.ErrAccessDenied)

	lone, err := identity.NewGroupSigner(board, carol)
	assert.NoError(t, err)
	_, err = l.Append([]byte("c"), lone)
	assert.ErrorIs(t, err, seqlog_errors.ErrNotEnoughSigners)
	assert.Equal(t, []string{"a", "b"}, values(l))
}

func TestConflictingDuplicate(t *testing.T) {
	r1, r2 := testLog(t), testLog(t)
	// one key used by two replicas that never heard of each other
	x, err := r1.Append([]byte("x"), owner)
	assert.NoError(t, err)
	mustMerge(t, r1, x)
	y, err := r2.Append([]byte("y"), owner)
	assert.NoError(t, err)
	assert.Equal(t, x.ID, y.ID)
	mustMerge(t, r2, y)

	seen, err := r1.Check(y)
	assert.False(t, seen)
	assert.ErrorIs(t, err, seqlog_errors.ErrConflict)
	assert.ErrorIs(t, r1.Merge(y, verifier), seqlog_errors.ErrConflict)
	assert.Equal(t, []string{"x"}, values(r1))

	seen, err = r1.Check(x)
	assert.NoError(t, err)
	assert.True(t, seen)

	// removals under a taken id conflict the same way
	z, err := r1.Insert(x.ID, []byte("z"), carol)
	assert.NoError(t, err)
	mustMerge(t, r1, z)
	rmx, err := r1.Remove(x.ID, carol)
	assert.NoError(t, err)
	mustMerge(t, r1, rmx)
	rmz := *rmx
	rmz.Target = z.ID
	assert.ErrorIs(t, r1.Apply(&rmz), seqlog_errors.ErrConflict)
	assert.Equal(t, []string{"z"}, values(r1))
	assert.NoError(t, r1.Apply(rmx))
}
