// Package sequence is the replicated ordered log: operations, the gate
// that admits them and the merge engine that orders them.
//
// Every entry hangs off the entry it was inserted after. Entries sharing
// an anchor are laid out by ID.Precedes, each followed by its own
// subtree, and the document order is the pre-order walk of that tree.
// The tree depends only on the set of applied operations, so replicas
// that applied the same set agree on the order whatever the delivery
// order was. Removed entries stay in the tree as tombstones and keep
// anchoring whatever was inserted after them.
package sequence

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/cespare/xxhash"
	"github.com/drpcorg/seqlog/identity"
	"github.com/drpcorg/seqlog/policy"
	"github.com/drpcorg/seqlog/protocol"
	"github.com/drpcorg/seqlog/seqlog_errors"
)

// Entry is an inserted element. Payload must not be modified.
type Entry struct {
	ID      ID
	After   ID
	Payload []byte
	Removed bool
}

type node struct {
	Entry
	children []*node
}

// Log is one replica's copy of a sequence. It is not safe for concurrent
// use; callers serialize Apply, Insert, Remove and reads.
type Log struct {
	address Address
	policy  *policy.Policy
	root    node
	nodes   map[ID]*node
	// removal id to its target
	removals map[ID]ID
	vv       VV
	live     int
	// document order with tombstones, nil when stale
	order []*node
}

func New(addr Address, pol *policy.Policy) (*Log, error) {
	if pol == nil || addr.Kind != pol.Kind() {
		return nil, fmt.Errorf("%w: address kind does not match the policy", seqlog_errors.ErrBadPolicy)
	}
	return &Log{
		address:  addr,
		policy:   pol,
		nodes:    make(map[ID]*node),
		removals: make(map[ID]ID),
		vv:       make(VV),
	}, nil
}

func (l *Log) Address() Address {
	return l.address
}

func (l *Log) Policy() *policy.Policy {
	return l.policy
}

func (l *Log) Owner() identity.Identity {
	return l.policy.Owner()
}

// resolve finds the node an operation refers to.
func (l *Log) resolve(ref ID) (*node, error) {
	if ref.IsStart() {
		return &l.root, nil
	}
	if n, ok := l.nodes[ref]; ok {
		return n, nil
	}
	if l.vv.Covers(ref) {
		// applied, but it was a removal and not an entry
		return nil, fmt.Errorf("%w: %s is not an entry", seqlog_errors.ErrInvalidTarget, ref)
	}
	return nil, fmt.Errorf("%w: %s", seqlog_errors.ErrMissingDependency, ref)
}

// Check tells what Apply would do with op without changing the log. A
// nil error with seen set means op is a duplicate of an applied one.
func (l *Log) Check(op *Operation) (seen bool, err error) {
	if op.Address != l.address {
		return false, fmt.Errorf("%w: %s", seqlog_errors.ErrWrongAddress, op.Address)
	}
	if op.ID.IsStart() || !op.ID.valid() {
		return false, fmt.Errorf("%w: bad id %s", seqlog_errors.ErrBadOperation, op.ID)
	}
	switch l.vv.Next(op.ID) {
	case VvSeen:
		if !l.same(op) {
			return false, fmt.Errorf("%w: %s", seqlog_errors.ErrConflict, op.ID)
		}
		return true, nil
	case VvGap:
		return false, fmt.Errorf("%w: %s, have %d", seqlog_errors.ErrMissingDependency, op.ID, l.vv.Get(op.ID.Actor))
	}

	switch op.Kind {
	case Insert:
		if !op.After.valid() {
			return false, fmt.Errorf("%w: bad anchor %s", seqlog_errors.ErrBadOperation, op.After)
		}
		_, err = l.resolve(op.After)
	case Remove:
		if op.Target.IsStart() || !op.Target.valid() {
			return false, fmt.Errorf("%w: %s", seqlog_errors.ErrInvalidTarget, op.Target)
		}
		_, err = l.resolve(op.Target)
	default:
		err = fmt.Errorf("%w: kind %s", seqlog_errors.ErrBadOperation, op.Kind)
	}
	return false, err
}

// same compares op with the applied operation holding its id.
func (l *Log) same(op *Operation) bool {
	switch op.Kind {
	case Insert:
		n, ok := l.nodes[op.ID]
		return ok && n.After == op.After && bytes.Equal(n.Payload, op.Payload)
	case Remove:
		target, ok := l.removals[op.ID]
		return ok && target == op.Target
	}
	return false
}

// Apply merges an admitted operation into the log. Either the whole
// operation takes effect or, on error, nothing changes. Applying an
// operation twice is a successful no-op; another operation under an
// applied id is ErrConflict.
func (l *Log) Apply(op *Operation) error {
	seen, err := l.Check(op)
	if err != nil || seen {
		return err
	}
	switch op.Kind {
	case Insert:
		parent, _ := l.resolve(op.After)
		n := &node{Entry: Entry{
			ID:      op.ID,
			After:   op.After,
			Payload: slices.Clone(op.Payload),
		}}
		at, _ := slices.BinarySearchFunc(parent.children, n.ID, func(c *node, id ID) int {
			if c.ID.Precedes(id) {
				return -1
			}
			return 1
		})
		parent.children = slices.Insert(parent.children, at, n)
		l.nodes[n.ID] = n
		l.live++
	case Remove:
		n, _ := l.resolve(op.Target)
		if !n.Removed {
			n.Removed = true
			l.live--
		}
		l.removals[op.ID] = op.Target
	}
	l.vv.Put(op.ID.Actor, op.ID.Counter)
	l.order = nil
	return nil
}

// Admit runs the gate against the log's own policy, taking the op's
// Source as the signer.
func (l *Log) Admit(op *Operation, v identity.Verifier) error {
	return Admit(op, l.policy, op.Source, v)
}

// Merge admits op and applies it.
func (l *Log) Merge(op *Operation, v identity.Verifier) error {
	if err := l.Admit(op, v); err != nil {
		return err
	}
	return l.Apply(op)
}

// Has tells whether the operation was applied.
func (l *Log) Has(id ID) bool {
	return l.vv.Covers(id)
}

func (l *Log) VersionVector() VV {
	return l.vv.Clone()
}

func (l *Log) walk() []*node {
	if l.order != nil {
		return l.order
	}
	order := make([]*node, 0, len(l.nodes))
	stack := slices.Clone(l.root.children)
	slices.Reverse(stack)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		order = append(order, n)
		for i := len(n.children) - 1; i >= 0; i-- {
			stack = append(stack, n.children[i])
		}
	}
	l.order = order
	return order
}

func (l *Log) liveNodes() []*node {
	ret := make([]*node, 0, l.live)
	for _, n := range l.walk() {
		if !n.Removed {
			ret = append(ret, n)
		}
	}
	return ret
}

// Len is the number of live entries.
func (l *Log) Len() int {
	return l.live
}

// Entries lists every entry in document order, tombstones included.
func (l *Log) Entries() []Entry {
	order := l.walk()
	ret := make([]Entry, len(order))
	for i, n := range order {
		ret[i] = n.Entry
	}
	return ret
}

// Read returns the live entries at positions [start, end). Bounds are
// clamped to the live view.
func (l *Log) Read(start, end int) []Entry {
	start, end = max(start, 0), min(end, l.live)
	if start >= end {
		return []Entry{}
	}
	live := l.liveNodes()[start:end]
	ret := make([]Entry, len(live))
	for i, n := range live {
		ret[i] = n.Entry
	}
	return ret
}

// Values is the payloads of the live view.
func (l *Log) Values() [][]byte {
	live := l.liveNodes()
	ret := make([][]byte, len(live))
	for i, n := range live {
		ret[i] = n.Payload
	}
	return ret
}

// Entry looks an entry up by id, removed or not.
func (l *Log) Entry(id ID) (Entry, bool) {
	n, ok := l.nodes[id]
	if !ok {
		return Entry{}, false
	}
	return n.Entry, true
}

// Get returns the live entry at the index.
func (l *Log) Get(at Index) (Entry, error) {
	i, ok := at.resolve(l.live)
	if !ok || i == l.live {
		return Entry{}, fmt.Errorf("%w: %s of %d", seqlog_errors.ErrIndexNotFound, at, l.live)
	}
	return l.liveNodes()[i].Entry, nil
}

// Last is the last live entry.
func (l *Log) Last() (Entry, bool) {
	order := l.walk()
	for i := len(order) - 1; i >= 0; i-- {
		if !order[i].Removed {
			return order[i].Entry, true
		}
	}
	return Entry{}, false
}

// InRange returns live entries in [start, end). Unlike Read it fails
// when either bound lies outside the live view.
func (l *Log) InRange(start, end Index) ([]Entry, error) {
	s, ok := start.resolve(l.live)
	if !ok {
		return nil, fmt.Errorf("%w: %s of %d", seqlog_errors.ErrIndexNotFound, start, l.live)
	}
	e, ok := end.resolve(l.live)
	if !ok {
		return nil, fmt.Errorf("%w: %s of %d", seqlog_errors.ErrIndexNotFound, end, l.live)
	}
	return l.Read(s, e), nil
}

// Digest hashes the live view, ids and payloads in order. Replicas
// holding the same live view have the same digest.
func (l *Log) Digest() uint64 {
	h := xxhash.New()
	for _, n := range l.liveNodes() {
		_, _ = h.Write(n.ID.Record())
		_, _ = h.Write(protocol.Record('B', n.Payload))
	}
	return h.Sum64()
}
