package sequence

import (
	"encoding/binary"
	"maps"
	"slices"

	"github.com/drpcorg/seqlog/identity"
	"github.com/drpcorg/seqlog/protocol"
)

// VV is a version vector: the last applied counter of every actor.
// Actors number their operations without gaps, so the vector alone
// describes the applied set.
type VV map[identity.Identity]uint64

const (
	VvSeen = -1
	VvNext = 0
	VvGap  = 1
)

func (vv VV) Get(actor identity.Identity) uint64 {
	return vv[actor]
}

// Covers tells whether id is in the applied set.
func (vv VV) Covers(id ID) bool {
	return id.Counter != 0 && vv[id.Actor] >= id.Counter
}

// Next classifies id against the vector without changing it:
// VvSeen for already applied, VvGap for a causal gap, VvNext otherwise.
func (vv VV) Next(id ID) int {
	val := vv[id.Actor]
	if val >= id.Counter {
		return VvSeen
	}
	if val+1 < id.Counter {
		return VvGap
	}
	return VvNext
}

// Put raises the actor's counter; lower values are ignored.
func (vv VV) Put(actor identity.Identity, counter uint64) {
	if vv[actor] < counter {
		vv[actor] = counter
	}
}

func (vv VV) Clone() VV {
	return maps.Clone(vv)
}

// Actors lists the actors in byte order.
func (vv VV) Actors() []identity.Identity {
	actors := slices.Collect(maps.Keys(vv))
	slices.SortFunc(actors, identity.Identity.Compare)
	return actors
}

// Record encodes the vector as V{ V{ K{actor} C{counter} }* } with actors sorted.
func (vv VV) Record() []byte {
	bm, ret := protocol.OpenHeader(nil, 'V')
	for _, actor := range vv.Actors() {
		ret = protocol.Append(ret, 'V',
			protocol.Record('K', []byte(actor)),
			protocol.Record('C', binary.BigEndian.AppendUint64(nil, vv[actor])),
		)
	}
	protocol.CloseHeader(ret, bm)
	return ret
}

// ParseVV merges the vector encoded in rec into a fresh VV.
func ParseVV(rec []byte) (VV, error) {
	body, err := protocol.TakeExact('V', rec)
	if err != nil {
		return nil, err
	}
	vv := make(VV)
	for len(body) > 0 {
		var one, actor, counter []byte
		if one, body, err = protocol.TakeWary('V', body); err != nil {
			return nil, err
		}
		if actor, one, err = protocol.TakeWary('K', one); err != nil {
			return nil, err
		}
		if counter, err = protocol.TakeExact('C', one); err != nil {
			return nil, err
		}
		if len(counter) != 8 || len(actor) == 0 {
			return nil, protocol.ErrBadRecord
		}
		vv.Put(identity.Identity(actor), binary.BigEndian.Uint64(counter))
	}
	return vv, nil
}
