package sequence

import (
	"encoding/binary"
	"fmt"

	"github.com/drpcorg/seqlog/identity"
	"github.com/drpcorg/seqlog/protocol"
	"github.com/drpcorg/seqlog/seqlog_errors"
)

// ID names an operation: the actor that signed it and the actor's
// own operation counter, starting at 1.
type ID struct {
	Actor   identity.Identity
	Counter uint64
}

// Start is the anchor before the first entry.
var Start = ID{}

func (id ID) IsStart() bool {
	return id == Start
}

func (id ID) String() string {
	if id.IsStart() {
		return "start"
	}
	return fmt.Sprintf("%d@%s", id.Counter, id.Actor.Short())
}

// Precedes is the sibling order: entries anchored at the same place are
// laid out by counter descending, then by actor ascending.
func (id ID) Precedes(b ID) bool {
	if id.Counter != b.Counter {
		return id.Counter > b.Counter
	}
	return id.Actor.Compare(b.Actor) < 0
}

func (id ID) valid() bool {
	return id.IsStart() || (!id.Actor.IsZero() && id.Counter != 0)
}

// Record encodes the id as I{ K{actor} C{counter, 8 bytes big-endian} }.
func (id ID) Record() []byte {
	return protocol.Record('I',
		protocol.Record('K', []byte(id.Actor)),
		protocol.Record('C', binary.BigEndian.AppendUint64(nil, id.Counter)),
	)
}

func takeID(data []byte) (id ID, rest []byte, err error) {
	body, rest, err := protocol.TakeWary('I', data)
	if err != nil {
		return id, nil, err
	}
	actor, body, err := protocol.TakeWary('K', body)
	if err != nil {
		return id, nil, err
	}
	counter, err := protocol.TakeExact('C', body)
	if err != nil {
		return id, nil, err
	}
	if len(counter) != 8 {
		return id, nil, protocol.ErrBadRecord
	}
	id = ID{Actor: identity.Identity(actor), Counter: binary.BigEndian.Uint64(counter)}
	if !id.valid() {
		return ID{}, nil, seqlog_errors.ErrBadOperation
	}
	return id, rest, nil
}
