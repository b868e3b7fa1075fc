package sequence

import (
	"fmt"

	"github.com/drpcorg/seqlog/identity"
	"github.com/drpcorg/seqlog/protocol"
	"github.com/drpcorg/seqlog/seqlog_errors"
)

type OpKind byte

const (
	Insert OpKind = 'N'
	Remove OpKind = 'D'
)

func (k OpKind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Remove:
		return "remove"
	default:
		return fmt.Sprintf("opkind(%d)", byte(k))
	}
}

// Operation is one signed mutation of a sequence. Insert uses After and
// Payload, Remove uses Target. Source is the identity that signed it;
// the gate demands it to be the actor of ID.
type Operation struct {
	Address   Address
	ID        ID
	Kind      OpKind
	After     ID
	Payload   []byte
	Target    ID
	Source    identity.Identity
	Signature []byte
}

// Ref is the id the operation depends on: the anchor of an insert or
// the target of a remove.
func (op *Operation) Ref() ID {
	if op.Kind == Remove {
		return op.Target
	}
	return op.After
}

func (op *Operation) kindRecord() []byte {
	switch op.Kind {
	case Insert:
		return protocol.Record('N', op.After.Record(), protocol.Record('B', op.Payload))
	case Remove:
		return protocol.Record('D', op.Target.Record())
	default:
		return nil
	}
}

// Canonical is the byte string the signature covers:
//
//	I{K{actor} C{counter}} N{I{after} B{payload}}
//	I{K{actor} C{counter}} D{I{target}}
//
// It is rebuilt from the fields every time, so two encodings of the same
// operation on the wire verify identically.
func (op *Operation) Canonical() []byte {
	return protocol.Concat(op.ID.Record(), op.kindRecord())
}

// Record is the wire and storage form:
//
//	O{ A{address} <canonical> S{source} G{signature} }
func (op *Operation) Record() []byte {
	return protocol.Record('O',
		protocol.Record('A', op.Address.Bytes()),
		op.ID.Record(),
		op.kindRecord(),
		protocol.Record('S', []byte(op.Source)),
		protocol.Record('G', op.Signature),
	)
}

func (op *Operation) String() string {
	switch op.Kind {
	case Insert:
		return fmt.Sprintf("insert %s after %s %q", op.ID, op.After, op.Payload)
	case Remove:
		return fmt.Sprintf("remove %s target %s", op.ID, op.Target)
	default:
		return fmt.Sprintf("%s %s", op.Kind, op.ID)
	}
}

func badOp(what string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %v", seqlog_errors.ErrBadOperation, what, err)
	}
	return fmt.Errorf("%w: %s", seqlog_errors.ErrBadOperation, what)
}

// ParseOperation decodes an O record received from anywhere. It checks
// structure only; signatures and permissions are the gate's business.
func ParseOperation(rec []byte) (op *Operation, err error) {
	body, err := protocol.TakeExact('O', rec)
	if err != nil {
		return nil, badOp("record", err)
	}
	op = &Operation{}
	addr, body, err := protocol.TakeWary('A', body)
	if err != nil {
		return nil, badOp("address", err)
	}
	if op.Address, err = AddressFromBytes(addr); err != nil {
		return nil, badOp("address", err)
	}
	if op.ID, body, err = takeID(body); err != nil {
		return nil, badOp("id", err)
	}
	if op.ID.IsStart() {
		return nil, badOp("start id", nil)
	}
	lit, kbody, body, err := protocol.TakeAnyWary(body)
	if err != nil {
		return nil, badOp("kind", err)
	}
	switch OpKind(lit) {
	case Insert:
		op.Kind = Insert
		if op.After, kbody, err = takeID(kbody); err != nil {
			return nil, badOp("anchor", err)
		}
		payload, err := protocol.TakeExact('B', kbody)
		if err != nil {
			return nil, badOp("payload", err)
		}
		op.Payload = append([]byte{}, payload...)
	case Remove:
		op.Kind = Remove
		var rest []byte
		if op.Target, rest, err = takeID(kbody); err != nil {
			return nil, badOp("target", err)
		}
		if len(rest) != 0 {
			return nil, badOp("trailing target bytes", nil)
		}
	default:
		return nil, badOp(fmt.Sprintf("unknown kind %c", lit), nil)
	}
	source, body, err := protocol.TakeWary('S', body)
	if err != nil {
		return nil, badOp("source", err)
	}
	op.Source = identity.Identity(source)
	sig, err := protocol.TakeExact('G', body)
	if err != nil {
		return nil, badOp("signature", err)
	}
	op.Signature = append([]byte{}, sig...)
	return op, nil
}
