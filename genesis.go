package seqlog

import (
	"fmt"

	"github.com/drpcorg/seqlog/policy"
	"github.com/drpcorg/seqlog/protocol"
	"github.com/drpcorg/seqlog/seqlog_errors"
	"github.com/drpcorg/seqlog/sequence"
)

// GenesisRecord announces a sequence and its policy: Y{ A{address} P{...} }.
// It travels ahead of the sequence's operations and is stored under YKey.
func GenesisRecord(addr sequence.Address, pol *policy.Policy) []byte {
	return protocol.Record('Y',
		protocol.Record('A', addr.Bytes()),
		pol.Record(),
	)
}

func ParseGenesis(rec []byte) (addr sequence.Address, pol *policy.Policy, err error) {
	body, err := protocol.TakeExact('Y', rec)
	if err != nil {
		return addr, nil, fmt.Errorf("%w: genesis: %v", seqlog_errors.ErrBadPacket, err)
	}
	abody, body, err := protocol.TakeWary('A', body)
	if err != nil {
		return addr, nil, fmt.Errorf("%w: genesis address: %v", seqlog_errors.ErrBadPacket, err)
	}
	if addr, err = sequence.AddressFromBytes(abody); err != nil {
		return addr, nil, err
	}
	if pol, err = policy.ParseRecord(body); err != nil {
		return addr, nil, err
	}
	if pol.Kind() != addr.Kind {
		return addr, nil, fmt.Errorf("%w: address kind does not match the policy", seqlog_errors.ErrBadPolicy)
	}
	return addr, pol, nil
}
