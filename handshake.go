package seqlog

import (
	"bytes"
	"fmt"
	"maps"
	"slices"

	"github.com/drpcorg/seqlog/protocol"
	"github.com/drpcorg/seqlog/seqlog_errors"
	"github.com/drpcorg/seqlog/sequence"
)

// HandshakeRecord is H{ M{mode} T{trace id} S{ A{address} V{...} }* }
// with the sequences in address order.
func HandshakeRecord(mode SyncMode, trace string, vvs map[sequence.Address]sequence.VV) []byte {
	bm, hs := protocol.OpenHeader(nil, 'H')
	hs = protocol.Append(hs, 'M', []byte{byte(mode)})
	hs = protocol.Append(hs, 'T', []byte(trace))
	for _, addr := range sortedAddresses(vvs) {
		hs = protocol.Append(hs, 'S',
			protocol.Record('A', addr.Bytes()),
			vvs[addr].Record(),
		)
	}
	protocol.CloseHeader(hs, bm)
	return hs
}

func badHandshake(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", seqlog_errors.ErrBadHPacket, what, err)
}

func ParseHandshake(rec []byte) (mode SyncMode, trace string, vvs map[sequence.Address]sequence.VV, err error) {
	body, err := protocol.TakeExact('H', rec)
	if err != nil {
		return 0, "", nil, badHandshake("header", err)
	}
	m, body, err := protocol.TakeWary('M', body)
	if err != nil || len(m) != 1 || m[0] > byte(SyncRWLive) {
		return 0, "", nil, badHandshake("mode", err)
	}
	mode = SyncMode(m[0])
	t, body, err := protocol.TakeWary('T', body)
	if err != nil {
		return 0, "", nil, badHandshake("trace id", err)
	}
	trace = string(t)
	vvs = make(map[sequence.Address]sequence.VV)
	for len(body) > 0 {
		var one, a []byte
		if one, body, err = protocol.TakeWary('S', body); err != nil {
			return 0, "", nil, badHandshake("sequence", err)
		}
		if a, one, err = protocol.TakeWary('A', one); err != nil {
			return 0, "", nil, badHandshake("address", err)
		}
		addr, err := sequence.AddressFromBytes(a)
		if err != nil {
			return 0, "", nil, badHandshake("address", err)
		}
		vv, err := sequence.ParseVV(one)
		if err != nil {
			return 0, "", nil, badHandshake("version vector", err)
		}
		vvs[addr] = vv
	}
	return mode, trace, vvs, nil
}

func sortedAddresses[V any](m map[sequence.Address]V) []sequence.Address {
	return slices.SortedFunc(maps.Keys(m), func(a, b sequence.Address) int {
		return bytes.Compare(a.Bytes(), b.Bytes())
	})
}
