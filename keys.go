package seqlog

import (
	"encoding/binary"

	"github.com/drpcorg/seqlog/identity"
	"github.com/drpcorg/seqlog/sequence"
)

// Store layout. Every key starts with a letter and the 41 byte address:
//
//	Y addr                    genesis record Y{A P}
//	O addr n(8)               operation record, n counts applied ops from 0
//	V addr actor              last applied counter of the actor (8 bytes)
//	H addr hash(8) ctr(8) actor   payload index, empty value
const addrKeyLen = 1 + sequence.AddressLen

func YKey(addr sequence.Address) []byte {
	return append([]byte{'Y'}, addr.Bytes()...)
}

func OKey(addr sequence.Address, n uint64) []byte {
	key := make([]byte, 0, addrKeyLen+8)
	key = append(key, 'O')
	key = append(key, addr.Bytes()...)
	return binary.BigEndian.AppendUint64(key, n)
}

// OKeyN extracts the op number from an O key.
func OKeyN(key []byte) (n uint64, ok bool) {
	if len(key) != addrKeyLen+8 || key[0] != 'O' {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[addrKeyLen:]), true
}

func VKey(addr sequence.Address, actor identity.Identity) []byte {
	key := make([]byte, 0, addrKeyLen+len(actor))
	key = append(key, 'V')
	key = append(key, addr.Bytes()...)
	return append(key, actor...)
}

// VKeyAddrActor splits a V key.
func VKeyAddrActor(key []byte) (addr sequence.Address, actor identity.Identity, ok bool) {
	if len(key) <= addrKeyLen || key[0] != 'V' {
		return addr, "", false
	}
	addr, err := sequence.AddressFromBytes(key[1:addrKeyLen])
	if err != nil {
		return addr, "", false
	}
	return addr, identity.Identity(key[addrKeyLen:]), true
}

func HKey(addr sequence.Address, hash uint64, id sequence.ID) []byte {
	key := HKeyPrefix(addr, hash)
	key = binary.BigEndian.AppendUint64(key, id.Counter)
	return append(key, id.Actor...)
}

func HKeyPrefix(addr sequence.Address, hash uint64) []byte {
	key := make([]byte, 0, addrKeyLen+16+48)
	key = append(key, 'H')
	key = append(key, addr.Bytes()...)
	return binary.BigEndian.AppendUint64(key, hash)
}

// HKeyID extracts the entry id from an H key.
func HKeyID(key []byte) (id sequence.ID, ok bool) {
	if len(key) <= addrKeyLen+16 || key[0] != 'H' {
		return id, false
	}
	id.Counter = binary.BigEndian.Uint64(key[addrKeyLen+8:])
	id.Actor = identity.Identity(key[addrKeyLen+16:])
	return id, true
}

// KeyRange is the [lo, hi) range of keys of one kind for one address.
func KeyRange(lit byte, addr sequence.Address) (lo, hi []byte) {
	lo = append([]byte{lit}, addr.Bytes()...)
	return lo, prefixEnd(lo)
}

// prefixEnd is the first key above every key starting with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
