package policy

import (
	"fmt"

	"github.com/drpcorg/seqlog/identity"
	"github.com/drpcorg/seqlog/protocol"
	"github.com/drpcorg/seqlog/seqlog_errors"
)

// Record encodes the policy deterministically, users in Users() order:
//
//	P{ K{kind} O{owner} U{ I{identity, empty for anyone} A{allow} D{deny} }* }
func (p *Policy) Record() []byte {
	bm, ret := protocol.OpenHeader(nil, 'P')
	ret = protocol.Append(ret, 'K', []byte{byte(p.kind)})
	ret = protocol.Append(ret, 'O', []byte(p.owner))
	for _, u := range p.Users() {
		perm := p.perms[u]
		ret = protocol.Append(ret, 'U',
			protocol.Record('I', []byte(u.id)),
			protocol.Record('A', []byte{byte(perm.Allow)}),
			protocol.Record('D', []byte{byte(perm.Deny)}),
		)
	}
	protocol.CloseHeader(ret, bm)
	return ret
}

func badPolicy(what string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %v", seqlog_errors.ErrBadPolicy, what, err)
	}
	return fmt.Errorf("%w: %s", seqlog_errors.ErrBadPolicy, what)
}

func takeByte(lit byte, data []byte) (b byte, rest []byte, err error) {
	body, rest, err := protocol.TakeWary(lit, data)
	if err != nil {
		return 0, nil, err
	}
	if len(body) != 1 {
		return 0, nil, protocol.ErrBadRecord
	}
	return body[0], rest, nil
}

// ParseRecord reverses Record. Users must come sorted and unique, so each
// policy has exactly one encoding.
func ParseRecord(rec []byte) (*Policy, error) {
	body, err := protocol.TakeExact('P', rec)
	if err != nil {
		return nil, badPolicy("record", err)
	}
	kind, body, err := takeByte('K', body)
	if err != nil {
		return nil, badPolicy("kind", err)
	}
	owner, body, err := protocol.TakeWary('O', body)
	if err != nil {
		return nil, badPolicy("owner", err)
	}
	perms := make(map[User]Permissions)
	var last *User
	for len(body) > 0 {
		var urec, id []byte
		var allow, deny byte
		if urec, body, err = protocol.TakeWary('U', body); err != nil {
			return nil, badPolicy("user", err)
		}
		if id, urec, err = protocol.TakeWary('I', urec); err != nil {
			return nil, badPolicy("user id", err)
		}
		if allow, urec, err = takeByte('A', urec); err != nil {
			return nil, badPolicy("allow", err)
		}
		if deny, urec, err = takeByte('D', urec); err != nil {
			return nil, badPolicy("deny", err)
		}
		if len(urec) != 0 {
			return nil, badPolicy("trailing user fields", nil)
		}
		u := Key(identity.Identity(id))
		if last != nil && last.id.Compare(u.id) >= 0 {
			return nil, badPolicy("users out of order", nil)
		}
		last = &u
		perms[u] = Permissions{Allow: Capabilities(allow), Deny: Capabilities(deny)}
	}
	return New(Kind(kind), identity.Identity(owner), perms)
}
