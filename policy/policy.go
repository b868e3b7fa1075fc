// Package policy holds the access rules of a sequence. A Policy is fixed
// when the sequence is created and never changes afterwards, so every
// replica judges every operation against the same rules.
package policy

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/drpcorg/seqlog/identity"
	"github.com/drpcorg/seqlog/seqlog_errors"
)

// Capability is one of the closed set of actions on a sequence.
type Capability uint8

const (
	Read Capability = 1 << iota
	Append
	Remove
)

func (c Capability) String() string {
	switch c {
	case Read:
		return "read"
	case Append:
		return "append"
	case Remove:
		return "remove"
	default:
		return fmt.Sprintf("capability(%d)", uint8(c))
	}
}

// Capabilities is a set of Capability bits.
type Capabilities uint8

const (
	None Capabilities = 0
	All               = Capabilities(Read | Append | Remove)
)

func Caps(cs ...Capability) (set Capabilities) {
	for _, c := range cs {
		set |= Capabilities(c)
	}
	return
}

func (cs Capabilities) Has(c Capability) bool {
	return cs&Capabilities(c) != 0
}

func (cs Capabilities) With(c Capability) Capabilities {
	return cs | Capabilities(c)
}

// String renders the set as letters: R read, A append, D remove.
func (cs Capabilities) String() string {
	if cs == None {
		return "-"
	}
	var b strings.Builder
	for _, c := range []struct {
		cap Capability
		ch  byte
	}{{Read, 'R'}, {Append, 'A'}, {Remove, 'D'}} {
		if cs.Has(c.cap) {
			b.WriteByte(c.ch)
		}
	}
	return b.String()
}

func ParseCapabilities(s string) (cs Capabilities, err error) {
	if s == "-" {
		return None, nil
	}
	for _, ch := range strings.ToUpper(s) {
		switch ch {
		case 'R':
			cs = cs.With(Read)
		case 'A':
			cs = cs.With(Append)
		case 'D':
			cs = cs.With(Remove)
		default:
			return None, fmt.Errorf("%w: unknown capability %q", seqlog_errors.ErrBadPolicy, ch)
		}
	}
	return cs, nil
}

// Kind tells whether reading needs a grant.
type Kind uint8

const (
	Public Kind = iota + 1
	Private
)

func (k Kind) String() string {
	switch k {
	case Public:
		return "public"
	case Private:
		return "private"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "public":
		return Public, nil
	case "private":
		return Private, nil
	default:
		return 0, fmt.Errorf("%w: unknown kind %q", seqlog_errors.ErrBadPolicy, s)
	}
}

// User is a policy subject: one identity or anyone at all.
type User struct {
	id identity.Identity
}

// Anyone is the wildcard user.
var Anyone = User{}

func Key(id identity.Identity) User {
	return User{id: id}
}

func (u User) IsAnyone() bool {
	return u.id.IsZero()
}

func (u User) Identity() identity.Identity {
	return u.id
}

func (u User) String() string {
	if u.IsAnyone() {
		return "anyone"
	}
	return u.id.String()
}

// Permissions granted to or withheld from a user. Deny beats Allow, and
// a user's own Deny also beats what Anyone is allowed.
type Permissions struct {
	Allow Capabilities
	Deny  Capabilities
}

func (p Permissions) String() string {
	return "+" + p.Allow.String() + "/-" + p.Deny.String()
}

type Policy struct {
	kind  Kind
	owner identity.Identity
	perms map[User]Permissions
}

// New builds a policy. The perms map is copied; later changes to it have
// no effect on the policy.
func New(kind Kind, owner identity.Identity, perms map[User]Permissions) (*Policy, error) {
	if kind != Public && kind != Private {
		return nil, fmt.Errorf("%w: %s", seqlog_errors.ErrBadPolicy, kind)
	}
	if owner.IsZero() {
		return nil, fmt.Errorf("%w: no owner", seqlog_errors.ErrBadPolicy)
	}
	p := &Policy{
		kind:  kind,
		owner: owner,
		perms: maps.Clone(perms),
	}
	if p.perms == nil {
		p.perms = make(map[User]Permissions)
	}
	for u, perm := range p.perms {
		if perm.Allow&^All != 0 || perm.Deny&^All != 0 {
			return nil, fmt.Errorf("%w: bad capability bits for %s", seqlog_errors.ErrBadPolicy, u)
		}
	}
	return p, nil
}

func (p *Policy) Kind() Kind {
	return p.kind
}

func (p *Policy) Owner() identity.Identity {
	return p.owner
}

func (p *Policy) Permissions(u User) (perm Permissions, ok bool) {
	perm, ok = p.perms[u]
	return
}

// Users lists the users with an entry, Anyone first, then by identity.
func (p *Policy) Users() []User {
	users := slices.Collect(maps.Keys(p.perms))
	slices.SortFunc(users, func(a, b User) int {
		return a.id.Compare(b.id)
	})
	return users
}

// Check decides whether requester may perform c:
//
//  1. the owner may do anything;
//  2. anyone may read public data;
//  3. the requester's own entry, deny first;
//  4. the Anyone entry, deny first;
//  5. otherwise denied.
func (p *Policy) Check(requester identity.Identity, c Capability) error {
	if p.Allowed(requester, c) {
		return nil
	}
	return &AccessDeniedError{Identity: requester, Capability: c}
}

func (p *Policy) Allowed(requester identity.Identity, c Capability) bool {
	if !requester.IsZero() && requester == p.owner {
		return true
	}
	if c == Read && p.kind == Public {
		return true
	}
	if !requester.IsZero() {
		if perm, ok := p.perms[Key(requester)]; ok {
			if perm.Deny.Has(c) {
				return false
			}
			if perm.Allow.Has(c) {
				return true
			}
		}
	}
	if perm, ok := p.perms[Anyone]; ok {
		return !perm.Deny.Has(c) && perm.Allow.Has(c)
	}
	return false
}

func (p *Policy) Equal(b *Policy) bool {
	return p.kind == b.kind && p.owner == b.owner && maps.Equal(p.perms, b.perms)
}

func (p *Policy) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s owner=%s", p.kind, p.owner.Short())
	for _, u := range p.Users() {
		fmt.Fprintf(&b, " %s:%s", shortUser(u), p.perms[u])
	}
	return b.String()
}

func shortUser(u User) string {
	if u.IsAnyone() {
		return "anyone"
	}
	return u.id.Short()
}

// AccessDeniedError names the identity that lacked the capability.
// It matches seqlog_errors.ErrAccessDenied under errors.Is.
type AccessDeniedError struct {
	Identity   identity.Identity
	Capability Capability
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("%s: %s may not %s", seqlog_errors.ErrAccessDenied, e.Identity.Short(), e.Capability)
}

func (e *AccessDeniedError) Unwrap() error {
	return seqlog_errors.ErrAccessDenied
}
