package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/drpcorg/seqlog/identity"
	"github.com/drpcorg/seqlog/policy"
	"github.com/drpcorg/seqlog/sequence"
)

var ErrBadArguments = errors.New("bad arguments, see 'help'")

const helpText = `whoami                               print the signing identity
create public|private NAME TAG [USER=ALLOW[/DENY]]...
                                     create a sequence owned by you; USER is
                                     an identity or *, caps are letters R A D
use KIND/NAME/TAG                    select a sequence
seqs                                 list known sequences
policy                               show the selected sequence's policy
digest                               show its digest and version vector
append TEXT                          add TEXT at the end
insert INDEX TEXT                    add TEXT at INDEX (-N counts from the end)
remove INDEX                         remove the entry at INDEX
get INDEX                            print one entry
list [START [END]]                   print entries
find TEXT                            list entries holding TEXT
listen ADDR | connect ADDR | disconnect ADDR | peers
exit | quit`

func (repl *REPL) CommandHelp(args []string) error {
	_, _ = fmt.Fprintln(os.Stdout, helpText)
	return nil
}

// parseIndex reads "3" as the fourth entry and "-1" as the position just
// before the last one counted from the end.
func parseIndex(s string) (sequence.Index, error) {
	if rest, ok := strings.CutPrefix(s, "-"); ok {
		n, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return sequence.Index{}, fmt.Errorf("bad index %q", s)
		}
		return sequence.FromEnd(n), nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return sequence.Index{}, fmt.Errorf("bad index %q", s)
	}
	return sequence.FromStart(n), nil
}

// parsePermission reads USER=ALLOW[/DENY], e.g. *=R or 1ab...ef=RA/D.
func parsePermission(s string) (user policy.User, perm policy.Permissions, err error) {
	who, caps, ok := strings.Cut(s, "=")
	if !ok {
		return user, perm, fmt.Errorf("%w: %q", ErrBadArguments, s)
	}
	if who == "*" {
		user = policy.Anyone
	} else {
		id, err := identity.ParseIdentity(who)
		if err != nil {
			return user, perm, err
		}
		user = policy.Key(id)
	}
	allow, deny, _ := strings.Cut(caps, "/")
	if perm.Allow, err = policy.ParseCapabilities(allow); err != nil {
		return
	}
	if deny != "" {
		perm.Deny, err = policy.ParseCapabilities(deny)
	}
	return
}

func (repl *REPL) CommandCreate(args []string) error {
	if len(args) < 3 {
		return ErrBadArguments
	}
	kind, err := policy.ParseKind(args[0])
	if err != nil {
		return err
	}
	tag, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("bad tag %q", args[2])
	}
	perms := make(map[policy.User]policy.Permissions)
	for _, arg := range args[3:] {
		user, perm, err := parsePermission(arg)
		if err != nil {
			return err
		}
		perms[user] = perm
	}
	pol, err := policy.New(kind, repl.Signer.Identity(), perms)
	if err != nil {
		return err
	}
	addr := sequence.NewAddress(kind, args[1], tag)
	if err := repl.Host.Create(repl.ctx, addr, pol); err != nil {
		return err
	}
	repl.cur = addr
	_, _ = fmt.Fprintln(os.Stdout, addr.String())
	return nil
}

func (repl *REPL) CommandUse(args []string) error {
	if len(args) != 1 {
		return ErrBadArguments
	}
	addr, err := sequence.ParseAddress(args[0])
	if err != nil {
		return err
	}
	if _, err := repl.Host.Policy(addr); err != nil {
		return err
	}
	repl.cur = addr
	return nil
}

func (repl *REPL) CommandSeqs(args []string) error {
	for _, addr := range repl.Host.Addresses() {
		n, err := repl.Host.Len(addr)
		if err != nil {
			return err
		}
		mark := " "
		if addr == repl.cur {
			mark = "*"
		}
		_, _ = fmt.Fprintf(os.Stdout, "%s %s\t%d\n", mark, addr, n)
	}
	return nil
}

func (repl *REPL) CommandPolicy(args []string) error {
	addr, err := repl.current()
	if err != nil {
		return err
	}
	pol, err := repl.Host.Policy(addr)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stdout, "owner\t%s\n", pol.Owner())
	for _, u := range pol.Users() {
		perm, _ := pol.Permissions(u)
		_, _ = fmt.Fprintf(os.Stdout, "%s\t%s\n", u, perm)
	}
	return nil
}

func (repl *REPL) CommandDigest(args []string) error {
	addr, err := repl.current()
	if err != nil {
		return err
	}
	digest, err := repl.Host.Digest(addr)
	if err != nil {
		return err
	}
	vv, err := repl.Host.VersionVector(addr)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stdout, "%016x\n", digest)
	for _, actor := range vv.Actors() {
		_, _ = fmt.Fprintf(os.Stdout, "%s\t%d\n", actor, vv.Get(actor))
	}
	return nil
}

func (repl *REPL) CommandAppend(args []string) error {
	addr, err := repl.current()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return ErrBadArguments
	}
	id, err := repl.Host.Append(repl.ctx, addr, []byte(strings.Join(args, " ")), repl.Signer)
	if err == nil {
		_, _ = fmt.Fprintln(os.Stdout, id.String())
	}
	return err
}

func (repl *REPL) CommandInsert(args []string) error {
	addr, err := repl.current()
	if err != nil {
		return err
	}
	if len(args) < 2 {
		return ErrBadArguments
	}
	at, err := parseIndex(args[0])
	if err != nil {
		return err
	}
	id, err := repl.Host.InsertAt(repl.ctx, addr, at, []byte(strings.Join(args[1:], " ")), repl.Signer)
	if err == nil {
		_, _ = fmt.Fprintln(os.Stdout, id.String())
	}
	return err
}

func (repl *REPL) CommandRemove(args []string) error {
	addr, err := repl.current()
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return ErrBadArguments
	}
	at, err := parseIndex(args[0])
	if err != nil {
		return err
	}
	_, err = repl.Host.RemoveAt(repl.ctx, addr, at, repl.Signer)
	return err
}

func printEntry(i int, e sequence.Entry) {
	_, _ = fmt.Fprintf(os.Stdout, "%d\t%s\t%s\n", i, e.ID, e.Payload)
}

func (repl *REPL) CommandGet(args []string) error {
	addr, err := repl.current()
	if err != nil {
		return err
	}
	if len(args) != 1 {
		return ErrBadArguments
	}
	at, err := parseIndex(args[0])
	if err != nil {
		return err
	}
	e, err := repl.Host.Get(addr, repl.Signer.Identity(), at)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stdout, "%s\t%s\n", e.ID, e.Payload)
	return nil
}

func (repl *REPL) CommandList(args []string) error {
	addr, err := repl.current()
	if err != nil {
		return err
	}
	bounds := []int{0, 1 << 30}
	for i, arg := range args {
		if i >= len(bounds) {
			return ErrBadArguments
		}
		if bounds[i], err = strconv.Atoi(arg); err != nil {
			return fmt.Errorf("bad bound %q", arg)
		}
	}
	entries, err := repl.Host.Read(addr, repl.Signer.Identity(), bounds[0], bounds[1])
	if err != nil {
		return err
	}
	for i, e := range entries {
		printEntry(bounds[0]+i, e)
	}
	return nil
}

func (repl *REPL) CommandFind(args []string) error {
	addr, err := repl.current()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return ErrBadArguments
	}
	ids, err := repl.Host.Lookup(addr, repl.Signer.Identity(), []byte(strings.Join(args, " ")))
	if err != nil {
		return err
	}
	for _, id := range ids {
		_, _ = fmt.Fprintln(os.Stdout, id.String())
	}
	return nil
}

func (repl *REPL) CommandListen(args []string) error {
	if len(args) != 1 {
		return ErrBadArguments
	}
	return repl.net.Listen(args[0])
}

func (repl *REPL) CommandConnect(args []string) error {
	if len(args) != 1 {
		return ErrBadArguments
	}
	return repl.net.Connect(args[0])
}

func (repl *REPL) CommandDisconnect(args []string) error {
	if len(args) != 1 {
		return ErrBadArguments
	}
	return repl.net.Disconnect(args[0])
}

func (repl *REPL) CommandPeers(args []string) error {
	stats := repl.net.GetStats()
	for _, name := range repl.net.Peers() {
		_, _ = fmt.Fprintf(os.Stdout, "%s\tread buffer %d\twrite batch %d\n",
			name, stats.ReadBuffers[name], stats.WriteBatches[name])
	}
	return nil
}
