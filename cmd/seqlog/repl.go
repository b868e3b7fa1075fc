package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/drpcorg/seqlog"
	"github.com/drpcorg/seqlog/identity"
	"github.com/drpcorg/seqlog/network"
	"github.com/drpcorg/seqlog/protocol"
	"github.com/drpcorg/seqlog/sequence"
	"github.com/drpcorg/seqlog/utils"
	"github.com/ergochat/readline"
)

// REPL per se.
type REPL struct {
	Host   *seqlog.Replica
	Conf   *Config
	Log    utils.Logger
	Signer *identity.KeyPair

	ctx context.Context
	net *network.Net
	rl  *readline.Instance
	// the sequence edit commands work on
	cur sequence.Address
}

var ErrNoSequence = errors.New("no sequence selected, see 'use'")

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("whoami"),

	readline.PcItem("create",
		readline.PcItem("public"),
		readline.PcItem("private"),
	),
	readline.PcItem("use"),
	readline.PcItem("seqs"),
	readline.PcItem("policy"),
	readline.PcItem("digest"),

	readline.PcItem("append"),
	readline.PcItem("insert"),
	readline.PcItem("remove"),
	readline.PcItem("get"),
	readline.PcItem("list"),
	readline.PcItem("find"),

	readline.PcItem("listen"),
	readline.PcItem("connect"),
	readline.PcItem("disconnect"),
	readline.PcItem("peers"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func (repl *REPL) Open(ctx context.Context) (err error) {
	repl.ctx = ctx
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          repl.prompt(),
		HistoryFile:     ".seqlog_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()

	repl.net = network.NewNet(repl.Log,
		func(name string) protocol.FeedDrainCloserTraced {
			return &seqlog.Syncer{
				Host: repl.Host,
				Name: name,
				Mode: seqlog.SyncRWLive,
				Log:  repl.Log,
			}
		},
		func(name string, p protocol.Traced) {
			repl.Log.Info("peer gone", "name", name, "trace_id", p.GetTraceId())
		},
		&network.NetWriteTimeoutOpt{Timeout: repl.Conf.WriteTimeout.Duration},
	)
	return
}

func (repl *REPL) Close() error {
	if repl.net != nil {
		_ = repl.net.Close()
		repl.net = nil
	}
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return nil
}

func (repl *REPL) prompt() string {
	if repl.cur.IsZero() {
		return "◌ "
	}
	return fmt.Sprintf("%s/%d ◌ ", repl.cur.Kind, repl.cur.Tag)
}

func (repl *REPL) current() (sequence.Address, error) {
	if repl.cur.IsZero() {
		return repl.cur, ErrNoSequence
	}
	return repl.cur, nil
}

// REPL reads and runs one command. io.EOF means the session is over.
func (repl *REPL) REPL() (err error) {
	var line string
	line, err = repl.rl.Readline()
	if err == readline.ErrInterrupt {
		if len(line) != 0 {
			return nil
		}
		return io.EOF
	}
	if err != nil {
		return err
	}

	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd := args[0]
	args = args[1:]
	switch cmd {
	case "help":
		err = repl.CommandHelp(args)
	case "whoami":
		_, _ = fmt.Fprintln(os.Stdout, repl.Signer.Identity().String())
	case "exit", "quit":
		err = io.EOF
	// ----- sequences -----
	case "create":
		err = repl.CommandCreate(args)
	case "use":
		err = repl.CommandUse(args)
	case "seqs":
		err = repl.CommandSeqs(args)
	case "policy":
		err = repl.CommandPolicy(args)
	case "digest":
		err = repl.CommandDigest(args)
	// ----- editing -----
	case "append":
		err = repl.CommandAppend(args)
	case "insert":
		err = repl.CommandInsert(args)
	case "remove":
		err = repl.CommandRemove(args)
	case "get":
		err = repl.CommandGet(args)
	case "ls", "list", "show":
		err = repl.CommandList(args)
	case "find":
		err = repl.CommandFind(args)
	// ----- networking -----
	case "listen":
		err = repl.CommandListen(args)
	case "connect":
		err = repl.CommandConnect(args)
	case "disconnect":
		err = repl.CommandDisconnect(args)
	case "peers":
		err = repl.CommandPeers(args)
	default:
		_, _ = fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
	}
	repl.rl.SetPrompt(repl.prompt())
	return
}
