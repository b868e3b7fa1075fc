// Package network carries replica record streams over TCP or TLS.
//
// Each connection, inbound or outbound, is handed to the protocol handler
// the install callback returns, normally a sync session. Outbound
// connections are named by their address and redialed with backoff after
// they drop; inbound ones get a fresh name and are forgotten when they
// end.
//
//	n := NewNet(logger, install, destroy, &NetWriteTimeoutOpt{Timeout: 30 * time.Second})
//	defer n.Close()
//	err := n.Listen("tcp://:4000")
//	err = n.Connect("tls://bob.local:4000")
package network

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/drpcorg/seqlog/protocol"
	"github.com/drpcorg/seqlog/utils"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

type ConnType = uint

const (
	TCP ConnType = iota + 1
	TLS
)

var (
	ErrAddressInvalid    = errors.New("network: bad address")
	ErrAddressDuplicated = errors.New("network: address already in use")
	ErrAddressUnknown    = errors.New("network: unknown address")
)

const (
	TYPICAL_MTU = 1500

	MinRedialDelay = time.Second / 2
	MaxRedialDelay = time.Minute
	DialTimeout    = 30 * time.Second

	DefaultBufferMaxSize      = 1 << 24
	DefaultBufferMinToProcess = 1 << 12
)

type InstallCallback func(name string) protocol.FeedDrainCloserTraced
type DestroyCallback func(name string, p protocol.Traced)

type Net struct {
	log       utils.Logger
	onInstall InstallCallback
	onDestroy DestroyCallback
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	// nil while an outbound connection is being dialed
	peers     *xsync.MapOf[string, *Peer]
	listeners *xsync.MapOf[string, net.Listener]

	tlsConfig    *tls.Config
	writeTimeout time.Duration
	batch        NetReadBatchOpt
}

type NetOpt interface {
	Apply(*Net)
}

type NetWriteTimeoutOpt struct {
	Timeout time.Duration
}

func (opt *NetWriteTimeoutOpt) Apply(n *Net) {
	n.writeTimeout = opt.Timeout
}

type NetTlsConfigOpt struct {
	Config *tls.Config
}

func (opt *NetTlsConfigOpt) Apply(n *Net) {
	n.tlsConfig = opt.Config
}

// NetReadBatchOpt tunes read batching: incoming bytes are handed over
// once BufferMinToProcess of them piled up or ReadAccumTimeLimit passed.
type NetReadBatchOpt struct {
	ReadAccumTimeLimit time.Duration
	BufferMaxSize      int
	BufferMinToProcess int
}

func (opt *NetReadBatchOpt) Apply(n *Net) {
	n.batch = *opt
}

func NewNet(log utils.Logger, install InstallCallback, destroy DestroyCallback, opts ...NetOpt) *Net {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Net{
		log:       log,
		onInstall: install,
		onDestroy: destroy,
		ctx:       ctx,
		cancel:    cancel,
		peers:     xsync.NewMapOf[string, *Peer](),
		listeners: xsync.NewMapOf[string, net.Listener](),
		batch: NetReadBatchOpt{
			BufferMaxSize:      DefaultBufferMaxSize,
			BufferMinToProcess: DefaultBufferMinToProcess,
		},
	}
	for _, o := range opts {
		o.Apply(n)
	}
	return n
}

type NetStats struct {
	ReadBuffers  map[string]int32
	WriteBatches map[string]int64
}

// GetStats reports, per connected peer, the bytes waiting in its read
// buffer and the size of its last write batch.
func (n *Net) GetStats() NetStats {
	stats := NetStats{
		ReadBuffers:  make(map[string]int32),
		WriteBatches: make(map[string]int64),
	}
	n.peers.Range(func(name string, p *Peer) bool {
		if p != nil {
			stats.ReadBuffers[name] = p.GetIncomingPacketBufferSize()
			stats.WriteBatches[name] = p.lastWriteBatch.Load()
		}
		return true
	})
	return stats
}

// Peers lists the names of connected peers.
func (n *Net) Peers() (names []string) {
	n.peers.Range(func(name string, p *Peer) bool {
		if p != nil {
			names = append(names, name)
		}
		return true
	})
	return
}

// Close stops listening, drops every connection and waits for all the
// loops to exit.
func (n *Net) Close() error {
	n.cancel()
	n.listeners.Range(func(addr string, l net.Listener) bool {
		// nil while Listen is still binding
		if l != nil {
			_ = l.Close()
		}
		return true
	})
	n.listeners.Clear()
	n.peers.Range(func(name string, p *Peer) bool {
		if p != nil {
			p.Close()
		}
		return true
	})
	n.peers.Clear()
	n.wg.Wait()
	return nil
}

// Connect keeps a connection to addr until Disconnect or Close.
func (n *Net) Connect(addr string) error {
	if _, _, err := parseAddr(addr); err != nil {
		return err
	}
	if _, loaded := n.peers.LoadOrStore(addr, nil); loaded {
		return ErrAddressDuplicated
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.redial(addr)
	}()
	return nil
}

func (n *Net) Disconnect(name string) error {
	p, ok := n.peers.LoadAndDelete(name)
	if !ok {
		return ErrAddressUnknown
	}
	if p != nil {
		p.Close()
	}
	return nil
}

// redial serves addr, dialing again after every failure or drop until
// the name is disconnected or the Net closed.
func (n *Net) redial(addr string) {
	ctx := utils.WithDefaultArgs(n.ctx, "addr", addr)
	delay := MinRedialDelay
	for n.ctx.Err() == nil {
		if _, ok := n.peers.Load(addr); !ok {
			return
		}
		conn, err := n.dial(addr)
		if err != nil {
			n.log.WarnCtx(ctx, "net: dial failed", "err", err, "retry_in", delay)
			select {
			case <-time.After(delay):
			case <-n.ctx.Done():
				return
			}
			delay = min(MaxRedialDelay, delay*2)
			continue
		}
		n.log.InfoCtx(ctx, "net: connected")
		delay = MinRedialDelay
		n.serve(addr, conn, true)
	}
}

// Listen accepts connections on "tcp://host:port", "tls://host:port"
// or a bare "host:port".
func (n *Net) Listen(addr string) error {
	if _, loaded := n.listeners.LoadOrStore(addr, nil); loaded {
		return ErrAddressDuplicated
	}
	l, err := n.listen(addr)
	if err != nil {
		n.listeners.Delete(addr)
		return err
	}
	n.listeners.Store(addr, l)
	n.log.Info("net: listening", "addr", addr, "bound", l.Addr().String())
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.accept(addr, l)
	}()
	return nil
}

// ListenAddr is the bound address of a listener, handy with port 0.
func (n *Net) ListenAddr(addr string) (net.Addr, bool) {
	l, ok := n.listeners.Load(addr)
	if !ok || l == nil {
		return nil, false
	}
	return l.Addr(), true
}

func (n *Net) accept(addr string, l net.Listener) {
	for {
		conn, err := l.Accept()
		if err == nil && n.ctx.Err() != nil {
			_ = conn.Close()
			break
		} else if errors.Is(err, net.ErrClosed) || n.ctx.Err() != nil {
			break
		} else if err != nil {
			n.log.Warn("net: accept failed", "addr", addr, "err", err)
			continue
		}
		remote := conn.RemoteAddr().String()
		name := "in:" + uuid.NewString() + ":" + remote
		n.log.Info("net: accepted", "addr", addr, "remote", remote)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.serve(name, conn, false)
		}()
	}
	n.listeners.Delete(addr)
	n.log.Info("net: listener closed", "addr", addr)
}

// serve runs a peer on conn until it drops. An outbound name stays
// reserved afterwards so that redial can pick it up again.
func (n *Net) serve(name string, conn net.Conn, outbound bool) {
	p := &Peer{
		inout:               n.onInstall(name),
		conn:                conn,
		writeTimeout:        n.writeTimeout,
		readAccumtTimeLimit: n.batch.ReadAccumTimeLimit,
		bufferMaxSize:       n.batch.BufferMaxSize,
		bufferMinToProcess:  n.batch.BufferMinToProcess,
	}
	taken := false
	n.peers.Compute(name, func(cur *Peer, loaded bool) (*Peer, bool) {
		// an outbound name disconnected while dialing stays gone
		if outbound && !loaded {
			return nil, true
		}
		taken = true
		return p, false
	})
	if !taken {
		p.Close()
		n.onDestroy(name, p)
		return
	}

	rerr, werr, cerr := p.Keep(n.ctx)
	for _, e := range []struct {
		what string
		err  error
	}{{"read", rerr}, {"write", werr}, {"close", cerr}} {
		if e.err != nil {
			n.log.Warn("net: peer "+e.what+" failed", "name", name, "err", e.err, "trace_id", p.GetTraceId())
		}
	}

	n.peers.Compute(name, func(cur *Peer, loaded bool) (*Peer, bool) {
		if !loaded || cur != p {
			// disconnected, or someone else owns the name now
			return cur, !loaded
		}
		return nil, !outbound
	})
	p.Close()
	n.onDestroy(name, p)
}

func (n *Net) listen(addr string) (net.Listener, error) {
	kind, hostport, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	var lc net.ListenConfig
	l, err := lc.Listen(n.ctx, "tcp", hostport)
	if err != nil {
		return nil, err
	}
	if kind == TLS {
		l = tls.NewListener(l, n.tlsConfig)
	}
	return l, nil
}

func (n *Net) dial(addr string) (net.Conn, error) {
	kind, hostport, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	d := &net.Dialer{Timeout: DialTimeout}
	if kind == TLS {
		td := tls.Dialer{NetDialer: d, Config: n.tlsConfig}
		return td.DialContext(n.ctx, "tcp", hostport)
	}
	return d.DialContext(n.ctx, "tcp", hostport)
}

// parseAddr splits "tls://example.com:443" into TLS and "example.com:443".
// No scheme means TCP.
func parseAddr(addr string) (ConnType, string, error) {
	scheme, hostport, ok := strings.Cut(addr, "://")
	if !ok {
		return TCP, addr, nil
	}
	if hostport == "" {
		return 0, "", ErrAddressInvalid
	}
	switch scheme {
	case "tcp", "tcp4", "tcp6":
		return TCP, hostport, nil
	case "tls":
		return TLS, hostport, nil
	default:
		return 0, "", ErrAddressInvalid
	}
}
