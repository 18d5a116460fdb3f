package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/renzhidao/m2/internal/wire"
)

const (
	mdnsServiceTag = "m2-overlay"
	dhtPrefix      = "/m2"
	maxFrameSize   = 1 << 20
	linkBuffer     = 64
	resolveTimeout = 10 * time.Second
)

// LibP2PConfig holds host construction parameters.
type LibP2PConfig struct {
	ListenAddrs    []string
	BootstrapPeers []string
	Protocol       string
	MDNS           bool
}

// LibP2PTransport binds overlay identities to libp2p hosts. The host key is
// derived from the identity string, so a well-known name such as a hub id
// always maps to the same libp2p peer id.
type LibP2PTransport struct {
	cfg    LibP2PConfig
	logger *zap.Logger
}

// NewLibP2PTransport creates a LibP2PTransport.
func NewLibP2PTransport(cfg LibP2PConfig, logger *zap.Logger) *LibP2PTransport {
	return &LibP2PTransport{cfg: cfg, logger: logger}
}

// IdentityKey derives the host key for an overlay identity.
func IdentityKey(id string) (crypto.PrivKey, error) {
	seed := sha256.Sum256([]byte("m2-identity:" + id))
	priv, _, err := crypto.GenerateEd25519Key(bytes.NewReader(seed[:]))
	return priv, err
}

// PeerIDFor returns the libp2p peer id an overlay identity binds to.
func PeerIDFor(id string) (peer.ID, error) {
	priv, err := IdentityKey(id)
	if err != nil {
		return "", err
	}
	return peer.IDFromPrivateKey(priv)
}

// preamble opens every stream so the acceptor learns the overlay identity.
type preamble struct {
	ID string `json:"id"`
}

// Bind creates the host, DHT and optional mDNS service for id.
func (t *LibP2PTransport) Bind(ctx context.Context, id string) (Endpoint, error) {
	for _, a := range t.cfg.ListenAddrs {
		if _, err := multiaddr.NewMultiaddr(a); err != nil {
			return nil, fmt.Errorf("listen addr %q: %w: %w", a, ErrIncompatible, err)
		}
	}
	bootstrap, err := parseBootstrap(t.cfg.BootstrapPeers)
	if err != nil {
		return nil, fmt.Errorf("bootstrap peers: %w: %w", ErrIncompatible, err)
	}

	priv, err := IdentityKey(id)
	if err != nil {
		return nil, fmt.Errorf("identity key: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(t.cfg.ListenAddrs...),
		libp2p.NATPortMap(),
		libp2p.EnableRelay(),
		libp2p.EnableHolePunching(),
	)
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w: %w", ErrNetwork, err)
	}

	epCtx, cancel := context.WithCancel(context.Background())
	kadDHT, err := dht.New(epCtx, h,
		dht.Mode(dht.ModeAutoServer),
		dht.ProtocolPrefix(dhtPrefix),
	)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("kademlia dht: %w: %w", ErrNetwork, err)
	}

	e := &libp2pEndpoint{
		id:        id,
		host:      h,
		dht:       kadDHT,
		proto:     protocol.ID(t.cfg.Protocol),
		bootstrap: bootstrap,
		ctx:       epCtx,
		cancel:    cancel,
		accept:    make(chan Link, 16),
		errs:      make(chan error, 8),
		logger:    t.logger.With(zap.String("endpoint", id)),
	}

	h.SetStreamHandler(e.proto, e.handleStream)
	h.Network().Notify(&network.NotifyBundle{
		DisconnectedF: func(n network.Network, _ network.Conn) {
			if len(n.Peers()) == 0 {
				e.report(ErrDisconnected)
			}
		},
	})

	if t.cfg.MDNS {
		e.mdns = mdns.NewMdnsService(h, mdnsServiceTag, &mdnsNotifee{host: h, logger: e.logger})
		if err := e.mdns.Start(); err != nil {
			e.logger.Warn("mDNS start failed (LAN discovery disabled)", zap.Error(err))
			e.mdns = nil
		}
	}

	if err := e.Reconnect(); err != nil {
		e.logger.Warn("DHT bootstrap failed (will retry)", zap.Error(err))
	}

	e.logger.Info("libp2p endpoint bound",
		zap.String("peerID", h.ID().String()),
		zap.Strings("addrs", addrsToStrings(h.Addrs())),
	)
	return e, nil
}

func parseBootstrap(addrs []string) ([]peer.AddrInfo, error) {
	var out []peer.AddrInfo
	for _, s := range addrs {
		ma, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, err
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			return nil, err
		}
		out = append(out, *info)
	}
	return out, nil
}

type libp2pEndpoint struct {
	id        string
	host      host.Host
	dht       *dht.IpfsDHT
	mdns      mdns.Service
	proto     protocol.ID
	bootstrap []peer.AddrInfo
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	accept chan Link
	errs   chan error
}

func (e *libp2pEndpoint) ID() string { return e.id }

func (e *libp2pEndpoint) Accept() <-chan Link { return e.accept }

func (e *libp2pEndpoint) Errors() <-chan error { return e.errs }

// report forwards an endpoint error, dropping it if nobody keeps up.
func (e *libp2pEndpoint) report(err error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.errs <- err:
	default:
	}
}

// Reconnect re-dials the bootstrap peers and refreshes the routing table.
func (e *libp2pEndpoint) Reconnect() error {
	for _, pi := range e.bootstrap {
		pi := pi
		go func() {
			ctx, cancel := context.WithTimeout(e.ctx, resolveTimeout)
			defer cancel()
			if err := e.host.Connect(ctx, pi); err != nil {
				e.logger.Debug("Bootstrap connect failed", zap.String("peer", pi.ID.String()), zap.Error(err))
			}
		}()
	}
	return e.dht.Bootstrap(e.ctx)
}

func (e *libp2pEndpoint) Dial(peerID string) (Link, error) {
	pid, err := PeerIDFor(peerID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", peerID, err)
	}
	l := newStreamLink(e.ctx, peerID)
	go l.run(func(ctx context.Context) (network.Stream, error) {
		return e.open(ctx, peerID, pid)
	})
	return l, nil
}

// open resolves pid, connects, and opens a stream carrying our preamble.
func (e *libp2pEndpoint) open(ctx context.Context, peerID string, pid peer.ID) (network.Stream, error) {
	err := retry.Do(func() error {
		if e.host.Network().Connectedness(pid) == network.Connected {
			return nil
		}
		rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
		defer cancel()
		pi := peer.AddrInfo{ID: pid, Addrs: e.host.Peerstore().Addrs(pid)}
		if len(pi.Addrs) == 0 {
			found, err := e.dht.FindPeer(rctx, pid)
			if err != nil {
				return err
			}
			pi = found
		}
		return e.host.Connect(rctx, pi)
	},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", peerID, ErrPeerUnavailable, err)
	}

	s, err := e.host.NewStream(ctx, pid, e.proto)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", peerID, ErrPeerUnavailable, err)
	}
	hdr, _ := json.Marshal(preamble{ID: e.id})
	if _, err := s.Write(append(hdr, '\n')); err != nil {
		s.Reset()
		return nil, fmt.Errorf("%s preamble: %w", peerID, err)
	}
	return s, nil
}

func (e *libp2pEndpoint) handleStream(s network.Stream) {
	r := bufio.NewReaderSize(s, 4096)
	line, err := readFrame(r)
	if err != nil {
		s.Reset()
		return
	}
	var p preamble
	if err := json.Unmarshal(line, &p); err != nil || p.ID == "" {
		s.Reset()
		return
	}
	if pid, err := PeerIDFor(p.ID); err != nil || pid != s.Conn().RemotePeer() {
		e.logger.Debug("Preamble identity mismatch", zap.String("claimed", p.ID))
		s.Reset()
		return
	}

	l := newStreamLink(e.ctx, p.ID)
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		s.Reset()
		return
	}
	select {
	case e.accept <- l:
	case <-e.ctx.Done():
		e.mu.RUnlock()
		s.Reset()
		return
	}
	e.mu.RUnlock()

	l.serve(s, r)
}

func (e *libp2pEndpoint) Close() error {
	e.cancel()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.accept)
	close(e.errs)
	e.mu.Unlock()

	if e.mdns != nil {
		e.mdns.Close()
	}
	e.host.RemoveStreamHandler(e.proto)
	if err := e.dht.Close(); err != nil {
		e.logger.Debug("DHT close", zap.Error(err))
	}
	return e.host.Close()
}

// streamLink adapts a libp2p stream to Link. Its events are written only by
// the goroutine that owns the stream.
type streamLink struct {
	peerID string
	events chan LinkEvent
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	stream network.Stream
	closed bool
}

func newStreamLink(parent context.Context, peerID string) *streamLink {
	ctx, cancel := context.WithCancel(parent)
	return &streamLink{
		peerID: peerID,
		events: make(chan LinkEvent, linkBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (l *streamLink) PeerID() string { return l.peerID }

func (l *streamLink) Events() <-chan LinkEvent { return l.events }

func (l *streamLink) Send(e wire.Envelope) error {
	data, err := wire.Encode(e)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.stream == nil {
		return ErrNotConnected
	}
	_, err = l.stream.Write(append(data, '\n'))
	return err
}

func (l *streamLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.cancel()
	if l.stream != nil {
		return l.stream.Close()
	}
	return nil
}

// run dials and then serves the stream on the calling goroutine.
func (l *streamLink) run(dial func(ctx context.Context) (network.Stream, error)) {
	s, err := dial(l.ctx)
	if err != nil {
		l.finish(err)
		return
	}
	l.serve(s, bufio.NewReaderSize(s, 4096))
}

func (l *streamLink) serve(s network.Stream, r *bufio.Reader) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		s.Reset()
		l.finish(nil)
		return
	}
	l.stream = s
	l.mu.Unlock()

	l.events <- LinkEvent{Type: EventReady}
	for {
		line, err := readFrame(r)
		if err != nil {
			if err == io.EOF {
				err = nil
			}
			s.Reset()
			l.finish(err)
			return
		}
		msg, err := wire.Decode(line)
		if err != nil {
			continue
		}
		l.events <- LinkEvent{Type: EventData, Msg: msg}
	}
}

func (l *streamLink) finish(err error) {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cancel()
	l.events <- LinkEvent{Type: EventClosed, Err: err}
	close(l.events)
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
		if len(buf) > maxFrameSize {
			return nil, fmt.Errorf("frame exceeds %d bytes", maxFrameSize)
		}
		if !isPrefix {
			return buf, nil
		}
	}
}

func addrsToStrings(addrs []multiaddr.Multiaddr) []string {
	s := make([]string, len(addrs))
	for i, a := range addrs {
		s[i] = a.String()
	}
	return s
}

// mdnsNotifee records LAN peers so later dials skip the DHT lookup.
type mdnsNotifee struct {
	host   host.Host
	logger *zap.Logger
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	n.logger.Debug("mDNS: found peer", zap.String("peerID", pi.ID.String()))
	n.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.TempAddrTTL)
}
