package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"Roastr/internal/logger"
)

const (
	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "roastr/1"

	// defaultIdleTimeout closes connections without traffic.
	defaultIdleTimeout = 30 * time.Second
)

var (
	// ErrIdentityMismatch is returned when a remote presents another key than the pinned one.
	ErrIdentityMismatch = errors.New("remote identity does not match pinned key")

	// ErrNodeClosed is returned for operations on a closed node.
	ErrNodeClosed = errors.New("node is closed")
)

// RequestHandler answers one request received on a bidirectional stream.
type RequestHandler func(p *Peer, request []byte) ([]byte, error)

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey  ed25519.PrivateKey // PrivateKey is the node's ed25519 identity
	ListenAddr  string             // ListenAddr is the address to listen on; empty for a dial-only node
	IdleTimeout time.Duration      // IdleTimeout closes idle connections

	// MaxMessageSize bounds one request or response frame; zero means 1 MB.
	MaxMessageSize int
}

// Node dials and accepts QUIC connections authenticated by ed25519 keys.
// Connections carry length-prefixed request/response exchanges, one per stream.
type Node struct {
	privateKey ed25519.PrivateKey // privateKey is the node's ed25519 private key
	publicKey  ed25519.PublicKey  // publicKey is the node's ed25519 public key
	listenAddr string             // listenAddr is the address to listen on
	tlsConfig  *tls.Config        // tlsConfig is the TLS configuration
	quicConfig *quic.Config       // quicConfig is the QUIC configuration
	maxMessage int                // maxMessage bounds one frame in either direction

	listener *quic.Listener // listener is the QUIC listener, nil for dial-only nodes

	peers   map[string]*Peer // peers maps public key hex to peer
	peersMu sync.Mutex       // peersMu protects peers and dialLocks

	dialLocks map[string]*sync.Mutex // dialLocks serializes dials to the same key

	onRequest  RequestHandler // onRequest handles incoming requests
	handlersMu sync.RWMutex   // handlersMu protects onRequest

	ctx    context.Context    // ctx is the node's context
	cancel context.CancelFunc // cancel cancels the node's context
	wg     sync.WaitGroup     // wg waits for goroutines to finish
}

// NewNode creates a new network node.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	idleTimeout := cfg.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = defaultIdleTimeout
	}

	maxMessage := cfg.MaxMessageSize
	if maxMessage <= 0 {
		maxMessage = defaultMaxMessageSize
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // keys are pinned after the handshake
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  idleTimeout,
		KeepAlivePeriod: idleTimeout / 3,
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		privateKey: cfg.PrivateKey,
		publicKey:  cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr: cfg.ListenAddr,
		tlsConfig:  tlsConfig,
		quicConfig: quicConfig,
		maxMessage: maxMessage,
		peers:      make(map[string]*Peer),
		dialLocks:  make(map[string]*sync.Mutex),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// PublicKey returns the node's public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addr returns the listener's address. Returns empty string if not listening.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start begins accepting connections. Dial-only nodes need not call it.
func (n *Node) Start() error {
	if n.listenAddr == "" {
		return fmt.Errorf("listen address is required to start")
	}

	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	return nil
}

// OnRequest sets the handler for incoming requests.
func (n *Node) OnRequest(fn RequestHandler) {
	n.handlersMu.Lock()
	n.onRequest = fn
	n.handlersMu.Unlock()
}

// Connect returns a live connection to the node at addr whose identity is expected.
// An existing connection to the same key and address is reused.
func (n *Node) Connect(ctx context.Context, addr string, expected ed25519.PublicKey) (*Peer, error) {
	if n.ctx.Err() != nil {
		return nil, ErrNodeClosed
	}

	keyHex := hex.EncodeToString(expected)

	n.peersMu.Lock()
	dialMu, ok := n.dialLocks[keyHex]
	if !ok {
		dialMu = &sync.Mutex{}
		n.dialLocks[keyHex] = dialMu
	}
	n.peersMu.Unlock()

	dialMu.Lock()
	defer dialMu.Unlock()

	if p := n.livePeer(keyHex, addr); p != nil {
		return p, nil
	}

	conn, err := quic.DialAddr(ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	pubKey, err := verifyIdentity(conn.ConnectionState().TLS, expected)
	if err != nil {
		conn.CloseWithError(1, "identity mismatch")
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	return n.setupPeer(conn, pubKey, addr), nil
}

// Peers returns all live connections.
func (n *Node) Peers() []*Peer {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	for _, p := range n.peers {
		p.Close()
	}
	n.peers = make(map[string]*Peer)
	n.peersMu.Unlock()

	n.wg.Wait()

	return nil
}

// livePeer returns the cached connection for keyHex if it is still open and at addr.
func (n *Node) livePeer(keyHex, addr string) *Peer {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()

	p, ok := n.peers[keyHex]
	if !ok || p.closed.Load() || p.address != addr {
		return nil
	}

	return p
}

// acceptLoop accepts incoming connections.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return // listener closed
		}

		pubKey, err := extractPublicKey(conn.ConnectionState().TLS)
		if err != nil {
			logger.Debug("rejecting connection", "addr", conn.RemoteAddr(), "error", err)
			conn.CloseWithError(1, "bad certificate")
			continue
		}

		n.setupPeer(conn, pubKey, conn.RemoteAddr().String())
	}
}

// setupPeer registers a connection and starts serving its streams.
func (n *Node) setupPeer(conn *quic.Conn, pubKey ed25519.PublicKey, addr string) *Peer {
	peer := &Peer{
		publicKey: pubKey,
		address:   addr,
		conn:      conn,
		node:      n,
	}

	keyHex := hex.EncodeToString(pubKey)

	n.peersMu.Lock()
	if old, ok := n.peers[keyHex]; ok && old != peer {
		old.Close()
	}
	n.peers[keyHex] = peer
	n.peersMu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.serve(n.ctx)
		n.removePeer(keyHex, peer)
	}()

	return peer
}

// removePeer forgets p if it is still the registered connection for keyHex.
func (n *Node) removePeer(keyHex string, p *Peer) {
	p.closed.Store(true)

	n.peersMu.Lock()
	if n.peers[keyHex] == p {
		delete(n.peers, keyHex)
	}
	n.peersMu.Unlock()
}

// callOnRequest calls the onRequest handler if set.
func (n *Node) callOnRequest(p *Peer, data []byte) ([]byte, error) {
	n.handlersMu.RLock()
	fn := n.onRequest
	n.handlersMu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("no request handler registered")
	}

	return fn(p, data)
}
