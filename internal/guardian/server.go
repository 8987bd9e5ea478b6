package guardian

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"Roastr/internal/federation"
	"Roastr/internal/logger"
	"Roastr/internal/network"
	"Roastr/internal/storage"
	"Roastr/internal/threshold"
)

// ServerConfig configures a guardian process.
type ServerConfig struct {
	Share      *threshold.KeyShare // Share is the guardian's secret share
	Identity   ed25519.PrivateKey  // Identity is the QUIC transport key pinned by clients
	GroupKey   []byte              // GroupKey verifies published notes
	AdminAuth  []byte              // AdminAuth is the secret required to publish
	Store      storage.Engine      // Store persists published notes
	QUICListen string              // QUICListen is the share protocol address
	HTTPListen string              // HTTPListen serves /config; empty disables it
}

// Server runs a guardian: the share protocol over QUIC and the config endpoint over HTTP.
type Server struct {
	cfg     ServerConfig
	handler *Handler
	node    *network.Node
	httpLn  net.Listener
	http    *http.Server
}

// NewServer creates a guardian server. Nothing is bound until Listen.
func NewServer(cfg ServerConfig) (*Server, error) {
	handler, err := NewHandler(HandlerConfig{
		Share:     cfg.Share,
		GroupKey:  cfg.GroupKey,
		AdminAuth: cfg.AdminAuth,
		Store:     cfg.Store,
	})
	if err != nil {
		return nil, err
	}

	node, err := network.NewNode(network.Config{
		PrivateKey:     cfg.Identity,
		ListenAddr:     cfg.QUICListen,
		MaxMessageSize: MaxMessageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create node:\n%w", err)
	}

	node.OnRequest(handler.HandleRequest)

	return &Server{cfg: cfg, handler: handler, node: node}, nil
}

// Listen binds the QUIC and HTTP addresses and starts answering share requests.
func (s *Server) Listen() error {
	if err := s.node.Start(); err != nil {
		return fmt.Errorf("start quic:\n%w", err)
	}

	if s.cfg.HTTPListen != "" {
		ln, err := net.Listen("tcp", s.cfg.HTTPListen)
		if err != nil {
			return fmt.Errorf("listen http:\n%w", err)
		}
		s.httpLn = ln
	}

	logger.Info("guardian listening", "peer", s.handler.PeerID(), "quic", s.node.Addr(), "http", s.HTTPAddr())

	return nil
}

// Serve publishes desc at GET /config. desc must list this guardian with its keys.
func (s *Server) Serve(desc *federation.Descriptor) error {
	if err := s.checkDescriptor(desc); err != nil {
		return err
	}

	if s.httpLn == nil {
		return nil
	}

	s.http = &http.Server{
		Handler:     ConfigRouter(desc, s.handler),
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.http.Serve(s.httpLn); err != http.ErrServerClosed {
			logger.Error("guardian http server error", "error", err)
		}
	}()

	return nil
}

// Info returns the descriptor entry for this guardian at its bound address.
func (s *Server) Info() federation.Guardian {
	return federation.Guardian{
		PeerID:      s.handler.PeerID(),
		Endpoint:    s.node.Addr(),
		IdentityKey: federation.HexBytes(s.node.PublicKey()),
		PublicShare: s.cfg.Share.PublicKeyBytes(),
	}
}

// Handler returns the protocol handler.
func (s *Server) Handler() *Handler {
	return s.handler
}

// QUICAddr returns the bound QUIC address.
func (s *Server) QUICAddr() string {
	return s.node.Addr()
}

// HTTPAddr returns the bound HTTP address, empty when disabled.
func (s *Server) HTTPAddr() string {
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// Close stops both listeners.
func (s *Server) Close() error {
	var errs []error

	if s.http != nil {
		errs = append(errs, s.http.Close())
	} else if s.httpLn != nil {
		errs = append(errs, s.httpLn.Close())
	}

	errs = append(errs, s.node.Close())

	return errors.Join(errs...)
}

func (s *Server) checkDescriptor(desc *federation.Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	self := s.Info()

	for _, g := range desc.Guardians {
		if g.PeerID != self.PeerID {
			continue
		}

		if !bytes.Equal(g.PublicShare, self.PublicShare) {
			return fmt.Errorf("peer %d public share does not match the secret share:\n%w", self.PeerID, federation.ErrInvalidConfig)
		}

		if !bytes.Equal(g.IdentityKey, self.IdentityKey) {
			return fmt.Errorf("peer %d identity key does not match:\n%w", self.PeerID, federation.ErrInvalidConfig)
		}

		if !bytes.Equal(desc.GroupPublicKey, s.cfg.GroupKey) {
			return fmt.Errorf("group key does not match:\n%w", federation.ErrInvalidConfig)
		}

		return nil
	}

	return fmt.Errorf("peer %d not in federation:\n%w", self.PeerID, federation.ErrInvalidConfig)
}
