package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sort"
	"sync"

	"github.com/lorenzodonini/ocpp-go/ws"
	"github.com/sirupsen/logrus"

	"ocpp_node/frame"
	"ocpp_node/netpath"
)

var Subprotocols = []string{"ocpp2.1", "ocpp2.0.1"}

type wsServer interface {
	Start(port int, listenPath string)
	Stop()
	Write(webSocketId string, data []byte) error
}

// Server accepts charging stations and downstream networking nodes. Every peer is
// identified by the id in its connection URL and answered in the frame format it
// last used.
type Server struct {
	ws       wsServer
	receiver Receiver
	log      *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	peers map[netpath.NodeID]frame.Format

	onConnect    func(id netpath.NodeID)
	onDisconnect func(id netpath.NodeID)
}

type ServerOption func(*serverConfig)

type serverConfig struct {
	certificate, key string
	tls              *tls.Config
	log              *logrus.Entry
	onConnect        func(id netpath.NodeID)
	onDisconnect     func(id netpath.NodeID)
}

// WithServerTLS serves wss:// with the given certificate and key files.
func WithServerTLS(certificate, key string, config *tls.Config) ServerOption {
	return func(c *serverConfig) {
		c.certificate = certificate
		c.key = key
		c.tls = config
	}
}

func WithServerLogger(l *logrus.Entry) ServerOption {
	return func(c *serverConfig) {
		c.log = l
	}
}

func WithConnectHandlers(onConnect, onDisconnect func(id netpath.NodeID)) ServerOption {
	return func(c *serverConfig) {
		c.onConnect = onConnect
		c.onDisconnect = onDisconnect
	}
}

func NewServer(receiver Receiver, opts ...ServerOption) *Server {
	cfg := serverConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		receiver:     receiver,
		log:          cfg.log.WithField("transport", "ws-server"),
		ctx:          ctx,
		cancel:       cancel,
		peers:        map[netpath.NodeID]frame.Format{},
		onConnect:    cfg.onConnect,
		onDisconnect: cfg.onDisconnect,
	}

	server := ws.NewServer()
	if cfg.certificate != "" {
		server = ws.NewTLSServer(cfg.certificate, cfg.key, cfg.tls)
	}
	for _, proto := range Subprotocols {
		server.AddSupportedSubprotocol(proto)
	}
	server.SetNewClientHandler(func(c ws.Channel) {
		s.connected(netpath.NodeID(c.ID()))
	})
	server.SetDisconnectedClientHandler(func(c ws.Channel) {
		s.disconnected(netpath.NodeID(c.ID()))
	})
	server.SetMessageHandler(func(c ws.Channel, data []byte) error {
		return s.message(netpath.NodeID(c.ID()), data)
	})
	s.ws = server
	return s
}

func (s *Server) connected(id netpath.NodeID) {
	s.mu.Lock()
	s.peers[id] = frame.FormatOCPPJ
	s.mu.Unlock()
	s.log.WithField("client", string(id)).Info("new client connected")
	if s.onConnect != nil {
		s.onConnect(id)
	}
}

func (s *Server) disconnected(id netpath.NodeID) {
	s.mu.Lock()
	delete(s.peers, id)
	s.mu.Unlock()
	s.log.WithField("client", string(id)).Info("client disconnected")
	if s.onDisconnect != nil {
		s.onDisconnect(id)
	}
}

func (s *Server) message(id netpath.NodeID, data []byte) error {
	format, err := deliver(s.ctx, s.receiver, id, data)
	if err != nil {
		s.log.WithField("client", string(id)).Warnf("invalid message: %v", err)
		return nil
	}
	s.mu.Lock()
	if _, ok := s.peers[id]; ok {
		s.peers[id] = format
	}
	s.mu.Unlock()
	return nil
}

// Start listens on port and blocks until Stop is called.
func (s *Server) Start(port int, listenPath string) {
	s.log.Infof("listening on port %v, path %v", port, listenPath)
	s.ws.Start(port, listenPath)
}

func (s *Server) Stop() {
	s.cancel()
	s.ws.Stop()
}

func (s *Server) Reaches(id netpath.NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.peers[id]
	return ok
}

// Peers lists the connected peers in order.
func (s *Server) Peers() []netpath.NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]netpath.NodeID, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Server) SendFrame(ctx context.Context, nextHop netpath.NodeID, f *frame.Frame) error {
	if s.ctx.Err() != nil {
		return ErrStopped
	}
	s.mu.RLock()
	format, ok := s.peers[nextHop]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotConnected, nextHop)
	}
	data, err := frame.Encode(f, format)
	if err != nil {
		return err
	}
	return s.ws.Write(string(nextHop), data)
}
