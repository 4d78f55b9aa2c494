// Package service is the dezap core: a command-driven runtime that owns the
// QUIC endpoint, per-peer sessions, the file pipeline, and persistence, and
// reports everything that happens as events.
package service

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"dezap/config"
	"dezap/discovery"
	"dezap/protocol"
	"dezap/storage"
	"dezap/transport"
)

// eventBuffer bounds the event channel; collaborators must drain it.
const eventBuffer = 256

type commandRequest struct {
	cmd   Command
	reply chan error
}

// Service is one running dezap instance.
type Service struct {
	settings  config.Settings
	log       zerolog.Logger
	peers     *storage.PeerRegistry
	history   *storage.HistoryStore
	cert      tls.Certificate
	clientTLS *tls.Config

	commands chan commandRequest
	events   chan Event

	runCtx    context.Context
	runCancel context.CancelFunc

	mu           sync.Mutex
	sessions     map[SessionID]*session
	transfers    map[protocol.OfferID]*transfer
	listener     *quic.Listener
	acceptCancel context.CancelFunc
	disc         *discovery.Service

	nextSession atomic.Uint64
}

// New wires the service from settings: persistence, TLS material, and the
// discovery socket when enabled.
func New(settings config.Settings, logger zerolog.Logger) (*Service, error) {
	log := logger.With().Str("component", "service").Logger()

	peers, err := storage.OpenPeerRegistry(settings.Paths.PeersFile)
	if err != nil {
		return nil, err
	}
	history, err := storage.OpenHistoryStore(settings.Paths.HistoryDir, logger)
	if err != nil {
		return nil, err
	}

	cert, err := transport.LoadCertificate(settings.TLS, settings.Identity.Handle)
	if err != nil {
		return nil, err
	}
	clientTLS, err := transport.ClientTLSConfig(settings.TLS)
	if err != nil {
		return nil, err
	}

	s := &Service{
		settings:  settings,
		log:       log,
		peers:     peers,
		history:   history,
		cert:      cert,
		clientTLS: clientTLS,
		commands:  make(chan commandRequest),
		events:    make(chan Event, eventBuffer),
		sessions:  make(map[SessionID]*session),
		transfers: make(map[protocol.OfferID]*transfer),
	}

	if settings.Discovery.Enabled {
		disc, err := discovery.New(discovery.Options{
			Handle:        settings.Identity.Handle,
			ListenerPort:  listenerPort(settings.Listen.BindAddr),
			Port:          settings.Discovery.Port,
			BroadcastAddr: settings.Discovery.BroadcastAddr,
			ResponseTTL:   time.Duration(settings.Discovery.ResponseTTLMs) * time.Millisecond,
			Logger:        logger,
		})
		if err != nil {
			// Discovery errors never block the core.
			log.Warn().Err(err).Msg("discovery disabled: socket unavailable")
		} else {
			s.disc = disc
		}
	}

	return s, nil
}

// Events is the service's output stream.
func (s *Service) Events() <-chan Event {
	return s.events
}

// Do submits one command and waits for its accepted/rejected acknowledgment.
func (s *Service) Do(ctx context.Context, cmd Command) error {
	req := commandRequest{cmd: cmd, reply: make(chan error, 1)}
	select {
	case s.commands <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the command loop until Shutdown or context cancellation.
func (s *Service) Run(ctx context.Context) error {
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	defer s.runCancel()

	s.emit(SavedPeersLoaded{Peers: s.peers.List()})

	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return ctx.Err()
		case req := <-s.commands:
			shutdown := false
			req.reply <- s.handleCommand(req.cmd, &shutdown)
			if shutdown {
				s.teardown()
				return nil
			}
		}
	}
}

func (s *Service) handleCommand(cmd Command, shutdown *bool) error {
	switch c := cmd.(type) {
	case Listen:
		return s.startListener(c)
	case StopListener:
		return s.stopListener()
	case Connect:
		return s.startConnect(c)
	case Disconnect:
		sess := s.session(c.Session)
		if sess == nil {
			return reject(ErrorInternal, "unknown session %d", c.Session)
		}
		go sess.close(ReasonGraceful, "disconnect requested", transport.CloseCodeBye, true)
		return nil
	case SendText:
		sess := s.session(c.Session)
		if sess == nil {
			return reject(ErrorInternal, "unknown session %d", c.Session)
		}
		return sess.sendText(c.Body)
	case SendFile:
		return s.startFileSend(c)
	case AcceptFile:
		return s.acceptFile(c.OfferID, c.TargetPath)
	case DeclineFile:
		return s.declineFile(c.OfferID)
	case Discover:
		return s.startDiscover()
	case Shutdown:
		*shutdown = true
		return nil
	default:
		return reject(ErrorInternal, "unknown command %T", cmd)
	}
}

func (s *Service) startListener(cmd Listen) error {
	bind := cmd.Bind
	if bind == "" {
		bind = s.settings.Listen.BindAddr
	}
	password := cmd.Password
	if password == "" {
		password = s.settings.Listen.Password
	}

	s.mu.Lock()
	if s.listener != nil {
		s.mu.Unlock()
		return reject(ErrorConfiguration, "listener already running")
	}
	s.mu.Unlock()

	listener, err := transport.Listen(bind, transport.ServerTLSConfig(s.cert))
	if err != nil {
		return reject(ErrorTransport, "listen on %s: %v", bind, err)
	}

	acceptCtx, cancel := context.WithCancel(s.runCtx)
	s.mu.Lock()
	s.listener = listener
	s.acceptCancel = cancel
	s.mu.Unlock()

	go s.acceptLoop(acceptCtx, listener, password)
	s.emit(ListenerStarted{Addr: listener.Addr().String()})
	s.log.Info().Str("addr", listener.Addr().String()).Msg("listener started")
	return nil
}

func (s *Service) stopListener() error {
	s.mu.Lock()
	listener := s.listener
	cancel := s.acceptCancel
	s.listener = nil
	s.acceptCancel = nil
	s.mu.Unlock()

	if listener == nil {
		return reject(ErrorConfiguration, "listener not running")
	}
	cancel()
	_ = listener.Close()
	s.emit(ListenerStopped{})
	return nil
}

func (s *Service) acceptLoop(ctx context.Context, listener *quic.Listener, password string) {
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			return
		}
		go s.establish(conn, password, false)
	}
}

func (s *Service) startConnect(cmd Connect) error {
	addr := cmd.Addr
	if addr == "" {
		addr = s.settings.Peer.DefaultPeer
	}
	if addr == "" {
		return reject(ErrorConfiguration, "no peer address given")
	}

	go func() {
		s.emit(Connecting{Addr: addr})
		dialCtx, cancel := context.WithTimeout(s.runCtx, handshakeTimeout)
		defer cancel()
		conn, err := transport.Dial(dialCtx, addr, s.clientTLS)
		if err != nil {
			s.emit(Error{Kind: ErrorTransport, Detail: fmt.Sprintf("dial %s: %v", addr, err)})
			return
		}
		s.establish(conn, cmd.Password, true)
	}()
	return nil
}

// establish runs the handshake and, on success, registers and starts the
// session.
func (s *Service) establish(conn quic.Connection, password string, initiator bool) {
	id := SessionID(s.nextSession.Add(1))

	var sess *session
	var err error
	if initiator {
		sess, err = s.handshakeInitiator(s.runCtx, id, conn, password)
	} else {
		sess, err = s.handshakeAcceptor(s.runCtx, id, conn, password)
	}
	if err != nil {
		reason, detail := classifyHandshakeError(err)
		code := transport.CloseCodeProtocol
		if reason == ReasonDenied {
			code = transport.CloseCodeDenied
		}
		_ = conn.CloseWithError(code, detail)
		s.emit(Disconnected{Session: id, Reason: reason, Detail: detail})
		s.log.Info().Err(err).Uint64("session", uint64(id)).Msg("handshake failed")
		return
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	if _, err := s.peers.Upsert(sess.remoteHandle, sess.remoteAddr, time.Now()); err != nil {
		s.emit(Error{Kind: ErrorFileSystem, Detail: fmt.Sprintf("save peer: %v", err)})
	}

	s.emit(Connected{Session: id, Handle: sess.remoteHandle, Addr: sess.remoteAddr})
	sess.log.Info().Str("addr", sess.remoteAddr).Msg("session established")
	sess.start()
}

func classifyHandshakeError(err error) (DisconnectReason, string) {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return ReasonDenied, denied.Reason.String()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ReasonTimeout, "handshake timed out"
	}
	return ReasonHandshakeFailed, err.Error()
}

func (s *Service) startFileSend(cmd SendFile) error {
	sess := s.session(cmd.Session)
	if sess == nil {
		return reject(ErrorInternal, "unknown session %d", cmd.Session)
	}

	info, err := os.Stat(cmd.Path)
	if err != nil {
		return reject(ErrorFileSystem, "stat %s: %v", cmd.Path, err)
	}
	if info.IsDir() {
		return reject(ErrorFileSystem, "%s is a directory", cmd.Path)
	}
	if info.Size() > s.settings.Limits.MaxFileBytes {
		return reject(ErrorTooLarge, "file exceeds %d bytes", s.settings.Limits.MaxFileBytes)
	}

	go s.runFileSend(sess, cmd.Path)
	return nil
}

func (s *Service) startDiscover() error {
	if s.disc == nil {
		return reject(ErrorConfiguration, "discovery is disabled")
	}
	go func() {
		peers, err := s.disc.Discover(s.runCtx)
		if err != nil {
			// Logged and swallowed; partial results still go out.
			s.log.Warn().Err(err).Msg("discovery probe failed")
		}
		s.emit(DiscoveredPeers{Peers: peers})
	}()
	return nil
}

func (s *Service) session(id SessionID) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *Service) dropSession(id SessionID) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Service) teardown() {
	s.mu.Lock()
	listener := s.listener
	cancel := s.acceptCancel
	s.listener = nil
	s.acceptCancel = nil
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if listener != nil {
		_ = listener.Close()
	}

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *session) {
			defer wg.Done()
			sess.close(ReasonGraceful, "service shutting down", transport.CloseCodeCancelled, true)
		}(sess)
	}
	wg.Wait()

	if s.disc != nil {
		_ = s.disc.Close()
	}
	s.runCancel()
}

func (s *Service) emit(event Event) {
	select {
	case s.events <- event:
	case <-s.runCtx.Done():
	}
}

func (s *Service) appendHistory(entry storage.HistoryEntry) {
	if err := s.history.Append(entry); err != nil {
		s.log.Warn().Err(err).Msg("history append failed")
		s.emit(Error{Kind: ErrorFileSystem, Detail: fmt.Sprintf("history append: %v", err)})
	}
}

func listenerPort(bindAddr string) uint16 {
	_, portStr, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return 0
	}
	return uint16(port)
}
