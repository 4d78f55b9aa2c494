package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// queryIDRetention bounds how long sent query ids suppress self-responses.
const queryIDRetention = 30 * time.Second

// Peer is one discovered (handle, addr) pair.
type Peer struct {
	Handle string
	Addr   string
}

// Options configures a discovery service.
type Options struct {
	Handle        string
	ListenerPort  uint16
	Port          int
	BroadcastAddr string
	ResponseTTL   time.Duration
	Logger        zerolog.Logger
}

// Service runs the responder and the prober on one UDP socket.
type Service struct {
	handle       string
	listenerPort uint16
	broadcast    *net.UDPAddr
	ttl          time.Duration
	conn         *net.UDPConn
	log          zerolog.Logger

	mu      sync.Mutex
	sent    map[QueryID]time.Time
	collect chan Peer
	closed  bool
}

// New binds the discovery socket and starts the responder loop.
func New(opts Options) (*Service, error) {
	broadcastHost := opts.BroadcastAddr
	if broadcastHost == "" {
		broadcastHost = "255.255.255.255"
	}
	broadcast, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(broadcastHost, strconv.Itoa(opts.Port)))
	if err != nil {
		return nil, fmt.Errorf("resolve broadcast address: %w", err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: opts.Port})
	if err != nil {
		return nil, fmt.Errorf("bind discovery socket: %w", err)
	}

	ttl := opts.ResponseTTL
	if ttl <= 0 {
		ttl = 2 * time.Second
	}

	svc := &Service{
		handle:       opts.Handle,
		listenerPort: opts.ListenerPort,
		broadcast:    broadcast,
		ttl:          ttl,
		conn:         conn,
		log:          opts.Logger.With().Str("component", "discovery").Logger(),
		sent:         make(map[QueryID]time.Time),
	}
	go svc.readLoop()

	return svc, nil
}

// Close shuts the socket; the read loop drains out.
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

// Discover broadcasts one query and aggregates unique responders until the
// response window expires or ctx is cancelled.
func (s *Service) Discover(ctx context.Context) ([]Peer, error) {
	id, err := NewQueryID()
	if err != nil {
		return nil, err
	}

	packet, err := EncodeQuery(Query{ID: id, Handle: s.handle})
	if err != nil {
		return nil, err
	}

	collect := make(chan Peer, 64)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("discovery: service closed")
	}
	s.rememberQueryLocked(id)
	s.collect = collect
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.collect = nil
		s.mu.Unlock()
	}()

	if _, err := s.conn.WriteToUDP(packet, s.broadcast); err != nil {
		return nil, fmt.Errorf("broadcast discovery query: %w", err)
	}
	s.log.Debug().Hex("query_id", id[:]).Msg("discovery query sent")

	window := time.NewTimer(s.ttl)
	defer window.Stop()

	seen := make(map[Peer]bool)
	var peers []Peer
	for {
		select {
		case peer := <-collect:
			if !seen[peer] {
				seen[peer] = true
				peers = append(peers, peer)
			}
		case <-window.C:
			return peers, nil
		case <-ctx.Done():
			return peers, ctx.Err()
		}
	}
}

func (s *Service) readLoop() {
	buf := make([]byte, 1024)
	for {
		n, sender, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.log.Warn().Err(err).Msg("discovery read failed")
			}
			return
		}
		packet := buf[:n]

		if query, err := DecodeQuery(packet); err == nil {
			s.handleQuery(query, sender)
			continue
		}
		if response, err := DecodeResponse(packet); err == nil {
			s.handleResponse(response, sender)
			continue
		}
		// Not ours; drop.
	}
}

func (s *Service) handleQuery(query Query, sender *net.UDPAddr) {
	s.mu.Lock()
	_, own := s.sent[query.ID]
	s.mu.Unlock()
	if own {
		return
	}

	packet, err := EncodeResponse(Response{
		ID:           query.ID,
		ListenerPort: s.listenerPort,
		Handle:       s.handle,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("encode discovery response failed")
		return
	}
	if _, err := s.conn.WriteToUDP(packet, sender); err != nil {
		s.log.Warn().Err(err).Msg("send discovery response failed")
		return
	}
	s.log.Debug().Str("from", query.Handle).Str("addr", sender.String()).Msg("answered discovery query")
}

func (s *Service) handleResponse(response Response, sender *net.UDPAddr) {
	s.mu.Lock()
	_, own := s.sent[response.ID]
	collect := s.collect
	s.mu.Unlock()
	if !own || collect == nil {
		return
	}
	if response.Handle == s.handle {
		return
	}

	peer := Peer{
		Handle: response.Handle,
		Addr:   net.JoinHostPort(sender.IP.String(), strconv.Itoa(int(response.ListenerPort))),
	}
	select {
	case collect <- peer:
	default:
		// Collector saturated; drop.
	}
}

func (s *Service) rememberQueryLocked(id QueryID) {
	now := time.Now()
	for old, at := range s.sent {
		if now.Sub(at) > queryIDRetention {
			delete(s.sent, old)
		}
	}
	s.sent[id] = now
}
