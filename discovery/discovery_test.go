package discovery

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPacketRoundTrip(t *testing.T) {
	id, err := NewQueryID()
	if err != nil {
		t.Fatalf("NewQueryID failed: %v", err)
	}

	query := Query{ID: id, Handle: "alice"}
	encodedQuery, err := EncodeQuery(query)
	if err != nil {
		t.Fatalf("EncodeQuery failed: %v", err)
	}
	decodedQuery, err := DecodeQuery(encodedQuery)
	if err != nil {
		t.Fatalf("DecodeQuery failed: %v", err)
	}
	if decodedQuery != query {
		t.Fatalf("query round trip mismatch: %+v", decodedQuery)
	}

	response := Response{ID: id, ListenerPort: 5000, Handle: "bob"}
	encodedResponse, err := EncodeResponse(response)
	if err != nil {
		t.Fatalf("EncodeResponse failed: %v", err)
	}
	decodedResponse, err := DecodeResponse(encodedResponse)
	if err != nil {
		t.Fatalf("DecodeResponse failed: %v", err)
	}
	if decodedResponse != response {
		t.Fatalf("response round trip mismatch: %+v", decodedResponse)
	}
}

func TestDecodeRejectsMalformedPackets(t *testing.T) {
	id := QueryID{1, 2, 3, 4, 5, 6, 7, 8}
	valid, err := EncodeQuery(Query{ID: id, Handle: "alice"})
	if err != nil {
		t.Fatalf("EncodeQuery failed: %v", err)
	}

	cases := map[string][]byte{
		"empty":          nil,
		"short":          valid[:4],
		"bad magic":      append([]byte("XEZAP\x00"), valid[6:]...),
		"bad version":    func() []byte { p := append([]byte(nil), valid...); p[6] = 99; return p }(),
		"trailing bytes": append(append([]byte(nil), valid...), 0xFF),
		"truncated body": valid[:len(valid)-2],
	}
	for name, packet := range cases {
		if _, err := DecodeQuery(packet); !errors.Is(err, ErrInvalidPacket) {
			t.Errorf("%s: expected ErrInvalidPacket, got %v", name, err)
		}
	}
}

func TestEncodeRejectsOversizedHandle(t *testing.T) {
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := EncodeQuery(Query{Handle: string(long)}); err == nil {
		t.Fatalf("expected error for oversized handle")
	}
}

// TestResponderAnswersQuery exercises the responder directly over loopback
// rather than relying on broadcast reachability in the test environment.
func TestResponderAnswersQuery(t *testing.T) {
	responder, err := New(Options{
		Handle:        "bob",
		ListenerPort:  5000,
		Port:          0,
		BroadcastAddr: "127.0.0.1",
		ResponseTTL:   200 * time.Millisecond,
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer responder.Close()

	responderAddr := responder.conn.LocalAddr().(*net.UDPAddr)

	prober, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("bind prober socket: %v", err)
	}
	defer prober.Close()

	id := QueryID{9, 9, 9, 9, 9, 9, 9, 9}
	packet, err := EncodeQuery(Query{ID: id, Handle: "alice"})
	if err != nil {
		t.Fatalf("EncodeQuery failed: %v", err)
	}
	target := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: responderAddr.Port}
	if _, err := prober.WriteToUDP(packet, target); err != nil {
		t.Fatalf("send query: %v", err)
	}

	if err := prober.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	buf := make([]byte, 1024)
	n, _, err := prober.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}

	response, err := DecodeResponse(buf[:n])
	if err != nil {
		t.Fatalf("DecodeResponse failed: %v", err)
	}
	if response.ID != id {
		t.Fatalf("response query id mismatch: %v", response.ID)
	}
	if response.Handle != "bob" || response.ListenerPort != 5000 {
		t.Fatalf("unexpected response %+v", response)
	}
}

func TestResponderSuppressesOwnQueries(t *testing.T) {
	svc, err := New(Options{
		Handle:        "carol",
		ListenerPort:  5000,
		Port:          0,
		BroadcastAddr: "127.0.0.1",
		ResponseTTL:   150 * time.Millisecond,
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer svc.Close()

	// Point the broadcast at the service's own socket so the query loops back.
	own := svc.conn.LocalAddr().(*net.UDPAddr)
	svc.broadcast, err = net.ResolveUDPAddr("udp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(own.Port)))
	if err != nil {
		t.Fatalf("resolve loopback broadcast: %v", err)
	}

	peers, err := svc.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected no self-responses, got %+v", peers)
	}
}

func TestDiscoverHonorsContextCancellation(t *testing.T) {
	svc, err := New(Options{
		Handle:        "dave",
		ListenerPort:  5000,
		Port:          0,
		BroadcastAddr: "127.0.0.1",
		ResponseTTL:   5 * time.Second,
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer svc.Close()

	// Point the broadcast at the service's own socket so the query loops back.
	own := svc.conn.LocalAddr().(*net.UDPAddr)
	svc.broadcast, err = net.ResolveUDPAddr("udp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(own.Port)))
	if err != nil {
		t.Fatalf("resolve loopback broadcast: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := svc.Discover(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Discover ignored cancellation, took %v", elapsed)
	}
}
