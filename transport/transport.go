package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// keepAlivePeriod keeps NAT and idle timers alive between frames.
	keepAlivePeriod = 10 * time.Second
	// maxIdleTimeout tears down connections whose peer went silent.
	maxIdleTimeout = 60 * time.Second
)

// Application error codes carried on QUIC CONNECTION_CLOSE. Code 1 is
// reserved for cancellation.
const (
	CloseCodeBye       quic.ApplicationErrorCode = 0
	CloseCodeCancelled quic.ApplicationErrorCode = 1
	CloseCodeDenied    quic.ApplicationErrorCode = 2
	CloseCodeProtocol  quic.ApplicationErrorCode = 3
	CloseCodeCrypto    quic.ApplicationErrorCode = 4
	CloseCodeKeepalive quic.ApplicationErrorCode = 5
)

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: keepAlivePeriod,
		MaxIdleTimeout:  maxIdleTimeout,
		EnableDatagrams: false,
	}
}

// Listen binds a QUIC listener on addr.
func Listen(addr string, tlsConf *tls.Config) (*quic.Listener, error) {
	listener, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", addr, err)
	}
	return listener, nil
}

// Dial connects to a peer's QUIC endpoint.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config) (quic.Connection, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", addr, err)
	}
	return conn, nil
}
