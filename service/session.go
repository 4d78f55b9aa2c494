package service

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"dezap/crypto"
	"dezap/protocol"
	"dezap/storage"
	"dezap/transport"
)

const (
	handshakeTimeout  = 10 * time.Second
	keepaliveInterval = 15 * time.Second
	keepaliveMisses   = 3
	drainWindow       = 500 * time.Millisecond
)

// Stream banner details sent by the initiator so the acceptor can tell the
// two eagerly opened bidirectional streams apart.
const (
	bannerControl = "control"
	bannerChat    = "chat"
)

// DeniedError reports a handshake rejected by the peer.
type DeniedError struct {
	Reason protocol.DenyReason
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("peer denied handshake: %s", e.Reason)
}

// session is one handshaken peer connection with its two long-lived streams.
type session struct {
	id   SessionID
	role crypto.Role
	svc  *Service
	conn quic.Connection
	log  zerolog.Logger

	control quic.Stream
	chat    quic.Stream

	controlMu sync.Mutex
	chatMu    sync.Mutex

	cipher *crypto.SessionCipher
	guard  *crypto.ReplayGuard

	remoteHandle  string
	remoteAddr    string
	establishedAt time.Time

	lastInbound atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// handshakeInitiator opens the control and chat streams, answers the
// challenge, and exchanges Hello frames.
func (s *Service) handshakeInitiator(ctx context.Context, id SessionID, conn quic.Connection, password string) (*session, error) {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	control, err := conn.OpenStreamSync(hsCtx)
	if err != nil {
		return nil, fmt.Errorf("open control stream: %w", err)
	}
	chat, err := conn.OpenStreamSync(hsCtx)
	if err != nil {
		return nil, fmt.Errorf("open chat stream: %w", err)
	}

	deadline := time.Now().Add(handshakeTimeout)
	_ = control.SetDeadline(deadline)
	_ = chat.SetDeadline(deadline)

	// Banner frames materialize the streams on the acceptor and name them.
	if err := writeControlFrame(control, protocol.Info{Kind: protocol.InfoPing, Detail: bannerControl}); err != nil {
		return nil, fmt.Errorf("send control banner: %w", err)
	}
	if err := writeControlFrame(chat, protocol.Info{Kind: protocol.InfoPing, Detail: bannerChat}); err != nil {
		return nil, fmt.Errorf("send chat banner: %w", err)
	}

	msg, err := readControlFrame(control)
	if err != nil {
		return nil, fmt.Errorf("read challenge: %w", err)
	}
	challenge, ok := msg.(protocol.Challenge)
	if !ok {
		return nil, fmt.Errorf("%w: expected challenge, got %T", protocol.ErrUnknownTag, msg)
	}

	private, public, err := crypto.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, err
	}
	var proof []byte
	if password != "" {
		proof = crypto.PasswordProof(password, challenge.Salt, public)
	}
	if err := writeControlFrame(control, protocol.Hello{
		Handle:        s.settings.Identity.Handle,
		X25519Pub:     public,
		PasswordProof: proof,
	}); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	reply, err := readControlFrame(control)
	if err != nil {
		return nil, fmt.Errorf("read hello reply: %w", err)
	}
	var remote protocol.Hello
	switch m := reply.(type) {
	case protocol.Hello:
		remote = m
	case protocol.Denied:
		return nil, &DeniedError{Reason: m.Reason}
	default:
		return nil, fmt.Errorf("%w: unexpected %T during handshake", protocol.ErrUnknownTag, m)
	}

	return s.finishHandshake(id, conn, crypto.RoleInitiator, control, chat, private, remote)
}

// handshakeAcceptor classifies the initiator's streams, issues the challenge,
// and verifies the password proof before replying with its own Hello.
func (s *Service) handshakeAcceptor(ctx context.Context, id SessionID, conn quic.Connection, password string) (*session, error) {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	var control, chat quic.Stream
	for i := 0; i < 2; i++ {
		stream, err := conn.AcceptStream(hsCtx)
		if err != nil {
			return nil, fmt.Errorf("accept stream: %w", err)
		}
		_ = stream.SetDeadline(time.Now().Add(handshakeTimeout))

		banner, err := readControlFrame(stream)
		if err != nil {
			return nil, fmt.Errorf("read stream banner: %w", err)
		}
		info, ok := banner.(protocol.Info)
		if !ok || info.Kind != protocol.InfoPing {
			return nil, fmt.Errorf("%w: stream opened without banner", protocol.ErrUnknownTag)
		}
		switch info.Detail {
		case bannerControl:
			control = stream
		case bannerChat:
			chat = stream
		default:
			return nil, fmt.Errorf("%w: unknown stream banner %q", protocol.ErrUnknownTag, info.Detail)
		}
	}
	if control == nil || chat == nil {
		return nil, errors.New("service: initiator did not open both streams")
	}

	// The challenge always goes out; an empty salt means no password gate.
	salt := []byte{}
	if password != "" {
		fresh, err := crypto.NewChallengeSalt()
		if err != nil {
			return nil, err
		}
		salt = fresh
	}
	if err := writeControlFrame(control, protocol.Challenge{Salt: salt}); err != nil {
		return nil, fmt.Errorf("send challenge: %w", err)
	}

	msg, err := readControlFrame(control)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	remote, ok := msg.(protocol.Hello)
	if !ok {
		return nil, fmt.Errorf("%w: expected hello, got %T", protocol.ErrUnknownTag, msg)
	}

	if password != "" && !crypto.VerifyPasswordProof(password, salt, remote.X25519Pub, remote.PasswordProof) {
		_ = writeControlFrame(control, protocol.Denied{Reason: protocol.DenyBadPassword})
		time.Sleep(drainWindow)
		_ = conn.CloseWithError(transport.CloseCodeDenied, "bad password")
		return nil, &DeniedError{Reason: protocol.DenyBadPassword}
	}

	private, public, err := crypto.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, err
	}
	if err := writeControlFrame(control, protocol.Hello{
		Handle:    s.settings.Identity.Handle,
		X25519Pub: public,
	}); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	return s.finishHandshake(id, conn, crypto.RoleAcceptor, control, chat, private, remote)
}

func (s *Service) finishHandshake(id SessionID, conn quic.Connection, role crypto.Role, control, chat quic.Stream, private *ecdh.PrivateKey, remote protocol.Hello) (*session, error) {
	key, err := crypto.DeriveSessionKey(private, remote.X25519Pub)
	if err != nil {
		return nil, err
	}
	cipher, err := crypto.NewSessionCipher(key, role)
	if err != nil {
		return nil, err
	}

	peerRole := crypto.RoleAcceptor
	if role == crypto.RoleAcceptor {
		peerRole = crypto.RoleInitiator
	}

	var zero time.Time
	_ = control.SetDeadline(zero)
	_ = chat.SetDeadline(zero)

	sess := &session{
		id:            id,
		role:          role,
		svc:           s,
		conn:          conn,
		log:           s.log.With().Uint64("session", uint64(id)).Str("peer", remote.Handle).Logger(),
		control:       control,
		chat:          chat,
		cipher:        cipher,
		guard:         crypto.NewReplayGuard(peerRole),
		remoteHandle:  remote.Handle,
		remoteAddr:    conn.RemoteAddr().String(),
		establishedAt: time.Now(),
		done:          make(chan struct{}),
	}
	sess.touch()
	return sess, nil
}

// start launches the per-session read, uni-stream, and keepalive tasks.
func (sess *session) start() {
	go sess.controlLoop()
	go sess.chatLoop()
	go sess.uniStreamLoop()
	go sess.keepaliveLoop()
}

func (sess *session) touch() {
	sess.lastInbound.Store(time.Now().UnixNano())
}

// sendControl writes one control frame; control writes are serialized.
func (sess *session) sendControl(message protocol.ControlMessage) error {
	sess.controlMu.Lock()
	defer sess.controlMu.Unlock()
	return writeControlFrame(sess.control, message)
}

// sendText seals one chat message and appends it to history on success.
func (sess *session) sendText(body []byte) error {
	if len(body) > sess.svc.settings.Limits.MaxMessageBytes {
		return reject(ErrorTooLarge, "message exceeds %d bytes", sess.svc.settings.Limits.MaxMessageBytes)
	}

	nonce, sealed, err := sess.cipher.Seal(body)
	if err != nil {
		sess.close(ReasonCrypto, err.Error(), transport.CloseCodeCrypto, false)
		return reject(ErrorCrypto, "seal message: %v", err)
	}

	sess.chatMu.Lock()
	err = protocol.WriteMessage(sess.chat, protocol.Ciphertext{Nonce: nonce, Sealed: sealed})
	sess.chatMu.Unlock()
	if err != nil {
		return reject(ErrorTransport, "write chat frame: %v", err)
	}

	sess.svc.appendHistory(storage.HistoryEntry{
		Timestamp:  time.Now(),
		Direction:  storage.DirectionOutgoing,
		PeerHandle: sess.remoteHandle,
		Kind:       storage.KindText,
		Payload:    body,
	})
	return nil
}

func (sess *session) controlLoop() {
	for {
		msg, err := protocol.ReadMessage(sess.control, 0)
		if err != nil {
			sess.closeOnReadError(err)
			return
		}
		sess.touch()

		ctl, ok := msg.(protocol.Control)
		if !ok {
			sess.close(ReasonProtocol, fmt.Sprintf("unexpected %T on control stream", msg), transport.CloseCodeProtocol, false)
			return
		}

		switch m := ctl.Message.(type) {
		case protocol.Info:
			if m.Kind == protocol.InfoBye {
				sess.close(ReasonGraceful, "peer said bye", transport.CloseCodeBye, false)
				return
			}
			// Ping already refreshed the keepalive clock.
		case protocol.FileOffer:
			sess.svc.handleFileOffer(sess, m)
		case protocol.FileAccept:
			sess.svc.resolveOffer(m.OfferID, ctl.Message)
		case protocol.FileReject:
			sess.svc.resolveOffer(m.OfferID, ctl.Message)
		default:
			// Handshake frames after the handshake are a violation.
			sess.close(ReasonProtocol, fmt.Sprintf("unexpected control %T", m), transport.CloseCodeProtocol, false)
			return
		}
	}
}

func (sess *session) chatLoop() {
	for {
		msg, err := protocol.ReadMessage(sess.chat, sess.svc.settings.Limits.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, protocol.ErrMessageTooLarge) {
				sess.svc.emit(MessageFailed{Session: sess.id, Kind: ErrorTooLarge})
				sess.close(ReasonProtocol, "oversized chat frame", transport.CloseCodeProtocol, false)
				return
			}
			sess.closeOnReadError(err)
			return
		}
		sess.touch()

		switch m := msg.(type) {
		case protocol.Ciphertext:
			if err := sess.guard.Check(m.Nonce); err != nil {
				sess.svc.emit(MessageFailed{Session: sess.id, Kind: ErrorCrypto})
				sess.close(ReasonCrypto, err.Error(), transport.CloseCodeCrypto, false)
				return
			}
			body, err := sess.cipher.Open(m.Nonce, m.Sealed)
			if err != nil {
				sess.svc.emit(MessageFailed{Session: sess.id, Kind: ErrorIntegrity})
				sess.close(ReasonCrypto, err.Error(), transport.CloseCodeCrypto, false)
				return
			}
			sess.deliverMessage(body)
		case protocol.Text:
			// Chat frames must carry the session AEAD; plaintext from a
			// handshaken peer bypasses the replay guard.
			sess.close(ReasonProtocol, "plaintext chat frame", transport.CloseCodeProtocol, false)
			return
		default:
			sess.close(ReasonProtocol, fmt.Sprintf("unexpected %T on chat stream", msg), transport.CloseCodeProtocol, false)
			return
		}
	}
}

func (sess *session) deliverMessage(body []byte) {
	now := time.Now()
	sess.svc.emit(MessageReceived{Session: sess.id, Body: body, Timestamp: now})
	sess.svc.appendHistory(storage.HistoryEntry{
		Timestamp:  now,
		Direction:  storage.DirectionIncoming,
		PeerHandle: sess.remoteHandle,
		Kind:       storage.KindText,
		Payload:    body,
	})
}

// uniStreamLoop accepts incoming unidirectional streams and classifies each
// by its first frame: FileMeta starts a transfer, Ack resolves one.
func (sess *session) uniStreamLoop() {
	for {
		stream, err := sess.conn.AcceptUniStream(sess.conn.Context())
		if err != nil {
			return
		}
		go sess.handleUniStream(stream)
	}
}

func (sess *session) handleUniStream(stream quic.ReceiveStream) {
	msg, err := protocol.ReadMessage(stream, 0)
	if err != nil {
		stream.CancelRead(quic.StreamErrorCode(transport.CloseCodeProtocol))
		return
	}
	sess.touch()

	switch m := msg.(type) {
	case protocol.FileMeta:
		sess.svc.receiveFileData(sess, m, stream)
	case protocol.Ack:
		sess.svc.resolveAck(m)
	default:
		sess.log.Warn().Msgf("unexpected %T opening unidirectional stream", msg)
		stream.CancelRead(quic.StreamErrorCode(transport.CloseCodeProtocol))
	}
}

func (sess *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, sess.lastInbound.Load()))
			if idle > keepaliveMisses*keepaliveInterval {
				sess.close(ReasonTimeout, "keepalive expired", transport.CloseCodeKeepalive, false)
				return
			}
			if err := sess.sendControl(protocol.Info{Kind: protocol.InfoPing}); err != nil {
				sess.close(ReasonTransport, "keepalive write failed", transport.CloseCodeKeepalive, false)
				return
			}
		}
	}
}

func (sess *session) closeOnReadError(err error) {
	select {
	case <-sess.done:
		return
	default:
	}
	if errors.Is(err, io.EOF) {
		sess.close(ReasonGraceful, "stream closed by peer", transport.CloseCodeBye, false)
		return
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		reason := ReasonGraceful
		switch appErr.ErrorCode {
		case transport.CloseCodeDenied:
			reason = ReasonDenied
		case transport.CloseCodeProtocol:
			reason = ReasonProtocol
		case transport.CloseCodeCrypto:
			reason = ReasonCrypto
		case transport.CloseCodeKeepalive:
			reason = ReasonTimeout
		case transport.CloseCodeCancelled:
			reason = ReasonCancelled
		}
		sess.close(reason, appErr.ErrorMessage, transport.CloseCodeBye, false)
		return
	}
	sess.close(ReasonTransport, err.Error(), transport.CloseCodeCancelled, false)
}

// close tears the session down exactly once. When graceful, a Bye is flushed
// within the drain window before the connection closes.
func (sess *session) close(reason DisconnectReason, detail string, code quic.ApplicationErrorCode, graceful bool) {
	sess.closeOnce.Do(func() {
		close(sess.done)
		if graceful {
			_ = sess.sendControl(protocol.Info{Kind: protocol.InfoBye})
			time.Sleep(drainWindow)
		}
		_ = sess.conn.CloseWithError(code, reason.String())
		sess.svc.dropSession(sess.id)
		sess.svc.emit(Disconnected{Session: sess.id, Reason: reason, Detail: detail})
		sess.log.Info().Str("reason", reason.String()).Str("detail", detail).Msg("session closed")
	})
}

// writeControlFrame frames one control message on a stream.
func writeControlFrame(w io.Writer, message protocol.ControlMessage) error {
	return protocol.WriteMessage(w, protocol.Control{Message: message})
}

// readControlFrame reads one frame and unwraps the control message.
func readControlFrame(r io.Reader) (protocol.ControlMessage, error) {
	msg, err := protocol.ReadMessage(r, 0)
	if err != nil {
		return nil, err
	}
	ctl, ok := msg.(protocol.Control)
	if !ok {
		return nil, fmt.Errorf("%w: expected control frame, got %T", protocol.ErrUnknownTag, msg)
	}
	return ctl.Message, nil
}
