package service

import "dezap/protocol"

// SessionID disambiguates concurrent peers; assigned when a connection is
// established, strictly increasing per service instance.
type SessionID uint64

// Command is the typed input surface of the service. Each submitted command is
// acknowledged immediately; long-running effects arrive as events.
type Command interface {
	isCommand()
}

// Listen starts the QUIC listener. Empty fields fall back to the configured
// bind address and password.
type Listen struct {
	Bind     string
	Password string
}

// StopListener stops accepting new connections; live sessions continue.
type StopListener struct{}

// Connect dials a peer and performs the handshake in initiator role.
type Connect struct {
	Addr     string
	Password string
}

// Disconnect closes one session gracefully.
type Disconnect struct {
	Session SessionID
}

// SendText seals and sends one chat message on a session.
type SendText struct {
	Session SessionID
	Body    []byte
}

// SendFile offers a local file to a session.
type SendFile struct {
	Session SessionID
	Path    string
}

// AcceptFile accepts a pending incoming offer into TargetPath.
type AcceptFile struct {
	OfferID    protocol.OfferID
	TargetPath string
}

// DeclineFile rejects a pending incoming offer.
type DeclineFile struct {
	OfferID protocol.OfferID
}

// Discover broadcasts one discovery probe.
type Discover struct{}

// Shutdown stops the service; the command loop exits after teardown.
type Shutdown struct{}

func (Listen) isCommand()       {}
func (StopListener) isCommand() {}
func (Connect) isCommand()      {}
func (Disconnect) isCommand()   {}
func (SendText) isCommand()     {}
func (SendFile) isCommand()     {}
func (AcceptFile) isCommand()   {}
func (DeclineFile) isCommand()  {}
func (Discover) isCommand()     {}
func (Shutdown) isCommand()     {}
