package service

import (
	"time"

	"dezap/discovery"
	"dezap/protocol"
	"dezap/storage"
)

// Event is the typed output surface of the service. Events from one session
// arrive in the order the service committed them.
type Event interface {
	isEvent()
}

// SavedPeersLoaded carries the persisted peer set, emitted once at startup.
type SavedPeersLoaded struct {
	Peers []storage.SavedPeer
}

// ListenerStarted reports the bound listener address.
type ListenerStarted struct {
	Addr string
}

// ListenerStopped reports that the listener no longer accepts connections.
type ListenerStopped struct{}

// Connecting reports an outbound dial in progress.
type Connecting struct {
	Addr string
}

// Connected reports a completed handshake.
type Connected struct {
	Session SessionID
	Handle  string
	Addr    string
}

// DisconnectReason explains why a session ended.
type DisconnectReason uint8

const (
	ReasonGraceful DisconnectReason = iota
	ReasonDenied
	ReasonHandshakeFailed
	ReasonTimeout
	ReasonTransport
	ReasonProtocol
	ReasonCrypto
	ReasonCancelled
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonGraceful:
		return "graceful"
	case ReasonDenied:
		return "denied"
	case ReasonHandshakeFailed:
		return "handshake"
	case ReasonTimeout:
		return "timeout"
	case ReasonTransport:
		return "transport"
	case ReasonProtocol:
		return "protocol"
	case ReasonCrypto:
		return "crypto"
	default:
		return "cancelled"
	}
}

// Disconnected reports the end of a session.
type Disconnected struct {
	Session SessionID
	Reason  DisconnectReason
	Detail  string
}

// MessageReceived carries one decrypted chat message.
type MessageReceived struct {
	Session   SessionID
	Body      []byte
	Timestamp time.Time
}

// MessageFailed reports a chat message that could not be processed.
type MessageFailed struct {
	Session SessionID
	Kind    ErrorKind
}

// FileOfferReceived reports a pending incoming file offer.
type FileOfferReceived struct {
	OfferID protocol.OfferID
	Session SessionID
	Meta    protocol.FileMeta
	// SaveName is the sender's advisory file name.
	SaveName string
}

// FileOfferRejected reports a rejected offer, local or remote.
type FileOfferRejected struct {
	OfferID protocol.OfferID
	Reason  protocol.RejectReason
}

// FileTransferProgress reports transferred compressed bytes.
type FileTransferProgress struct {
	OfferID          protocol.OfferID
	BytesTransferred uint64
	Total            uint64
}

// FileTransferCompleted reports a finished transfer; Path is set on the
// receiving side.
type FileTransferCompleted struct {
	OfferID protocol.OfferID
	Path    string
}

// FileTransferFailed reports a terminally failed transfer.
type FileTransferFailed struct {
	OfferID protocol.OfferID
	Kind    ErrorKind
}

// DiscoveredPeers carries the result of one discovery probe.
type DiscoveredPeers struct {
	Peers []discovery.Peer
}

// Error surfaces failures not tied to a specific message or transfer.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (SavedPeersLoaded) isEvent()      {}
func (ListenerStarted) isEvent()       {}
func (ListenerStopped) isEvent()       {}
func (Connecting) isEvent()            {}
func (Connected) isEvent()             {}
func (Disconnected) isEvent()          {}
func (MessageReceived) isEvent()       {}
func (MessageFailed) isEvent()         {}
func (FileOfferReceived) isEvent()     {}
func (FileOfferRejected) isEvent()     {}
func (FileTransferProgress) isEvent()  {}
func (FileTransferCompleted) isEvent() {}
func (FileTransferFailed) isEvent()    {}
func (DiscoveredPeers) isEvent()       {}
func (Error) isEvent()                 {}
