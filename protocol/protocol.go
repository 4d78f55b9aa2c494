// Package protocol defines the dezap wire messages exchanged on QUIC streams
// and their deterministic binary encoding.
package protocol

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	// Version is the current wire protocol version.
	Version = 1
	// MaxFrameBytes is the maximum accepted frame payload size (16 MiB).
	MaxFrameBytes = 16 * 1024 * 1024
	// NonceSize is the ChaCha20-Poly1305 nonce length carried in Ciphertext.
	NonceSize = 12
	// OfferIDSize is the length of a file transfer offer identifier.
	OfferIDSize = 16
)

var (
	// ErrFrameTooLarge indicates a frame payload exceeds MaxFrameBytes.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds max size")
	// ErrMessageTooLarge indicates a Text/Ciphertext body exceeds the configured cap.
	ErrMessageTooLarge = errors.New("protocol: message exceeds configured cap")
	// ErrUnknownTag indicates an unrecognized message or control tag.
	ErrUnknownTag = errors.New("protocol: unknown tag")
	// ErrTruncated indicates the payload ended before a field was complete.
	ErrTruncated = errors.New("protocol: truncated payload")
	// ErrTrailingBytes indicates extra bytes after a complete message.
	ErrTrailingBytes = errors.New("protocol: trailing bytes after message")
)

// OfferID uniquely names a pending file transfer within a session.
type OfferID [OfferIDSize]byte

// NewOfferID returns a random 128-bit offer identifier.
func NewOfferID() (OfferID, error) {
	raw, err := uuid.NewRandom()
	if err != nil {
		return OfferID{}, fmt.Errorf("generate offer id: %w", err)
	}
	return OfferID(raw), nil
}

// String renders the offer id in canonical UUID form.
func (id OfferID) String() string {
	return uuid.UUID(id).String()
}

// WireMessage is the top-level tagged frame exchanged on QUIC streams.
type WireMessage interface {
	wireTag() byte
}

// Text is a plaintext chat payload, used only when encryption is disabled.
type Text struct {
	Body []byte
}

// Ciphertext is the standard sealed chat envelope.
type Ciphertext struct {
	Nonce  [NonceSize]byte
	Sealed []byte
}

// FileMeta describes the compressed byte stream of one file transfer.
type FileMeta struct {
	OfferID        OfferID
	Name           string
	OriginalSize   uint64
	CompressedSize uint64
	ChunkSize      uint32
	SHA256         [32]byte
}

// FileChunk carries one block of compressed file bytes.
type FileChunk struct {
	OfferID  OfferID
	Sequence uint32
	Last     bool
	Payload  []byte
}

// Ack confirms receipt of a transfer up to SequenceAcked.
type Ack struct {
	OfferID       OfferID
	SequenceAcked uint32
}

// Control wraps a ControlMessage for the top-level frame.
type Control struct {
	Message ControlMessage
}

func (Text) wireTag() byte       { return tagText }
func (Ciphertext) wireTag() byte { return tagCiphertext }
func (FileMeta) wireTag() byte   { return tagFileMeta }
func (FileChunk) wireTag() byte  { return tagFileChunk }
func (Ack) wireTag() byte        { return tagAck }
func (Control) wireTag() byte    { return tagControl }

// ControlMessage is a session control payload carried inside Control frames.
type ControlMessage interface {
	controlTag() byte
}

// Challenge is the pre-Hello frame sent by the acceptor. Salt is 16 random
// bytes when the listener requires a password and empty otherwise.
type Challenge struct {
	Salt []byte
}

// Hello announces the local handle and the ephemeral X25519 public key.
// PasswordProof is present only when answering a non-empty Challenge salt.
type Hello struct {
	Handle        string
	X25519Pub     [32]byte
	PasswordProof []byte
}

// DenyReason explains a Denied control message.
type DenyReason uint8

const (
	DenyBadPassword DenyReason = iota
	DenyIncompatible
	DenyBusy
)

func (r DenyReason) String() string {
	switch r {
	case DenyBadPassword:
		return "bad password"
	case DenyIncompatible:
		return "incompatible"
	case DenyBusy:
		return "busy"
	default:
		return fmt.Sprintf("deny(%d)", uint8(r))
	}
}

// Denied refuses a handshake and precedes connection close.
type Denied struct {
	Reason DenyReason
}

// InfoKind classifies Info control messages.
type InfoKind uint8

const (
	InfoPing InfoKind = iota
	InfoBye
)

// Info carries keepalives and graceful-close notices.
type Info struct {
	Kind   InfoKind
	Detail string
}

// FileOffer proposes a transfer; SaveName is an advisory file name.
type FileOffer struct {
	Meta     FileMeta
	SaveName string
}

// FileAccept approves a pending offer.
type FileAccept struct {
	OfferID OfferID
}

// RejectReason explains a FileReject.
type RejectReason uint8

const (
	RejectUserDeclined RejectReason = iota
	RejectTooLarge
	RejectUnsupported
)

func (r RejectReason) String() string {
	switch r {
	case RejectUserDeclined:
		return "user declined"
	case RejectTooLarge:
		return "too large"
	case RejectUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("reject(%d)", uint8(r))
	}
}

// FileReject declines a pending offer.
type FileReject struct {
	OfferID OfferID
	Reason  RejectReason
}

func (Challenge) controlTag() byte  { return ctrlChallenge }
func (Hello) controlTag() byte      { return ctrlHello }
func (Denied) controlTag() byte     { return ctrlDenied }
func (Info) controlTag() byte       { return ctrlInfo }
func (FileOffer) controlTag() byte  { return ctrlFileOffer }
func (FileAccept) controlTag() byte { return ctrlFileAccept }
func (FileReject) controlTag() byte { return ctrlFileReject }

const (
	tagText       byte = 0x01
	tagCiphertext byte = 0x02
	tagFileMeta   byte = 0x03
	tagFileChunk  byte = 0x04
	tagAck        byte = 0x05
	tagControl    byte = 0x06
)

const (
	ctrlChallenge  byte = 0x01
	ctrlHello      byte = 0x02
	ctrlDenied     byte = 0x03
	ctrlInfo       byte = 0x04
	ctrlFileOffer  byte = 0x05
	ctrlFileAccept byte = 0x06
	ctrlFileReject byte = 0x07
)
