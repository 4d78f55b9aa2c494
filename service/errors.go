package service

import "fmt"

// ErrorKind classifies failures surfaced to collaborators.
type ErrorKind uint8

const (
	ErrorConfiguration ErrorKind = iota
	ErrorTransport
	ErrorHandshake
	ErrorCrypto
	ErrorProtocol
	ErrorTooLarge
	ErrorIntegrity
	ErrorFileSystem
	ErrorDenied
	ErrorTimeout
	ErrorCancelled
	ErrorInternal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorConfiguration:
		return "configuration"
	case ErrorTransport:
		return "transport"
	case ErrorHandshake:
		return "handshake"
	case ErrorCrypto:
		return "crypto"
	case ErrorProtocol:
		return "protocol"
	case ErrorTooLarge:
		return "too-large"
	case ErrorIntegrity:
		return "integrity"
	case ErrorFileSystem:
		return "filesystem"
	case ErrorDenied:
		return "denied"
	case ErrorTimeout:
		return "timeout"
	case ErrorCancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// KindError pairs an ErrorKind with a description; command rejections and
// Error events carry it.
type KindError struct {
	Kind   ErrorKind
	Detail string
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func reject(kind ErrorKind, format string, args ...any) *KindError {
	return &KindError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
