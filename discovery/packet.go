// Package discovery implements LAN peer discovery over UDP broadcast.
package discovery

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Version is the discovery packet version.
	Version = 1
	// QueryIDSize is the length of the query identifier.
	QueryIDSize = 8
	// maxHandleBytes bounds the handle field (u8 length prefix).
	maxHandleBytes = 255
)

// magic opens every discovery packet.
var magic = []byte("DEZAP\x00")

// ErrInvalidPacket marks a datagram that is not a well-formed discovery packet.
var ErrInvalidPacket = errors.New("discovery: invalid packet")

// QueryID correlates a query with its responses.
type QueryID [QueryIDSize]byte

// NewQueryID returns a random query identifier.
func NewQueryID() (QueryID, error) {
	var id QueryID
	if _, err := rand.Read(id[:]); err != nil {
		return QueryID{}, fmt.Errorf("generate query id: %w", err)
	}
	return id, nil
}

// Query is a broadcast probe for peers.
type Query struct {
	ID     QueryID
	Handle string
}

// Response answers a query with the responder's listener port.
type Response struct {
	ID           QueryID
	ListenerPort uint16
	Handle       string
}

// EncodeQuery serializes a query packet.
func EncodeQuery(q Query) ([]byte, error) {
	if len(q.Handle) > maxHandleBytes {
		return nil, fmt.Errorf("discovery: handle too long (%d bytes)", len(q.Handle))
	}
	buf := make([]byte, 0, len(magic)+1+QueryIDSize+1+len(q.Handle))
	buf = append(buf, magic...)
	buf = append(buf, Version)
	buf = append(buf, q.ID[:]...)
	buf = append(buf, byte(len(q.Handle)))
	buf = append(buf, q.Handle...)
	return buf, nil
}

// EncodeResponse serializes a response packet.
func EncodeResponse(r Response) ([]byte, error) {
	if len(r.Handle) > maxHandleBytes {
		return nil, fmt.Errorf("discovery: handle too long (%d bytes)", len(r.Handle))
	}
	buf := make([]byte, 0, len(magic)+1+QueryIDSize+2+1+len(r.Handle))
	buf = append(buf, magic...)
	buf = append(buf, Version)
	buf = append(buf, r.ID[:]...)
	buf = binary.BigEndian.AppendUint16(buf, r.ListenerPort)
	buf = append(buf, byte(len(r.Handle)))
	buf = append(buf, r.Handle...)
	return buf, nil
}

// DecodeQuery parses a query packet. Responses and malformed datagrams return
// ErrInvalidPacket.
func DecodeQuery(packet []byte) (Query, error) {
	body, err := stripHeader(packet)
	if err != nil {
		return Query{}, err
	}
	var q Query
	copy(q.ID[:], body)
	handle, rest, err := readHandle(body[QueryIDSize:])
	if err != nil || len(rest) != 0 {
		return Query{}, ErrInvalidPacket
	}
	q.Handle = handle
	return q, nil
}

// DecodeResponse parses a response packet.
func DecodeResponse(packet []byte) (Response, error) {
	body, err := stripHeader(packet)
	if err != nil {
		return Response{}, err
	}
	var r Response
	copy(r.ID[:], body)
	body = body[QueryIDSize:]
	if len(body) < 2 {
		return Response{}, ErrInvalidPacket
	}
	r.ListenerPort = binary.BigEndian.Uint16(body)
	handle, rest, err := readHandle(body[2:])
	if err != nil || len(rest) != 0 {
		return Response{}, ErrInvalidPacket
	}
	r.Handle = handle
	return r, nil
}

func stripHeader(packet []byte) ([]byte, error) {
	if len(packet) < len(magic)+1+QueryIDSize {
		return nil, ErrInvalidPacket
	}
	if !bytes.Equal(packet[:len(magic)], magic) {
		return nil, ErrInvalidPacket
	}
	if packet[len(magic)] != Version {
		return nil, ErrInvalidPacket
	}
	return packet[len(magic)+1:], nil
}

func readHandle(body []byte) (string, []byte, error) {
	if len(body) < 1 {
		return "", nil, ErrInvalidPacket
	}
	length := int(body[0])
	if len(body)-1 < length {
		return "", nil, ErrInvalidPacket
	}
	return string(body[1 : 1+length]), body[1+length:], nil
}
