package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteFrame writes one length-prefixed frame: u32 big-endian length || body.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameBytes {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame. A clean EOF before the header
// returns io.EOF; EOF mid-frame returns io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// WriteMessage encodes and writes one framed WireMessage.
func WriteMessage(w io.Writer, message WireMessage) error {
	payload, err := Encode(message)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadMessage reads one framed WireMessage. maxMessageBytes bounds Text and
// Ciphertext bodies; 0 disables the cap.
func ReadMessage(r io.Reader, maxMessageBytes int) (WireMessage, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeLimited(payload, maxMessageBytes)
}
