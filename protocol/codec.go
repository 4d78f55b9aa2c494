package protocol

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes a WireMessage: one tag byte followed by length-prefixed
// fields in declaration order. The output is deterministic for a given message.
func Encode(message WireMessage) ([]byte, error) {
	w := &writer{}
	w.u8(message.wireTag())

	switch m := message.(type) {
	case Text:
		w.bytes(m.Body)
	case Ciphertext:
		w.raw(m.Nonce[:])
		w.bytes(m.Sealed)
	case FileMeta:
		encodeFileMeta(w, m)
	case FileChunk:
		w.raw(m.OfferID[:])
		w.u32(m.Sequence)
		w.bool(m.Last)
		w.bytes(m.Payload)
	case Ack:
		w.raw(m.OfferID[:])
		w.u32(m.SequenceAcked)
	case Control:
		if err := encodeControl(w, m.Message); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownTag, message)
	}

	return w.buf, nil
}

// Decode parses a WireMessage, rejecting unknown tags, truncated payloads, and
// trailing bytes.
func Decode(payload []byte) (WireMessage, error) {
	return DecodeLimited(payload, 0)
}

// DecodeLimited decodes like Decode but additionally rejects Text and
// Ciphertext bodies larger than maxMessageBytes (0 disables the cap).
func DecodeLimited(payload []byte, maxMessageBytes int) (WireMessage, error) {
	r := &reader{buf: payload}
	tag, err := r.u8()
	if err != nil {
		return nil, err
	}

	var message WireMessage
	switch tag {
	case tagText:
		body, err := r.bytes()
		if err != nil {
			return nil, err
		}
		if maxMessageBytes > 0 && len(body) > maxMessageBytes {
			return nil, ErrMessageTooLarge
		}
		message = Text{Body: body}
	case tagCiphertext:
		var m Ciphertext
		if err := r.raw(m.Nonce[:]); err != nil {
			return nil, err
		}
		if m.Sealed, err = r.bytes(); err != nil {
			return nil, err
		}
		if maxMessageBytes > 0 && len(m.Sealed) > maxMessageBytes+cipherOverhead {
			return nil, ErrMessageTooLarge
		}
		message = m
	case tagFileMeta:
		m, err := decodeFileMeta(r)
		if err != nil {
			return nil, err
		}
		message = m
	case tagFileChunk:
		var m FileChunk
		if err := r.raw(m.OfferID[:]); err != nil {
			return nil, err
		}
		if m.Sequence, err = r.u32(); err != nil {
			return nil, err
		}
		if m.Last, err = r.bool(); err != nil {
			return nil, err
		}
		if m.Payload, err = r.bytes(); err != nil {
			return nil, err
		}
		message = m
	case tagAck:
		var m Ack
		if err := r.raw(m.OfferID[:]); err != nil {
			return nil, err
		}
		if m.SequenceAcked, err = r.u32(); err != nil {
			return nil, err
		}
		message = m
	case tagControl:
		control, err := decodeControl(r)
		if err != nil {
			return nil, err
		}
		message = Control{Message: control}
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, tag)
	}

	if r.remaining() != 0 {
		return nil, ErrTrailingBytes
	}
	return message, nil
}

// cipherOverhead is the Poly1305 tag appended by the AEAD seal.
const cipherOverhead = 16

func encodeFileMeta(w *writer, m FileMeta) {
	w.raw(m.OfferID[:])
	w.str(m.Name)
	w.u64(m.OriginalSize)
	w.u64(m.CompressedSize)
	w.u32(m.ChunkSize)
	w.raw(m.SHA256[:])
}

func decodeFileMeta(r *reader) (FileMeta, error) {
	var m FileMeta
	var err error
	if err = r.raw(m.OfferID[:]); err != nil {
		return FileMeta{}, err
	}
	if m.Name, err = r.str(); err != nil {
		return FileMeta{}, err
	}
	if m.OriginalSize, err = r.u64(); err != nil {
		return FileMeta{}, err
	}
	if m.CompressedSize, err = r.u64(); err != nil {
		return FileMeta{}, err
	}
	if m.ChunkSize, err = r.u32(); err != nil {
		return FileMeta{}, err
	}
	if err = r.raw(m.SHA256[:]); err != nil {
		return FileMeta{}, err
	}
	return m, nil
}

func encodeControl(w *writer, control ControlMessage) error {
	w.u8(control.controlTag())

	switch c := control.(type) {
	case Challenge:
		w.bytes(c.Salt)
	case Hello:
		w.str(c.Handle)
		w.raw(c.X25519Pub[:])
		w.bytes(c.PasswordProof)
	case Denied:
		w.u8(uint8(c.Reason))
	case Info:
		w.u8(uint8(c.Kind))
		w.str(c.Detail)
	case FileOffer:
		encodeFileMeta(w, c.Meta)
		w.str(c.SaveName)
	case FileAccept:
		w.raw(c.OfferID[:])
	case FileReject:
		w.raw(c.OfferID[:])
		w.u8(uint8(c.Reason))
	default:
		return fmt.Errorf("%w: %T", ErrUnknownTag, control)
	}
	return nil
}

func decodeControl(r *reader) (ControlMessage, error) {
	tag, err := r.u8()
	if err != nil {
		return nil, err
	}

	switch tag {
	case ctrlChallenge:
		salt, err := r.bytes()
		if err != nil {
			return nil, err
		}
		return Challenge{Salt: salt}, nil
	case ctrlHello:
		var c Hello
		if c.Handle, err = r.str(); err != nil {
			return nil, err
		}
		if err = r.raw(c.X25519Pub[:]); err != nil {
			return nil, err
		}
		if c.PasswordProof, err = r.bytes(); err != nil {
			return nil, err
		}
		return c, nil
	case ctrlDenied:
		reason, err := r.u8()
		if err != nil {
			return nil, err
		}
		return Denied{Reason: DenyReason(reason)}, nil
	case ctrlInfo:
		var c Info
		kind, err := r.u8()
		if err != nil {
			return nil, err
		}
		c.Kind = InfoKind(kind)
		if c.Detail, err = r.str(); err != nil {
			return nil, err
		}
		return c, nil
	case ctrlFileOffer:
		meta, err := decodeFileMeta(r)
		if err != nil {
			return nil, err
		}
		saveName, err := r.str()
		if err != nil {
			return nil, err
		}
		return FileOffer{Meta: meta, SaveName: saveName}, nil
	case ctrlFileAccept:
		var c FileAccept
		if err := r.raw(c.OfferID[:]); err != nil {
			return nil, err
		}
		return c, nil
	case ctrlFileReject:
		var c FileReject
		if err := r.raw(c.OfferID[:]); err != nil {
			return nil, err
		}
		reason, err := r.u8()
		if err != nil {
			return nil, err
		}
		c.Reason = RejectReason(reason)
		return c, nil
	default:
		return nil, fmt.Errorf("%w: control 0x%02x", ErrUnknownTag, tag)
	}
}

type writer struct {
	buf []byte
}

func (w *writer) u8(v byte) {
	w.buf = append(w.buf, v)
}

func (w *writer) u32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *writer) u64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) raw(v []byte) {
	w.buf = append(w.buf, v...)
}

func (w *writer) bytes(v []byte) {
	w.u32(uint32(len(v)))
	w.raw(v)
}

func (w *writer) str(v string) {
	w.u32(uint32(len(v)))
	w.buf = append(w.buf, v...)
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) u8() (byte, error) {
	if r.remaining() < 1 {
		return 0, ErrTruncated
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) bool() (bool, error) {
	v, err := r.u8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (r *reader) raw(dst []byte) error {
	if r.remaining() < len(dst) {
		return ErrTruncated
	}
	copy(dst, r.buf[r.off:])
	r.off += len(dst)
	return nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(r.remaining()) {
		return nil, ErrTruncated
	}
	v := make([]byte, n)
	copy(v, r.buf[r.off:])
	r.off += int(n)
	return v, nil
}

func (r *reader) str() (string, error) {
	v, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(v), nil
}
