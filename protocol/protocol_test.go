package protocol

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"testing"
)

func sampleMeta() FileMeta {
	meta := FileMeta{
		Name:           "blob.bin",
		OriginalSize:   5 * 1024 * 1024,
		CompressedSize: 4 * 1024 * 1024,
		ChunkSize:      64 * 1024,
	}
	copy(meta.OfferID[:], []byte("0123456789abcdef"))
	for i := range meta.SHA256 {
		meta.SHA256[i] = byte(i)
	}
	return meta
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	nonce := [NonceSize]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	messages := []WireMessage{
		Text{Body: []byte("hello")},
		Ciphertext{Nonce: nonce, Sealed: []byte("sealed-bytes")},
		sampleMeta(),
		FileChunk{OfferID: sampleMeta().OfferID, Sequence: 7, Last: true, Payload: []byte("chunk")},
		Ack{OfferID: sampleMeta().OfferID, SequenceAcked: 42},
		Control{Message: Challenge{Salt: []byte("0123456789abcdef")}},
		Control{Message: Hello{Handle: "alice", X25519Pub: [32]byte{9}, PasswordProof: []byte("proof")}},
		Control{Message: Denied{Reason: DenyBadPassword}},
		Control{Message: Info{Kind: InfoPing, Detail: "control"}},
		Control{Message: FileOffer{Meta: sampleMeta(), SaveName: "blob.bin"}},
		Control{Message: FileAccept{OfferID: sampleMeta().OfferID}},
		Control{Message: FileReject{OfferID: sampleMeta().OfferID, Reason: RejectUserDeclined}},
	}

	for _, message := range messages {
		encoded, err := Encode(message)
		if err != nil {
			t.Fatalf("Encode(%T) failed: %v", message, err)
		}
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(%T) failed: %v", message, err)
		}
		if !reflect.DeepEqual(message, decoded) {
			t.Fatalf("round trip mismatch for %T:\n got %#v\nwant %#v", message, decoded, message)
		}
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	message := Control{Message: FileOffer{Meta: sampleMeta(), SaveName: "x"}}
	first, err := Encode(message)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	second, err := Encode(message)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("expected identical bytes for repeated encode")
	}
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	if _, err := Decode([]byte{0xff}); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
	if _, err := Decode([]byte{tagControl, 0xff}); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag for control tag, got %v", err)
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	encoded, err := Encode(Text{Body: []byte("hello world")})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	for cut := 1; cut < len(encoded); cut++ {
		if _, err := Decode(encoded[:cut]); !errors.Is(err, ErrTruncated) {
			t.Fatalf("expected ErrTruncated at cut %d, got %v", cut, err)
		}
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	encoded, err := Encode(Ack{SequenceAcked: 1})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if _, err := Decode(append(encoded, 0x00)); !errors.Is(err, ErrTrailingBytes) {
		t.Fatalf("expected ErrTrailingBytes, got %v", err)
	}
}

func TestDecodeLimitedEnforcesMessageCap(t *testing.T) {
	body := bytes.Repeat([]byte{'a'}, 32)
	encoded, err := Encode(Text{Body: body})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if _, err := DecodeLimited(encoded, len(body)); err != nil {
		t.Fatalf("expected body at the cap to pass, got %v", err)
	}
	if _, err := DecodeLimited(encoded, len(body)-1); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestEncodeOverheadBound(t *testing.T) {
	body := bytes.Repeat([]byte{'x'}, 1024)
	encoded, err := Encode(Text{Body: body})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	// Tag byte plus one u32 length prefix.
	if len(encoded) > 4+1+len(body) {
		t.Fatalf("encoded size %d exceeds bound %d", len(encoded), 4+1+len(body))
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	message := Control{Message: Info{Kind: InfoBye, Detail: "done"}}
	if err := WriteMessage(&buf, message); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	decoded, err := ReadMessage(&buf, 0)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if !reflect.DeepEqual(message, decoded) {
		t.Fatalf("frame round trip mismatch: %#v", decoded)
	}

	if _, err := ReadMessage(&buf, 0); err != io.EOF {
		t.Fatalf("expected io.EOF at stream end, got %v", err)
	}
}

func TestFrameSizeBoundary(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, make([]byte, MaxFrameBytes)); err != nil {
		t.Fatalf("frame at the cap should be accepted: %v", err)
	}
	if _, err := ReadFrame(&buf); err != nil {
		t.Fatalf("reading frame at the cap failed: %v", err)
	}

	if err := WriteFrame(io.Discard, make([]byte, MaxFrameBytes+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge on write, got %v", err)
	}

	oversized := []byte{0x01, 0x00, 0x00, 0x01} // 16 MiB + 1
	if _, err := ReadFrame(bytes.NewReader(oversized)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge on read, got %v", err)
	}
}
