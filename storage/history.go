package storage

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// HistoryKeyFile holds the 32-byte history key under the history dir.
	HistoryKeyFile = "history.key"
	// historyKeySize is the ChaCha20-Poly1305 key length.
	historyKeySize = chacha20poly1305.KeySize
	// historyNonceSize is the per-record random nonce length.
	historyNonceSize = chacha20poly1305.NonceSize
)

// Direction marks whether a history entry was sent or received.
type Direction uint8

const (
	DirectionOutgoing Direction = 0
	DirectionIncoming Direction = 1
)

// PayloadKind classifies the history payload.
type PayloadKind uint8

const (
	KindText       PayloadKind = 0
	KindFileNotice PayloadKind = 1
)

// HistoryEntry is one persisted chat or file-notice record.
type HistoryEntry struct {
	Timestamp  time.Time
	Direction  Direction
	PeerHandle string
	Kind       PayloadKind
	Payload    []byte
}

// ErrHistoryEntryCorrupt marks a frame that failed to decode or decrypt.
var ErrHistoryEntryCorrupt = errors.New("storage: corrupt history entry")

// HistoryStore appends encrypted entries to one log file per peer.
//
// Record layout: u32 big-endian length || nonce || ciphertext, where the
// plaintext is the gzip-compressed binary encoding of the entry. All logs
// share the key stored at <history-dir>/history.key.
type HistoryStore struct {
	dir string
	key []byte
	log zerolog.Logger

	mu sync.Mutex
}

// OpenHistoryStore loads the history key, creating it with owner-only
// permissions on first use.
func OpenHistoryStore(dir string, log zerolog.Logger) (*HistoryStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	key, err := loadOrCreateHistoryKey(filepath.Join(dir, HistoryKeyFile))
	if err != nil {
		return nil, err
	}

	return &HistoryStore{
		dir: dir,
		key: key,
		log: log.With().Str("component", "history").Logger(),
	}, nil
}

// Append encrypts and appends one entry to the peer's log.
func (s *HistoryStore) Append(entry HistoryEntry) error {
	if entry.PeerHandle == "" {
		return errors.New("storage: history entry requires a peer handle")
	}

	plaintext, err := compressEntry(entry)
	if err != nil {
		return err
	}

	nonce := make([]byte, historyNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate history nonce: %w", err)
	}

	aead, err := chacha20poly1305.New(s.key)
	if err != nil {
		return fmt.Errorf("create history cipher: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	record := make([]byte, 0, 4+len(nonce)+len(ciphertext))
	record = binary.BigEndian.AppendUint32(record, uint32(len(nonce)+len(ciphertext)))
	record = append(record, nonce...)
	record = append(record, ciphertext...)

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.logPath(entry.PeerHandle), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open history log: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(record); err != nil {
		return fmt.Errorf("append history entry: %w", err)
	}
	return nil
}

// Read decrypts all entries for a peer. Unreadable frames are skipped with a
// warning and counted; they never abort the read.
func (s *HistoryStore) Read(peerHandle string) (entries []HistoryEntry, skipped int, err error) {
	raw, err := os.ReadFile(s.logPath(peerHandle))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read history log: %w", err)
	}

	aead, err := chacha20poly1305.New(s.key)
	if err != nil {
		return nil, 0, fmt.Errorf("create history cipher: %w", err)
	}

	offset := 0
	for offset < len(raw) {
		if len(raw)-offset < 4 {
			s.log.Warn().Str("peer", peerHandle).Msg("truncated history frame header")
			skipped++
			break
		}
		length := int(binary.BigEndian.Uint32(raw[offset:]))
		offset += 4

		if length < historyNonceSize || length > len(raw)-offset {
			s.log.Warn().Str("peer", peerHandle).Msg("truncated history frame body")
			skipped++
			break
		}
		frame := raw[offset : offset+length]
		offset += length

		nonce := frame[:historyNonceSize]
		plaintext, err := aead.Open(nil, nonce, frame[historyNonceSize:], nil)
		if err != nil {
			s.log.Warn().Str("peer", peerHandle).Msg("undecryptable history frame skipped")
			skipped++
			continue
		}

		entry, err := decompressEntry(plaintext)
		if err != nil {
			s.log.Warn().Str("peer", peerHandle).Err(err).Msg("undecodable history frame skipped")
			skipped++
			continue
		}
		entries = append(entries, entry)
	}

	return entries, skipped, nil
}

func (s *HistoryStore) logPath(peerHandle string) string {
	return filepath.Join(s.dir, sanitizeHandle(peerHandle)+".log.enc")
}

func sanitizeHandle(handle string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, handle)
}

func loadOrCreateHistoryKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != historyKeySize {
			return nil, fmt.Errorf("storage: history key has invalid size %d", len(raw))
		}
		return raw, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read history key: %w", err)
	}

	key := make([]byte, historyKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate history key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write history key: %w", err)
	}
	return key, nil
}

func compressEntry(entry HistoryEntry) ([]byte, error) {
	encoded := encodeEntry(entry)

	var buf bytes.Buffer
	compressor := gzip.NewWriter(&buf)
	if _, err := compressor.Write(encoded); err != nil {
		return nil, fmt.Errorf("compress history entry: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return nil, fmt.Errorf("finish history compression: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressEntry(compressed []byte) (HistoryEntry, error) {
	decompressor, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("%w: %v", ErrHistoryEntryCorrupt, err)
	}
	encoded, err := io.ReadAll(decompressor)
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("%w: %v", ErrHistoryEntryCorrupt, err)
	}
	return decodeEntry(encoded)
}

// encodeEntry uses the wire codec conventions: big-endian integers and
// length-prefixed variable fields, millisecond timestamps.
func encodeEntry(entry HistoryEntry) []byte {
	buf := make([]byte, 0, 16+len(entry.PeerHandle)+len(entry.Payload))
	buf = binary.BigEndian.AppendUint64(buf, uint64(entry.Timestamp.UnixMilli()))
	buf = append(buf, byte(entry.Direction))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(entry.PeerHandle)))
	buf = append(buf, entry.PeerHandle...)
	buf = append(buf, byte(entry.Kind))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(entry.Payload)))
	buf = append(buf, entry.Payload...)
	return buf
}

func decodeEntry(encoded []byte) (HistoryEntry, error) {
	var entry HistoryEntry
	offset := 0

	need := func(n int) bool { return len(encoded)-offset >= n }
	if !need(9) {
		return HistoryEntry{}, ErrHistoryEntryCorrupt
	}
	entry.Timestamp = time.UnixMilli(int64(binary.BigEndian.Uint64(encoded[offset:]))).UTC()
	offset += 8
	entry.Direction = Direction(encoded[offset])
	offset++

	if !need(4) {
		return HistoryEntry{}, ErrHistoryEntryCorrupt
	}
	handleLen := int(binary.BigEndian.Uint32(encoded[offset:]))
	offset += 4
	if !need(handleLen) {
		return HistoryEntry{}, ErrHistoryEntryCorrupt
	}
	entry.PeerHandle = string(encoded[offset : offset+handleLen])
	offset += handleLen

	if !need(5) {
		return HistoryEntry{}, ErrHistoryEntryCorrupt
	}
	entry.Kind = PayloadKind(encoded[offset])
	offset++
	payloadLen := int(binary.BigEndian.Uint32(encoded[offset:]))
	offset += 4
	if !need(payloadLen) || len(encoded)-offset != payloadLen {
		return HistoryEntry{}, ErrHistoryEntryCorrupt
	}
	entry.Payload = append([]byte(nil), encoded[offset:offset+payloadLen]...)

	return entry, nil
}
