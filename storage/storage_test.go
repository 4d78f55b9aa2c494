package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPeerRegistryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")

	registry, err := OpenPeerRegistry(path)
	if err != nil {
		t.Fatalf("OpenPeerRegistry failed: %v", err)
	}

	now := time.UnixMilli(1_700_000_000_000)
	if _, err := registry.Upsert("zoe", "192.168.1.9:5000", now); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if _, err := registry.Upsert("alice", "192.168.1.4:5000", now.Add(time.Second)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	// Re-handshake updates addr and last-seen, keeps first-seen.
	peers, err := registry.Upsert("zoe", "192.168.1.10:5000", now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	want := []SavedPeer{
		{Handle: "alice", Addr: "192.168.1.4:5000", FirstSeenMs: now.Add(time.Second).UnixMilli(), LastSeenMs: now.Add(time.Second).UnixMilli()},
		{Handle: "zoe", Addr: "192.168.1.10:5000", FirstSeenMs: now.UnixMilli(), LastSeenMs: now.Add(2 * time.Second).UnixMilli()},
	}
	if !reflect.DeepEqual(peers, want) {
		t.Fatalf("unexpected peers after upsert: %+v", peers)
	}

	reopened, err := OpenPeerRegistry(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if !reflect.DeepEqual(reopened.List(), want) {
		t.Fatalf("unexpected peers after reload: %+v", reopened.List())
	}
}

func TestPeerRegistryWritesAreDeterministic(t *testing.T) {
	dir := t.TempDir()
	now := time.UnixMilli(1_700_000_000_000)

	write := func(name string, order []string) []byte {
		path := filepath.Join(dir, name)
		registry, err := OpenPeerRegistry(path)
		if err != nil {
			t.Fatalf("OpenPeerRegistry failed: %v", err)
		}
		for _, handle := range order {
			if _, err := registry.Upsert(handle, handle+".lan:5000", now); err != nil {
				t.Fatalf("Upsert failed: %v", err)
			}
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read peers file: %v", err)
		}
		return raw
	}

	first := write("a.json", []string{"carol", "alice", "bob"})
	second := write("b.json", []string{"bob", "carol", "alice"})
	if !bytes.Equal(first, second) {
		t.Fatalf("equal registries produced different files:\n%s\n%s", first, second)
	}
}

func TestPeerRegistryToleratesMissingFile(t *testing.T) {
	registry, err := OpenPeerRegistry(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("OpenPeerRegistry failed: %v", err)
	}
	if got := registry.List(); len(got) != 0 {
		t.Fatalf("expected empty registry, got %+v", got)
	}
}

func TestHistoryAppendReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenHistoryStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenHistoryStore failed: %v", err)
	}

	entries := []HistoryEntry{
		{
			Timestamp:  time.UnixMilli(1_700_000_000_000).UTC(),
			Direction:  DirectionOutgoing,
			PeerHandle: "alice",
			Kind:       KindText,
			Payload:    []byte("hello alice"),
		},
		{
			Timestamp:  time.UnixMilli(1_700_000_001_500).UTC(),
			Direction:  DirectionIncoming,
			PeerHandle: "alice",
			Kind:       KindFileNotice,
			Payload:    []byte("photo.jpg"),
		},
	}
	for _, entry := range entries {
		if err := store.Append(entry); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	got, skipped, err := store.Read("alice")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if skipped != 0 {
		t.Fatalf("expected no skipped entries, got %d", skipped)
	}
	if !reflect.DeepEqual(got, entries) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, entries)
	}

	// A second store over the same dir reuses the key.
	reopened, err := OpenHistoryStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, _, err = reopened.Read("alice")
	if err != nil {
		t.Fatalf("Read after reopen failed: %v", err)
	}
	if !reflect.DeepEqual(got, entries) {
		t.Fatalf("round trip after reopen mismatch: %+v", got)
	}
}

func TestHistoryReadSkipsCorruptFrames(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenHistoryStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenHistoryStore failed: %v", err)
	}

	good := HistoryEntry{
		Timestamp:  time.UnixMilli(1_700_000_000_000).UTC(),
		Direction:  DirectionOutgoing,
		PeerHandle: "bob",
		Kind:       KindText,
		Payload:    []byte("first"),
	}
	if err := store.Append(good); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// Flip a ciphertext byte in the first record; the second stays intact.
	path := store.logPath("bob")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	raw[len(raw)-1] ^= 0x01
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("rewrite log: %v", err)
	}

	second := good
	second.Payload = []byte("second")
	if err := store.Append(second); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	entries, skipped, err := store.Read("bob")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if skipped != 1 {
		t.Fatalf("expected 1 skipped frame, got %d", skipped)
	}
	if len(entries) != 1 || !bytes.Equal(entries[0].Payload, []byte("second")) {
		t.Fatalf("expected only the intact entry, got %+v", entries)
	}
}

func TestHistoryReadMissingPeerIsEmpty(t *testing.T) {
	store, err := OpenHistoryStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenHistoryStore failed: %v", err)
	}
	entries, skipped, err := store.Read("nobody")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(entries) != 0 || skipped != 0 {
		t.Fatalf("expected empty history, got %d entries %d skipped", len(entries), skipped)
	}
}

func TestSanitizeHandleKeepsLogsInDirectory(t *testing.T) {
	if got := sanitizeHandle("../evil/peer"); got != ".._evil_peer" {
		t.Fatalf("unexpected sanitized handle %q", got)
	}
	if got := sanitizeHandle("alice-01_x.y"); got != "alice-01_x.y" {
		t.Fatalf("expected passthrough, got %q", got)
	}
}
