// Package storage persists the saved-peer registry and the encrypted per-peer
// chat history.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// SavedPeer is a peer the service has handshaken with; retained across runs.
type SavedPeer struct {
	Handle      string `json:"handle"`
	Addr        string `json:"addr"`
	FirstSeenMs int64  `json:"first_seen_ms"`
	LastSeenMs  int64  `json:"last_seen_ms"`
}

// PeerRegistry maintains the saved-peer set, keyed by handle, and mirrors it
// to disk on every change.
type PeerRegistry struct {
	path string

	mu    sync.Mutex
	peers map[string]SavedPeer
}

// OpenPeerRegistry loads peers.json, tolerating a missing file.
func OpenPeerRegistry(path string) (*PeerRegistry, error) {
	registry := &PeerRegistry{
		path:  path,
		peers: make(map[string]SavedPeer),
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return registry, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read peers file: %w", err)
	}
	if len(raw) == 0 {
		return registry, nil
	}

	var peers []SavedPeer
	if err := json.Unmarshal(raw, &peers); err != nil {
		return nil, fmt.Errorf("parse peers file: %w", err)
	}
	for _, peer := range peers {
		registry.peers[peer.Handle] = peer
	}

	return registry, nil
}

// List returns the saved peers sorted by handle.
func (r *PeerRegistry) List() []SavedPeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedLocked()
}

// Upsert records a successful handshake with a peer and rewrites the file.
// Saved peers are never auto-removed.
func (r *PeerRegistry) Upsert(handle, addr string, now time.Time) ([]SavedPeer, error) {
	if handle == "" {
		return nil, errors.New("storage: peer handle is required")
	}

	r.mu.Lock()
	nowMs := now.UnixMilli()
	peer, exists := r.peers[handle]
	if !exists {
		peer = SavedPeer{Handle: handle, FirstSeenMs: nowMs}
	}
	peer.Addr = addr
	peer.LastSeenMs = nowMs
	r.peers[handle] = peer
	peers := r.sortedLocked()
	r.mu.Unlock()

	if err := writeFileAtomic(r.path, encodePeers(peers)); err != nil {
		return nil, err
	}
	return peers, nil
}

func (r *PeerRegistry) sortedLocked() []SavedPeer {
	peers := make([]SavedPeer, 0, len(r.peers))
	for _, peer := range r.peers {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Handle < peers[j].Handle
	})
	return peers
}

func encodePeers(peers []SavedPeer) []byte {
	// MarshalIndent over the sorted slice keeps output byte-identical for
	// equal registries.
	raw, err := json.MarshalIndent(peers, "", "  ")
	if err != nil {
		// SavedPeer has no unmarshalable fields.
		panic(fmt.Sprintf("storage: encode peers: %v", err))
	}
	return append(raw, '\n')
}

// writeFileAtomic writes via a temp file, fsyncs, and renames into place.
func writeFileAtomic(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open %q: %w", tmp, err)
	}

	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write %q: %w", tmp, err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync %q: %w", tmp, err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close %q: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %q: %w", tmp, err)
	}
	return nil
}
