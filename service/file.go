package service

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/quic-go/quic-go"

	"dezap/protocol"
	"dezap/storage"
	"dezap/transport"
)

const (
	// offerResponseTimeout bounds how long a sender waits for accept/reject
	// and for the final ack.
	offerResponseTimeout = 120 * time.Second
	// progressInterval and progressBytes throttle progress events.
	progressInterval = 100 * time.Millisecond
	progressBytes    = 1 * 1024 * 1024
)

type transferState uint8

const (
	transferOffered transferState = iota
	transferAccepted
	transferStreaming
)

// transfer tracks one pending file offer, incoming or outgoing.
type transfer struct {
	offerID  protocol.OfferID
	sess     *session
	outgoing bool
	meta     protocol.FileMeta
	saveName string

	mu     sync.Mutex
	state  transferState
	target string

	// Outgoing transfers wait on these; buffered so the resolvers never block.
	decision chan protocol.ControlMessage
	finalAck chan protocol.Ack
}

func (s *Service) registerTransfer(tr *transfer) {
	s.mu.Lock()
	s.transfers[tr.offerID] = tr
	s.mu.Unlock()
}

func (s *Service) dropTransfer(offerID protocol.OfferID) {
	s.mu.Lock()
	delete(s.transfers, offerID)
	s.mu.Unlock()
}

func (s *Service) transfer(offerID protocol.OfferID) *transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transfers[offerID]
}

// resolveOffer delivers a FileAccept or FileReject to the waiting sender.
func (s *Service) resolveOffer(offerID protocol.OfferID, message protocol.ControlMessage) {
	tr := s.transfer(offerID)
	if tr == nil || !tr.outgoing {
		return
	}
	select {
	case tr.decision <- message:
	default:
	}
}

// resolveAck delivers the receiver's final ack to the waiting sender.
func (s *Service) resolveAck(ack protocol.Ack) {
	tr := s.transfer(ack.OfferID)
	if tr == nil || !tr.outgoing {
		return
	}
	select {
	case tr.finalAck <- ack:
	default:
	}
}

// runFileSend drives the sender path: compress, offer, await accept, stream
// chunks, await the final ack.
func (s *Service) runFileSend(sess *session, path string) {
	offerID, err := protocol.NewOfferID()
	if err != nil {
		s.emit(Error{Kind: ErrorInternal, Detail: err.Error()})
		return
	}

	scratch, meta, err := s.compressToScratch(offerID, path)
	if err != nil {
		s.emit(FileTransferFailed{OfferID: offerID, Kind: ErrorFileSystem})
		s.log.Warn().Err(err).Str("path", path).Msg("file compression failed")
		return
	}
	defer os.Remove(scratch)

	tr := &transfer{
		offerID:  offerID,
		sess:     sess,
		outgoing: true,
		meta:     meta,
		saveName: meta.Name,
		state:    transferOffered,
		decision: make(chan protocol.ControlMessage, 1),
		finalAck: make(chan protocol.Ack, 1),
	}
	s.registerTransfer(tr)
	defer s.dropTransfer(offerID)

	if err := sess.sendControl(protocol.FileOffer{Meta: meta, SaveName: meta.Name}); err != nil {
		s.emit(FileTransferFailed{OfferID: offerID, Kind: ErrorTransport})
		return
	}

	select {
	case message := <-tr.decision:
		if rejected, ok := message.(protocol.FileReject); ok {
			s.emit(FileOfferRejected{OfferID: offerID, Reason: rejected.Reason})
			s.emit(FileTransferFailed{OfferID: offerID, Kind: ErrorDenied})
			return
		}
	case <-time.After(offerResponseTimeout):
		s.emit(FileTransferFailed{OfferID: offerID, Kind: ErrorTimeout})
		return
	case <-sess.done:
		s.emit(FileTransferFailed{OfferID: offerID, Kind: ErrorCancelled})
		return
	}

	if err := s.streamFile(sess, tr, scratch); err != nil {
		s.emit(FileTransferFailed{OfferID: offerID, Kind: ErrorTransport})
		s.log.Warn().Err(err).Msg("file stream failed")
		return
	}

	select {
	case <-tr.finalAck:
		s.emit(FileTransferCompleted{OfferID: offerID})
		s.appendHistory(storage.HistoryEntry{
			Timestamp:  time.Now(),
			Direction:  storage.DirectionOutgoing,
			PeerHandle: sess.remoteHandle,
			Kind:       storage.KindFileNotice,
			Payload:    []byte(meta.Name),
		})
	case <-time.After(offerResponseTimeout):
		s.emit(FileTransferFailed{OfferID: offerID, Kind: ErrorTimeout})
	case <-sess.done:
		s.emit(FileTransferFailed{OfferID: offerID, Kind: ErrorCancelled})
	}
}

// compressToScratch gzips the file into the temp dir and hashes the
// compressed bytes.
func (s *Service) compressToScratch(offerID protocol.OfferID, path string) (string, protocol.FileMeta, error) {
	source, err := os.Open(path)
	if err != nil {
		return "", protocol.FileMeta{}, fmt.Errorf("open source file: %w", err)
	}
	defer source.Close()

	info, err := source.Stat()
	if err != nil {
		return "", protocol.FileMeta{}, fmt.Errorf("stat source file: %w", err)
	}

	scratch, err := os.CreateTemp("", "dezap-send-*")
	if err != nil {
		return "", protocol.FileMeta{}, fmt.Errorf("create scratch file: %w", err)
	}

	hash := sha256.New()
	compressor := gzip.NewWriter(io.MultiWriter(scratch, hash))
	if _, err := io.Copy(compressor, source); err != nil {
		scratch.Close()
		os.Remove(scratch.Name())
		return "", protocol.FileMeta{}, fmt.Errorf("compress source file: %w", err)
	}
	if err := compressor.Close(); err != nil {
		scratch.Close()
		os.Remove(scratch.Name())
		return "", protocol.FileMeta{}, fmt.Errorf("finish compression: %w", err)
	}

	compressedSize, err := scratch.Seek(0, io.SeekCurrent)
	if err2 := scratch.Close(); err == nil {
		err = err2
	}
	if err != nil {
		os.Remove(scratch.Name())
		return "", protocol.FileMeta{}, fmt.Errorf("finalize scratch file: %w", err)
	}

	meta := protocol.FileMeta{
		OfferID:        offerID,
		Name:           filepath.Base(path),
		OriginalSize:   uint64(info.Size()),
		CompressedSize: uint64(compressedSize),
		ChunkSize:      uint32(s.settings.Limits.ChunkSizeBytes),
	}
	copy(meta.SHA256[:], hash.Sum(nil))
	return scratch.Name(), meta, nil
}

// streamFile writes the staged compressed bytes as ordered chunks on a fresh
// unidirectional stream.
func (s *Service) streamFile(sess *session, tr *transfer, scratch string) error {
	source, err := os.Open(scratch)
	if err != nil {
		return fmt.Errorf("open scratch file: %w", err)
	}
	defer source.Close()

	stream, err := sess.conn.OpenUniStreamSync(sess.conn.Context())
	if err != nil {
		return fmt.Errorf("open data stream: %w", err)
	}

	// Redundant meta frame lets the receiver sanity-check the stream.
	if err := protocol.WriteMessage(stream, tr.meta); err != nil {
		return fmt.Errorf("write file meta: %w", err)
	}

	meter := s.newProgressMeter(tr.offerID, tr.meta.CompressedSize)
	chunkSize := uint64(tr.meta.ChunkSize)
	remaining := tr.meta.CompressedSize
	buf := make([]byte, chunkSize)

	var sent uint64
	for seq := uint32(0); ; seq++ {
		n := chunkSize
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(source, buf[:n]); err != nil {
			return fmt.Errorf("read scratch chunk: %w", err)
		}

		remaining -= n
		last := remaining == 0
		chunk := protocol.FileChunk{
			OfferID:  tr.offerID,
			Sequence: seq,
			Last:     last,
			Payload:  buf[:n],
		}
		if err := protocol.WriteMessage(stream, chunk); err != nil {
			return fmt.Errorf("write file chunk: %w", err)
		}

		sent += n
		meter.update(sent, last)
		if last {
			break
		}
	}

	if err := stream.Close(); err != nil {
		return fmt.Errorf("close data stream: %w", err)
	}
	return nil
}

// handleFileOffer registers an incoming offer or rejects it outright when the
// announced size exceeds the configured cap.
func (s *Service) handleFileOffer(sess *session, offer protocol.FileOffer) {
	offerID := offer.Meta.OfferID
	if offer.Meta.OriginalSize > uint64(s.settings.Limits.MaxFileBytes) {
		_ = sess.sendControl(protocol.FileReject{OfferID: offerID, Reason: protocol.RejectTooLarge})
		s.emit(FileOfferRejected{OfferID: offerID, Reason: protocol.RejectTooLarge})
		return
	}

	tr := &transfer{
		offerID:  offerID,
		sess:     sess,
		meta:     offer.Meta,
		saveName: offer.SaveName,
		state:    transferOffered,
	}
	s.registerTransfer(tr)
	s.emit(FileOfferReceived{
		OfferID:  offerID,
		Session:  sess.id,
		Meta:     offer.Meta,
		SaveName: offer.SaveName,
	})
}

// acceptFile claims the offer, validates the target path, and replies
// FileAccept. The state transition happens under the lock; filesystem and
// network I/O happen outside it.
func (s *Service) acceptFile(offerID protocol.OfferID, targetPath string) error {
	tr := s.transfer(offerID)
	if tr == nil || tr.outgoing {
		return reject(ErrorInternal, "no pending offer %s", offerID)
	}

	tr.mu.Lock()
	if tr.state != transferOffered {
		tr.mu.Unlock()
		return reject(ErrorInternal, "offer %s already resolved", offerID)
	}
	tr.state = transferAccepted
	tr.target = targetPath
	tr.mu.Unlock()

	if err := ensureWritable(targetPath); err != nil {
		s.dropTransfer(offerID)
		_ = tr.sess.sendControl(protocol.FileReject{OfferID: offerID, Reason: protocol.RejectUnsupported})
		s.emit(FileOfferRejected{OfferID: offerID, Reason: protocol.RejectUnsupported})
		return reject(ErrorFileSystem, "target not writable: %v", err)
	}

	if err := tr.sess.sendControl(protocol.FileAccept{OfferID: offerID}); err != nil {
		return reject(ErrorTransport, "send accept: %v", err)
	}
	return nil
}

// declineFile replies FileReject{UserDeclined} and drops the pending offer.
func (s *Service) declineFile(offerID protocol.OfferID) error {
	tr := s.transfer(offerID)
	if tr == nil || tr.outgoing {
		return reject(ErrorInternal, "no pending offer %s", offerID)
	}
	s.dropTransfer(offerID)
	if err := tr.sess.sendControl(protocol.FileReject{OfferID: offerID, Reason: protocol.RejectUserDeclined}); err != nil {
		return reject(ErrorTransport, "send reject: %v", err)
	}
	return nil
}

// receiveFileData drains one data stream into staging, verifies the digest,
// decompresses into the target, and acks.
func (s *Service) receiveFileData(sess *session, meta protocol.FileMeta, stream quic.ReceiveStream) {
	offerID := meta.OfferID
	tr := s.transfer(offerID)
	if tr == nil || tr.outgoing {
		stream.CancelRead(quic.StreamErrorCode(transport.CloseCodeProtocol))
		return
	}
	// The stream's meta frame only routes; sizes and digest come from the
	// offer the cap check ran against.
	meta = tr.meta

	tr.mu.Lock()
	if tr.state != transferAccepted {
		tr.mu.Unlock()
		stream.CancelRead(quic.StreamErrorCode(transport.CloseCodeProtocol))
		return
	}
	tr.state = transferStreaming
	target := tr.target
	tr.mu.Unlock()
	defer s.dropTransfer(offerID)

	fail := func(kind ErrorKind, detail string) {
		stream.CancelRead(quic.StreamErrorCode(transport.CloseCodeProtocol))
		s.emit(FileTransferFailed{OfferID: offerID, Kind: kind})
		s.log.Warn().Str("offer", offerID.String()).Str("detail", detail).Msg("incoming transfer failed")
	}

	stagingDir := filepath.Join(s.settings.Paths.DownloadDir, ".staging")
	if err := os.MkdirAll(stagingDir, 0o700); err != nil {
		fail(ErrorFileSystem, err.Error())
		return
	}
	stagingPath := filepath.Join(stagingDir, offerID.String())
	staging, err := os.OpenFile(stagingPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		fail(ErrorFileSystem, err.Error())
		return
	}
	defer os.Remove(stagingPath)

	hash := sha256.New()
	meter := s.newProgressMeter(offerID, meta.CompressedSize)

	var received uint64
	expected := uint32(0)
	for {
		msg, err := protocol.ReadMessage(stream, 0)
		if err != nil {
			staging.Close()
			fail(ErrorTransport, err.Error())
			return
		}
		chunk, ok := msg.(protocol.FileChunk)
		if !ok || chunk.OfferID != offerID {
			staging.Close()
			fail(ErrorProtocol, fmt.Sprintf("unexpected frame %T", msg))
			return
		}
		if chunk.Sequence != expected {
			staging.Close()
			fail(ErrorProtocol, fmt.Sprintf("chunk %d out of order, expected %d", chunk.Sequence, expected))
			return
		}
		expected++

		received += uint64(len(chunk.Payload))
		if received > meta.CompressedSize {
			staging.Close()
			fail(ErrorProtocol, "more bytes than announced")
			return
		}
		if _, err := staging.Write(chunk.Payload); err != nil {
			staging.Close()
			fail(ErrorFileSystem, err.Error())
			return
		}
		hash.Write(chunk.Payload)
		meter.update(received, chunk.Last)

		if chunk.Last {
			break
		}
	}
	if err := staging.Close(); err != nil {
		fail(ErrorFileSystem, err.Error())
		return
	}

	if received != meta.CompressedSize || !bytes.Equal(hash.Sum(nil), meta.SHA256[:]) {
		fail(ErrorIntegrity, "compressed digest mismatch")
		return
	}

	if err := decompressInto(stagingPath, target, meta.OriginalSize); err != nil {
		kind := ErrorFileSystem
		if errors.Is(err, errInflateOverrun) {
			kind = ErrorIntegrity
		}
		fail(kind, err.Error())
		return
	}

	// Final ack on its own reverse stream; control carries Control frames only.
	ackStream, err := sess.conn.OpenUniStreamSync(sess.conn.Context())
	if err == nil {
		_ = protocol.WriteMessage(ackStream, protocol.Ack{OfferID: offerID, SequenceAcked: expected - 1})
		_ = ackStream.Close()
	}

	s.emit(FileTransferCompleted{OfferID: offerID, Path: target})
	s.appendHistory(storage.HistoryEntry{
		Timestamp:  time.Now(),
		Direction:  storage.DirectionIncoming,
		PeerHandle: sess.remoteHandle,
		Kind:       storage.KindFileNotice,
		Payload:    []byte(filepath.Base(target)),
	})
}

// errInflateOverrun marks a gzip stream expanding past the announced size.
var errInflateOverrun = errors.New("service: decompressed stream exceeds announced size")

// decompressInto streams the gzip payload into <target>.part and renames it
// into place. The output is capped at maxBytes; anything past it means the
// announced original size was a lie.
func decompressInto(compressedPath, target string, maxBytes uint64) error {
	source, err := os.Open(compressedPath)
	if err != nil {
		return fmt.Errorf("open staged file: %w", err)
	}
	defer source.Close()

	decompressor, err := gzip.NewReader(source)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}

	part := target + ".part"
	out, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open %q: %w", part, err)
	}

	written, err := io.Copy(out, io.LimitReader(decompressor, int64(maxBytes)+1))
	if err != nil {
		out.Close()
		os.Remove(part)
		return fmt.Errorf("decompress into %q: %w", part, err)
	}
	if written > int64(maxBytes) {
		out.Close()
		os.Remove(part)
		return errInflateOverrun
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(part)
		return fmt.Errorf("sync %q: %w", part, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(part)
		return fmt.Errorf("close %q: %w", part, err)
	}
	if err := os.Rename(part, target); err != nil {
		os.Remove(part)
		return fmt.Errorf("rename into %q: %w", target, err)
	}
	return nil
}

func ensureWritable(target string) error {
	if dir := filepath.Dir(target); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	probe, err := os.OpenFile(target+".part", os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	if err := probe.Close(); err != nil {
		return err
	}
	return os.Remove(target + ".part")
}

// progressMeter rate-limits FileTransferProgress events to one per 100 ms or
// 1 MiB, whichever comes first.
type progressMeter struct {
	svc       *Service
	offerID   protocol.OfferID
	total     uint64
	lastAt    time.Time
	lastBytes uint64
}

func (s *Service) newProgressMeter(offerID protocol.OfferID, total uint64) *progressMeter {
	return &progressMeter{svc: s, offerID: offerID, total: total}
}

func (m *progressMeter) update(transferred uint64, force bool) {
	if !force && time.Since(m.lastAt) < progressInterval && transferred-m.lastBytes < progressBytes {
		return
	}
	m.lastAt = time.Now()
	m.lastBytes = transferred
	m.svc.emit(FileTransferProgress{
		OfferID:          m.offerID,
		BytesTransferred: transferred,
		Total:            m.total,
	})
}
