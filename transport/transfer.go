package transport

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sajilochat/storage"
	"sajilochat/wire"
)

// TransferState is the lifecycle state of the inbound side of Transfers.
type TransferState string

const (
	StateIdle         TransferState = "idle"
	StatePreparing    TransferState = "preparing"
	StateTransferring TransferState = "transferring"
	StateVerifying    TransferState = "verifying"
	StateComplete     TransferState = "complete"
	StateFailed       TransferState = "failed"
	StateDisposed     TransferState = "disposed"
)

const (
	// DefaultChunkSize is the outbound chunk size for file payload writes.
	DefaultChunkSize = 64 * 1024
	// DefaultTransferTimeout resets a stalled inbound transfer.
	DefaultTransferTimeout = 30 * time.Second
	// DefaultSettleDelay gives the receiver time to switch into byte mode
	// before payload follows the start frame.
	DefaultSettleDelay = 200 * time.Millisecond

	directionSend    = "send"
	directionReceive = "receive"

	// finalSizeTolerance absorbs filesystem buffering artifacts when the
	// on-disk size is checked against the declared size at finalization.
	finalSizeTolerance = 4 * 1024

	flushEveryChunks = 8
	sendYield        = 5 * time.Millisecond
)

var (
	// ErrIntegrity indicates the received file's checksum did not match the
	// sender's declared checksum. The partial file is deleted.
	ErrIntegrity = errors.New("transport: file checksum mismatch")
	// ErrTransferTimeout indicates no payload arrived within the timeout
	// window. The partial file is deleted and state resets to idle.
	ErrTransferTimeout = errors.New("transport: file transfer timed out")
	// ErrTransferBusy indicates a transfer is already active in that direction.
	ErrTransferBusy = errors.New("transport: transfer already in progress")
	// ErrNoTransfer indicates a frame or chunk arrived with no active transfer.
	ErrNoTransfer = errors.New("transport: no active file transfer")
)

// TransferProgress reports incremental transfer totals to the progress callback.
type TransferProgress struct {
	FileID    string
	FileName  string
	Peer      string
	Direction string
	Bytes     int64
	Total     int64
}

// TransferResult reports a finished transfer to the completion callback.
type TransferResult struct {
	FileID    string
	FileName  string
	Peer      string
	Path      string
	Direction string
}

// Fraction returns bytes/total clamped to [0, 1].
func (p TransferProgress) Fraction() float64 {
	if p.Total <= 0 {
		return 0
	}
	f := float64(p.Bytes) / float64(p.Total)
	if f > 1 {
		f = 1
	}
	return f
}

// TransferOptions configures Transfers. Zero values fall back to
// defaults. Callbacks fire on the transfer's own processing path and
// must not call back into Transfers.
type TransferOptions struct {
	Username    string
	DownloadDir string
	ChunkSize   int
	Timeout     time.Duration
	SettleDelay time.Duration

	// Store is optional; when set, transfer records are persisted through it.
	Store *storage.Store

	OnProgress func(TransferProgress)
	OnComplete func(TransferResult)
	OnError    func(error)
}

type inboundTransfer struct {
	fileID   string
	fileName string
	sender   string
	checksum string
	total    int64
	received int64

	sink     *os.File
	partPath string
	destPath string
	hasher   hash.Hash
	timer    *time.Timer
}

// Transfers owns the file transfer state machine for one stream. Inbound
// payload routing is decided by Receiving: while an inbound transfer is
// active the demultiplexer forwards raw bytes here instead of scanning
// them for control frames.
type Transfers struct {
	socket  Socket
	options TransferOptions

	mu       sync.Mutex
	state    TransferState
	inbound  *inboundTransfer
	sending  bool
	disposed bool
	// generation is bumped on every timer arm. An expired timer that was
	// waiting on mu while a chunk re-armed carries a stale generation and
	// must not fail the transfer.
	generation uint64
}

// NewTransfers builds a Transfers writing payload to socket.
func NewTransfers(socket Socket, options TransferOptions) *Transfers {
	if options.ChunkSize <= 0 {
		options.ChunkSize = DefaultChunkSize
	}
	if options.Timeout <= 0 {
		options.Timeout = DefaultTransferTimeout
	}
	if options.SettleDelay <= 0 {
		options.SettleDelay = DefaultSettleDelay
	}
	return &Transfers{
		socket:  socket,
		options: options,
		state:   StateIdle,
	}
}

// State returns the inbound state machine's current state.
func (t *Transfers) State() TransferState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Receiving reports whether inbound bytes are file payload. The
// demultiplexer polls this before routing every chunk.
func (t *Transfers) Receiving() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inbound != nil && (t.state == StatePreparing || t.state == StateTransferring)
}

// SendFile streams the file at sourcePath to receiver: a start frame, the
// raw payload in fixed-size chunks, then an end frame carrying the
// checksum. It blocks until the stream is fully written or fails, and
// returns the transfer's file ID.
func (t *Transfers) SendFile(sourcePath, receiver string) (string, error) {
	if strings.TrimSpace(sourcePath) == "" {
		return "", errors.New("transport: source path is required")
	}

	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return "", errors.New("transport: transfers disposed")
	}
	if t.sending {
		t.mu.Unlock()
		return "", ErrTransferBusy
	}
	t.sending = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.sending = false
		t.mu.Unlock()
	}()

	info, err := os.Stat(sourcePath)
	if err != nil {
		return "", fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return "", errors.New("transport: source path must be a file")
	}

	checksum, err := fileChecksumHex(sourcePath)
	if err != nil {
		return "", err
	}

	fileID := uuid.NewString()
	fileName := filepath.Base(sourcePath)

	start := wire.FileTransferStart{
		Type:      wire.TypeFileTransferStart,
		FileID:    fileID,
		FileName:  fileName,
		FileSize:  info.Size(),
		Sender:    t.options.Username,
		Receiver:  receiver,
		Checksum:  checksum,
		ChunkSize: t.options.ChunkSize,
	}
	if err := t.writeFrame(start); err != nil {
		return "", err
	}
	t.recordTransfer(storage.TransferRecord{
		FileID:         fileID,
		Sender:         t.options.Username,
		Receiver:       receiver,
		FileName:       fileName,
		FileSize:       info.Size(),
		StoredPath:     sourcePath,
		Checksum:       checksum,
		Direction:      storage.DirectionSend,
		TransferStatus: storage.TransferStatusTransferring,
	})

	// The receiver must flip into byte mode before payload arrives.
	if t.options.SettleDelay > 0 {
		time.Sleep(t.options.SettleDelay)
	}

	bytesSent, err := t.streamFile(sourcePath, fileID, fileName, receiver, info.Size())
	if err != nil {
		t.updateStatus(fileID, storage.TransferStatusFailed)
		endErr := t.writeFrame(wire.FileTransferEnd{
			Type:   wire.TypeFileTransferEnd,
			FileID: fileID,
			Status: wire.StatusFailed,
		})
		if endErr != nil {
			return "", errors.Join(err, endErr)
		}
		return "", err
	}

	end := wire.FileTransferEnd{
		Type:      wire.TypeFileTransferEnd,
		FileID:    fileID,
		Status:    wire.StatusSuccess,
		Checksum:  checksum,
		BytesSent: bytesSent,
	}
	if err := t.writeFrame(end); err != nil {
		t.updateStatus(fileID, storage.TransferStatusFailed)
		return "", err
	}
	t.updateStatus(fileID, storage.TransferStatusComplete)
	t.emitComplete(TransferResult{
		FileID:    fileID,
		FileName:  fileName,
		Peer:      receiver,
		Path:      sourcePath,
		Direction: directionSend,
	})
	return fileID, nil
}

func (t *Transfers) streamFile(sourcePath, fileID, fileName, receiver string, total int64) (int64, error) {
	file, err := os.Open(sourcePath)
	if err != nil {
		return 0, fmt.Errorf("open source file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	buf := make([]byte, t.options.ChunkSize)
	var sent int64
	chunks := 0
	for {
		n, readErr := file.Read(buf)
		if n > 0 {
			if err := t.socket.Write(buf[:n]); err != nil {
				return sent, err
			}
			sent += int64(n)
			chunks++
			t.emitProgress(TransferProgress{
				FileID:    fileID,
				FileName:  fileName,
				Peer:      receiver,
				Direction: directionSend,
				Bytes:     sent,
				Total:     total,
			})
			if chunks%flushEveryChunks == 0 {
				if err := t.socket.Flush(); err != nil {
					return sent, err
				}
				time.Sleep(sendYield)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return sent, fmt.Errorf("read source file: %w", readErr)
		}
	}
	if err := t.socket.Flush(); err != nil {
		return sent, err
	}
	return sent, nil
}

// Begin starts the receiver path for an announced transfer: allocate the
// destination sink, arm the timeout timer, and switch into byte mode.
func (t *Transfers) Begin(start wire.FileTransferStart) error {
	if start.FileID == "" || start.FileName == "" || start.FileSize < 0 {
		return fmt.Errorf("transport: invalid file_transfer_start for %q", start.FileID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return nil
	}
	if t.inbound != nil {
		return fmt.Errorf("%w: file %q", ErrTransferBusy, t.inbound.fileID)
	}

	t.state = StatePreparing

	if err := os.MkdirAll(t.options.DownloadDir, 0o700); err != nil {
		t.state = StateIdle
		return fmt.Errorf("create download directory: %w", err)
	}
	destPath := filepath.Join(t.options.DownloadDir, prefixedFilename(start.FileID, start.FileName))
	partPath := destPath + ".part"
	sink, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		t.state = StateIdle
		return fmt.Errorf("open download sink: %w", err)
	}

	in := &inboundTransfer{
		fileID:   start.FileID,
		fileName: start.FileName,
		sender:   start.Sender,
		checksum: start.Checksum,
		total:    start.FileSize,
		sink:     sink,
		partPath: partPath,
		destPath: destPath,
		hasher:   sha256.New(),
	}
	t.inbound = in
	t.generation++
	in.timer = t.armTimeoutLocked(t.generation)
	t.state = StateTransferring

	t.recordTransfer(storage.TransferRecord{
		FileID:         start.FileID,
		Sender:         start.Sender,
		Receiver:       t.options.Username,
		FileName:       start.FileName,
		FileSize:       start.FileSize,
		StoredPath:     destPath,
		Checksum:       start.Checksum,
		Direction:      storage.DirectionReceive,
		TransferStatus: storage.TransferStatusTransferring,
	})

	// A zero-length file has no payload run; wait in verifying for the
	// end frame.
	if in.total == 0 {
		t.state = StateVerifying
	}
	return nil
}

// Consume writes payload bytes to the active sink, capped at the
// remaining expected count. Bytes beyond that count are not file payload;
// they are returned so the caller can resume control-frame parsing.
func (t *Transfers) Consume(b []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return nil, nil
	}
	in := t.inbound
	if in == nil || t.state != StateTransferring {
		return nil, ErrNoTransfer
	}

	remaining := in.total - in.received
	payload := b
	var leftover []byte
	if int64(len(b)) > remaining {
		payload = b[:remaining]
		leftover = b[remaining:]
	}

	if len(payload) > 0 {
		if _, err := in.sink.Write(payload); err != nil {
			writeErr := fmt.Errorf("write file chunk: %w", err)
			t.failLocked(writeErr)
			return leftover, writeErr
		}
		_, _ = in.hasher.Write(payload)
		in.received += int64(len(payload))

		// Stop alone is not enough: the old timer may already have fired
		// and be blocked on mu, so re-arming must also move the generation
		// past it.
		in.timer.Stop()
		t.generation++
		in.timer = t.armTimeoutLocked(t.generation)

		t.emitProgressLocked(TransferProgress{
			FileID:    in.fileID,
			FileName:  in.fileName,
			Peer:      in.sender,
			Direction: directionReceive,
			Bytes:     in.received,
			Total:     in.total,
		})
	}

	if in.received >= in.total {
		t.state = StateVerifying
	}
	return leftover, nil
}

// Finish finalizes the inbound transfer on its end frame. Checksum
// verification is gated here so the declared checksum travels with the
// frame that closes the payload run.
func (t *Transfers) Finish(end wire.FileTransferEnd) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return nil
	}
	in := t.inbound
	if in == nil {
		return fmt.Errorf("%w: file %q", ErrNoTransfer, end.FileID)
	}
	if end.FileID != "" && end.FileID != in.fileID {
		return fmt.Errorf("transport: file_transfer_end for %q does not match active transfer %q", end.FileID, in.fileID)
	}

	if end.Status != wire.StatusSuccess {
		err := fmt.Errorf("transport: sender aborted transfer %q", in.fileID)
		t.failLocked(err)
		return err
	}
	if in.received < in.total {
		err := fmt.Errorf("transport: transfer %q ended short: %d of %d bytes", in.fileID, in.received, in.total)
		t.failLocked(err)
		return err
	}

	declared := end.Checksum
	if declared == "" {
		declared = in.checksum
	}
	computed := hex.EncodeToString(in.hasher.Sum(nil))
	if !strings.EqualFold(computed, declared) {
		err := fmt.Errorf("%w: file %q", ErrIntegrity, in.fileID)
		t.failLocked(err)
		return err
	}

	if err := in.sink.Sync(); err != nil {
		failErr := fmt.Errorf("flush download sink: %w", err)
		t.failLocked(failErr)
		return failErr
	}
	if err := in.sink.Close(); err != nil {
		in.sink = nil
		failErr := fmt.Errorf("close download sink: %w", err)
		t.failLocked(failErr)
		return failErr
	}
	in.sink = nil

	info, err := os.Stat(in.partPath)
	if err != nil {
		failErr := fmt.Errorf("stat received file: %w", err)
		t.failLocked(failErr)
		return failErr
	}
	if diff := info.Size() - in.total; diff < 0 || diff > finalSizeTolerance {
		failErr := fmt.Errorf("transport: received file size %d does not match declared %d", info.Size(), in.total)
		t.failLocked(failErr)
		return failErr
	}

	if err := os.Rename(in.partPath, in.destPath); err != nil {
		failErr := fmt.Errorf("finalize received file: %w", err)
		t.failLocked(failErr)
		return failErr
	}

	in.timer.Stop()
	t.generation++
	t.state = StateComplete
	t.inbound = nil
	t.updateStatus(in.fileID, storage.TransferStatusComplete)
	t.emitCompleteLocked(TransferResult{
		FileID:    in.fileID,
		FileName:  in.fileName,
		Peer:      in.sender,
		Path:      in.destPath,
		Direction: directionReceive,
	})
	t.state = StateIdle
	return nil
}

// Dispose tears down the state machine. Open sinks are closed, partial
// files deleted, timers cancelled; no callback fires after disposal.
func (t *Transfers) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return
	}
	t.disposed = true
	t.generation++
	if in := t.inbound; in != nil {
		in.timer.Stop()
		t.discardPartialLocked(in)
		t.inbound = nil
	}
	t.state = StateDisposed
}

func (t *Transfers) armTimeoutLocked(generation uint64) *time.Timer {
	return time.AfterFunc(t.options.Timeout, func() {
		t.timeoutExpired(generation)
	})
}

func (t *Transfers) timeoutExpired(generation uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed || generation != t.generation || t.inbound == nil {
		return
	}
	t.failLocked(fmt.Errorf("%w: file %q", ErrTransferTimeout, t.inbound.fileID))
}

// failLocked aborts the inbound transfer: partial data is discarded, the
// error is surfaced, and the machine resets to idle.
func (t *Transfers) failLocked(cause error) {
	in := t.inbound
	if in == nil {
		return
	}
	in.timer.Stop()
	t.generation++
	t.discardPartialLocked(in)
	t.inbound = nil
	t.state = StateFailed
	t.updateStatus(in.fileID, storage.TransferStatusFailed)
	t.emitErrorLocked(cause)
	t.state = StateIdle
}

func (t *Transfers) discardPartialLocked(in *inboundTransfer) {
	if in.sink != nil {
		_ = in.sink.Close()
		in.sink = nil
	}
	if err := os.Remove(in.partPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		t.emitErrorLocked(fmt.Errorf("remove partial file: %w", err))
	}
}

func (t *Transfers) writeFrame(frame wire.Frame) error {
	payload, err := wire.Encode(frame)
	if err != nil {
		return err
	}
	if err := t.socket.Write(payload); err != nil {
		return err
	}
	return t.socket.Flush()
}

func (t *Transfers) recordTransfer(record storage.TransferRecord) {
	if t.options.Store == nil {
		return
	}
	if err := t.options.Store.SaveTransfer(record); err != nil {
		log.Printf("transport: record transfer %q: %v", record.FileID, err)
	}
}

func (t *Transfers) updateStatus(fileID, status string) {
	if t.options.Store == nil {
		return
	}
	if err := t.options.Store.UpdateTransferStatus(fileID, status); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Printf("transport: update transfer %q status: %v", fileID, err)
	}
}

func (t *Transfers) emitProgress(progress TransferProgress) {
	t.mu.Lock()
	disposed := t.disposed
	t.mu.Unlock()
	if disposed || t.options.OnProgress == nil {
		return
	}
	t.options.OnProgress(progress)
}

func (t *Transfers) emitProgressLocked(progress TransferProgress) {
	if t.disposed || t.options.OnProgress == nil {
		return
	}
	t.options.OnProgress(progress)
}

func (t *Transfers) emitComplete(result TransferResult) {
	t.mu.Lock()
	disposed := t.disposed
	t.mu.Unlock()
	if disposed || t.options.OnComplete == nil {
		return
	}
	t.options.OnComplete(result)
}

func (t *Transfers) emitCompleteLocked(result TransferResult) {
	if t.disposed || t.options.OnComplete == nil {
		return
	}
	t.options.OnComplete(result)
}

func (t *Transfers) emitErrorLocked(err error) {
	if t.disposed || t.options.OnError == nil {
		return
	}
	t.options.OnError(err)
}

func fileChecksumHex(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func prefixedFilename(fileID, filename string) string {
	base := filepath.Base(filename)
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "file.bin"
	}
	return fileID + "_" + base
}
