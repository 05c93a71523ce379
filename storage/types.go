package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// TransferStatusPending marks a transfer announced but not yet moving bytes.
	TransferStatusPending = "pending"
	// TransferStatusTransferring marks a transfer with bytes in flight.
	TransferStatusTransferring = "transferring"
	// TransferStatusComplete marks a verified, finalized transfer.
	TransferStatusComplete = "complete"
	// TransferStatusFailed marks an aborted or unverifiable transfer.
	TransferStatusFailed = "failed"
)

const (
	// DirectionSend marks a transfer originated locally.
	DirectionSend = "send"
	// DirectionReceive marks a transfer originated by a peer.
	DirectionReceive = "receive"
)

// IdentityKey is the SQLite representation of a user's long-term key pair.
// Key material is stored base64 encoded.
type IdentityKey struct {
	Username   string
	PrivateKey string
	PublicKey  string
	CreatedAt  int64
}

// TransferRecord is the SQLite representation of one file transfer.
type TransferRecord struct {
	FileID         string
	Sender         string
	Receiver       string
	FileName       string
	FileSize       int64
	StoredPath     string
	Checksum       string
	Direction      string
	TransferStatus string
	UpdatedAt      int64
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusPending, TransferStatusTransferring, TransferStatusComplete, TransferStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func validateDirection(direction string) error {
	switch direction {
	case DirectionSend, DirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
