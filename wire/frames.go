// Package wire defines the newline-delimited JSON control frames shared by
// the chat client and the relay server. One frame per line; raw file bytes
// travel on the same stream between file_transfer_start and
// file_transfer_end and are never framed.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeAuth              = "auth"
	TypeRequestAuth       = "request_auth"
	TypeSystem            = "system"
	TypeError             = "error"
	TypeUserList          = "user_list"
	TypeRequestUsers      = "request_users"
	TypeGroup             = "group"
	TypeDirectMessage     = "dm"
	TypeFileTransferStart = "file_transfer_start"
	TypeFileTransferEnd   = "file_transfer_end"
)

const (
	// StatusSuccess is the file_transfer_end status for a completed send.
	StatusSuccess = "success"
	// StatusFailed is the file_transfer_end status for an aborted send.
	StatusFailed = "failed"
)

var (
	// ErrUnknownFrameType indicates a frame with an unrecognized type value.
	ErrUnknownFrameType = errors.New("wire: unknown frame type")
	// ErrMissingFrameType indicates a frame without a type discriminator.
	ErrMissingFrameType = errors.New("wire: missing frame type")
)

// Frame is the closed set of control frames carried on the stream.
type Frame interface {
	frameType() string
}

// Envelope identifies the frame type before full decoding.
type Envelope struct {
	Type string `json:"type"`
}

// Auth presents a credential token after connecting.
type Auth struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// RequestAuth is sent by the server to demand authentication.
type RequestAuth struct {
	Type string `json:"type"`
}

// System carries informational server notices.
type System struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Error carries a server-reported failure.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// UserList is the current set of connected usernames.
type UserList struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// RequestUsers asks the server for a fresh user list.
type RequestUsers struct {
	Type string `json:"type"`
}

// Group is a plaintext message fanned out to every connected user.
type Group struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// EncryptedPayload is the end-to-end encrypted envelope inside a DM. Each
// field is base64 encoded. No sequence number is transmitted, so replay of
// a captured envelope is not detected at this layer.
type EncryptedPayload struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	MAC        string `json:"mac"`
}

// DirectMessage is a one-to-one message. Message holds a placeholder for
// encrypted traffic; the real content rides in EncryptedData.
type DirectMessage struct {
	Type          string            `json:"type"`
	From          string            `json:"from"`
	To            string            `json:"to"`
	Message       string            `json:"message"`
	EncryptedData *EncryptedPayload `json:"encrypted_data,omitempty"`
	Timestamp     int64             `json:"timestamp,omitempty"`
	Sent          bool              `json:"sent,omitempty"`
}

// FileTransferStart announces an inline binary file transfer. All bytes
// that follow on the stream, up to FileSize in total, are raw file payload.
type FileTransferStart struct {
	Type      string `json:"type"`
	FileID    string `json:"file_id"`
	FileName  string `json:"file_name"`
	FileSize  int64  `json:"file_size"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Checksum  string `json:"checksum"`
	ChunkSize int    `json:"chunk_size,omitempty"`
}

// FileTransferEnd closes an inline file transfer and carries the checksum
// the receiver must verify before finalizing.
type FileTransferEnd struct {
	Type      string `json:"type"`
	FileID    string `json:"file_id"`
	Status    string `json:"status"`
	Checksum  string `json:"checksum,omitempty"`
	BytesSent int64  `json:"bytes_sent,omitempty"`
}

func (Auth) frameType() string              { return TypeAuth }
func (RequestAuth) frameType() string       { return TypeRequestAuth }
func (System) frameType() string            { return TypeSystem }
func (Error) frameType() string             { return TypeError }
func (UserList) frameType() string          { return TypeUserList }
func (RequestUsers) frameType() string      { return TypeRequestUsers }
func (Group) frameType() string             { return TypeGroup }
func (DirectMessage) frameType() string     { return TypeDirectMessage }
func (FileTransferStart) frameType() string { return TypeFileTransferStart }
func (FileTransferEnd) frameType() string   { return TypeFileTransferEnd }

// Encode marshals a frame and appends the newline delimiter.
func Encode(frame Frame) ([]byte, error) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", frame.frameType(), err)
	}
	return append(payload, '\n'), nil
}

// Decode parses one line into its concrete frame type. Unknown types are
// rejected explicitly rather than silently ignored.
func Decode(line []byte) (Frame, error) {
	var envelope Envelope
	if err := json.Unmarshal(line, &envelope); err != nil {
		return nil, fmt.Errorf("decode frame envelope: %w", err)
	}
	if envelope.Type == "" {
		return nil, ErrMissingFrameType
	}

	switch envelope.Type {
	case TypeAuth:
		return decodeAs[Auth](line)
	case TypeRequestAuth:
		return decodeAs[RequestAuth](line)
	case TypeSystem:
		return decodeAs[System](line)
	case TypeError:
		return decodeAs[Error](line)
	case TypeUserList:
		return decodeAs[UserList](line)
	case TypeRequestUsers:
		return decodeAs[RequestUsers](line)
	case TypeGroup:
		return decodeAs[Group](line)
	case TypeDirectMessage:
		return decodeAs[DirectMessage](line)
	case TypeFileTransferStart:
		return decodeAs[FileTransferStart](line)
	case TypeFileTransferEnd:
		return decodeAs[FileTransferEnd](line)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameType, envelope.Type)
	}
}

func decodeAs[T Frame](line []byte) (Frame, error) {
	var frame T
	if err := json.Unmarshal(line, &frame); err != nil {
		return nil, fmt.Errorf("decode %s frame: %w", frame.frameType(), err)
	}
	return frame, nil
}
