package transport

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"sajilochat/session"
	"sajilochat/storage"
	"sajilochat/wire"
)

const encryptedPlaceholder = "[encrypted]"

// SessionCallbacks surface inbound traffic and failures to the caller.
// Nil callbacks are skipped.
type SessionCallbacks struct {
	OnGroupMessage  func(from, message string, timestamp int64)
	OnDirectMessage func(from, message string, timestamp int64)
	// OnDecryptFailure fires when a DM cannot be decrypted; the message is
	// surfaced as undecryptable rather than dropped silently.
	OnDecryptFailure   func(from string, err error)
	OnSystem           func(message string)
	OnUserList         func(users []string)
	OnTransferProgress func(TransferProgress)
	OnTransferComplete func(TransferResult)
	OnError            func(error)
}

// SessionOptions configures a ChatSession.
type SessionOptions struct {
	Username    string
	AuthToken   string
	DownloadDir string

	ChunkSize       int
	TransferTimeout time.Duration
	SettleDelay     time.Duration

	// Store is optional; when set, file transfer records are persisted.
	Store *storage.Store

	Callbacks SessionCallbacks
}

// ChatSession binds the key manager, transfer state machine, and stream
// demultiplexer to one server connection. Inbound chunks are processed
// strictly in arrival order through HandleChunk.
type ChatSession struct {
	socket  Socket
	keys    *session.Manager
	options SessionOptions

	transfers *Transfers
	demux     *Demultiplexer

	closer interface{ Close() error }

	closeOnce sync.Once
	done      chan struct{}
}

// NewChatSession builds a session on an established socket. The key
// manager must already be initialized for options.Username.
func NewChatSession(socket Socket, keys *session.Manager, options SessionOptions) (*ChatSession, error) {
	if strings.TrimSpace(options.Username) == "" {
		return nil, errors.New("transport: username is required")
	}
	if socket == nil {
		return nil, errors.New("transport: socket is required")
	}

	cs := &ChatSession{
		socket:  socket,
		keys:    keys,
		options: options,
		done:    make(chan struct{}),
	}
	cs.transfers = NewTransfers(socket, TransferOptions{
		Username:    options.Username,
		DownloadDir: options.DownloadDir,
		ChunkSize:   options.ChunkSize,
		Timeout:     options.TransferTimeout,
		SettleDelay: options.SettleDelay,
		Store:       options.Store,
		OnProgress:  options.Callbacks.OnTransferProgress,
		OnComplete:  options.Callbacks.OnTransferComplete,
		OnError:     cs.reportError,
	})
	dispatch := DispatchToSession(cs.transfers, cs.handleFrame, cs.reportError)
	cs.demux = NewDemultiplexer(cs.transfers, dispatch, cs.reportError)
	return cs, nil
}

// Dial connects to addr over TCP and starts the read loop.
func Dial(addr string, keys *session.Manager, options SessionOptions) (*ChatSession, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	socket := NewConnSocket(conn)
	cs, err := NewChatSession(socket, keys, options)
	if err != nil {
		_ = socket.Close()
		return nil, err
	}
	cs.closer = socket
	go func() {
		if err := ReadLoop(conn, cs.HandleChunk); err != nil {
			cs.reportError(err)
		}
		cs.Close()
	}()
	return cs, nil
}

// HandleChunk feeds one inbound byte chunk through the demultiplexer.
func (cs *ChatSession) HandleChunk(chunk []byte) {
	cs.demux.HandleChunk(chunk)
}

// Done is closed when the session has shut down.
func (cs *ChatSession) Done() <-chan struct{} {
	return cs.done
}

// Transfers exposes the file transfer state machine.
func (cs *ChatSession) Transfers() *Transfers {
	return cs.transfers
}

// Authenticate presents the configured token to the server.
func (cs *ChatSession) Authenticate() error {
	return cs.writeFrame(wire.Auth{Type: wire.TypeAuth, Token: cs.options.AuthToken})
}

// RequestUsers asks the server for a fresh user list.
func (cs *ChatSession) RequestUsers() error {
	return cs.writeFrame(wire.RequestUsers{Type: wire.TypeRequestUsers})
}

// SendGroupMessage fans a plaintext message out to every connected user.
func (cs *ChatSession) SendGroupMessage(message string) error {
	return cs.writeFrame(wire.Group{
		Type:      wire.TypeGroup,
		From:      cs.options.Username,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
}

// SendDirectMessage encrypts message for the recipient and sends it. The
// frame's plaintext field carries only a placeholder.
func (cs *ChatSession) SendDirectMessage(to, message string) error {
	if cs.keys == nil {
		return session.ErrNotInitialized
	}
	envelope, err := cs.keys.Encrypt(to, []byte(message))
	if err != nil {
		return err
	}
	return cs.writeFrame(wire.DirectMessage{
		Type:          wire.TypeDirectMessage,
		From:          cs.options.Username,
		To:            to,
		Message:       encryptedPlaceholder,
		EncryptedData: &envelope,
		Timestamp:     time.Now().UnixMilli(),
	})
}

// SendFile streams the file at sourcePath to receiver. It blocks until
// the payload and end frame are written.
func (cs *ChatSession) SendFile(sourcePath, receiver string) (string, error) {
	return cs.transfers.SendFile(sourcePath, receiver)
}

// Close disposes the transfer state machine and closes the connection.
// Pending transfer callbacks are suppressed.
func (cs *ChatSession) Close() {
	cs.closeOnce.Do(func() {
		cs.transfers.Dispose()
		if cs.closer != nil {
			_ = cs.closer.Close()
		}
		close(cs.done)
	})
}

func (cs *ChatSession) handleFrame(frame wire.Frame) {
	switch f := frame.(type) {
	case wire.RequestAuth:
		if err := cs.Authenticate(); err != nil {
			cs.reportError(err)
		}
	case wire.System:
		if cb := cs.options.Callbacks.OnSystem; cb != nil {
			cb(f.Message)
		}
	case wire.Error:
		cs.reportError(fmt.Errorf("transport: server error: %s", f.Message))
	case wire.UserList:
		if cb := cs.options.Callbacks.OnUserList; cb != nil {
			cb(f.Users)
		}
	case wire.Group:
		if f.From == cs.options.Username {
			return
		}
		if cb := cs.options.Callbacks.OnGroupMessage; cb != nil {
			cb(f.From, f.Message, f.Timestamp)
		}
	case wire.DirectMessage:
		cs.handleDirectMessage(f)
	}
}

func (cs *ChatSession) handleDirectMessage(dm wire.DirectMessage) {
	// Server echo of our own outbound message.
	if dm.Sent || dm.From == cs.options.Username {
		return
	}
	if dm.EncryptedData == nil {
		if cb := cs.options.Callbacks.OnDirectMessage; cb != nil {
			cb(dm.From, dm.Message, dm.Timestamp)
		}
		return
	}
	if cs.keys == nil {
		cs.surfaceDecryptFailure(dm.From, session.ErrNotInitialized)
		return
	}
	plaintext, err := cs.keys.Decrypt(dm.From, *dm.EncryptedData)
	if err != nil {
		cs.surfaceDecryptFailure(dm.From, err)
		return
	}
	if cb := cs.options.Callbacks.OnDirectMessage; cb != nil {
		cb(dm.From, string(plaintext), dm.Timestamp)
	}
}

func (cs *ChatSession) surfaceDecryptFailure(from string, err error) {
	if cb := cs.options.Callbacks.OnDecryptFailure; cb != nil {
		cb(from, err)
		return
	}
	cs.reportError(fmt.Errorf("transport: undecryptable message from %q: %w", from, err))
}

func (cs *ChatSession) writeFrame(frame wire.Frame) error {
	payload, err := wire.Encode(frame)
	if err != nil {
		return err
	}
	if err := cs.socket.Write(payload); err != nil {
		return err
	}
	return cs.socket.Flush()
}

func (cs *ChatSession) reportError(err error) {
	if err == nil {
		return
	}
	if cb := cs.options.Callbacks.OnError; cb != nil {
		cb(err)
	}
}
