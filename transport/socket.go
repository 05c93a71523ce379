package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

const readChunkSize = 32 * 1024

// Socket is the byte-level collaborator the transfer and frame layers
// write to. Implementations must be safe for use from multiple goroutines.
type Socket interface {
	Write(p []byte) error
	Flush() error
}

// ConnSocket adapts a net.Conn into a buffered Socket.
type ConnSocket struct {
	mu     sync.Mutex
	conn   net.Conn
	writer *bufio.Writer
}

// NewConnSocket wraps conn with a buffered writer.
func NewConnSocket(conn net.Conn) *ConnSocket {
	return &ConnSocket{
		conn:   conn,
		writer: bufio.NewWriterSize(conn, 64*1024),
	}
}

func (s *ConnSocket) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writer.Write(p); err != nil {
		return fmt.Errorf("transport: socket write: %w", err)
	}
	return nil
}

func (s *ConnSocket) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("transport: socket flush: %w", err)
	}
	return nil
}

// Close flushes buffered bytes and closes the underlying connection.
func (s *ConnSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	flushErr := s.writer.Flush()
	closeErr := s.conn.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// ReadLoop reads raw chunks from r and hands each one to handle in
// arrival order. It returns when the reader is exhausted or fails; a
// clean EOF returns nil.
func ReadLoop(r io.Reader, handle func([]byte)) error {
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			handle(chunk)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("transport: socket read: %w", err)
		}
	}
}
