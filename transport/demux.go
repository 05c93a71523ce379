package transport

import (
	"bytes"
	"fmt"
	"log"

	"sajilochat/wire"
)

// Demultiplexer splits one inbound byte stream into newline-delimited
// control frames and raw file payload. The transfer handler is the mode
// authority: it is polled before every routing decision, so the buffer is
// only scanned for '\n' while no file receive is active. File payload may
// legitimately contain that byte.
type Demultiplexer struct {
	transfers *Transfers
	dispatch  func(wire.Frame)
	onError   func(error)

	buf bytes.Buffer
}

// NewDemultiplexer routes payload bytes to transfers and decoded control
// frames to dispatch. onError receives routing failures; frame parse
// errors are logged and the offending line dropped.
func NewDemultiplexer(transfers *Transfers, dispatch func(wire.Frame), onError func(error)) *Demultiplexer {
	if onError == nil {
		onError = func(error) {}
	}
	return &Demultiplexer{
		transfers: transfers,
		dispatch:  dispatch,
		onError:   onError,
	}
}

// HandleChunk consumes one inbound chunk in arrival order. Chunks must
// not be delivered concurrently.
func (d *Demultiplexer) HandleChunk(chunk []byte) {
	for len(chunk) > 0 {
		if d.transfers.Receiving() {
			leftover, err := d.transfers.Consume(chunk)
			if err != nil {
				d.onError(err)
			}
			chunk = leftover
			continue
		}
		chunk = d.scanControl(chunk)
	}
}

// scanControl appends chunk to the line buffer and dispatches every
// complete line. If a dispatched frame switches the transfer handler into
// byte mode, the still-buffered remainder is file payload and is returned
// to the caller unscanned.
func (d *Demultiplexer) scanControl(chunk []byte) []byte {
	d.buf.Write(chunk)

	for {
		raw := d.buf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			return nil
		}

		line := make([]byte, idx+1)
		_, _ = d.buf.Read(line)
		line = bytes.TrimRight(line, "\r\n")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		frame, err := wire.Decode(line)
		if err != nil {
			// One malformed line never aborts the stream; later lines
			// may still be well formed.
			log.Printf("transport: dropping control frame: %v", err)
			continue
		}
		d.dispatch(frame)

		// A file_transfer_start flips the mode; everything still
		// buffered is payload, not frames.
		if d.transfers.Receiving() {
			rest := make([]byte, d.buf.Len())
			_, _ = d.buf.Read(rest)
			d.buf.Reset()
			return rest
		}
	}
}

// Buffered returns the number of bytes awaiting a newline. Only meaningful
// in control mode.
func (d *Demultiplexer) Buffered() int {
	return d.buf.Len()
}

// DispatchToSession builds the dispatch function wiring transfer control
// frames into transfers and everything else into next.
func DispatchToSession(transfers *Transfers, next func(wire.Frame), onError func(error)) func(wire.Frame) {
	if onError == nil {
		onError = func(error) {}
	}
	return func(frame wire.Frame) {
		switch f := frame.(type) {
		case wire.FileTransferStart:
			if err := transfers.Begin(f); err != nil {
				onError(fmt.Errorf("begin file transfer %q: %w", f.FileID, err))
			}
		case wire.FileTransferEnd:
			if err := transfers.Finish(f); err != nil {
				onError(err)
			}
		default:
			if next != nil {
				next(frame)
			}
		}
	}
}
