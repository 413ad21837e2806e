package dquic

import (
	"fmt"
	"time"

	"github.com/quic-go/quic-go"
)

// StreamErrorCode is used for [Stream.CancelRead] and [Stream.CancelWrite],
// to inform the peer of why the stream is canceled.
type StreamErrorCode uint64

// Stream error codes sent when canceling one side of a stream.
const (
	// The local side closed the connection and reads nothing more.
	StreamCodeClosed StreamErrorCode = 0

	// A send was interrupted partway through a frame,
	// so the rest of the stream cannot be decoded.
	StreamCodeInterrupted StreamErrorCode = 1
)

// Stream is a readable and writable QUIC stream.
type Stream interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)

	CancelRead(StreamErrorCode)
	CancelWrite(StreamErrorCode)

	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error

	Close() error
}

var _ Stream = StreamAdapter{}

// StreamAdapter wraps a [*quic.Stream]
// to satisfy the [Stream] interface.
// Use [WrapStream] to create an instance.
type StreamAdapter struct {
	s *quic.Stream
}

func WrapStream(s *quic.Stream) StreamAdapter {
	return StreamAdapter{s: s}
}

func (a StreamAdapter) Read(p []byte) (int, error) {
	return a.s.Read(p)
}

func (a StreamAdapter) Write(p []byte) (int, error) {
	return a.s.Write(p)
}

func (a StreamAdapter) CancelRead(code StreamErrorCode) {
	checkStreamCode(code)
	a.s.CancelRead(quic.StreamErrorCode(code))
}

func (a StreamAdapter) CancelWrite(code StreamErrorCode) {
	checkStreamCode(code)
	a.s.CancelWrite(quic.StreamErrorCode(code))
}

func (a StreamAdapter) SetReadDeadline(t time.Time) error {
	return a.s.SetReadDeadline(t)
}

func (a StreamAdapter) SetWriteDeadline(t time.Time) error {
	return a.s.SetWriteDeadline(t)
}

func (a StreamAdapter) Close() error {
	return a.s.Close()
}

func checkStreamCode(code StreamErrorCode) {
	if (code >> 62) > 0 {
		panic(fmt.Errorf(
			"BUG: stream error code must fit in 62 bits (got 0x%x)", code,
		))
	}
}
