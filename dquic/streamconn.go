package dquic

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gordian-engine/dragongate/dconn"
	"github.com/gordian-engine/dragongate/dpeer"
	"github.com/gordian-engine/dragongate/internal/dwire"
	"github.com/quic-go/quic-go"
)

// streamConn is the [dconn.Conn] for one QUIC connection
// and its single negotiation stream.
type streamConn struct {
	peer dpeer.ID

	qc Conn
	s  Stream

	// Buffers reads so that a frame header and body
	// usually come from a single stream read.
	r *bufio.Reader

	closeOnce sync.Once
	closeErr  error
}

var _ dconn.Conn = (*streamConn)(nil)

func newStreamConn(peer dpeer.ID, qc Conn, s Stream, r *bufio.Reader) *streamConn {
	if r == nil {
		r = bufio.NewReader(s)
	}
	return &streamConn{
		peer: peer,
		qc:   qc,
		s:    s,
		r:    r,
	}
}

func (c *streamConn) Peer() dpeer.ID {
	return c.peer
}

func (c *streamConn) Send(ctx context.Context, m dwire.Message) error {
	if err := c.s.SetWriteDeadline(time.Time{}); err != nil {
		return fmt.Errorf("failed to clear write deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.s.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := dwire.Encode(c.s, m); err != nil {
		if ctxErr := context.Cause(ctx); ctxErr != nil {
			c.s.CancelWrite(StreamCodeInterrupted)
			return fmt.Errorf("interrupted sending %s: %w", m.Type(), ctxErr)
		}
		return remoteClosed(err)
	}
	return nil
}

func (c *streamConn) Recv(ctx context.Context) (dwire.Message, error) {
	if err := c.s.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("failed to clear read deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.s.SetReadDeadline(time.Now())
	})
	defer stop()

	m, err := dwire.Decode(c.r)
	if err != nil {
		var de *dwire.DecodeError
		if errors.As(err, &de) {
			return nil, err
		}
		if ctxErr := context.Cause(ctx); ctxErr != nil {
			return nil, fmt.Errorf("interrupted receiving: %w", ctxErr)
		}
		return nil, remoteClosed(err)
	}
	return m, nil
}

// lingerTimeout bounds how long a closed connection stays open
// for its final frames to be delivered.
const lingerTimeout = 2 * time.Second

// Close ends the stream and closes the connection
// once the peer has closed its side or lingerTimeout elapses.
// Closing the QUIC connection immediately would discard frames still in flight.
// A Recv blocked on the stream returns as soon as Close is called.
func (c *streamConn) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.s.CancelRead(StreamCodeClosed)
		c.closeErr = c.s.Close()

		go func() {
			t := time.NewTimer(lingerTimeout)
			defer t.Stop()

			select {
			case <-c.qc.Context().Done():
			case <-t.C:
			}
			_ = c.qc.CloseWithError(CloseCodeNormal, reason)
		}()
	})
	return c.closeErr
}

// remoteClosed maps the errors QUIC reports for a peer-initiated close
// to errors wrapping [io.EOF].
func remoteClosed(err error) error {
	if errors.Is(err, io.EOF) {
		return err
	}

	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.Remote {
		return fmt.Errorf("%w: peer closed connection: %q", io.EOF, appErr.ErrorMessage)
	}

	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) && streamErr.Remote {
		return fmt.Errorf("%w: peer reset stream (code %d)", io.EOF, streamErr.ErrorCode)
	}

	return err
}
