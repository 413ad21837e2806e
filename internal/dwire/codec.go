package dwire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/gordian-engine/dragongate/dpeer"
	"github.com/gordian-engine/dragongate/dtx"
)

// Frame encoding header values.
const (
	rawEncoding    byte = 0
	snappyEncoding byte = 1
)

const (
	// 1 byte encoding, 4 bytes big endian payload length.
	frameHeaderSize = 5

	// MaxFrameSize is the largest payload accepted by [Decode].
	MaxFrameSize = 1 << 20

	// Payloads at least this large are candidates for snappy compression.
	// Only skip lists can get this large in practice.
	compressThreshold = 512

	// MaxSkipListLen is the most peers a skip list can carry,
	// bounded by its single byte length prefix.
	MaxSkipListLen = 255

	// MaxAddrLen is the longest peer address that can be encoded.
	MaxAddrLen = 255
)

// CheckAddr returns an error if addr cannot be carried in a message.
func CheckAddr(addr string) error {
	if len(addr) > MaxAddrLen {
		return fmt.Errorf("address must be at most %d bytes (got %d)", MaxAddrLen, len(addr))
	}
	return nil
}

// DecodeError is returned when a frame was read completely
// but its content could not be decoded.
//
// Errors from the underlying reader, such as [io.EOF],
// are returned directly and are not wrapped in a DecodeError.
type DecodeError struct {
	// The type byte of the message, if it was read.
	Type MessageType

	Err error
}

func (e *DecodeError) Error() string {
	if e.Type == 0 {
		return "failed to decode frame: " + e.Err.Error()
	}
	return fmt.Sprintf("failed to decode %s message: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// AppendFrame appends the complete frame for m to dst.
func AppendFrame(dst []byte, m Message) []byte {
	payload := m.appendFields([]byte{byte(m.Type())})

	enc := rawEncoding
	if len(payload) >= compressThreshold {
		c := snappy.Encode(nil, payload)
		if len(c) < len(payload) {
			payload = c
			enc = snappyEncoding
		}
	}

	if len(payload) > MaxFrameSize {
		panic(fmt.Errorf(
			"BUG: encoded %s message exceeds max frame size (%d > %d)",
			m.Type(), len(payload), MaxFrameSize,
		))
	}

	dst = append(dst, enc)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// Encode writes the frame for m to w in a single write.
func Encode(w io.Writer, m Message) error {
	if _, err := w.Write(AppendFrame(nil, m)); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", m.Type(), err)
	}
	return nil
}

// Decode reads exactly one frame from r and decodes its message.
func Decode(r io.Reader) (Message, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	sz := binary.BigEndian.Uint32(hdr[1:])
	if sz > MaxFrameSize {
		// Don't try to read the body; the stream is unusable from here.
		return nil, &DecodeError{
			Err: fmt.Errorf("frame size %d exceeds maximum %d", sz, MaxFrameSize),
		}
	}

	body := make([]byte, sz)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return decodeFrameBody(hdr[0], body)
}

// ParseFrame decodes a complete frame held in b,
// as produced by [AppendFrame].
func ParseFrame(b []byte) (Message, error) {
	if len(b) < frameHeaderSize {
		return nil, &DecodeError{Err: io.ErrUnexpectedEOF}
	}

	sz := binary.BigEndian.Uint32(b[1:])
	if int(sz) != len(b)-frameHeaderSize {
		return nil, &DecodeError{
			Err: fmt.Errorf("frame declares %d bytes but carries %d", sz, len(b)-frameHeaderSize),
		}
	}

	return decodeFrameBody(b[0], b[frameHeaderSize:])
}

func decodeFrameBody(enc byte, body []byte) (Message, error) {
	switch enc {
	case rawEncoding:
		// Use as-is.
	case snappyEncoding:
		n, err := snappy.DecodedLen(body)
		if err != nil {
			return nil, &DecodeError{Err: fmt.Errorf("invalid snappy payload: %w", err)}
		}
		if n > MaxFrameSize {
			return nil, &DecodeError{
				Err: fmt.Errorf("decompressed size %d exceeds maximum %d", n, MaxFrameSize),
			}
		}
		body, err = snappy.Decode(nil, body)
		if err != nil {
			return nil, &DecodeError{Err: fmt.Errorf("invalid snappy payload: %w", err)}
		}
	default:
		return nil, &DecodeError{Err: fmt.Errorf("unknown frame encoding %d", enc)}
	}

	if len(body) == 0 {
		return nil, &DecodeError{Err: errors.New("empty payload")}
	}

	d := &decoder{b: body[1:]}
	typ := MessageType(body[0])

	var m Message
	switch typ {
	case HelloMessageType:
		var v Hello
		v.decodeFields(d)
		m = v
	case HelloAckMessageType:
		var v HelloAck
		v.decodeFields(d)
		m = v
	case StartJoinMessageType:
		var v StartJoin
		v.decodeFields(d)
		m = v
	case ForwardJoinMessageType:
		var v ForwardJoin
		v.decodeFields(d)
		m = v
	case CheckRequestMessageType:
		var v CheckRequest
		v.decodeFields(d)
		m = v
	case JoinReplyMessageType:
		var v JoinReply
		v.decodeFields(d)
		m = v
	case JoinFinishedMessageType:
		var v JoinFinished
		v.decodeFields(d)
		m = v
	case CleanConnectionMessageType:
		var v CleanConnection
		v.decodeFields(d)
		m = v
	case IdentityMessageType:
		var v Identity
		v.decodeFields(d)
		m = v
	default:
		return nil, &DecodeError{Type: typ, Err: errors.New("unknown message type")}
	}

	if d.err == nil && len(d.b) > 0 {
		d.fail(fmt.Errorf("%d trailing bytes", len(d.b)))
	}
	if d.err != nil {
		return nil, &DecodeError{Type: typ, Err: d.err}
	}

	return m, nil
}

func appendTx(dst []byte, tx dtx.ID) []byte {
	return append(dst, tx[:]...)
}

// appendPeer writes the 32 byte key, a 1 byte address length, and the address.
func appendPeer(dst []byte, id dpeer.ID) []byte {
	if len(id.Addr) > MaxAddrLen {
		panic(fmt.Errorf(
			"ILLEGAL: peer address must be <= 255 bytes, but %q is %d bytes",
			id.Addr, len(id.Addr),
		))
	}
	dst = append(dst, id.Key[:]...)
	dst = append(dst, byte(len(id.Addr)))
	return append(dst, id.Addr...)
}

func appendBool(dst []byte, b bool) []byte {
	if b {
		return append(dst, 1)
	}
	return append(dst, 0)
}

func appendSkipList(dst []byte, s dpeer.SkipList) []byte {
	if s.Len() > MaxSkipListLen {
		panic(fmt.Errorf(
			"ILLEGAL: skip list must have <= %d entries (got %d)",
			MaxSkipListLen, s.Len(),
		))
	}
	dst = append(dst, byte(s.Len()))
	for _, id := range s.IDs() {
		dst = appendPeer(dst, id)
	}
	return dst
}

// decoder consumes fields from a payload.
// After the first failure every read returns a zero value,
// so decodeFields methods do not need to check errors between fields.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) take(n int, what string) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.b) < n {
		d.fail(fmt.Errorf("short payload reading %s: need %d bytes, have %d", what, n, len(d.b)))
		return nil
	}
	out := d.b[:n]
	d.b = d.b[n:]
	return out
}

func (d *decoder) uint8() byte {
	b := d.take(1, "byte")
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) flag() bool {
	switch v := d.uint8(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		d.fail(fmt.Errorf("invalid boolean byte %d", v))
		return false
	}
}

func (d *decoder) tx() dtx.ID {
	var id dtx.ID
	copy(id[:], d.take(len(id), "transaction"))
	return id
}

func (d *decoder) peer() dpeer.ID {
	var id dpeer.ID
	copy(id.Key[:], d.take(len(id.Key), "peer key"))
	n := d.uint8()
	id.Addr = string(d.take(int(n), "peer address"))
	return id
}

func (d *decoder) skipList() dpeer.SkipList {
	n := int(d.uint8())
	if d.err != nil {
		return dpeer.SkipList{}
	}

	ids := make([]dpeer.ID, 0, n)
	for range n {
		ids = append(ids, d.peer())
	}
	if d.err != nil {
		return dpeer.SkipList{}
	}
	return dpeer.NewSkipList(ids...)
}
