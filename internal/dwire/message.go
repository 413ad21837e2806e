// Package dwire contains the wire format for the connect message family.
//
// Every message is sent in a frame (see [Encode]).
// The first payload byte is the [MessageType],
// followed by the message's fields in a fixed order.
// Multi-byte integers are big endian.
package dwire

import (
	"fmt"

	"github.com/gordian-engine/dragongate/dpeer"
	"github.com/gordian-engine/dragongate/dtx"
)

// MessageType is a single byte header indicating the type of message.
type MessageType byte

const (
	// Keep zero reserved.
	// Not using iota here, to avoid possibility of values changing across the wire.

	HelloMessageType           MessageType = 1
	HelloAckMessageType        MessageType = 2
	StartJoinMessageType       MessageType = 3
	ForwardJoinMessageType     MessageType = 4
	CheckRequestMessageType    MessageType = 5
	JoinReplyMessageType       MessageType = 6
	JoinFinishedMessageType    MessageType = 7
	CleanConnectionMessageType MessageType = 8
	IdentityMessageType        MessageType = 9
)

func (t MessageType) String() string {
	switch t {
	case HelloMessageType:
		return "Hello"
	case HelloAckMessageType:
		return "HelloAck"
	case StartJoinMessageType:
		return "StartJoin"
	case ForwardJoinMessageType:
		return "ForwardJoin"
	case CheckRequestMessageType:
		return "CheckRequest"
	case JoinReplyMessageType:
		return "JoinReply"
	case JoinFinishedMessageType:
		return "JoinFinished"
	case CleanConnectionMessageType:
		return "CleanConnection"
	case IdentityMessageType:
		return "Identity"
	default:
		return fmt.Sprintf("MessageType(%d)", byte(t))
	}
}

// Message is implemented by every type in the connect message family.
// The set of implementations is closed to this package.
type Message interface {
	Type() MessageType

	// Transaction is the connect operation the message belongs to.
	// It is the zero ID only for [Identity].
	Transaction() dtx.ID

	appendFields(dst []byte) []byte
}

// Hello asks the remote to accept a direct connection
// from a peer that is not going through a gateway admission.
type Hello struct {
	Tx   dtx.ID
	Peer dpeer.ID
}

// HelloAck is the reply to [Hello].
type HelloAck struct {
	Tx       dtx.ID
	Accepted bool
}

// StartJoin is the first message a joiner sends to a gateway.
type StartJoin struct {
	Tx            dtx.ID
	Joiner        dpeer.ID
	MaxHopsToLive uint8
}

// ForwardJoin is the probe a peer sends on a transient connection,
// asking whether the receiver will accept Joiner as a neighbor.
type ForwardJoin struct {
	Tx            dtx.ID
	Joiner        dpeer.ID
	MaxHopsToLive uint8

	// How many more times the receiver may forward this request.
	HopsToLive uint8

	SkipList dpeer.SkipList
}

// CheckRequest is sent by a joiner to its gateway
// to have the gateway issue the next acceptance check.
type CheckRequest struct {
	Tx       dtx.ID
	SkipList dpeer.SkipList
}

// JoinReply carries a single acceptance decision about Joiner.
//
// When Acceptor is the gateway itself, the reply is the gateway's own decision.
// A zero Acceptor indicates there were no eligible peers left to check.
type JoinReply struct {
	Tx       dtx.ID
	Joiner   dpeer.ID
	Acceptor dpeer.ID
	Accepted bool
}

// Exhausted reports whether r indicates no candidates remained.
func (r JoinReply) Exhausted() bool {
	return r.Acceptor.IsZero()
}

// JoinFinished is sent by the joiner to the gateway
// once its admission has been finalized.
type JoinFinished struct {
	Tx       dtx.ID
	Admitted bool
}

// CleanConnection instructs the receiver of a transient connection
// to end its negotiation about Joiner.
type CleanConnection struct {
	Tx     dtx.ID
	Joiner dpeer.ID
}

// Identity is the first frame on a new transport-level stream,
// announcing the opener's identity.
type Identity struct {
	Peer dpeer.ID
}

func (Hello) Type() MessageType           { return HelloMessageType }
func (HelloAck) Type() MessageType        { return HelloAckMessageType }
func (StartJoin) Type() MessageType       { return StartJoinMessageType }
func (ForwardJoin) Type() MessageType     { return ForwardJoinMessageType }
func (CheckRequest) Type() MessageType    { return CheckRequestMessageType }
func (JoinReply) Type() MessageType       { return JoinReplyMessageType }
func (JoinFinished) Type() MessageType    { return JoinFinishedMessageType }
func (CleanConnection) Type() MessageType { return CleanConnectionMessageType }
func (Identity) Type() MessageType        { return IdentityMessageType }

func (m Hello) Transaction() dtx.ID           { return m.Tx }
func (m HelloAck) Transaction() dtx.ID        { return m.Tx }
func (m StartJoin) Transaction() dtx.ID       { return m.Tx }
func (m ForwardJoin) Transaction() dtx.ID     { return m.Tx }
func (m CheckRequest) Transaction() dtx.ID    { return m.Tx }
func (m JoinReply) Transaction() dtx.ID       { return m.Tx }
func (m JoinFinished) Transaction() dtx.ID    { return m.Tx }
func (m CleanConnection) Transaction() dtx.ID { return m.Tx }
func (Identity) Transaction() dtx.ID          { return dtx.ID{} }

func (m Hello) appendFields(dst []byte) []byte {
	dst = appendTx(dst, m.Tx)
	return appendPeer(dst, m.Peer)
}

func (m *Hello) decodeFields(d *decoder) {
	m.Tx = d.tx()
	m.Peer = d.peer()
}

func (m HelloAck) appendFields(dst []byte) []byte {
	dst = appendTx(dst, m.Tx)
	return appendBool(dst, m.Accepted)
}

func (m *HelloAck) decodeFields(d *decoder) {
	m.Tx = d.tx()
	m.Accepted = d.flag()
}

func (m StartJoin) appendFields(dst []byte) []byte {
	dst = appendTx(dst, m.Tx)
	dst = appendPeer(dst, m.Joiner)
	return append(dst, m.MaxHopsToLive)
}

func (m *StartJoin) decodeFields(d *decoder) {
	m.Tx = d.tx()
	m.Joiner = d.peer()
	m.MaxHopsToLive = d.uint8()
}

func (m ForwardJoin) appendFields(dst []byte) []byte {
	dst = appendTx(dst, m.Tx)
	dst = appendPeer(dst, m.Joiner)
	dst = append(dst, m.MaxHopsToLive, m.HopsToLive)
	return appendSkipList(dst, m.SkipList)
}

func (m *ForwardJoin) decodeFields(d *decoder) {
	m.Tx = d.tx()
	m.Joiner = d.peer()
	m.MaxHopsToLive = d.uint8()
	m.HopsToLive = d.uint8()
	m.SkipList = d.skipList()

	if d.err == nil && m.HopsToLive > m.MaxHopsToLive {
		d.fail(fmt.Errorf(
			"hops to live %d exceeds max hops to live %d",
			m.HopsToLive, m.MaxHopsToLive,
		))
	}
}

func (m CheckRequest) appendFields(dst []byte) []byte {
	dst = appendTx(dst, m.Tx)
	return appendSkipList(dst, m.SkipList)
}

func (m *CheckRequest) decodeFields(d *decoder) {
	m.Tx = d.tx()
	m.SkipList = d.skipList()
}

func (m JoinReply) appendFields(dst []byte) []byte {
	dst = appendTx(dst, m.Tx)
	dst = appendPeer(dst, m.Joiner)
	dst = appendPeer(dst, m.Acceptor)
	return appendBool(dst, m.Accepted)
}

func (m *JoinReply) decodeFields(d *decoder) {
	m.Tx = d.tx()
	m.Joiner = d.peer()
	m.Acceptor = d.peer()
	m.Accepted = d.flag()
}

func (m JoinFinished) appendFields(dst []byte) []byte {
	dst = appendTx(dst, m.Tx)
	return appendBool(dst, m.Admitted)
}

func (m *JoinFinished) decodeFields(d *decoder) {
	m.Tx = d.tx()
	m.Admitted = d.flag()
}

func (m CleanConnection) appendFields(dst []byte) []byte {
	dst = appendTx(dst, m.Tx)
	return appendPeer(dst, m.Joiner)
}

func (m *CleanConnection) decodeFields(d *decoder) {
	m.Tx = d.tx()
	m.Joiner = d.peer()
}

func (m Identity) appendFields(dst []byte) []byte {
	return appendPeer(dst, m.Peer)
}

func (m *Identity) decodeFields(d *decoder) {
	m.Peer = d.peer()
}
