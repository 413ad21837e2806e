package dhs_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/gordian-engine/dragongate/dconn"
	"github.com/gordian-engine/dragongate/dconn/dconnmem"
	"github.com/gordian-engine/dragongate/dpeer"
	"github.com/gordian-engine/dragongate/dring"
	"github.com/gordian-engine/dragongate/dring/dringtest"
	"github.com/gordian-engine/dragongate/dtx"
	"github.com/gordian-engine/dragongate/internal/dhs"
	"github.com/gordian-engine/dragongate/internal/dtest"
	"github.com/gordian-engine/dragongate/internal/dwire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// A frame whose payload has an unknown message type.
var badFrame = []byte{0, 0, 0, 0, 1, 250}

var errBoom = errors.New("boom")

type fixture struct {
	Net     *dconnmem.Network
	Self    dpeer.ID
	Topo    *dringtest.StaticTopology
	Metrics *dhs.Metrics
	C       *dhs.Coordinator
}

type fixtureOpts struct {
	// Shared network; a new one is created if nil.
	Net *dconnmem.Network

	// Index passed to dtest.PeerID for the local identity.
	Idx int

	Neighbors []dpeer.ID

	Ctx context.Context

	WrapTransport func(dconn.Transport) dconn.Transport
	Configure     func(*dhs.CoordinatorConfig)
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()

	n := opts.Net
	if n == nil {
		n = dconnmem.NewNetwork()
	}
	ctx := opts.Ctx
	if ctx == nil {
		ctx = t.Context()
	}

	self := dtest.PeerID(t, opts.Idx)
	var tr dconn.Transport = n.NewTransport(self)
	if opts.WrapTransport != nil {
		tr = opts.WrapTransport(tr)
	}

	topo := dringtest.NewStaticTopology(self, opts.Neighbors...)
	m := dhs.NewMetrics(prometheus.NewRegistry())

	cfg := dhs.CoordinatorConfig{
		Transport:     tr,
		Ring:          dring.NewHandle(topo),
		MaxHopsToLive: 3,
		Metrics:       m,
	}
	if opts.Configure != nil {
		opts.Configure(&cfg)
	}

	c := dhs.NewCoordinator(ctx, dtest.NewLogger(t).With("node", opts.Idx), cfg)
	t.Cleanup(c.Wait)

	return &fixture{
		Net:     n,
		Self:    self,
		Topo:    topo,
		Metrics: m,
		C:       c,
	}
}

func recvEvent[T dhs.Event](t *testing.T, f *fixture) T {
	t.Helper()

	ev := dtest.ReceiveSoon(t, f.C.Events())
	out, ok := ev.(T)
	require.Truef(t, ok, "expected %T, got %#v", out, ev)
	return out
}

// recvTerminal skips forward notices and returns the next terminal event.
func recvTerminal(t *testing.T, f *fixture) dhs.Event {
	t.Helper()

	for {
		ev := dtest.ReceiveSoon(t, f.C.Events())
		if dhs.IsTerminal(ev) {
			return ev
		}
	}
}

func recvMsg[T dwire.Message](t *testing.T, conn dconn.Conn) T {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), dtest.ScaleDuration)
	defer cancel()

	m, err := conn.Recv(ctx)
	require.NoError(t, err)

	out, ok := m.(T)
	require.Truef(t, ok, "expected %T, got %#v", out, m)
	return out
}

func acceptSoon(t *testing.T, tr *dconnmem.Transport) dconn.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), dtest.ScaleDuration)
	defer cancel()

	conn, err := tr.Accept(ctx)
	require.NoError(t, err)
	return conn
}

func requireClosed(t *testing.T, conn dconn.Conn) {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), dtest.ScaleDuration)
	defer cancel()

	_, err := conn.Recv(ctx)
	require.ErrorIs(t, err, io.EOF)
}

// answerHello accepts one connection on tr and answers its Hello.
func answerHello(ctx context.Context, tr *dconnmem.Transport, accept bool) {
	conn, err := tr.Accept(ctx)
	if err != nil {
		return
	}
	m, err := conn.Recv(ctx)
	if err != nil {
		return
	}
	_ = conn.Send(ctx, dwire.HelloAck{Tx: m.Transaction(), Accepted: accept})
}

func TestCoordinator_outbound_accepted(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	f := newFixture(t, fixtureOpts{})
	remote := f.Net.NewTransport(dtest.PeerID(t, 1))

	tx := dtx.New()
	require.NoError(t, f.C.Commands().EstablishConn(ctx, remote.Self(), tx, false))

	conn := acceptSoon(t, remote)
	require.Equal(t, f.Self, conn.Peer())
	require.Equal(t, dwire.Hello{Tx: tx, Peer: f.Self}, recvMsg[dwire.Hello](t, conn))
	require.NoError(t, conn.Send(ctx, dwire.HelloAck{Tx: tx, Accepted: true}))

	ev := recvEvent[dhs.OutboundConnectionSuccessful](t, f)
	require.Equal(t, tx, ev.Tx)
	require.Equal(t, remote.Self(), ev.Peer)
	require.Equal(t, remote.Self(), ev.Conn.Peer())

	// The receiver owns a live connection.
	require.NoError(t, ev.Conn.Send(ctx, dwire.JoinFinished{Tx: tx, Admitted: true}))
	_ = recvMsg[dwire.JoinFinished](t, conn)

	dtest.NotSending(t, f.C.Events())
	require.Equal(t, 1.0, testutil.ToFloat64(
		f.Metrics.Events.WithLabelValues("outbound_connection_successful"),
	))

	// A second transaction to the same address is refused outright.
	tx2 := dtx.New()
	require.NoError(t, f.C.Commands().EstablishConn(ctx, remote.Self(), tx2, false))
	failed := recvEvent[dhs.OutboundConnectionFailed](t, f)
	require.Equal(t, tx2, failed.Tx)
	var ace dhs.AlreadyConnectedError
	require.ErrorAs(t, failed.Err, &ace)
	require.Equal(t, remote.Self().Addr, ace.Addr)
}

func TestCoordinator_outbound_failures(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name  string
		reply func(ctx context.Context, conn dconn.Conn, tx dtx.ID) error
		check func(t *testing.T, err error)
	}{
		{
			name: "rejected",
			reply: func(ctx context.Context, conn dconn.Conn, tx dtx.ID) error {
				return conn.Send(ctx, dwire.HelloAck{Tx: tx})
			},
			check: func(t *testing.T, err error) {
				var re dhs.RejectedError
				require.ErrorAs(t, err, &re)
			},
		},
		{
			name: "unexpected message",
			reply: func(ctx context.Context, conn dconn.Conn, tx dtx.ID) error {
				return conn.Send(ctx, dwire.JoinFinished{Tx: tx})
			},
			check: func(t *testing.T, err error) {
				var ue dhs.UnexpectedMessageError
				require.ErrorAs(t, err, &ue)
				require.Equal(t, dwire.JoinFinishedMessageType, ue.Msg.Type())
			},
		},
		{
			name: "wrong transaction",
			reply: func(ctx context.Context, conn dconn.Conn, _ dtx.ID) error {
				return conn.Send(ctx, dwire.HelloAck{Tx: dtx.New(), Accepted: true})
			},
			check: func(t *testing.T, err error) {
				var ue dhs.UnexpectedMessageError
				require.ErrorAs(t, err, &ue)
			},
		},
		{
			name: "malformed",
			reply: func(ctx context.Context, conn dconn.Conn, _ dtx.ID) error {
				return conn.(*dconnmem.Conn).SendRaw(ctx, badFrame)
			},
			check: func(t *testing.T, err error) {
				var se dhs.SerializationError
				require.ErrorAs(t, err, &se)
				var de *dwire.DecodeError
				require.ErrorAs(t, err, &de)
			},
		},
		{
			name: "closed",
			reply: func(_ context.Context, conn dconn.Conn, _ dtx.ID) error {
				return conn.Close("test")
			},
			check: func(t *testing.T, err error) {
				var ce dhs.ConnectionClosedError
				require.ErrorAs(t, err, &ce)
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := t.Context()
			f := newFixture(t, fixtureOpts{})
			remote := f.Net.NewTransport(dtest.PeerID(t, 1))

			tx := dtx.New()
			require.NoError(t, f.C.Commands().EstablishConn(ctx, remote.Self(), tx, false))

			conn := acceptSoon(t, remote)
			_ = recvMsg[dwire.Hello](t, conn)
			require.NoError(t, tc.reply(ctx, conn, tx))

			ev := recvEvent[dhs.OutboundConnectionFailed](t, f)
			require.Equal(t, tx, ev.Tx)
			require.Equal(t, remote.Self(), ev.Peer)
			tc.check(t, ev.Err)

			dtest.NotSending(t, f.C.Events())
		})
	}
}

func TestCoordinator_outbound_decodeErrorMetric(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	f := newFixture(t, fixtureOpts{})
	remote := f.Net.NewTransport(dtest.PeerID(t, 1))

	tx := dtx.New()
	require.NoError(t, f.C.Commands().EstablishConn(ctx, remote.Self(), tx, false))

	conn := acceptSoon(t, remote)
	_ = recvMsg[dwire.Hello](t, conn)
	require.NoError(t, conn.(*dconnmem.Conn).SendRaw(ctx, badFrame))

	_ = recvEvent[dhs.OutboundConnectionFailed](t, f)
	require.Equal(t, 1.0, testutil.ToFloat64(f.Metrics.DecodeErrors))
	requireClosed(t, conn)
}

func TestCoordinator_outbound_dialFailure(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	f := newFixture(t, fixtureOpts{})
	remote := f.Net.NewTransport(dtest.PeerID(t, 1))
	f.Net.FailDials(remote.Self().Addr, errBoom)

	tx := dtx.New()
	require.NoError(t, f.C.Commands().EstablishConn(ctx, remote.Self(), tx, false))

	ev := recvEvent[dhs.OutboundConnectionFailed](t, f)
	require.Equal(t, tx, ev.Tx)
	var te dhs.TransportError
	require.ErrorAs(t, ev.Err, &te)
	require.ErrorIs(t, ev.Err, errBoom)
}

func TestCoordinator_outbound_duplicateEstablishIsNoOp(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	f := newFixture(t, fixtureOpts{})
	remote := f.Net.NewTransport(dtest.PeerID(t, 1))

	tx := dtx.New()
	require.NoError(t, f.C.Commands().EstablishConn(ctx, remote.Self(), tx, false))
	require.NoError(t, f.C.Commands().EstablishConn(ctx, remote.Self(), tx, false))

	conn := acceptSoon(t, remote)
	_ = recvMsg[dwire.Hello](t, conn)

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := remote.Accept(shortCtx)
	require.Error(t, err, "only one dial expected")

	require.NoError(t, conn.Send(ctx, dwire.HelloAck{Tx: tx, Accepted: true}))
	_ = recvEvent[dhs.OutboundConnectionSuccessful](t, f)
	dtest.NotSending(t, f.C.Events())
}

// gatedTransport hands every dial to the test before performing it.
type gatedTransport struct {
	dconn.Transport

	dials chan gatedDial
}

type gatedDial struct {
	Peer   dpeer.ID
	Result chan<- error
}

func (g *gatedTransport) Dial(ctx context.Context, p dpeer.ID) (dconn.Conn, error) {
	res := make(chan error, 1)
	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case g.dials <- gatedDial{Peer: p, Result: res}:
	}

	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case err := <-res:
		if err != nil {
			return nil, err
		}
	}

	return g.Transport.Dial(ctx, p)
}

func TestCoordinator_outbound_concurrentTransactions(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	gt := &gatedTransport{dials: make(chan gatedDial)}
	f := newFixture(t, fixtureOpts{
		WrapTransport: func(tr dconn.Transport) dconn.Transport {
			gt.Transport = tr
			return gt
		},
	})
	remote := f.Net.NewTransport(dtest.PeerID(t, 1))

	tx1, tx2 := dtx.New(), dtx.New()
	require.NoError(t, f.C.Commands().EstablishConn(ctx, remote.Self(), tx1, false))
	d1 := dtest.ReceiveSoon(t, gt.dials)
	require.NoError(t, f.C.Commands().EstablishConn(ctx, remote.Self(), tx2, false))
	d2 := dtest.ReceiveSoon(t, gt.dials)

	d1.Result <- errBoom

	failed := recvEvent[dhs.OutboundConnectionFailed](t, f)
	require.Equal(t, tx1, failed.Tx)
	require.ErrorIs(t, failed.Err, errBoom)
	dtest.NotSending(t, f.C.Events())

	// The other transaction to the same address is unaffected.
	d2.Result <- nil
	conn := acceptSoon(t, remote)
	require.Equal(t, tx2, recvMsg[dwire.Hello](t, conn).Tx)
	require.NoError(t, conn.Send(ctx, dwire.HelloAck{Tx: tx2, Accepted: true}))

	ok := recvEvent[dhs.OutboundConnectionSuccessful](t, f)
	require.Equal(t, tx2, ok.Tx)
	dtest.NotSending(t, f.C.Events())
}

func TestCoordinator_dropped(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	f := newFixture(t, fixtureOpts{})
	remote := f.Net.NewTransport(dtest.PeerID(t, 1))
	release := f.Net.HoldDials(remote.Self().Addr)
	defer release()

	tx := dtx.New()
	require.NoError(t, f.C.Commands().EstablishConn(ctx, remote.Self(), tx, false))
	require.NoError(t, f.C.Commands().DropConnection(ctx, remote.Self()))

	ev := recvEvent[dhs.OutboundConnectionFailed](t, f)
	require.Equal(t, tx, ev.Tx)
	require.ErrorIs(t, ev.Err, dhs.ErrDropped)

	// Dropping again has nothing left to remove.
	require.NoError(t, f.C.Commands().DropConnection(ctx, remote.Self()))
	dtest.NotSending(t, f.C.Events())
}

func TestCoordinator_droppedAllowsReconnect(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	f := newFixture(t, fixtureOpts{})
	remote := f.Net.NewTransport(dtest.PeerID(t, 1))

	connect := func() dhs.OutboundConnectionSuccessful {
		tx := dtx.New()
		require.NoError(t, f.C.Commands().EstablishConn(ctx, remote.Self(), tx, false))
		conn := acceptSoon(t, remote)
		_ = recvMsg[dwire.Hello](t, conn)
		require.NoError(t, conn.Send(ctx, dwire.HelloAck{Tx: tx, Accepted: true}))
		return recvEvent[dhs.OutboundConnectionSuccessful](t, f)
	}

	first := connect()
	require.NoError(t, first.Conn.Close("test"))
	require.NoError(t, f.C.Commands().DropConnection(ctx, remote.Self()))

	_ = connect()
}

func TestCoordinator_inboundHello(t *testing.T) {
	t.Parallel()

	t.Run("accepted", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		f := newFixture(t, fixtureOpts{})
		remote := f.Net.NewTransport(dtest.PeerID(t, 1))

		conn, err := remote.Dial(ctx, f.Self)
		require.NoError(t, err)

		tx := dtx.New()
		require.NoError(t, conn.Send(ctx, dwire.Hello{Tx: tx, Peer: remote.Self()}))
		require.Equal(t, dwire.HelloAck{Tx: tx, Accepted: true}, recvMsg[dwire.HelloAck](t, conn))

		ev := recvEvent[dhs.InboundConnection](t, f)
		require.Equal(t, tx, ev.Tx)
		require.Equal(t, remote.Self(), ev.Joiner)
		require.Nil(t, ev.ForwardInfo)
		require.Equal(t, remote.Self(), ev.Conn.Peer())

		// Now connected, so our own attempt is refused.
		require.NoError(t, f.C.Commands().EstablishConn(ctx, remote.Self(), dtx.New(), false))
		failed := recvEvent[dhs.OutboundConnectionFailed](t, f)
		var ace dhs.AlreadyConnectedError
		require.ErrorAs(t, failed.Err, &ace)
	})

	t.Run("rejected", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		f := newFixture(t, fixtureOpts{})
		f.Topo.SetAccept(dringtest.AcceptNone)
		remote := f.Net.NewTransport(dtest.PeerID(t, 1))

		conn, err := remote.Dial(ctx, f.Self)
		require.NoError(t, err)

		tx := dtx.New()
		require.NoError(t, conn.Send(ctx, dwire.Hello{Tx: tx, Peer: remote.Self()}))
		require.False(t, recvMsg[dwire.HelloAck](t, conn).Accepted)

		ev := recvEvent[dhs.InboundConnectionRejected](t, f)
		require.Equal(t, tx, ev.Tx)
		require.Equal(t, remote.Self(), ev.Peer)
		requireClosed(t, conn)
	})

	t.Run("identity mismatch", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		f := newFixture(t, fixtureOpts{})
		remote := f.Net.NewTransport(dtest.PeerID(t, 1))

		conn, err := remote.Dial(ctx, f.Self)
		require.NoError(t, err)

		require.NoError(t, conn.Send(ctx, dwire.Hello{Tx: dtx.New(), Peer: dtest.PeerID(t, 2)}))
		requireClosed(t, conn)
		dtest.NotSending(t, f.C.Events())
	})

	t.Run("malformed", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		f := newFixture(t, fixtureOpts{})
		remote := f.Net.NewTransport(dtest.PeerID(t, 1))

		conn, err := remote.Dial(ctx, f.Self)
		require.NoError(t, err)

		require.NoError(t, conn.(*dconnmem.Conn).SendRaw(ctx, badFrame))
		requireClosed(t, conn)
		dtest.NotSending(t, f.C.Events())
		require.Equal(t, 1.0, testutil.ToFloat64(f.Metrics.DecodeErrors))
	})
}

func TestCoordinator_gatewayAdmission_majority(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	f := newFixture(t, fixtureOpts{})
	gw := f.Net.NewTransport(dtest.PeerID(t, 1))
	acceptors := []*dconnmem.Transport{
		f.Net.NewTransport(dtest.PeerID(t, 2)),
		f.Net.NewTransport(dtest.PeerID(t, 3)),
	}
	decliner := dtest.PeerID(t, 4)

	// Accepting peers hold a reservation that the joiner claims directly.
	for _, a := range acceptors {
		go answerHello(ctx, a, true)
	}

	tx := dtx.New()
	require.NoError(t, f.C.Commands().EstablishConn(ctx, gw.Self(), tx, true))

	conn := acceptSoon(t, gw)
	require.Equal(t, dwire.StartJoin{
		Tx:            tx,
		Joiner:        f.Self,
		MaxHopsToLive: 3,
	}, recvMsg[dwire.StartJoin](t, conn))

	require.NoError(t, conn.Send(ctx, dwire.JoinReply{
		Tx:       tx,
		Joiner:   f.Self,
		Acceptor: gw.Self(),
		Accepted: true,
	}))

	votes := []dwire.JoinReply{
		{Acceptor: acceptors[0].Self(), Accepted: true},
		{Acceptor: acceptors[1].Self(), Accepted: true},
		{Acceptor: decliner},
	}
	for i, v := range votes {
		// A check request rather than JoinFinished proves
		// the admission was not finalized early.
		cr := recvMsg[dwire.CheckRequest](t, conn)
		require.Equal(t, tx, cr.Tx)
		require.True(t, cr.SkipList.Contains(f.Self))
		require.True(t, cr.SkipList.Contains(gw.Self()))
		for _, prev := range votes[:i] {
			require.True(t, cr.SkipList.Contains(prev.Acceptor))
		}

		v.Tx = tx
		v.Joiner = f.Self
		require.NoError(t, conn.Send(ctx, v))
	}

	require.Equal(t, dwire.JoinFinished{Tx: tx, Admitted: true}, recvMsg[dwire.JoinFinished](t, conn))

	var got *dhs.OutboundGatewayConnectionSuccessful
	direct := 0
	for got == nil || direct < len(acceptors) {
		switch ev := dtest.ReceiveSoon(t, f.C.Events()).(type) {
		case dhs.OutboundGatewayConnectionSuccessful:
			require.Nil(t, got, "gateway outcome reported twice")
			got = &ev
		case dhs.OutboundConnectionSuccessful:
			direct++
		default:
			t.Fatalf("unexpected event %#v", ev)
		}
	}

	require.Equal(t, tx, got.Tx)
	require.Equal(t, gw.Self(), got.Peer)
	require.Equal(t, 2, got.Accepted)
	require.Zero(t, got.RemainingChecks)
	require.Equal(t, gw.Self(), got.Conn.Peer())
}

func TestCoordinator_gatewayAdmission_loneGateway(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	f := newFixture(t, fixtureOpts{})
	gw := f.Net.NewTransport(dtest.PeerID(t, 1))

	tx := dtx.New()
	require.NoError(t, f.C.Commands().EstablishConn(ctx, gw.Self(), tx, true))

	conn := acceptSoon(t, gw)
	_ = recvMsg[dwire.StartJoin](t, conn)
	require.NoError(t, conn.Send(ctx, dwire.JoinReply{
		Tx: tx, Joiner: f.Self, Acceptor: gw.Self(), Accepted: true,
	}))

	// The gateway has nobody else to ask.
	_ = recvMsg[dwire.CheckRequest](t, conn)
	require.NoError(t, conn.Send(ctx, dwire.JoinReply{Tx: tx, Joiner: f.Self}))

	require.True(t, recvMsg[dwire.JoinFinished](t, conn).Admitted)

	ev := recvEvent[dhs.OutboundGatewayConnectionSuccessful](t, f)
	require.Equal(t, tx, ev.Tx)
	require.Equal(t, gw.Self(), ev.Peer)
	require.Zero(t, ev.Accepted)
	require.Zero(t, ev.RemainingChecks)
	dtest.NotSending(t, f.C.Events())
}

func TestCoordinator_gatewayAdmission_rejected(t *testing.T) {
	t.Parallel()

	t.Run("gateway declines", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		f := newFixture(t, fixtureOpts{})
		gw := f.Net.NewTransport(dtest.PeerID(t, 1))

		tx := dtx.New()
		require.NoError(t, f.C.Commands().EstablishConn(ctx, gw.Self(), tx, true))

		conn := acceptSoon(t, gw)
		_ = recvMsg[dwire.StartJoin](t, conn)
		require.NoError(t, conn.Send(ctx, dwire.JoinReply{Tx: tx, Joiner: f.Self, Acceptor: gw.Self()}))

		require.False(t, recvMsg[dwire.JoinFinished](t, conn).Admitted)
		requireClosed(t, conn)

		ev := recvEvent[dhs.OutboundGatewayConnectionRejected](t, f)
		require.Equal(t, tx, ev.Tx)
		require.Equal(t, gw.Self(), ev.Peer)
		dtest.NotSending(t, f.C.Events())
	})

	t.Run("checks decline", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		f := newFixture(t, fixtureOpts{})
		gw := f.Net.NewTransport(dtest.PeerID(t, 1))

		tx := dtx.New()
		require.NoError(t, f.C.Commands().EstablishConn(ctx, gw.Self(), tx, true))

		conn := acceptSoon(t, gw)
		_ = recvMsg[dwire.StartJoin](t, conn)
		require.NoError(t, conn.Send(ctx, dwire.JoinReply{
			Tx: tx, Joiner: f.Self, Acceptor: gw.Self(), Accepted: true,
		}))

		// Two declines outvote the gateway; the third check is exhausted.
		for _, idx := range []int{2, 3} {
			_ = recvMsg[dwire.CheckRequest](t, conn)
			require.NoError(t, conn.Send(ctx, dwire.JoinReply{
				Tx: tx, Joiner: f.Self, Acceptor: dtest.PeerID(t, idx),
			}))
		}
		_ = recvMsg[dwire.CheckRequest](t, conn)
		require.NoError(t, conn.Send(ctx, dwire.JoinReply{Tx: tx, Joiner: f.Self}))

		require.False(t, recvMsg[dwire.JoinFinished](t, conn).Admitted)
		requireClosed(t, conn)
		_ = recvEvent[dhs.OutboundGatewayConnectionRejected](t, f)
		dtest.NotSending(t, f.C.Events())
	})

	t.Run("gateway disconnects", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		f := newFixture(t, fixtureOpts{})
		gw := f.Net.NewTransport(dtest.PeerID(t, 1))

		tx := dtx.New()
		require.NoError(t, f.C.Commands().EstablishConn(ctx, gw.Self(), tx, true))

		conn := acceptSoon(t, gw)
		_ = recvMsg[dwire.StartJoin](t, conn)
		require.NoError(t, conn.Close("test"))

		ev := recvEvent[dhs.OutboundConnectionFailed](t, f)
		require.Equal(t, tx, ev.Tx)
		var ce dhs.ConnectionClosedError
		require.ErrorAs(t, ev.Err, &ce)
		dtest.NotSending(t, f.C.Events())
	})
}

func TestCoordinator_gateway_servesChecks(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	f := newFixture(t, fixtureOpts{
		Neighbors: []dpeer.ID{dtest.PeerID(t, 2)},
	})
	joiner := f.Net.NewTransport(dtest.PeerID(t, 1))
	nb := f.Net.NewTransport(dtest.PeerID(t, 2))

	jc, err := joiner.Dial(ctx, f.Self)
	require.NoError(t, err)

	tx := dtx.New()
	require.NoError(t, jc.Send(ctx, dwire.StartJoin{Tx: tx, Joiner: joiner.Self(), MaxHopsToLive: 5}))
	require.Equal(t, dwire.JoinReply{
		Tx:       tx,
		Joiner:   joiner.Self(),
		Acceptor: f.Self,
		Accepted: true,
	}, recvMsg[dwire.JoinReply](t, jc))

	require.NoError(t, jc.Send(ctx, dwire.CheckRequest{
		Tx:       tx,
		SkipList: dpeer.NewSkipList(joiner.Self(), f.Self),
	}))

	nc := acceptSoon(t, nb)
	fj := recvMsg[dwire.ForwardJoin](t, nc)
	require.Equal(t, tx, fj.Tx)
	require.Equal(t, joiner.Self(), fj.Joiner)
	require.Equal(t, uint8(3), fj.MaxHopsToLive, "capped at the local limit")
	require.Equal(t, uint8(2), fj.HopsToLive)
	for _, p := range []dpeer.ID{joiner.Self(), f.Self, nb.Self()} {
		require.True(t, fj.SkipList.Contains(p))
	}

	tft := recvEvent[dhs.TransientForwardTransaction](t, f)
	require.Equal(t, nb.Self().Addr, tft.Target)
	require.Equal(t, nb.Self(), tft.ForwardTo)
	require.Equal(t, tx, tft.Tx)

	require.NoError(t, nc.Send(ctx, dwire.JoinReply{
		Tx:       tx,
		Joiner:   joiner.Self(),
		Acceptor: nb.Self(),
		Accepted: true,
	}))

	require.Equal(t, dwire.JoinReply{
		Tx:       tx,
		Joiner:   joiner.Self(),
		Acceptor: nb.Self(),
		Accepted: true,
	}, recvMsg[dwire.JoinReply](t, jc))

	require.Equal(t, dwire.CleanConnection{Tx: tx, Joiner: joiner.Self()}, recvMsg[dwire.CleanConnection](t, nc))
	requireClosed(t, nc)

	// The mailbox reaches the joiner while its connection is unpromoted.
	note := dwire.JoinReply{Tx: tx, Joiner: joiner.Self(), Acceptor: nb.Self(), Accepted: true}
	require.NoError(t, f.C.Mailbox().SendTo(ctx, joiner.Self().Addr, note))
	require.Equal(t, note, recvMsg[dwire.JoinReply](t, jc))

	// Unknown destinations are discarded.
	require.NoError(t, f.C.Mailbox().SendTo(ctx, "nowhere:1", note))

	require.NoError(t, jc.Send(ctx, dwire.CheckRequest{
		Tx:       tx,
		SkipList: dpeer.NewSkipList(joiner.Self(), f.Self, nb.Self()),
	}))
	require.True(t, recvMsg[dwire.JoinReply](t, jc).Exhausted())

	require.NoError(t, jc.Send(ctx, dwire.JoinFinished{Tx: tx, Admitted: true}))

	ic := recvEvent[dhs.InboundConnection](t, f)
	require.Equal(t, tx, ic.Tx)
	require.Equal(t, joiner.Self(), ic.Joiner)
	require.NotNil(t, ic.ForwardInfo)
	require.Equal(t, nb.Self(), ic.ForwardInfo.Target)
	require.Equal(t, joiner.Self(), ic.Conn.Peer())
	dtest.NotSending(t, f.C.Events())

	// No selection ever returned a skipped peer.
	sels := f.Topo.Selections()
	require.Len(t, sels, 2)
	for _, sel := range sels {
		require.True(t, sel.Skip.Contains(f.Self))
		for _, p := range sel.Result {
			require.False(t, sel.Skip.Contains(p))
		}
	}
	require.Empty(t, sels[1].Result)
}

func TestCoordinator_gateway_joinerFailures(t *testing.T) {
	t.Parallel()

	t.Run("disconnect", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		f := newFixture(t, fixtureOpts{})
		joiner := f.Net.NewTransport(dtest.PeerID(t, 1))

		jc, err := joiner.Dial(ctx, f.Self)
		require.NoError(t, err)

		tx := dtx.New()
		require.NoError(t, jc.Send(ctx, dwire.StartJoin{Tx: tx, Joiner: joiner.Self(), MaxHopsToLive: 3}))
		_ = recvMsg[dwire.JoinReply](t, jc)
		require.NoError(t, jc.Close("test"))

		ev := recvEvent[dhs.RemoveTransaction](t, f)
		require.Equal(t, tx, ev.Tx)
		require.Equal(t, joiner.Self(), ev.Peer)
		var ce dhs.ConnectionClosedError
		require.ErrorAs(t, ev.Err, &ce)
	})

	t.Run("joiner not admitted", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		f := newFixture(t, fixtureOpts{})
		joiner := f.Net.NewTransport(dtest.PeerID(t, 1))

		jc, err := joiner.Dial(ctx, f.Self)
		require.NoError(t, err)

		tx := dtx.New()
		require.NoError(t, jc.Send(ctx, dwire.StartJoin{Tx: tx, Joiner: joiner.Self(), MaxHopsToLive: 3}))
		_ = recvMsg[dwire.JoinReply](t, jc)
		require.NoError(t, jc.Send(ctx, dwire.JoinFinished{Tx: tx}))

		ev := recvEvent[dhs.InboundConnectionRejected](t, f)
		require.Equal(t, tx, ev.Tx)
		requireClosed(t, jc)
		dtest.NotSending(t, f.C.Events())
	})

	t.Run("repeated start", func(t *testing.T) {
		t.Parallel()

		ctx := t.Context()
		f := newFixture(t, fixtureOpts{})
		joiner := f.Net.NewTransport(dtest.PeerID(t, 1))
		tx := dtx.New()

		first, err := joiner.Dial(ctx, f.Self)
		require.NoError(t, err)
		require.NoError(t, first.Send(ctx, dwire.StartJoin{Tx: tx, Joiner: joiner.Self(), MaxHopsToLive: 3}))
		_ = recvMsg[dwire.JoinReply](t, first)

		// Same address and transaction as a live negotiation.
		second, err := joiner.Dial(ctx, f.Self)
		require.NoError(t, err)
		require.NoError(t, second.Send(ctx, dwire.StartJoin{Tx: tx, Joiner: joiner.Self(), MaxHopsToLive: 3}))
		requireClosed(t, second)

		dtest.NotSending(t, f.C.Events())
	})
}

func TestCoordinator_transient_accepts(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	f := newFixture(t, fixtureOpts{})
	sender := f.Net.NewTransport(dtest.PeerID(t, 1))
	joiner := f.Net.NewTransport(dtest.PeerID(t, 2))

	sc, err := sender.Dial(ctx, f.Self)
	require.NoError(t, err)

	tx := dtx.New()
	require.NoError(t, sc.Send(ctx, dwire.ForwardJoin{
		Tx:            tx,
		Joiner:        joiner.Self(),
		MaxHopsToLive: 3,
		HopsToLive:    2,
		SkipList:      dpeer.NewSkipList(joiner.Self(), sender.Self()),
	}))
	require.Equal(t, dwire.JoinReply{
		Tx:       tx,
		Joiner:   joiner.Self(),
		Acceptor: f.Self,
		Accepted: true,
	}, recvMsg[dwire.JoinReply](t, sc))

	// A clean-up for some other transaction does not end this one.
	require.NoError(t, sc.Send(ctx, dwire.CleanConnection{Tx: dtx.New(), Joiner: joiner.Self()}))
	dtest.NotSending(t, f.C.Events())

	// The joiner claims the reservation even though a fresh request would be declined.
	f.Topo.SetAccept(dringtest.AcceptNone)
	jc, err := joiner.Dial(ctx, f.Self)
	require.NoError(t, err)
	tx2 := dtx.New()
	require.NoError(t, jc.Send(ctx, dwire.Hello{Tx: tx2, Peer: joiner.Self()}))
	require.True(t, recvMsg[dwire.HelloAck](t, jc).Accepted)
	require.Equal(t, tx2, recvEvent[dhs.InboundConnection](t, f).Tx)

	require.NoError(t, sc.Send(ctx, dwire.CleanConnection{Tx: tx, Joiner: joiner.Self()}))
	rt := recvEvent[dhs.RemoveTransaction](t, f)
	require.Equal(t, tx, rt.Tx)
	require.Equal(t, joiner.Self(), rt.Peer)
	require.NoError(t, rt.Err)
	requireClosed(t, sc)
	dtest.NotSending(t, f.C.Events())
}

func TestCoordinator_transient_forwardsAndRelaysRejection(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	f := newFixture(t, fixtureOpts{
		Neighbors: []dpeer.ID{dtest.PeerID(t, 3)},
	})
	f.Topo.SetAccept(dringtest.AcceptNone)
	sender := f.Net.NewTransport(dtest.PeerID(t, 1))
	nb := f.Net.NewTransport(dtest.PeerID(t, 3))
	joiner := dtest.PeerID(t, 2)

	sc, err := sender.Dial(ctx, f.Self)
	require.NoError(t, err)

	tx := dtx.New()
	require.NoError(t, sc.Send(ctx, dwire.ForwardJoin{
		Tx:            tx,
		Joiner:        joiner,
		MaxHopsToLive: 3,
		HopsToLive:    1,
		SkipList:      dpeer.NewSkipList(joiner, sender.Self()),
	}))

	nc := acceptSoon(t, nb)
	fwd := recvMsg[dwire.ForwardJoin](t, nc)
	require.Zero(t, fwd.HopsToLive)
	require.True(t, fwd.SkipList.Contains(f.Self))
	require.True(t, fwd.SkipList.Contains(nb.Self()))
	require.True(t, fwd.SkipList.Contains(sender.Self()))

	_ = recvEvent[dhs.TransientForwardTransaction](t, f)

	require.NoError(t, nc.Send(ctx, dwire.JoinReply{Tx: tx, Joiner: joiner, Acceptor: nb.Self()}))

	require.Equal(t, dwire.JoinReply{
		Tx:       tx,
		Joiner:   joiner,
		Acceptor: f.Self,
	}, recvMsg[dwire.JoinReply](t, sc))
	require.Equal(t, 1.0, testutil.ToFloat64(f.Metrics.Forwards.WithLabelValues("rejected")))

	_ = recvMsg[dwire.CleanConnection](t, nc)
	requireClosed(t, nc)

	require.NoError(t, sc.Send(ctx, dwire.CleanConnection{Tx: tx, Joiner: joiner}))
	_ = recvEvent[dhs.RemoveTransaction](t, f)
	dtest.NotSending(t, f.C.Events())
}

func TestCoordinator_transient_noHopsLeft(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	f := newFixture(t, fixtureOpts{
		Neighbors: []dpeer.ID{dtest.PeerID(t, 3)},
	})
	f.Topo.SetAccept(dringtest.AcceptNone)
	sender := f.Net.NewTransport(dtest.PeerID(t, 1))
	joiner := dtest.PeerID(t, 2)

	sc, err := sender.Dial(ctx, f.Self)
	require.NoError(t, err)

	tx := dtx.New()
	require.NoError(t, sc.Send(ctx, dwire.ForwardJoin{
		Tx:            tx,
		Joiner:        joiner,
		MaxHopsToLive: 3,
		SkipList:      dpeer.NewSkipList(joiner, sender.Self()),
	}))

	r := recvMsg[dwire.JoinReply](t, sc)
	require.False(t, r.Accepted)
	require.Equal(t, f.Self, r.Acceptor)

	dtest.NotSending(t, f.C.Events())
	require.Empty(t, f.Topo.Selections())
}

func TestCoordinator_transient_duplicate(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	f := newFixture(t, fixtureOpts{})
	joiner := dtest.PeerID(t, 3)
	tx := dtx.New()
	fj := dwire.ForwardJoin{
		Tx:            tx,
		Joiner:        joiner,
		MaxHopsToLive: 3,
		HopsToLive:    2,
		SkipList:      dpeer.NewSkipList(joiner),
	}

	first := f.Net.NewTransport(dtest.PeerID(t, 1))
	fc, err := first.Dial(ctx, f.Self)
	require.NoError(t, err)
	require.NoError(t, fc.Send(ctx, fj))
	require.True(t, recvMsg[dwire.JoinReply](t, fc).Accepted)

	// The same request arriving through another path is declined without an event.
	second := f.Net.NewTransport(dtest.PeerID(t, 2))
	sc, err := second.Dial(ctx, f.Self)
	require.NoError(t, err)
	require.NoError(t, sc.Send(ctx, fj))
	r := recvMsg[dwire.JoinReply](t, sc)
	require.False(t, r.Accepted)
	require.Equal(t, f.Self, r.Acceptor)
	requireClosed(t, sc)

	dtest.NotSending(t, f.C.Events())
	require.Equal(t, 1.0, testutil.ToFloat64(f.Metrics.Forwards.WithLabelValues("duplicate")))

	require.NoError(t, fc.Send(ctx, dwire.CleanConnection{Tx: tx, Joiner: joiner}))
	_ = recvEvent[dhs.RemoveTransaction](t, f)
	dtest.NotSending(t, f.C.Events())
}

func TestCoordinator_transient_dropped(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	f := newFixture(t, fixtureOpts{})
	sender := f.Net.NewTransport(dtest.PeerID(t, 1))
	joiner := dtest.PeerID(t, 2)

	sc, err := sender.Dial(ctx, f.Self)
	require.NoError(t, err)

	tx := dtx.New()
	require.NoError(t, sc.Send(ctx, dwire.ForwardJoin{
		Tx: tx, Joiner: joiner, MaxHopsToLive: 3, HopsToLive: 1,
	}))
	_ = recvMsg[dwire.JoinReply](t, sc)

	require.NoError(t, f.C.Commands().DropConnection(ctx, sender.Self()))
	ev := recvEvent[dhs.RemoveTransaction](t, f)
	require.Equal(t, tx, ev.Tx)
	require.ErrorIs(t, ev.Err, dhs.ErrDropped)
	requireClosed(t, sc)

	require.NoError(t, f.C.Commands().DropConnection(ctx, sender.Self()))
	dtest.NotSending(t, f.C.Events())
}

func TestCoordinator_joinTerminatesOnCycle(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	net := dconnmem.NewNetwork()
	id := func(i int) dpeer.ID { return dtest.PeerID(t, i) }
	mk := func(idx int, neighbors ...dpeer.ID) *fixture {
		return newFixture(t, fixtureOpts{
			Net:       net,
			Idx:       idx,
			Neighbors: neighbors,
			Configure: func(cfg *dhs.CoordinatorConfig) {
				cfg.MaxHopsToLive = 5
			},
		})
	}

	// The gateway and a, b, c form a cycle.
	joiner := mk(0)
	gw := mk(1, id(2))
	a := mk(2, id(3), id(1))
	b := mk(3, id(4), id(2))
	c := mk(4, id(1), id(3))
	for _, f := range []*fixture{a, b, c} {
		f.Topo.SetAccept(dringtest.AcceptNone)
	}

	tx := dtx.New()
	require.NoError(t, joiner.C.Commands().EstablishConn(ctx, gw.Self, tx, true))

	rej := recvEvent[dhs.OutboundGatewayConnectionRejected](t, joiner)
	require.Equal(t, tx, rej.Tx)

	gwEv := recvTerminal(t, gw)
	require.IsType(t, dhs.InboundConnectionRejected{}, gwEv)

	for _, f := range []*fixture{a, b, c} {
		ev := recvTerminal(t, f)
		rt, ok := ev.(dhs.RemoveTransaction)
		require.Truef(t, ok, "expected RemoveTransaction, got %#v", ev)
		require.Equal(t, tx, rt.Tx)
		require.Equal(t, joiner.Self, rt.Peer)
	}

	for _, f := range []*fixture{joiner, gw, a, b, c} {
		require.Eventually(t, func() bool {
			return testutil.ToFloat64(f.Metrics.InFlight.WithLabelValues("forward")) == 0 &&
				testutil.ToFloat64(f.Metrics.InFlight.WithLabelValues("transient")) == 0 &&
				testutil.ToFloat64(f.Metrics.InFlight.WithLabelValues("pending_conn")) == 0
		}, dtest.ScaleDuration, 10*time.Millisecond)
	}
}

func TestCoordinator_shutdown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	f := newFixture(t, fixtureOpts{Ctx: ctx})
	cmds := f.C.Commands()
	mb := f.C.Mailbox()

	cancel()
	_ = dtest.ReceiveSoon(t, f.C.Done())

	_, ok := <-f.C.Events()
	require.False(t, ok)

	err := cmds.EstablishConn(t.Context(), dtest.PeerID(t, 1), dtx.New(), false)
	require.ErrorIs(t, err, dhs.ErrChannelClosed)

	err = mb.SendTo(t.Context(), "peer:1", dwire.HelloAck{Tx: dtx.New()})
	require.ErrorIs(t, err, dhs.ErrChannelClosed)
}

func TestNewCoordinator_invalidConfig(t *testing.T) {
	t.Parallel()

	topo := dringtest.NewStaticTopology(dtest.PeerID(t, 0))
	tr := dconnmem.NewNetwork().NewTransport(dtest.PeerID(t, 0))

	for _, cfg := range []dhs.CoordinatorConfig{
		{Ring: dring.NewHandle(topo)},
		{Transport: tr},
		{Transport: tr, Ring: dring.NewHandle(topo), MaxHopsToLive: 256},
		{Transport: tr, Ring: dring.NewHandle(topo), MaxHopsToLive: 2, Policy: dhs.FinalizationPolicy{EarlyAcceptVotes: 3}},
	} {
		require.Panics(t, func() {
			_ = dhs.NewCoordinator(t.Context(), dtest.NewLogger(t), cfg)
		})
	}
}

// peerRange returns n distinct peer IDs starting at index from.
func peerRange(t *testing.T, from, n int) []dpeer.ID {
	t.Helper()

	out := make([]dpeer.ID, n)
	for i := range out {
		out[i] = dtest.PeerID(t, from+i)
	}
	return out
}

func TestCoordinator_transient_fullSkipList(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	f := newFixture(t, fixtureOpts{
		Neighbors: []dpeer.ID{dtest.PeerID(t, 3)},
	})
	f.Topo.SetAccept(dringtest.AcceptNone)
	sender := f.Net.NewTransport(dtest.PeerID(t, 1))
	joiner := dtest.PeerID(t, 2)

	sc, err := sender.Dial(ctx, f.Self)
	require.NoError(t, err)

	// The list is already as long as the wire allows,
	// so there is no room to add this node or a candidate.
	skip := dpeer.NewSkipList(peerRange(t, 100, dwire.MaxSkipListLen)...)
	require.Equal(t, dwire.MaxSkipListLen, skip.Len())

	tx := dtx.New()
	require.NoError(t, sc.Send(ctx, dwire.ForwardJoin{
		Tx:            tx,
		Joiner:        joiner,
		MaxHopsToLive: 3,
		HopsToLive:    2,
		SkipList:      skip,
	}))

	require.Equal(t, dwire.JoinReply{
		Tx:       tx,
		Joiner:   joiner,
		Acceptor: f.Self,
	}, recvMsg[dwire.JoinReply](t, sc))

	require.Equal(t, 1.0, testutil.ToFloat64(f.Metrics.Forwards.WithLabelValues("rejected")))

	// The coordinator keeps serving the transaction.
	require.NoError(t, sc.Send(ctx, dwire.CleanConnection{Tx: tx, Joiner: joiner}))
	rt := recvEvent[dhs.RemoveTransaction](t, f)
	require.Equal(t, tx, rt.Tx)
	requireClosed(t, sc)
	dtest.NotSending(t, f.C.Events())
}

func TestCoordinator_gateway_fullSkipListExhausts(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	f := newFixture(t, fixtureOpts{
		Neighbors: []dpeer.ID{dtest.PeerID(t, 2)},
	})
	joiner := f.Net.NewTransport(dtest.PeerID(t, 1))

	jc, err := joiner.Dial(ctx, f.Self)
	require.NoError(t, err)

	tx := dtx.New()
	require.NoError(t, jc.Send(ctx, dwire.StartJoin{Tx: tx, Joiner: joiner.Self(), MaxHopsToLive: 3}))
	require.True(t, recvMsg[dwire.JoinReply](t, jc).Accepted)

	ids := append([]dpeer.ID{joiner.Self()}, peerRange(t, 100, dwire.MaxSkipListLen-1)...)
	require.NoError(t, jc.Send(ctx, dwire.CheckRequest{
		Tx:       tx,
		SkipList: dpeer.NewSkipList(ids...),
	}))
	require.True(t, recvMsg[dwire.JoinReply](t, jc).Exhausted())

	require.NoError(t, jc.Send(ctx, dwire.JoinFinished{Tx: tx, Admitted: true}))
	require.Equal(t, tx, recvEvent[dhs.InboundConnection](t, f).Tx)
	dtest.NotSending(t, f.C.Events())
}

func TestCoordinator_gatewayAdmission_skipListLimit(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	f := newFixture(t, fixtureOpts{
		Configure: func(cfg *dhs.CoordinatorConfig) {
			cfg.MaxHopsToLive = 255
		},
	})
	gw := f.Net.NewTransport(dtest.PeerID(t, 1))

	tx := dtx.New()
	require.NoError(t, f.C.Commands().EstablishConn(ctx, gw.Self(), tx, true))

	conn := acceptSoon(t, gw)
	_ = recvMsg[dwire.StartJoin](t, conn)
	require.NoError(t, conn.Send(ctx, dwire.JoinReply{
		Tx: tx, Joiner: f.Self, Acceptor: gw.Self(), Accepted: true,
	}))

	// The joiner and the gateway take two entries,
	// so only this many acceptors fit before the list is full.
	decliners := peerRange(t, 100, dwire.MaxSkipListLen-2)
	for _, d := range decliners {
		cr := recvMsg[dwire.CheckRequest](t, conn)
		require.Less(t, cr.SkipList.Len(), dwire.MaxSkipListLen)
		require.NoError(t, conn.Send(ctx, dwire.JoinReply{Tx: tx, Joiner: f.Self, Acceptor: d}))
	}

	// Checks remain, but the joiner stops asking instead of overflowing the list.
	require.False(t, recvMsg[dwire.JoinFinished](t, conn).Admitted)
	requireClosed(t, conn)
	_ = recvEvent[dhs.OutboundGatewayConnectionRejected](t, f)
	dtest.NotSending(t, f.C.Events())
}

func TestCoordinator_gatewayAdmission_duplicateVote(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name     string
		acceptor func(f *fixture, gw, first dpeer.ID) dpeer.ID
		wantErr  any
	}{
		{
			name:     "same acceptor twice",
			acceptor: func(_ *fixture, _, first dpeer.ID) dpeer.ID { return first },
			wantErr:  &dhs.DuplicateVoteError{},
		},
		{
			name:     "gateway as acceptor",
			acceptor: func(_ *fixture, gw, _ dpeer.ID) dpeer.ID { return gw },
			wantErr:  &dhs.DuplicateVoteError{},
		},
		{
			name:     "joiner as acceptor",
			acceptor: func(f *fixture, _, _ dpeer.ID) dpeer.ID { return f.Self },
			wantErr:  &dhs.UnexpectedMessageError{},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := t.Context()
			f := newFixture(t, fixtureOpts{})
			gw := f.Net.NewTransport(dtest.PeerID(t, 1))
			first := dtest.PeerID(t, 2)

			tx := dtx.New()
			require.NoError(t, f.C.Commands().EstablishConn(ctx, gw.Self(), tx, true))

			conn := acceptSoon(t, gw)
			_ = recvMsg[dwire.StartJoin](t, conn)
			require.NoError(t, conn.Send(ctx, dwire.JoinReply{
				Tx: tx, Joiner: f.Self, Acceptor: gw.Self(), Accepted: true,
			}))

			_ = recvMsg[dwire.CheckRequest](t, conn)
			require.NoError(t, conn.Send(ctx, dwire.JoinReply{Tx: tx, Joiner: f.Self, Acceptor: first}))

			_ = recvMsg[dwire.CheckRequest](t, conn)
			require.NoError(t, conn.Send(ctx, dwire.JoinReply{
				Tx:       tx,
				Joiner:   f.Self,
				Acceptor: tc.acceptor(f, gw.Self(), first),
				Accepted: true,
			}))

			ev := recvEvent[dhs.OutboundConnectionFailed](t, f)
			require.Equal(t, tx, ev.Tx)
			require.ErrorAs(t, ev.Err, tc.wantErr)
			requireClosed(t, conn)
			dtest.NotSending(t, f.C.Events())
		})
	}
}

func TestCommands_EstablishConn_addressTooLong(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	f := newFixture(t, fixtureOpts{})

	p := dpeer.ID{Key: dtest.PeerID(t, 1).Key, Addr: strings.Repeat("a", dwire.MaxAddrLen+1)}
	err := f.C.Commands().EstablishConn(ctx, p, dtx.New(), true)
	require.ErrorContains(t, err, "address must be at most 255 bytes")
	dtest.NotSending(t, f.C.Events())

	// The coordinator still serves ordinary peers.
	remote := f.Net.NewTransport(dtest.PeerID(t, 2))
	tx := dtx.New()
	require.NoError(t, f.C.Commands().EstablishConn(ctx, remote.Self(), tx, false))
	conn := acceptSoon(t, remote)
	require.Equal(t, tx, recvMsg[dwire.Hello](t, conn).Tx)
}
