package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/go-vr/vr"
	"github.com/vmihailenco/msgpack/v5"
)

// TCPDialer opens production Channels over plain TCP, grounded on the
// teacher's net.DialTCP/gob.NewEncoder pairing in peer.go, with the codec
// swapped for msgpack per the domain-stack decision.
type TCPDialer struct{}

func (TCPDialer) Connect(ctx context.Context, localUid vr.ReplicaUid, peerAddr string) (vr.Channel, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", peerAddr)
	if err != nil {
		return nil, err
	}
	return newTCPChannel(localUid, conn), nil
}

// TCPListener accepts production Channels over plain TCP.
type TCPListener struct {
	ln net.Listener
}

// ListenTCP binds addr and returns a Listener for it.
func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TCPListener{ln: ln}, nil
}

func (l *TCPListener) Accept(ctx context.Context) (vr.Channel, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		done <- result{conn, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return newTCPChannel("", r.conn), nil
	case <-ctx.Done():
		_ = l.ln.Close()
		return nil, ctx.Err()
	}
}

func (l *TCPListener) Close() error { return l.ln.Close() }

// TCPChannel frames messages with msgpack's self-describing encoding
// directly over the connection (no extra length prefix needed, the same way
// the teacher streams gob.Encoder/Decoder over net.TCPConn): a single
// writer goroutine serializes concurrent Send calls, and a single reader
// goroutine feeds Receive so it stays cancellable via ctx.
type TCPChannel struct {
	base
	conn net.Conn
	enc  *msgpack.Encoder
	dec  *msgpack.Decoder

	outbox chan vr.Msg
	inbox  chan vr.Msg
	errc   chan error

	closeOnce sync.Once
	closed    chan struct{}
}

func newTCPChannel(localUid vr.ReplicaUid, conn net.Conn) *TCPChannel {
	c := &TCPChannel{
		base:   base{localUid: localUid},
		conn:   conn,
		enc:    msgpack.NewEncoder(conn),
		dec:    msgpack.NewDecoder(conn),
		outbox: make(chan vr.Msg, 256),
		inbox:  make(chan vr.Msg, 256),
		errc:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()
	return c
}

func (c *TCPChannel) writeLoop() {
	for {
		select {
		case m := <-c.outbox:
			if err := c.enc.Encode(&m); err != nil {
				c.fail(err)
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *TCPChannel) readLoop() {
	for {
		var m vr.Msg
		if err := c.dec.Decode(&m); err != nil {
			c.fail(err)
			return
		}
		select {
		case c.inbox <- m:
		case <-c.closed:
			return
		}
	}
}

func (c *TCPChannel) fail(err error) {
	select {
	case c.errc <- err:
	default:
	}
	_ = c.Close()
}

func (c *TCPChannel) Send(m vr.Msg) error {
	select {
	case <-c.closed:
		return vr.ErrChannelClosed
	case c.outbox <- m:
		return nil
	}
}

func (c *TCPChannel) Receive(ctx context.Context) (vr.Msg, error) {
	select {
	case m := <-c.inbox:
		c.noteHandshake(m)
		return m, nil
	case <-c.closed:
		select {
		case err := <-c.errc:
			return vr.Msg{}, fmt.Errorf("%w: %w", vr.ErrChannelClosed, err)
		default:
			return vr.Msg{}, vr.ErrChannelClosed
		}
	case <-ctx.Done():
		return vr.Msg{}, ctx.Err()
	}
}

func (c *TCPChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
	return nil
}
