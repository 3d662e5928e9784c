// Package ipc connects injected agents to the controller.
//
// Every session has two one-way streams of length-prefixed JSON frames. The
// agent dials the controller's one-shot server for C2S traffic and announces
// its own one-shot server in Connect; the controller dials back for S2C.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// Conn is the agent's end of a session.
type Conn interface {
	Send(ctx context.Context, m C2SMessage) error
	Recv(ctx context.Context) (S2CMessage, error)
	Close() error
}

// ErrInvalidRecvConnectMessage is returned when the first message of a
// session is not Connect.
var ErrInvalidRecvConnectMessage = errors.New("expected Connect as the first message")

// handshakeTimeout bounds how long either side waits for the other during
// Connect.
const handshakeTimeout = 30 * time.Second

// ClientConn is an agent connected to an external controller.
type ClientConn struct {
	c2s *frameConn
	s2c *frameConn
}

// Dial connects to the controller server c2sName. It opens a one-shot
// server in runtimeDir for the reverse channel, sends Connect and waits for
// the controller to acknowledge.
func Dial(ctx context.Context, c2sName, runtimeDir string) (*ClientConn, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	srv, err := NewOneShotServer(runtimeDir, "s2c")
	if err != nil {
		return nil, err
	}
	defer srv.Close()

	raw, err := dial(ctx, c2sName)
	if err != nil {
		return nil, err
	}
	c := &ClientConn{c2s: &frameConn{conn: raw}}
	if err := c.Send(ctx, &Connect{S2CTx: srv.Name(), PID: uint32(os.Getpid())}); err != nil {
		_ = raw.Close()
		return nil, err
	}

	back, err := srv.Accept(ctx)
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("controller did not connect back: %w", err)
	}
	c.s2c = &frameConn{conn: back}
	msg, err := c.Recv(ctx)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if _, ok := msg.(*ServerConnect); !ok {
		_ = c.Close()
		return nil, fmt.Errorf("%w: got %s", ErrInvalidRecvConnectMessage, msg.s2cType())
	}
	return c, nil
}

// Send writes m to the controller.
func (c *ClientConn) Send(ctx context.Context, m C2SMessage) error {
	b, err := EncodeC2S(m)
	if err != nil {
		return err
	}
	return c.c2s.write(ctx, b)
}

// Recv reads the next message from the controller.
func (c *ClientConn) Recv(ctx context.Context) (S2CMessage, error) {
	b, err := c.s2c.read(ctx)
	if err != nil {
		return nil, err
	}
	return DecodeS2C(b)
}

// Close closes both streams.
func (c *ClientConn) Close() error {
	err := c.c2s.conn.Close()
	if c.s2c != nil {
		err = errors.Join(err, c.s2c.conn.Close())
	}
	return err
}

// InProcessConn is a session whose agent side lives in the controller
// process itself. C2S messages go straight to the controller's event sink.
type InProcessConn struct {
	id    ConnectionID
	ctrl  *Controller
	inbox chan S2CMessage

	once   sync.Once
	closed chan struct{}
}

// ID returns the connection id.
func (c *InProcessConn) ID() ConnectionID { return c.id }

// Send emits m as coming from this connection.
func (c *InProcessConn) Send(ctx context.Context, m C2SMessage) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	return c.ctrl.emitMessage(c.id, m)
}

// Recv waits for the next message addressed to this connection.
func (c *InProcessConn) Recv(ctx context.Context) (S2CMessage, error) {
	select {
	case m := <-c.inbox:
		return m, nil
	case <-c.closed:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *InProcessConn) deliver(ctx context.Context, m S2CMessage) error {
	select {
	case c.inbox <- m:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the session and reports it closed.
func (c *InProcessConn) Close() error {
	c.ctrl.closeConn(c.id)
	c.once.Do(func() { close(c.closed) })
	return nil
}
