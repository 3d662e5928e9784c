package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/manderrow/manderrow/internal/events"
	"github.com/manderrow/manderrow/internal/reaper"
)

// ConnectionID identifies a session. IDs are never reused.
type ConnectionID uint64

// drainTimeout is how long the receiver of a dead process may keep reading
// buffered frames before the session is closed.
const drainTimeout = time.Second

var (
	// ErrNoSuchConnection is returned for ids the controller never allocated.
	ErrNoSuchConnection = errors.New("no such connection")
	// ErrConnectionClosed is returned once a session has ended.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrIncompleteConnection is returned while the handshake is pending.
	ErrIncompleteConnection = errors.New("connection is not established yet")
)

// SendError reports a failed Controller.Send.
type SendError struct {
	ID  ConnectionID
	Err error
}

func (e *SendError) Error() string { return fmt.Sprintf("cannot send to connection %d: %v", e.ID, e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// KillError reports a failed Controller.Kill.
type KillError struct {
	ID  ConnectionID
	Err error
}

func (e *KillError) Error() string { return fmt.Sprintf("cannot kill connection %d: %v", e.ID, e.Err) }
func (e *KillError) Unwrap() error { return e.Err }

type connState int

const (
	stateInternalConnecting connState = iota
	stateInternal
	stateExternalConnecting
	stateExternal
	stateClosed
)

type connection struct {
	state    connState
	internal *InProcessConn
	send     *frameConn
	recv     net.Conn
	pid      int
}

type registration struct {
	id      ConnectionID
	recv    net.Conn
	send    *frameConn
	connect *Connect
}

type incoming struct {
	id  ConnectionID
	msg C2SMessage
	err error
}

// MessageEvent is the payload of an ipc_message event.
type MessageEvent struct {
	ConnID ConnectionID `json:"conn_id"`
	Msg    Envelope     `json:"msg"`
}

// ClosedEvent is the payload of an ipc_closed event.
type ClosedEvent struct {
	ConnID ConnectionID `json:"conn_id"`
}

// Controller multiplexes agent sessions onto an event sink.
type Controller struct {
	sink       events.Sink
	reaper     reaper.Group
	runtimeDir string
	logger     *log.Logger
	dialBack   func(ctx context.Context, name string) (net.Conn, error)

	nextID atomic.Uint64

	mu    sync.RWMutex
	conns map[ConnectionID]*connection

	regs     chan registration
	incoming chan incoming

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController starts a controller. Sockets are created in runtimeDir and
// agent processes are watched through rg.
func NewController(sink events.Sink, rg reaper.Group, runtimeDir string, logger *log.Logger) *Controller {
	if sink == nil {
		sink = events.Discard
	}
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		sink:       sink,
		reaper:     rg,
		runtimeDir: runtimeDir,
		logger:     logger,
		dialBack:   dial,
		conns:      make(map[ConnectionID]*connection),
		regs:       make(chan registration),
		incoming:   make(chan incoming, 64),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.wg.Add(1)
	go c.selector()
	return c
}

// Close stops the controller and closes every session.
func (c *Controller) Close() error {
	c.cancel()
	c.mu.RLock()
	ids := make([]ConnectionID, 0, len(c.conns))
	for id := range c.conns {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	for _, id := range ids {
		c.closeConn(id)
	}
	c.wg.Wait()
	return nil
}

// Allocate reserves a new connection id.
func (c *Controller) Allocate() ConnectionID {
	id := ConnectionID(c.nextID.Add(1))
	c.mu.Lock()
	c.conns[id] = &connection{state: stateInternalConnecting}
	c.mu.Unlock()
	return id
}

// BindInternal turns id into an in-process session.
func (c *Controller) BindInternal(id ConnectionID) (*InProcessConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[id]
	if !ok {
		return nil, ErrNoSuchConnection
	}
	if conn.state != stateInternalConnecting {
		return nil, fmt.Errorf("connection %d is already bound", id)
	}
	ic := &InProcessConn{id: id, ctrl: c, inbox: make(chan S2CMessage, 16), closed: make(chan struct{})}
	conn.state = stateInternal
	conn.internal = ic
	return ic, nil
}

// SpawnExternal opens the one-shot server an external agent connects to
// and returns its name.
func (c *Controller) SpawnExternal(id ConnectionID) (string, error) {
	c.mu.Lock()
	conn, ok := c.conns[id]
	if !ok {
		c.mu.Unlock()
		return "", ErrNoSuchConnection
	}
	if conn.state != stateInternalConnecting {
		c.mu.Unlock()
		return "", fmt.Errorf("connection %d is already bound", id)
	}
	conn.state = stateExternalConnecting
	c.mu.Unlock()

	srv, err := NewOneShotServer(c.runtimeDir, "c2s")
	if err != nil {
		c.closeConn(id)
		return "", err
	}
	c.wg.Add(1)
	go c.acceptor(id, srv)
	return srv.Name(), nil
}

func (c *Controller) acceptor(id ConnectionID, srv *OneShotServer) {
	defer c.wg.Done()
	logger := c.logger.With("conn", id)

	raw, err := srv.Accept(c.ctx)
	if err != nil {
		if c.ctx.Err() == nil {
			logger.Error("accept failed", "err", err)
		}
		c.closeConn(id)
		return
	}

	_ = raw.SetReadDeadline(time.Now().Add(handshakeTimeout))
	b, err := ReadFrame(raw)
	_ = raw.SetReadDeadline(time.Time{})
	var connect *Connect
	if err == nil {
		var msg C2SMessage
		if msg, err = DecodeC2S(b); err == nil {
			var ok bool
			if connect, ok = msg.(*Connect); !ok {
				err = fmt.Errorf("%w: got %s", ErrInvalidRecvConnectMessage, msg.c2sType())
			}
		}
	}
	if err != nil {
		logger.Error("handshake failed", "err", err)
		_ = raw.Close()
		c.closeConn(id)
		return
	}

	send, err := c.connectBack(connect)
	if err != nil {
		logger.Error("cannot connect back", "err", err)
		_ = raw.Close()
		c.closeConn(id)
		return
	}

	select {
	case c.regs <- registration{id: id, recv: raw, send: send, connect: connect}:
	case <-c.ctx.Done():
		_ = send.conn.Close()
		_ = raw.Close()
	}
}

// connectBack opens the server-to-client stream and acknowledges the
// handshake. It runs on the accepting goroutine so a slow peer only delays
// itself.
func (c *Controller) connectBack(connect *Connect) (*frameConn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, handshakeTimeout)
	defer cancel()
	back, err := c.dialBack(ctx, connect.S2CTx)
	if err != nil {
		return nil, err
	}
	send := &frameConn{conn: back}
	ack, _ := EncodeS2C(&ServerConnect{})
	if err := send.write(ctx, ack); err != nil {
		_ = back.Close()
		return nil, fmt.Errorf("cannot acknowledge connect: %w", err)
	}
	return send, nil
}

func (c *Controller) selector() {
	defer c.wg.Done()
	var deaths <-chan reaper.Tag
	if c.reaper != nil {
		deaths = c.reaper.Deaths()
	}
	for {
		select {
		case <-c.ctx.Done():
			return
		case r := <-c.regs:
			c.register(r)
		case in := <-c.incoming:
			if in.err != nil {
				if !errors.Is(in.err, io.EOF) && !errors.Is(in.err, net.ErrClosed) && !errors.Is(in.err, os.ErrDeadlineExceeded) {
					c.logger.Warn("receive failed", "conn", in.id, "err", in.err)
				}
				c.closeConn(in.id)
				continue
			}
			if err := c.emitMessage(in.id, in.msg); err != nil {
				c.logger.Warn("cannot emit message", "conn", in.id, "err", err)
			}
		case tag := <-deaths:
			c.onDeath(ConnectionID(tag))
		}
	}
}

func (c *Controller) register(r registration) {
	logger := c.logger.With("conn", r.id)
	if err := c.emitMessage(r.id, r.connect); err != nil {
		logger.Warn("cannot emit message", "err", err)
	}

	c.mu.Lock()
	conn, ok := c.conns[r.id]
	adopted := ok && conn.state == stateExternalConnecting
	if adopted {
		conn.state = stateExternal
		conn.send = r.send
		conn.recv = r.recv
		conn.pid = int(r.connect.PID)
	}
	c.mu.Unlock()
	if !adopted {
		_ = r.send.conn.Close()
		_ = r.recv.Close()
		return
	}

	c.wg.Add(1)
	go c.receive(r.id, r.recv)

	if c.reaper != nil && r.connect.PID != 0 {
		if err := c.reaper.Submit(int(r.connect.PID), reaper.Tag(r.id)); err != nil {
			logger.Warn("cannot watch agent process", "pid", r.connect.PID, "err", err)
		}
	}
	logger.Debug("agent connected", "pid", r.connect.PID)
}

func (c *Controller) receive(id ConnectionID, conn net.Conn) {
	defer c.wg.Done()
	for {
		b, err := ReadFrame(conn)
		var msg C2SMessage
		if err == nil {
			msg, err = DecodeC2S(b)
			if errors.Is(err, ErrBadData) {
				c.logger.Warn("dropping undecodable message", "conn", id, "err", err)
				continue
			}
		}
		select {
		case c.incoming <- incoming{id: id, msg: msg, err: err}:
		case <-c.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Controller) onDeath(id ConnectionID) {
	c.mu.RLock()
	conn, ok := c.conns[id]
	var recv net.Conn
	if ok && conn.state == stateExternal {
		recv = conn.recv
	}
	c.mu.RUnlock()
	if recv != nil {
		c.logger.Debug("agent process exited", "conn", id)
		_ = recv.SetReadDeadline(time.Now().Add(drainTimeout))
	}
}

// closeConn ends a session exactly once and reports it.
func (c *Controller) closeConn(id ConnectionID) {
	c.mu.Lock()
	conn, ok := c.conns[id]
	if !ok || conn.state == stateClosed {
		c.mu.Unlock()
		return
	}
	prev := *conn
	conn.state = stateClosed
	conn.send, conn.recv, conn.internal = nil, nil, nil
	c.mu.Unlock()

	if prev.send != nil {
		_ = prev.send.conn.Close()
	}
	if prev.recv != nil {
		_ = prev.recv.Close()
	}
	if prev.internal != nil {
		prev.internal.once.Do(func() { close(prev.internal.closed) })
	}
	if err := c.sink.Emit(events.IPCClosed, ClosedEvent{ConnID: id}); err != nil {
		c.logger.Warn("cannot emit close", "conn", id, "err", err)
	}
}

func (c *Controller) emitMessage(id ConnectionID, m C2SMessage) error {
	env, err := WrapC2S(m)
	if err != nil {
		return err
	}
	return c.sink.Emit(events.IPCMessage, MessageEvent{ConnID: id, Msg: env})
}

// Send delivers m to the agent of id.
func (c *Controller) Send(ctx context.Context, id ConnectionID, m S2CMessage) error {
	c.mu.RLock()
	conn, ok := c.conns[id]
	var (
		state    connState
		internal *InProcessConn
		send     *frameConn
	)
	if ok {
		state, internal, send = conn.state, conn.internal, conn.send
	}
	c.mu.RUnlock()
	if !ok {
		return ErrNoSuchConnection
	}

	switch state {
	case stateInternalConnecting, stateExternalConnecting:
		return &SendError{ID: id, Err: ErrIncompleteConnection}
	case stateClosed:
		return &SendError{ID: id, Err: ErrConnectionClosed}
	case stateInternal:
		if err := internal.deliver(ctx, m); err != nil {
			return &SendError{ID: id, Err: err}
		}
		return nil
	}

	b, err := EncodeS2C(m)
	if err != nil {
		return &SendError{ID: id, Err: err}
	}
	if err := send.write(ctx, b); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.EPIPE) {
			err = ErrConnectionClosed
		}
		return &SendError{ID: id, Err: err}
	}
	return nil
}

// Kill asks the agent of id to exit. With hard, an external agent's process
// is also killed outright.
func (c *Controller) Kill(ctx context.Context, id ConnectionID, hard bool) error {
	c.mu.RLock()
	conn, ok := c.conns[id]
	var (
		state connState
		pid   int
	)
	if ok {
		state, pid = conn.state, conn.pid
	}
	c.mu.RUnlock()
	if !ok {
		return ErrNoSuchConnection
	}
	if state == stateInternalConnecting || state == stateExternalConnecting {
		return &KillError{ID: id, Err: ErrIncompleteConnection}
	}

	sendErr := c.Send(ctx, id, &Kill{})
	if hard && state == stateExternal && pid > 0 {
		p, err := os.FindProcess(pid)
		if err == nil {
			err = p.Kill()
		}
		if err != nil && !errors.Is(err, os.ErrProcessDone) {
			return &KillError{ID: id, Err: err}
		}
		return nil
	}
	if sendErr != nil {
		return &KillError{ID: id, Err: sendErr}
	}
	return nil
}

// PID returns the process id of an external agent.
func (c *Controller) PID(id ConnectionID) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.conns[id]
	if !ok || conn.state != stateExternal {
		return 0, false
	}
	return conn.pid, true
}
