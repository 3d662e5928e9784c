package ipc

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maxFrameSize bounds a single message.
const maxFrameSize = 16 << 20

// ErrFrameTooLarge is returned for frames above maxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// WriteFrame writes payload prefixed with its little-endian u32 length.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame written by WriteFrame. A clean end of stream
// before the header is io.EOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// OneShotServer accepts exactly one connection on a named endpoint.
type OneShotServer struct {
	name string
	ln   net.Listener
}

// NewOneShotServer listens on a fresh socket in dir. Socket paths are
// length-limited, so names are kept short.
func NewOneShotServer(dir, prefix string) (*OneShotServer, error) {
	var rnd [6]byte
	if _, err := rand.Read(rnd[:]); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create runtime dir: %w", err)
	}
	name := filepath.Join(dir, prefix+"-"+hex.EncodeToString(rnd[:])+".sock")
	ln, err := net.Listen("unix", name)
	if err != nil {
		return nil, fmt.Errorf("cannot listen on %s: %w", name, err)
	}
	return &OneShotServer{name: name, ln: ln}, nil
}

// Name is passed to the peer out of band.
func (s *OneShotServer) Name() string { return s.name }

// Accept waits for the single peer, then stops listening.
func (s *OneShotServer) Accept(ctx context.Context) (net.Conn, error) {
	defer s.Close()
	stop := context.AfterFunc(ctx, func() { _ = s.ln.Close() })
	defer stop()
	c, err := s.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return c, nil
}

// Close stops listening and removes the socket.
func (s *OneShotServer) Close() error {
	err := s.ln.Close()
	_ = os.Remove(s.name)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func dial(ctx context.Context, name string) (net.Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", name)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to %s: %w", name, err)
	}
	return c, nil
}

// frameConn serialises writes and supports context-aware reads on a stream.
type frameConn struct {
	conn net.Conn
	wmu  sync.Mutex
}

func (f *frameConn) write(ctx context.Context, payload []byte) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	if d, ok := ctx.Deadline(); ok {
		_ = f.conn.SetWriteDeadline(d)
		defer f.conn.SetWriteDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { _ = f.conn.SetWriteDeadline(time.Now()) })
	defer stop()
	if err := WriteFrame(f.conn, payload); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (f *frameConn) read(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = f.conn.SetReadDeadline(time.Now()) })
	defer func() {
		if !stop() {
			_ = f.conn.SetReadDeadline(time.Time{})
		}
	}()
	b, err := ReadFrame(f.conn)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return b, err
}
