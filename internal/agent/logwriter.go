package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/manderrow/manderrow/internal/ipc"
)

// defaultScope is used for records without a prefix.
const defaultScope = "manderrow_agent"

// sendTimeout bounds each forwarded message. Failed sends are dropped.
const sendTimeout = 2 * time.Second

// ipcLogWriter receives JSON log records and forwards each one as a Log
// message. Without a connection records go to fallback unchanged.
type ipcLogWriter struct {
	mu       sync.Mutex
	conn     func() ipc.Conn
	fallback io.Writer
	buf      []byte
}

func (w *ipcLogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := w.buf[:i]
		w.forward(line)
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *ipcLogWriter) forward(line []byte) {
	conn := w.conn()
	if conn == nil {
		_, _ = w.fallback.Write(append(line[:len(line):len(line)], '\n'))
		return
	}
	msg, err := decodeRecord(line)
	if err != nil {
		msg = &ipc.Log{Level: ipc.LevelInfo, Scope: defaultScope, Message: string(line)}
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	_ = conn.Send(ctx, msg)
}

// decodeRecord converts one charmbracelet/log JSON record. Fields other
// than level, prefix, msg and time are appended as key=value pairs.
func decodeRecord(line []byte) (*ipc.Log, error) {
	var rec map[string]any
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, err
	}
	out := &ipc.Log{Level: ipc.LevelInfo, Scope: defaultScope}
	if s, ok := rec[log.LevelKey].(string); ok {
		if lvl, ok := ipc.ParseLogLevel(s); ok {
			out.Level = lvl
		}
	}
	if s, ok := rec[log.PrefixKey].(string); ok && s != "" {
		out.Scope = strings.TrimSuffix(s, ":")
	}
	msg, _ := rec[log.MessageKey].(string)

	keys := make([]string, 0, len(rec))
	for k := range rec {
		switch k {
		case log.LevelKey, log.PrefixKey, log.MessageKey, log.TimestampKey:
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, rec[k])
	}
	out.Message = b.String()
	return out, nil
}

func newAgentLogger(w io.Writer) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		Level:     log.DebugLevel,
		Formatter: log.JSONFormatter,
		Prefix:    defaultScope,
	})
}
