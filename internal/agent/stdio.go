package agent

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/manderrow/manderrow/internal/ipc"
)

const maxLineSize = 1 << 20

// classifyLine turns a captured output line into a Log when it carries a
// "<level> <scope> <message>" or "[Level : Scope] message" prefix, and into
// Output otherwise.
func classifyLine(ch ipc.Channel, line string) ipc.C2SMessage {
	if strings.HasPrefix(line, "[") {
		if end := strings.IndexByte(line, ']'); end > 0 {
			head := line[1:end]
			if colon := strings.IndexByte(head, ':'); colon > 0 {
				lvl, ok := ipc.ParseLogLevel(strings.TrimSpace(head[:colon]))
				scope := strings.TrimSpace(head[colon+1:])
				if ok && scope != "" {
					return &ipc.Log{Level: lvl, Scope: scope, Message: strings.TrimPrefix(line[end+1:], " ")}
				}
			}
		}
	}
	fields := strings.SplitN(line, " ", 3)
	if len(fields) == 3 && fields[1] != "" {
		if lvl, ok := ipc.ParseLogLevel(fields[0]); ok {
			return &ipc.Log{Level: lvl, Scope: fields[1], Message: fields[2]}
		}
	}
	return &ipc.Output{Channel: ch, Line: line}
}

// forwardLines copies r line by line to tee and to the IPC connection.
func forwardLines(r io.Reader, tee io.Writer, ch ipc.Channel, conn func() ipc.Conn) {
	defer RecoverCrash()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxLineSize)
	for sc.Scan() {
		line := sc.Text()
		if tee != nil {
			_, _ = io.WriteString(tee, line+"\n")
		}
		c := conn()
		if c == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		_ = c.Send(ctx, classifyLine(ch, strings.TrimSuffix(line, "\r")))
		cancel()
	}
}
