package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/manderrow/manderrow/internal/events"
	"github.com/manderrow/manderrow/internal/ipc"
	"github.com/manderrow/manderrow/internal/tasks"
)

const responseTimeout = 10 * time.Second

// promptTexts renders the translation keys the core emits. Unknown keys fall
// back to the key and its arguments.
var promptTexts = map[string]string{
	"launch.steam_launch_options": "Steam must start app {app_id} with the launch options {launch_options}.\n" +
		"This needs Steam to be closed ({change} the current options).",
}

// responder delivers an answer to an agent connection.
type responder func(ctx context.Context, id ipc.ConnectionID, m ipc.S2CMessage) error

type taskCreated struct {
	ID       tasks.ID       `json:"id"`
	Parent   *tasks.ID      `json:"parent,omitempty"`
	Metadata tasks.Metadata `json:"metadata"`
}

type taskProgress struct {
	ID        tasks.ID `json:"id"`
	Completed uint64   `json:"completed"`
	Total     uint64   `json:"total"`
}

type taskDropped struct {
	ID     tasks.ID     `json:"id"`
	Status tasks.Status `json:"status"`
}

// terminalSink renders core events on the terminal and answers doctor
// reports from the user's input.
type terminalSink struct {
	logger *log.Logger
	in     *bufio.Reader

	promptMu sync.Mutex

	mu       sync.Mutex
	respond  responder
	closed   map[ipc.ConnectionID]chan struct{}
	exits    map[ipc.ConnectionID]*int32
	running  map[tasks.ID]tasks.Metadata
	progress map[tasks.ID]taskProgress
}

func newTerminalSink(in io.Reader, logger *log.Logger) *terminalSink {
	return &terminalSink{
		logger:   logger,
		in:       bufio.NewReader(in),
		closed:   make(map[ipc.ConnectionID]chan struct{}),
		exits:    make(map[ipc.ConnectionID]*int32),
		running:  make(map[tasks.ID]tasks.Metadata),
		progress: make(map[tasks.ID]taskProgress),
	}
}

var _ events.Sink = (*terminalSink)(nil)

func (s *terminalSink) setResponder(r responder) {
	s.mu.Lock()
	s.respond = r
	s.mu.Unlock()
}

// Closed is closed once the connection's ipc_closed event arrives.
func (s *terminalSink) Closed(id ipc.ConnectionID) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedLocked(id)
}

func (s *terminalSink) closedLocked(id ipc.ConnectionID) chan struct{} {
	ch, ok := s.closed[id]
	if !ok {
		ch = make(chan struct{})
		s.closed[id] = ch
	}
	return ch
}

// ExitCode returns the code reported by the agent, if any.
func (s *terminalSink) ExitCode(id ipc.ConnectionID) (*int32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.exits[id]
	return code, ok
}

// Emit implements events.Sink.
func (s *terminalSink) Emit(name string, payload any) error {
	switch name {
	case events.IPCMessage:
		ev, err := decodePayload[ipc.MessageEvent](payload)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(ev.Msg)
		if err != nil {
			return err
		}
		m, err := ipc.DecodeC2S(raw)
		if err != nil {
			s.logger.Warn("undecodable agent message", "conn", ev.ConnID, "err", err)
			return nil
		}
		s.onMessage(ev.ConnID, m)
	case events.IPCClosed:
		ev, err := decodePayload[ipc.ClosedEvent](payload)
		if err != nil {
			return err
		}
		s.mu.Lock()
		ch := s.closedLocked(ev.ConnID)
		select {
		case <-ch:
		default:
			close(ch)
		}
		s.mu.Unlock()
	case events.TaskCreated:
		ev, err := decodePayload[taskCreated](payload)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.running[ev.ID] = ev.Metadata
		s.mu.Unlock()
		s.logger.Debug("task started", "task", ev.ID, "title", ev.Metadata.Title)
	case events.TaskProgress:
		ev, err := decodePayload[taskProgress](payload)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.progress[ev.ID] = ev
		s.mu.Unlock()
	case events.TaskDropped:
		ev, err := decodePayload[taskDropped](payload)
		if err != nil {
			return err
		}
		s.onTaskDropped(ev)
	default:
		s.logger.Debug("unhandled event", "name", name)
	}
	return nil
}

func (s *terminalSink) onTaskDropped(ev taskDropped) {
	s.mu.Lock()
	meta := s.running[ev.ID]
	prog := s.progress[ev.ID]
	delete(s.running, ev.ID)
	delete(s.progress, ev.ID)
	s.mu.Unlock()

	switch ev.Status.Kind {
	case "Success":
		if meta.ProgressUnit == tasks.UnitBytes && prog.Completed > 0 {
			s.logger.Debug("task finished", "title", meta.Title, "transferred", humanBytes(prog.Completed))
		} else {
			s.logger.Debug("task finished", "title", meta.Title)
		}
	case "Cancelled":
		s.logger.Debug("task cancelled", "title", meta.Title)
	case "Failed":
		msg := ""
		if ev.Status.Error != nil {
			msg = ev.Status.Error.String()
		}
		s.logger.Error("task failed", "title", meta.Title, "err", msg)
	}
}

func (s *terminalSink) onMessage(id ipc.ConnectionID, m ipc.C2SMessage) {
	switch m := m.(type) {
	case *ipc.Connect:
		s.logger.Debug("agent connected", "conn", id, "pid", m.PID)
	case *ipc.Start:
		printInfo("game", "running "+m.Command+" "+strings.Join(m.Args, " "))
	case *ipc.Started:
		printOK("game", fmt.Sprintf("agent started (pid %d)", m.PID))
	case *ipc.Log:
		gameLog(s.logger.WithPrefix(m.Scope), m.Level, m.Message)
	case *ipc.Output:
		w := stdout
		if m.Channel == ipc.Stderr {
			w = stderr
		}
		fmt.Fprintln(w, m.Line)
	case *ipc.Exit:
		s.mu.Lock()
		s.exits[id] = m.Code
		s.mu.Unlock()
		if m.Code == nil {
			printInfo("game", "exited")
		} else {
			printInfo("game", fmt.Sprintf("exited with code %d", *m.Code))
		}
	case *ipc.Crash:
		printErr("game", "crashed: "+m.Error)
	case *ipc.DoctorReport:
		// The selector delivers events; prompting must not block it.
		go s.answer(id, m)
	}
}

func gameLog(l *log.Logger, level ipc.LogLevel, msg string) {
	switch level {
	case ipc.LevelError:
		l.Error(msg)
	case ipc.LevelWarn:
		l.Warn(msg)
	case ipc.LevelInfo:
		l.Info(msg)
	default:
		l.Debug(msg)
	}
}

// answer asks the user to pick one of the report's fixes. End of input
// kills the asking connection.
func (s *terminalSink) answer(id ipc.ConnectionID, rep *ipc.DoctorReport) {
	s.promptMu.Lock()
	defer s.promptMu.Unlock()

	s.mu.Lock()
	respond := s.respond
	s.mu.Unlock()
	if respond == nil {
		s.logger.Error("no responder for doctor report", "conn", id, "key", rep.TranslationKey)
		return
	}

	var reply ipc.S2CMessage = &ipc.Kill{}
	if i, ok := s.choose(rep); ok {
		reply = &ipc.PatientResponse{ID: rep.ID, Choice: rep.Fixes[i].ID}
	}
	ctx, cancel := context.WithTimeout(context.Background(), responseTimeout)
	defer cancel()
	if err := respond(ctx, id, reply); err != nil {
		s.logger.Error("cannot answer doctor report", "conn", id, "err", err)
	}
}

func (s *terminalSink) choose(rep *ipc.DoctorReport) (int, bool) {
	printSection("Action required")
	fmt.Fprintln(stdout, renderReport(rep))
	for i, f := range rep.Fixes {
		label := string(f.ID)
		if f.Label != nil {
			label = *f.Label
		}
		fmt.Fprintf(stdout, "  %d) %s\n", i+1, label)
		if f.Description != nil {
			fmt.Fprintf(stdout, "     %s\n", dimStyle.Render(*f.Description))
		}
	}
	for {
		fmt.Fprintf(stdout, "Choose [1-%d]: ", len(rep.Fixes))
		line, err := s.in.ReadString('\n')
		n, convErr := strconv.Atoi(strings.TrimSpace(line))
		if convErr == nil && n >= 1 && n <= len(rep.Fixes) {
			return n - 1, true
		}
		if err != nil {
			fmt.Fprintln(stdout)
			return 0, false
		}
	}
}

// renderReport returns the human text of a doctor report.
func renderReport(rep *ipc.DoctorReport) string {
	if rep.Message != nil {
		return *rep.Message
	}
	if tmpl, ok := promptTexts[rep.TranslationKey]; ok {
		pairs := make([]string, 0, 2*len(rep.Args))
		for k, v := range rep.Args {
			pairs = append(pairs, "{"+k+"}", v)
		}
		return strings.NewReplacer(pairs...).Replace(tmpl)
	}
	keys := make([]string, 0, len(rep.Args))
	for k := range rep.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(rep.TranslationKey)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, rep.Args[k])
	}
	return b.String()
}

// decodePayload converts an event payload to T, going through JSON when the
// emitter used a different Go type.
func decodePayload[T any](payload any) (T, error) {
	if v, ok := payload.(T); ok {
		return v, nil
	}
	if v, ok := payload.(*T); ok && v != nil {
		return *v, nil
	}
	var v T
	b, err := json.Marshal(payload)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("cannot decode event payload: %w", err)
	}
	return v, nil
}
