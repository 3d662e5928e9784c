package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manderrow/manderrow/internal/config"
	"github.com/manderrow/manderrow/internal/events"
	"github.com/manderrow/manderrow/internal/ipc"
	"github.com/manderrow/manderrow/internal/logging"
	"github.com/manderrow/manderrow/internal/modindex"
	"github.com/manderrow/manderrow/internal/profile"
	"github.com/manderrow/manderrow/internal/tasks"
)

// captureOutput redirects the output helpers for the duration of the test.
func captureOutput(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	oldOut, oldErr := stdout, stderr
	stdout, stderr = &out, &errOut
	t.Cleanup(func() { stdout, stderr = oldOut, oldErr })
	return &out, &errOut
}

func messageEvent(t *testing.T, id ipc.ConnectionID, m ipc.C2SMessage) ipc.MessageEvent {
	t.Helper()
	env, err := ipc.WrapC2S(m)
	require.NoError(t, err)
	return ipc.MessageEvent{ConnID: id, Msg: env}
}

func TestParseSortOptions(t *testing.T) {
	opts, err := parseSortOptions("downloads:desc, name,relevance")
	require.NoError(t, err)
	assert.Equal(t, []modindex.SortOption{
		{Column: modindex.ColumnDownloads, Descending: true},
		{Column: modindex.ColumnName, Descending: false},
		{Column: modindex.ColumnRelevance, Descending: true},
	}, opts)

	opts, err = parseSortOptions("Relevance:asc")
	require.NoError(t, err)
	assert.Equal(t, []modindex.SortOption{{Column: modindex.ColumnRelevance}}, opts)

	_, err = parseSortOptions("popularity")
	assert.Error(t, err)
	_, err = parseSortOptions("name:up")
	assert.Error(t, err)
}

func TestHumanBytes(t *testing.T) {
	assert.Equal(t, "512 B", humanBytes(512))
	assert.Equal(t, "1.5 KiB", humanBytes(1536))
	assert.Equal(t, "1.0 MiB", humanBytes(1<<20))
}

func TestRenderReport(t *testing.T) {
	rep := &ipc.DoctorReport{
		TranslationKey: "launch.steam_launch_options",
		Args:           map[string]string{"app_id": "42", "launch_options": "x wrap %command%", "change": "overwrote"},
	}
	text := renderReport(rep)
	assert.Contains(t, text, "app 42")
	assert.Contains(t, text, "x wrap %command%")
	assert.NotContains(t, text, "{")

	rep = &ipc.DoctorReport{TranslationKey: "other.key", Args: map[string]string{"b": "2", "a": "1"}}
	assert.Equal(t, "other.key a=1 b=2", renderReport(rep))

	msg := "custom"
	rep.Message = &msg
	assert.Equal(t, "custom", renderReport(rep))
}

func TestTerminalSink_ExitAndClose(t *testing.T) {
	out, errOut := captureOutput(t)
	s := newTerminalSink(strings.NewReader(""), logging.Discard())

	require.NoError(t, s.Emit(events.IPCMessage, messageEvent(t, 7, &ipc.Output{Channel: ipc.Stdout, Line: "hello"})))
	require.NoError(t, s.Emit(events.IPCMessage, messageEvent(t, 7, &ipc.Output{Channel: ipc.Stderr, Line: "oops"})))
	code := int32(3)
	require.NoError(t, s.Emit(events.IPCMessage, messageEvent(t, 7, &ipc.Exit{Code: &code})))

	closed := s.Closed(7)
	select {
	case <-closed:
		t.Fatal("closed before ipc_closed")
	default:
	}
	// The payload may arrive as a different Go type; it is decoded via JSON.
	require.NoError(t, s.Emit(events.IPCClosed, map[string]any{"conn_id": 7}))
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Closed not signalled")
	}
	// A second ipc_closed must not panic.
	require.NoError(t, s.Emit(events.IPCClosed, ipc.ClosedEvent{ConnID: 7}))

	got, ok := s.ExitCode(7)
	require.True(t, ok)
	require.NotNil(t, got)
	assert.Equal(t, int32(3), *got)
	assert.Contains(t, out.String(), "hello\n")
	assert.Contains(t, out.String(), "exited with code 3")
	assert.Equal(t, "oops\n", errOut.String())
}

func TestTerminalSink_AnswersDoctorReport(t *testing.T) {
	captureOutput(t)
	s := newTerminalSink(strings.NewReader("nope\n9\n2\n"), logging.Discard())

	type sent struct {
		id ipc.ConnectionID
		m  ipc.S2CMessage
	}
	replies := make(chan sent, 1)
	s.setResponder(func(_ context.Context, id ipc.ConnectionID, m ipc.S2CMessage) error {
		replies <- sent{id, m}
		return nil
	})

	rep := &ipc.DoctorReport{
		ID:             uuid.New(),
		TranslationKey: "test.key",
		Fixes: []ipc.DoctorFix{
			{ID: json.RawMessage(`"Retry"`), Label: ipc.Label("Retry")},
			{ID: json.RawMessage(`"Apply"`), Label: ipc.Label("Apply")},
		},
	}
	require.NoError(t, s.Emit(events.IPCMessage, messageEvent(t, 3, rep)))

	select {
	case r := <-replies:
		assert.Equal(t, ipc.ConnectionID(3), r.id)
		resp, ok := r.m.(*ipc.PatientResponse)
		require.True(t, ok, "got %T", r.m)
		assert.Equal(t, rep.ID, resp.ID)
		assert.JSONEq(t, `"Apply"`, string(resp.Choice))
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
	}
}

func TestTerminalSink_EndOfInputKills(t *testing.T) {
	captureOutput(t)
	s := newTerminalSink(strings.NewReader(""), logging.Discard())
	replies := make(chan ipc.S2CMessage, 1)
	s.setResponder(func(_ context.Context, _ ipc.ConnectionID, m ipc.S2CMessage) error {
		replies <- m
		return nil
	})
	rep := &ipc.DoctorReport{ID: uuid.New(), TranslationKey: "k", Fixes: []ipc.DoctorFix{{ID: json.RawMessage(`1`)}}}
	require.NoError(t, s.Emit(events.IPCMessage, messageEvent(t, 1, rep)))

	select {
	case m := <-replies:
		assert.IsType(t, &ipc.Kill{}, m)
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
	}
}

func TestTerminalSink_LogsFailedTasks(t *testing.T) {
	var buf bytes.Buffer
	s := newTerminalSink(strings.NewReader(""), logging.NewWithWriter(&buf, log.DebugLevel))
	m := tasks.NewManager(s)

	h := m.Start(context.Background(), tasks.Metadata{Title: "Fetch things", Kind: tasks.KindOther})
	h.Finish(errors.New("boom"))

	assert.Contains(t, buf.String(), "task failed")
	assert.Contains(t, buf.String(), "Fetch things")
	assert.Contains(t, buf.String(), "boom")
	assert.Empty(t, s.running)
}

func TestLoaderDir(t *testing.T) {
	store := profile.NewStore(t.TempDir(), logging.Discard())
	p, err := store.Create("main", "lethal-company")
	require.NoError(t, err)
	assert.Equal(t, "", loaderDir(p))

	p.Mods = []profile.InstalledMod{{ID: "BepInEx-BepInExPack", Version: "5.4.2100"}}
	assert.Equal(t, p.ModDir("BepInEx-BepInExPack"), loaderDir(p))

	nested := filepath.Join(p.ModDir("BepInEx-BepInExPack"), "BepInExPack")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	assert.Equal(t, nested, loaderDir(p))
}

func TestExitError(t *testing.T) {
	err := error(&ExitError{Code: 4})
	assert.Equal(t, "exit status 4", err.Error())

	wrapped := &ExitError{Code: 1, Err: errors.New("game exited with code 1")}
	var target *ExitError
	require.True(t, errors.As(wrapped, &target))
	assert.Equal(t, 1, target.Code)
	assert.Equal(t, "game exited with code 1", wrapped.Error())
}

func TestWantBacktraceFollowsConfigLevel(t *testing.T) {
	prevConfig, prevLevel := flagConfig, flagLogLevel
	t.Cleanup(func() { flagConfig, flagLogLevel = prevConfig, prevLevel })

	cfg, err := config.DefaultConfig()
	require.NoError(t, err)
	cfg.Log.Level = "debug"
	flagConfig = filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, config.SaveFile(flagConfig, cfg))

	flagLogLevel = ""
	assert.True(t, wantBacktrace())

	flagLogLevel = "info"
	assert.False(t, wantBacktrace())

	cfg.Log.Level = "warn"
	require.NoError(t, config.SaveFile(flagConfig, cfg))
	flagLogLevel = ""
	assert.False(t, wantBacktrace())
	flagLogLevel = "debug"
	assert.True(t, wantBacktrace())
}

func TestAgentLibName(t *testing.T) {
	assert.Equal(t, "manderrow_agent.dll", agentLibName("windows"))
	assert.Equal(t, "libmanderrow_agent.dylib", agentLibName("darwin"))
	assert.Equal(t, "libmanderrow_agent.so", agentLibName("linux"))
}
