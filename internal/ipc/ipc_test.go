package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manderrow/manderrow/internal/events"
	"github.com/manderrow/manderrow/internal/logging"
	"github.com/manderrow/manderrow/internal/reaper"
)

type fakeReaper struct {
	submitted chan int
	deaths    chan reaper.Tag
}

func newFakeReaper() *fakeReaper {
	return &fakeReaper{submitted: make(chan int, 8), deaths: make(chan reaper.Tag, 8)}
}

func (f *fakeReaper) Submit(pid int, _ reaper.Tag) error {
	f.submitted <- pid
	return nil
}

func (f *fakeReaper) Deaths() <-chan reaper.Tag { return f.deaths }
func (f *fakeReaper) Close() error              { return nil }

func runtimeDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "mdrw")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func waitFor(t *testing.T, rec *events.Recorder, cond func([]events.Event) bool) []events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		evs := rec.Events()
		if cond(evs) {
			return evs
		}
		select {
		case <-rec.Changed():
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out; recorded %d events", len(evs))
		}
	}
}

func countNamed(evs []events.Event, name string) int {
	n := 0
	for _, e := range evs {
		if e.Name == name {
			n++
		}
	}
	return n
}

func messageTypes(t *testing.T, evs []events.Event) []string {
	t.Helper()
	var out []string
	for _, e := range evs {
		if e.Name != events.IPCMessage {
			continue
		}
		var p MessageEvent
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		out = append(out, p.Msg.Type)
	}
	return out
}

func TestControllerExternalLifecycle(t *testing.T) {
	rec := events.NewRecorder()
	rg := newFakeReaper()
	dir := runtimeDir(t)
	ctrl := NewController(rec, rg, dir, logging.Discard())
	defer ctrl.Close()

	id := ctrl.Allocate()
	name, err := ctrl.SpawnExternal(id)
	require.NoError(t, err)

	ctx := context.Background()
	client, err := Dial(ctx, name, dir)
	require.NoError(t, err)

	select {
	case pid := <-rg.submitted:
		assert.Equal(t, os.Getpid(), pid)
	case <-time.After(5 * time.Second):
		t.Fatal("agent process was not submitted to the reaper")
	}

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, client.Send(ctx, &Log{Level: LevelInfo, Scope: "test", Message: msg}))
	}
	require.NoError(t, client.Close())

	evs := waitFor(t, rec, func(evs []events.Event) bool { return countNamed(evs, events.IPCClosed) > 0 })
	assert.Equal(t, []string{"Connect", "Log", "Log", "Log"}, messageTypes(t, evs))
	assert.Equal(t, events.IPCClosed, evs[len(evs)-1].Name)
	assert.Equal(t, 1, countNamed(evs, events.IPCClosed))

	var closed ClosedEvent
	require.NoError(t, json.Unmarshal(evs[len(evs)-1].Payload, &closed))
	assert.Equal(t, id, closed.ConnID)

	err = ctrl.Send(ctx, id, &Kill{})
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestControllerSlowPeerDoesNotStallOthers(t *testing.T) {
	rec := events.NewRecorder()
	dir := runtimeDir(t)
	ctrl := NewController(rec, nil, dir, logging.Discard())
	defer ctrl.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	ctrl.dialBack = func(ctx context.Context, name string) (net.Conn, error) {
		if calls.Add(1) == 1 {
			close(entered)
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return dial(ctx, name)
	}

	ctx := context.Background()
	slowID := ctrl.Allocate()
	slowName, err := ctrl.SpawnExternal(slowID)
	require.NoError(t, err)
	slowDone := make(chan error, 1)
	go func() {
		c, err := Dial(ctx, slowName, dir)
		if err == nil {
			_ = c.Close()
		}
		slowDone <- err
	}()
	<-entered

	fastID := ctrl.Allocate()
	fastName, err := ctrl.SpawnExternal(fastID)
	require.NoError(t, err)
	fast, err := Dial(ctx, fastName, dir)
	require.NoError(t, err)
	defer fast.Close()
	require.Eventually(t, func() bool {
		_, ok := ctrl.PID(fastID)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	_, ok := ctrl.PID(slowID)
	assert.False(t, ok)

	close(release)
	select {
	case err := <-slowDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("slow agent never connected")
	}
}

func TestControllerSendsToExternalAgent(t *testing.T) {
	rec := events.NewRecorder()
	dir := runtimeDir(t)
	ctrl := NewController(rec, newFakeReaper(), dir, logging.Discard())
	defer ctrl.Close()

	id := ctrl.Allocate()
	name, err := ctrl.SpawnExternal(id)
	require.NoError(t, err)

	ctx := context.Background()
	client, err := Dial(ctx, name, dir)
	require.NoError(t, err)
	defer client.Close()

	waitFor(t, rec, func(evs []events.Event) bool { return countNamed(evs, events.IPCMessage) > 0 })
	require.Eventually(t, func() bool {
		_, ok := ctrl.PID(id)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, ctrl.Kill(ctx, id, false))
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	msg, err := client.Recv(rctx)
	require.NoError(t, err)
	assert.IsType(t, &Kill{}, msg)
}

func TestControllerClosesOnProcessDeath(t *testing.T) {
	rec := events.NewRecorder()
	rg := newFakeReaper()
	dir := runtimeDir(t)
	ctrl := NewController(rec, rg, dir, logging.Discard())
	defer ctrl.Close()

	id := ctrl.Allocate()
	name, err := ctrl.SpawnExternal(id)
	require.NoError(t, err)
	client, err := Dial(context.Background(), name, dir)
	require.NoError(t, err)
	defer client.Close()
	<-rg.submitted

	rg.deaths <- reaper.Tag(id)
	evs := waitFor(t, rec, func(evs []events.Event) bool { return countNamed(evs, events.IPCClosed) > 0 })
	assert.Equal(t, 1, countNamed(evs, events.IPCClosed))
}

func TestControllerErrors(t *testing.T) {
	rec := events.NewRecorder()
	ctrl := NewController(rec, nil, runtimeDir(t), logging.Discard())
	defer ctrl.Close()
	ctx := context.Background()

	assert.ErrorIs(t, ctrl.Send(ctx, 999, &Kill{}), ErrNoSuchConnection)
	assert.ErrorIs(t, ctrl.Kill(ctx, 999, true), ErrNoSuchConnection)

	id := ctrl.Allocate()
	assert.ErrorIs(t, ctrl.Send(ctx, id, &Kill{}), ErrIncompleteConnection)
	var kerr *KillError
	assert.ErrorAs(t, ctrl.Kill(ctx, id, false), &kerr)
	assert.ErrorIs(t, kerr, ErrIncompleteConnection)

	conn, err := ctrl.BindInternal(id)
	require.NoError(t, err)
	_, err = ctrl.BindInternal(id)
	assert.Error(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.ErrorIs(t, ctrl.Send(ctx, id, &Kill{}), ErrConnectionClosed)
	assert.ErrorIs(t, conn.Send(ctx, &Exit{}), ErrConnectionClosed)
	assert.Equal(t, 1, countNamed(rec.Events(), events.IPCClosed))

	assert.NotEqual(t, id, ctrl.Allocate())
}

func TestPromptCorrelatesResponses(t *testing.T) {
	rec := events.NewRecorder()
	ctrl := NewController(rec, nil, runtimeDir(t), logging.Discard())
	defer ctrl.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := ctrl.Allocate()
	conn, err := ctrl.BindInternal(id)
	require.NoError(t, err)

	type result struct {
		choice string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		choice, err := Prompt(ctx, conn, "launch.args", Label("needs fixing"), map[string]string{"game": "x"}, []Fix[string]{
			{ID: "Apply", Label: Label("Apply")},
			{ID: "Abort"},
		})
		done <- result{choice, err}
	}()

	evs := waitFor(t, rec, func(evs []events.Event) bool { return countNamed(evs, events.IPCMessage) > 0 })
	var p MessageEvent
	require.NoError(t, json.Unmarshal(evs[0].Payload, &p))
	require.Equal(t, "DoctorReport", p.Msg.Type)
	var rep DoctorReport
	require.NoError(t, json.Unmarshal(p.Msg.Value, &rep))
	assert.Equal(t, "launch.args", rep.TranslationKey)
	require.Len(t, rep.Fixes, 2)
	assert.JSONEq(t, `"Apply"`, string(rep.Fixes[0].ID))

	require.NoError(t, ctrl.Send(ctx, id, &PatientResponse{ID: uuid.New(), Choice: json.RawMessage(`"Abort"`)}))
	require.NoError(t, ctrl.Send(ctx, id, &PatientResponse{ID: rep.ID, Choice: json.RawMessage(`"Apply"`)}))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, "Apply", r.choice)
	case <-ctx.Done():
		t.Fatal("prompt did not return")
	}
}

func TestPatientChoiceReceiverRejectsBadChoice(t *testing.T) {
	r, err := NewPatientChoiceReceiver[int]("k", nil, nil, []Fix[int]{{ID: 1}})
	require.NoError(t, err)

	_, ok, err := r.Accept(&Kill{})
	assert.False(t, ok)
	assert.NoError(t, err)

	_, ok, err = r.Accept(&PatientResponse{ID: r.ID(), Choice: json.RawMessage(`"nope"`)})
	assert.True(t, ok)
	assert.ErrorIs(t, err, ErrBadData)
}

func TestCodec(t *testing.T) {
	code := int32(3)
	b, err := EncodeC2S(&Exit{Code: &code})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"Exit","value":{"code":3}}`, string(b))

	msg, err := DecodeC2S(b)
	require.NoError(t, err)
	require.IsType(t, &Exit{}, msg)
	assert.Equal(t, int32(3), *msg.(*Exit).Code)

	msg, err = DecodeS2C([]byte(`{"type":"Connect"}`))
	require.NoError(t, err)
	assert.IsType(t, &ServerConnect{}, msg)

	_, err = DecodeC2S([]byte(`not json`))
	assert.ErrorIs(t, err, ErrBadData)
	_, err = DecodeC2S([]byte(`{"type":"Bogus","value":{}}`))
	assert.ErrorIs(t, err, ErrBadData)
	_, err = DecodeC2S([]byte(`{"type":"Log","value":{"level":7}}`))
	assert.ErrorIs(t, err, ErrBadData)
}

func TestFrames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))
	require.NoError(t, WriteFrame(&buf, nil))
	assert.Equal(t, []byte{5, 0, 0, 0}, buf.Bytes()[:4])

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	got, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ReadFrame(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	_, err = ReadFrame(bytes.NewReader([]byte{4, 0, 0, 0, 'a'}))
	assert.Error(t, err)
}
