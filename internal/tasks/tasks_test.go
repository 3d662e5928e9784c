package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manderrow/manderrow/internal/events"
)

func droppedStatuses(t *testing.T, rec *events.Recorder) map[ID]Status {
	t.Helper()
	out := map[ID]Status{}
	for _, ev := range rec.Events() {
		if ev.Name != events.TaskDropped {
			continue
		}
		var d droppedEvent
		require.NoError(t, json.Unmarshal(ev.Payload, &d))
		out[d.ID] = d.Status
	}
	return out
}

func TestHandle_CloseWithoutFinishIsIndirectCancel(t *testing.T) {
	rec := events.NewRecorder()
	m := NewManager(rec)
	h := m.Start(context.Background(), Metadata{Title: "x", Kind: KindOther})
	h.Close()

	s := droppedStatuses(t, rec)[h.ID()]
	assert.Equal(t, "Cancelled", s.Kind)
	require.NotNil(t, s.Direct)
	assert.False(t, *s.Direct)
}

func TestHandle_DirectCancel(t *testing.T) {
	rec := events.NewRecorder()
	m := NewManager(rec)
	h := m.Start(context.Background(), Metadata{Title: "x"})

	_, err := Run(h, func(ctx context.Context) (int, error) {
		require.NoError(t, m.Cancel(h.ID()))
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)

	s := droppedStatuses(t, rec)[h.ID()]
	assert.Equal(t, "Cancelled", s.Kind)
	require.NotNil(t, s.Direct)
	assert.True(t, *s.Direct)

	assert.ErrorIs(t, m.Cancel(h.ID()), ErrNoSuchTask)
}

func TestHandle_FailedCarriesReport(t *testing.T) {
	rec := events.NewRecorder()
	m := NewManager(rec)
	h := m.Start(context.Background(), Metadata{Title: "x"})
	_, _ = Run(h, func(context.Context) (struct{}, error) {
		return struct{}{}, errors.New("boom")
	})
	s := droppedStatuses(t, rec)[h.ID()]
	assert.Equal(t, "Failed", s.Kind)
	require.NotNil(t, s.Error)
	assert.Equal(t, []string{"boom"}, s.Error.Messages)
}

func TestProgressMonotonic(t *testing.T) {
	m := NewManager(nil)
	h := m.Start(context.Background(), Metadata{Title: "x", ProgressUnit: UnitBytes})
	defer h.Close()

	h.AddProgress(10, 100)
	h.SetProgress(5, 50)
	c, total := h.Progress()
	assert.Equal(t, uint64(10), c)
	assert.Equal(t, uint64(100), total)

	h.SetProgress(60, 100)
	c, _ = h.Progress()
	assert.Equal(t, uint64(60), c)
}

func TestDependencyCancelledWithParent(t *testing.T) {
	rec := events.NewRecorder()
	m := NewManager(rec)
	parent := m.Start(context.Background(), Metadata{Title: "parent"})
	child := parent.Dependency(Metadata{Title: "child"})

	parent.Cancel()
	<-child.Context().Done()
	child.Close()
	parent.Close()

	var created []createdEvent
	for _, ev := range rec.Events() {
		if ev.Name == events.TaskCreated {
			var c createdEvent
			require.NoError(t, json.Unmarshal(ev.Payload, &c))
			created = append(created, c)
		}
	}
	require.Len(t, created, 2)
	require.NotNil(t, created[1].Parent)
	assert.Equal(t, parent.ID(), *created[1].Parent)
}

func TestFinish_DroppedIsLastEvent(t *testing.T) {
	for i := 0; i < 50; i++ {
		rec := events.NewRecorder()
		m := NewManager(rec)
		h := m.Start(context.Background(), Metadata{Title: "x"})
		for j := 0; j < 100; j++ {
			h.AddProgress(1, 1)
		}
		h.Finish(nil)

		evs := rec.Events()
		require.NotEmpty(t, evs)
		assert.Equal(t, events.TaskDropped, evs[len(evs)-1].Name)

		var last uint64
		for _, ev := range evs {
			if ev.Name != events.TaskProgress {
				continue
			}
			var p progressEvent
			require.NoError(t, json.Unmarshal(ev.Payload, &p))
			assert.GreaterOrEqual(t, p.Completed, last)
			last = p.Completed
		}
		assert.Equal(t, uint64(100), last)
	}
}
