package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gptme/gptme/pkg/models"
)

func TestPublishAndWait(t *testing.T) {
	m := NewManager(nil)
	s := m.Create("conv")

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Publish(models.Event{Type: models.EventGenerationStarted})
		s.Publish(models.Event{Type: models.EventGenerationProgress, Token: "hi"})
	}()

	events, next := s.Events(context.Background(), 0)
	require.NotEmpty(t, events)
	assert.Equal(t, models.EventGenerationStarted, events[0].Type)

	// Reading from the new index returns only later events.
	if next < 2 {
		more, _ := s.Events(context.Background(), next)
		require.NotEmpty(t, more)
		assert.Equal(t, models.EventGenerationProgress, more[0].Type)
	}
}

func TestEventsOrdered(t *testing.T) {
	m := NewManager(nil)
	s := m.Create("conv")
	for i := 0; i < 10; i++ {
		s.Publish(models.Event{Type: models.EventGenerationProgress, Token: string(rune('a' + i))})
	}
	events := s.Replay()
	require.Len(t, events, 10)
	for i, e := range events {
		assert.Equal(t, string(rune('a'+i)), e.Token)
	}
}

func TestEventsWaitCancellable(t *testing.T) {
	m := NewManager(nil)
	s := m.Create("conv")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	events, _ := s.Events(ctx, 0)
	assert.Empty(t, events)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGeneratingSerializesPerConversation(t *testing.T) {
	m := NewManager(nil)
	require.True(t, m.StartGenerating("conv"))
	assert.False(t, m.StartGenerating("conv"))
	// Other conversations are unaffected.
	assert.True(t, m.StartGenerating("other"))

	m.StopGenerating("conv")
	assert.True(t, m.StartGenerating("conv"))
}

func TestPendingToolsAndAutoConfirm(t *testing.T) {
	m := NewManager(nil)
	s := m.Create("conv")

	exec := &models.ToolExecution{ID: "t1", Status: models.ToolPending}
	s.AddPendingTool(exec)
	got, ok := s.PendingTool("t1")
	require.True(t, ok)
	assert.Equal(t, models.ToolPending, got.Status)

	assert.False(t, s.TakeAutoConfirm())
	s.SetAutoConfirm(2)
	assert.True(t, s.TakeAutoConfirm())
	assert.True(t, s.TakeAutoConfirm())
	assert.False(t, s.TakeAutoConfirm())

	// Unlimited auto-confirm never runs out.
	s.SetAutoConfirm(-1)
	for i := 0; i < 5; i++ {
		assert.True(t, s.TakeAutoConfirm())
	}
}

func TestInterruptClearsPendingAndPublishes(t *testing.T) {
	m := NewManager(nil)
	s := m.Create("conv")
	s.AddPendingTool(&models.ToolExecution{ID: "t1"})

	s.Interrupt()
	_, ok := s.PendingTool("t1")
	assert.False(t, ok)
	assert.True(t, s.Interrupted(true))
	assert.False(t, s.Interrupted(false))

	events := s.Replay()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventInterrupted, events[0].Type)
}

func TestBroadcastReachesAllSessions(t *testing.T) {
	m := NewManager(nil)
	a := m.Create("conv")
	b := m.Create("conv")
	other := m.Create("elsewhere")

	m.Broadcast("conv", models.Event{Type: models.EventPing})
	assert.Len(t, a.Replay(), 1)
	assert.Len(t, b.Replay(), 1)
	assert.Empty(t, other.Replay())
}

func TestSweepRemovesIdleSessions(t *testing.T) {
	m := NewManager(nil)
	m.idleTimeout = 10 * time.Millisecond
	s := m.Create("conv")

	var endedConv string
	m.OnConversationIdle = func(conv string) { endedConv = conv }

	// Attached client keeps the session alive.
	s.AddClient()
	time.Sleep(20 * time.Millisecond)
	m.Sweep(time.Now())
	_, ok := m.Get(s.ID)
	assert.True(t, ok)

	s.RemoveClient()
	time.Sleep(20 * time.Millisecond)
	m.Sweep(time.Now())
	_, ok = m.Get(s.ID)
	assert.False(t, ok)
	assert.Equal(t, "conv", endedConv)
}

func TestGetOrCreate(t *testing.T) {
	m := NewManager(nil)
	s := m.Create("conv")

	same := m.GetOrCreate("conv", s.ID)
	assert.Equal(t, s.ID, same.ID)

	fresh := m.GetOrCreate("conv", "unknown-id")
	assert.NotEqual(t, s.ID, fresh.ID)

	// Session ids are scoped to their conversation.
	cross := m.GetOrCreate("other", s.ID)
	assert.NotEqual(t, s.ID, cross.ID)
}
