package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gptme/gptme/pkg/models"
)

func yield(content string, err error) Handler {
	return func(ctx context.Context, hc *Context) ([]models.Message, error) {
		return []models.Message{models.NewSystemMessage(content)}, err
	}
}

func TestTriggerPriorityOrder(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Register(SessionStart, yield("normal", nil))
	require.NoError(t, err)
	_, err = r.Register(SessionStart, yield("high", nil), WithPriority(PriorityHigh), WithName("first"))
	require.NoError(t, err)
	_, err = r.Register(SessionStart, yield("low", nil), WithPriority(PriorityLow))
	require.NoError(t, err)

	msgs, err := r.Trigger(context.Background(), SessionStart, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "high", msgs[0].Content)
	assert.Equal(t, "normal", msgs[1].Content)
	assert.Equal(t, "low", msgs[2].Content)
}

func TestStopPropagation(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Register(ToolPreExecute, yield("ran", ErrStopPropagation), WithPriority(PriorityHigh))
	require.NoError(t, err)
	_, err = r.Register(ToolPreExecute, yield("never", nil))
	require.NoError(t, err)

	msgs, err := r.Trigger(context.Background(), ToolPreExecute, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ran", msgs[0].Content)
}

func TestSessionCompletePropagates(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Register(LoopContinue, yield("done", ErrSessionComplete))
	require.NoError(t, err)

	msgs, err := r.Trigger(context.Background(), LoopContinue, nil)
	assert.ErrorIs(t, err, ErrSessionComplete)
	assert.Len(t, msgs, 1)
}

func TestHandlerErrorWrapped(t *testing.T) {
	r := NewRegistry(nil)
	boom := errors.New("boom")
	_, err := r.Register(GenerationPre, yield("", boom), WithName("broken"))
	require.NoError(t, err)

	_, err = r.Trigger(context.Background(), GenerationPre, nil)
	assert.ErrorIs(t, err, boom)
}

func TestUnknownTypeRejected(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Register(Type("NOT_A_HOOK"), yield("", nil))
	assert.Error(t, err)
}

func TestUnregister(t *testing.T) {
	r := NewRegistry(nil)
	id, err := r.Register(SessionEnd, yield("bye", nil))
	require.NoError(t, err)

	assert.True(t, r.Unregister(id))
	assert.False(t, r.Unregister(id))

	msgs, err := r.Trigger(context.Background(), SessionEnd, nil)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestTriggerPassesContext(t *testing.T) {
	r := NewRegistry(nil)
	var seen string
	_, err := r.Register(MessagePreProcess, func(ctx context.Context, hc *Context) ([]models.Message, error) {
		seen = hc.ConversationID
		return nil, nil
	})
	require.NoError(t, err)

	_, err = r.Trigger(context.Background(), MessagePreProcess, &Context{ConversationID: "conv-1"})
	require.NoError(t, err)
	assert.Equal(t, "conv-1", seen)
}
