package deliberation

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/constitutional-labs/agentbus/pkg/bus"
)

func TestSubmitAssignsDeliberationID(t *testing.T) {
	r := New(0, nil)
	id, err := r.Submit(&bus.Message{ConversationID: "conv-1"}, time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, r.Len())
}

func TestSubmitRejectsWhenAtCapacity(t *testing.T) {
	r := New(1, nil)
	_, err := r.Submit(&bus.Message{}, time.Hour)
	require.NoError(t, err)

	_, err = r.Submit(&bus.Message{}, time.Hour)
	require.Error(t, err)
	kind, ok := bus.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, bus.ErrDeliberationFull, kind)
}

func TestPostResultResumesMessage(t *testing.T) {
	var mu sync.Mutex
	var gotApproved bool
	var gotMeta map[string]any

	r := New(0, func(m *bus.Message, approved bool, meta map[string]any) {
		mu.Lock()
		defer mu.Unlock()
		gotApproved = approved
		gotMeta = meta
	})

	id, err := r.Submit(&bus.Message{}, time.Hour)
	require.NoError(t, err)

	err = r.PostResult(id, true, map[string]any{"reviewer": "alice"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, gotApproved)
	assert.Equal(t, "alice", gotMeta["reviewer"])
	assert.Equal(t, 0, r.Len())
}

func TestPostResultUnknownIDErrors(t *testing.T) {
	r := New(0, nil)
	err := r.PostResult("missing", true, nil)
	assert.Error(t, err)
}

func TestPostResultAlreadyResolvedErrors(t *testing.T) {
	r := New(0, func(m *bus.Message, approved bool, meta map[string]any) {})
	id, _ := r.Submit(&bus.Message{}, time.Hour)
	require.NoError(t, r.PostResult(id, true, nil))

	err := r.PostResult(id, true, nil)
	assert.Error(t, err)
}

func TestSweepAutoDeniesExpiredDeliberations(t *testing.T) {
	now := time.Now()
	var resumedApproved *bool

	r := New(0, func(m *bus.Message, approved bool, meta map[string]any) {
		resumedApproved = &approved
	}).WithClock(func() time.Time { return now })

	_, err := r.Submit(&bus.Message{}, time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	swept := r.Sweep()

	assert.Equal(t, 1, swept)
	require.NotNil(t, resumedApproved)
	assert.False(t, *resumedApproved)
	assert.Equal(t, 0, r.Len())
}

func TestSweepIgnoresUnexpiredEntries(t *testing.T) {
	now := time.Now()
	r := New(0, nil).WithClock(func() time.Time { return now })
	_, err := r.Submit(&bus.Message{}, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 0, r.Sweep())
	assert.Equal(t, 1, r.Len())
}
