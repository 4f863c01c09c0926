package events_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/invokeflow/internal/eventstest"
	"github.com/me/invokeflow/pkg/events"
)

func TestDecode_Invocation(t *testing.T) {
	ev, err := events.Decode(events.KindInvocationProgress, map[string]any{
		"queue_id":   "default",
		"item_id":    3,
		"session_id": "s1",
		"invocation": map[string]any{"id": "denoise", "type": "denoise_latents"},
		"percentage": 0.5,
		"message":    "Step 15/30",
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, 3, ev.ItemID)
	assert.Equal(t, "denoise", ev.NodeID)
	assert.Equal(t, "denoise_latents", ev.NodeType)
	require.NotNil(t, ev.Progress)
	assert.InDelta(t, 0.5, *ev.Progress, 1e-9)
	assert.Equal(t, "Step 15/30", ev.Message)
	assert.False(t, ev.IsTerminal())
}

func TestDecode_LegacyFieldNames(t *testing.T) {
	ev, err := events.Decode(events.KindInvocationError, `{"graph_execution_state_id": "s9", "node": {"id": "n", "type": "l2i"}, "error": "boom"}`)
	require.NoError(t, err)
	assert.Equal(t, "s9", ev.SessionID)
	assert.Equal(t, "n", ev.NodeID)
	assert.Equal(t, "boom", ev.ErrorMessage)
}

func TestEvent_IsTerminal(t *testing.T) {
	assert.True(t, events.Event{Kind: events.KindGraphComplete}.IsTerminal())
	assert.True(t, events.Event{Kind: events.KindQueueItemStatusChanged, Status: "failed"}.IsTerminal())
	assert.False(t, events.Event{Kind: events.KindQueueItemStatusChanged, Status: "in_progress"}.IsTerminal())
}

func TestManager_RefcountedConnection(t *testing.T) {
	dialer := &eventstest.Dialer{}
	m := events.NewManager("http://server", dialer.Dial, nil)
	ctx := context.Background()

	a, err := m.Subscribe(ctx, "default", "session-a", events.Handlers{})
	require.NoError(t, err)
	b, err := m.Subscribe(ctx, "default", "session-b", events.Handlers{})
	require.NoError(t, err)

	require.Len(t, dialer.Conns(), 1, "subscribers share one connection")
	conn := dialer.Last()
	assert.Equal(t, []eventstest.Emit{{Event: "subscribe_queue", Payload: map[string]any{"queue_id": "default"}}}, conn.Emits())

	open, n := m.Active()
	assert.True(t, open)
	assert.Equal(t, 2, n)

	require.NoError(t, a.Close())
	assert.False(t, conn.Closed())
	require.NoError(t, a.Close(), "close is idempotent")
	_, n = m.Active()
	assert.Equal(t, 1, n)

	require.NoError(t, b.Close())
	assert.True(t, conn.Closed())
	emits := conn.Emits()
	assert.Equal(t, "unsubscribe_queue", emits[len(emits)-1].Event)

	open, _ = m.Active()
	assert.False(t, open)

	// The next subscriber opens a fresh connection.
	c, err := m.Subscribe(ctx, "default", "session-c", events.Handlers{})
	require.NoError(t, err)
	defer c.Close()
	assert.Len(t, dialer.Conns(), 2)
}

func TestManager_FiltersBySession(t *testing.T) {
	dialer := &eventstest.Dialer{}
	m := events.NewManager("http://server", dialer.Dial, nil)
	ctx := context.Background()

	var gotA, gotB []events.Event
	subA, err := m.Subscribe(ctx, "default", "A", events.Handlers{}.
		Add(events.KindInvocationStarted, func(e events.Event) { gotA = append(gotA, e) }).
		Add(events.KindInvocationComplete, func(e events.Event) { gotA = append(gotA, e) }))
	require.NoError(t, err)
	defer subA.Close()
	subB, err := m.Subscribe(ctx, "default", "B", events.Handlers{}.
		Add(events.KindInvocationStarted, func(e events.Event) { gotB = append(gotB, e) }))
	require.NoError(t, err)
	defer subB.Close()

	conn := dialer.Last()
	conn.Deliver("invocation_started", map[string]any{"queue_id": "default", "session_id": "B", "node_id": "n1"})
	conn.Deliver("invocation_started", map[string]any{"queue_id": "default", "session_id": "A", "node_id": "n1"})
	conn.Deliver("invocation_complete", map[string]any{"queue_id": "default", "session_id": "B", "node_id": "n1"})
	conn.Deliver("invocation_complete", map[string]any{"queue_id": "other", "session_id": "A", "node_id": "n1"})
	conn.Deliver("invocation_complete", map[string]any{"queue_id": "default", "session_id": "A", "node_id": "n2"})

	require.Len(t, gotA, 2)
	for _, e := range gotA {
		assert.Equal(t, "A", e.SessionID)
	}
	assert.Equal(t, events.KindInvocationStarted, gotA[0].Kind)
	assert.Equal(t, "n2", gotA[1].NodeID)

	require.Len(t, gotB, 1)
	assert.Equal(t, "B", gotB[0].SessionID)
}

func TestManager_DropsEventsAfterClose(t *testing.T) {
	dialer := &eventstest.Dialer{}
	m := events.NewManager("http://server", dialer.Dial, nil)

	calls := 0
	sub, err := m.Subscribe(context.Background(), "default", "A", events.Handlers{}.
		Add(events.KindGraphComplete, func(events.Event) { calls++ }))
	require.NoError(t, err)
	conn := dialer.Last()

	conn.Deliver("graph_complete", map[string]any{"session_id": "A"})
	require.NoError(t, sub.Close())
	conn.Deliver("graph_complete", map[string]any{"session_id": "A"})
	assert.Equal(t, 1, calls)
}

func TestManager_ResubscribesOnReconnect(t *testing.T) {
	dialer := &eventstest.Dialer{}
	m := events.NewManager("http://server", dialer.Dial, nil)

	sub, err := m.Subscribe(context.Background(), "q7", "A", events.Handlers{})
	require.NoError(t, err)
	defer sub.Close()

	conn := dialer.Last()
	conn.Deliver("connect", nil)
	emits := conn.Emits()
	require.Len(t, emits, 2)
	assert.Equal(t, eventstest.Emit{Event: "subscribe_queue", Payload: map[string]any{"queue_id": "q7"}}, emits[1])
}

func TestShared_ReturnsSameManager(t *testing.T) {
	a := events.Shared("http://shared-test", nil)
	b := events.Shared("http://shared-test", nil)
	c := events.Shared("http://other-test", nil)
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestSubscribe_RequiresSession(t *testing.T) {
	m := events.NewManager("http://server", (&eventstest.Dialer{}).Dial, nil)
	_, err := m.Subscribe(context.Background(), "default", "", events.Handlers{})
	assert.Error(t, err)
}
