package eventlog_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"taskorchestrator/eventlog"
)

func TestMemory_Replay_ReturnsEverythingBeforeFirstSnapshot(t *testing.T) {
	m := eventlog.NewMemory()
	require.NoError(t, m.Append(eventlog.Event{Kind: eventlog.StartOrchestratorEvent, StartID: 1}))
	require.NoError(t, m.Append(eventlog.Event{Kind: eventlog.MessageSentEvent, TaskIndex: 0}))

	snap, hasSnap, events, err := m.Replay()
	require.NoError(t, err)
	require.False(t, hasSnap)
	require.Nil(t, snap)
	require.Len(t, events, 2)
}

func TestMemory_Replay_SkipsEventsBeforeSnapshot(t *testing.T) {
	m := eventlog.NewMemory()
	require.NoError(t, m.Append(eventlog.Event{Kind: eventlog.StartOrchestratorEvent, StartID: 1}))
	require.NoError(t, m.Append(eventlog.Event{Kind: eventlog.MessageSentEvent, TaskIndex: 0}))
	require.NoError(t, m.SaveSnapshot([]byte(`{"n":1}`)))
	require.NoError(t, m.Append(eventlog.Event{Kind: eventlog.MessageReceivedEvent, TaskIndex: 0}))

	snap, hasSnap, events, err := m.Replay()
	require.NoError(t, err)
	require.True(t, hasSnap)
	require.Equal(t, []byte(`{"n":1}`), snap)
	require.Len(t, events, 1, "only the event appended after the snapshot should replay")
	require.Equal(t, eventlog.MessageReceivedEvent, events[0].Kind)
}
