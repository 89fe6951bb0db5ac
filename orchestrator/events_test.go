package orchestrator

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLog_AppendAssignsMonotonicSeq(t *testing.T) {
	l := NewEventLog()
	l.Append(EventSessionStart, map[string]interface{}{"session_id": "s"})
	l.Append(EventSignalCreated, map[string]interface{}{"signal_id": "a"})
	l.Append(EventSessionEnd, nil)

	events := l.Events()
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq)
	}
}

func TestEventLog_SeqStaysOrderedUnderConcurrentAppend(t *testing.T) {
	l := NewEventLog()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Append(EventSignalProcessed, nil)
		}()
	}
	wg.Wait()

	events := l.Events()
	require.Len(t, events, 50)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}
}

func TestEventLog_NDJSONRoundTrip(t *testing.T) {
	l := NewEventLog()
	l.Append(EventSessionStart, map[string]interface{}{"session_id": "sess1", "task": "t"})
	l.Append(EventCacheMiss, map[string]interface{}{"signal_id": "sig1", "unit_id": "u1"})
	l.Append(EventSessionEnd, map[string]interface{}{"session_id": "sess1", "status": "completed"})

	var buf bytes.Buffer
	require.NoError(t, l.WriteNDJSON(&buf))

	parsed, err := ReadNDJSON(&buf)
	require.NoError(t, err)
	require.Len(t, parsed, 3)

	original := l.Events()
	for i := range original {
		assert.Equal(t, original[i].Seq, parsed[i].Seq)
		assert.Equal(t, original[i].Kind, parsed[i].Kind)
	}
	assert.Equal(t, "sess1", parsed[0].Payload["session_id"])
	assert.Equal(t, "u1", parsed[1].Payload["unit_id"])
}

func TestEventLog_ReadNDJSONRejectsMalformedInput(t *testing.T) {
	_, err := ReadNDJSON(bytes.NewBufferString(`{"t_ms": 1, "seq": 1, "kind": "SessionStart"`))
	assert.Error(t, err)
}

func TestEventLog_EmitAdaptsBackendSink(t *testing.T) {
	l := NewEventLog()
	l.Emit("BudgetExceeded", map[string]interface{}{"layer": "design"})

	events := l.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventBudgetExceeded, events[0].Kind)
	assert.Equal(t, "design", events[0].Payload["layer"])
}
