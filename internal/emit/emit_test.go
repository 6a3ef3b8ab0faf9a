package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferedEmitter_EmitGroupsByJobID(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{JobID: "job-1", Kind: KindInfo, Message: "a"})
	b.Emit(Event{JobID: "job-1", Kind: KindError, Message: "b"})
	b.Emit(Event{JobID: "job-2", Kind: KindInfo, Message: "c"})

	assert.Len(t, b.History("job-1"), 2)
	assert.Len(t, b.History("job-2"), 1)
	assert.Empty(t, b.History("unknown"))
}

func TestBufferedEmitter_EmitBatch(t *testing.T) {
	b := NewBufferedEmitter()
	err := b.EmitBatch(context.Background(), []Event{
		{JobID: "job-1", Message: "a"},
		{JobID: "job-1", Message: "b"},
	})
	require.NoError(t, err)
	assert.Len(t, b.History("job-1"), 2)
}

func TestBufferedEmitter_HistoryReturnsIndependentCopy(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{JobID: "job-1", Message: "a"})

	h := b.History("job-1")
	h[0].Message = "mutated"

	assert.Equal(t, "a", b.History("job-1")[0].Message)
}

func TestBufferedEmitter_Clear(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{JobID: "job-1", Message: "a"})
	b.Clear("job-1")
	assert.Empty(t, b.History("job-1"))
}

func TestLogEmitter_TextMode(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogEmitter(&buf, false)
	l.Emit(Event{JobID: "j1", LogID: "l1", Kind: KindInfo, Message: "hello", Meta: map[string]any{"attempt": 1}})

	out := buf.String()
	assert.Contains(t, out, "[info]")
	assert.Contains(t, out, "jobId=j1")
	assert.Contains(t, out, "logId=l1")
	assert.Contains(t, out, "msg=hello")
	assert.Contains(t, out, `"attempt":1`)
}

func TestLogEmitter_JSONMode(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogEmitter(&buf, true)
	l.Emit(Event{JobID: "j1", Kind: KindError, Message: "boom"})

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &decoded))
	assert.Equal(t, "j1", decoded["jobId"])
	assert.Equal(t, "boom", decoded["message"])
}

func TestLogEmitter_EmitBatchWritesEachEvent(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogEmitter(&buf, true)
	require.NoError(t, l.EmitBatch(context.Background(), []Event{
		{JobID: "j1", Message: "a"},
		{JobID: "j1", Message: "b"},
	}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
}

func TestNullEmitter_DiscardsEverything(t *testing.T) {
	n := NewNullEmitter()
	assert.NotPanics(t, func() {
		n.Emit(Event{Message: "ignored"})
		require.NoError(t, n.EmitBatch(context.Background(), []Event{{Message: "ignored"}}))
		require.NoError(t, n.Flush(context.Background()))
	})
}
