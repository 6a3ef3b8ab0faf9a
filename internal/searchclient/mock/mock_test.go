package mock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arke-labs/klados-cluster/internal/searchclient"
)

func TestClient_Search_FiltersByLayerExcludeSelfAndLimit(t *testing.T) {
	c := New()
	c.Index(0, "peer-a", 0.9, 100)
	c.Index(0, "peer-b", 0.8, 100)
	c.Index(0, "peer-c", 0.7, 100)
	c.Index(1, "peer-d", 0.5, 100)

	out, err := c.Search(context.Background(), searchclient.Query{Layer: 0, ExcludeSelf: "peer-b", Limit: 1})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "peer-a", out[0].PeerID)
}

func TestClient_Search_IndexedSinceExcludesStaleEntries(t *testing.T) {
	c := New()
	c.Index(0, "peer-old", 0.9, 100)
	c.Index(0, "peer-new", 0.9, 200)

	since := int64(150)
	out, err := c.Search(context.Background(), searchclient.Query{Layer: 0, IndexedSince: &since})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "peer-new", out[0].PeerID)
}

func TestClient_Search_RecordsCallHistory(t *testing.T) {
	c := New()
	q := searchclient.Query{Layer: 2, Text: "orca pod"}
	_, err := c.Search(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, c.Calls, 1)
	assert.Equal(t, q, c.Calls[0])
}

func TestClient_Search_InjectedErrorIsReturned(t *testing.T) {
	c := New()
	c.Err = assert.AnError
	_, err := c.Search(context.Background(), searchclient.Query{})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestClient_Search_ContextAlreadyCancelled(t *testing.T) {
	c := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Search(ctx, searchclient.Query{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, c.Calls)
}
