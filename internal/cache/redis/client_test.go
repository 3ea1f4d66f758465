package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	c, err := NewClient(context.Background(), mr.Addr(), "", 0, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestEmbeddingsRoundTrip(t *testing.T) {
	c, mr := setupClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetEmbeddings(ctx, map[string][]float32{
		"a": {0.1, 0.2},
		"b": {0.3, 0.4},
	}))

	got, err := c.GetEmbeddings(ctx, []string{"b", "missing", "a"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []float32{0.3, 0.4}, got[0])
	assert.Nil(t, got[1])
	assert.Equal(t, []float32{0.1, 0.2}, got[2])

	assert.True(t, mr.Exists("embedding:a"))
	assert.Equal(t, time.Hour, mr.TTL("embedding:a"))
}

func TestCorruptEntryIsMiss(t *testing.T) {
	c, mr := setupClient(t)
	require.NoError(t, mr.Set("embedding:bad", "not json"))

	got, err := c.GetEmbeddings(context.Background(), []string{"bad"})
	require.NoError(t, err)
	assert.Nil(t, got[0])
}

func TestConnectFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewClient(context.Background(), addr, "", 0, time.Minute)
	assert.Error(t, err)
}
