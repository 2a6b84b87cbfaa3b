package cache_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/memory/embedder/cache"
	"github.com/becomeliminal/nim-memory/memory/embedder/mock"
)

type counting struct {
	*mock.Embedder
	calls int
	err   error
}

func (c *counting) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.Embedder.Embed(ctx, text)
}

func TestEmbedCachesVectors(t *testing.T) {
	ctx := context.Background()
	inner := &counting{Embedder: mock.New()}
	e, err := cache.New(inner, cache.Config{})
	require.NoError(t, err)
	defer e.Close()

	first, err := e.Embed(ctx, "主人喜欢拉面")
	require.NoError(t, err)
	e.Wait()

	second, err := e.Embed(ctx, "主人喜欢拉面")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, 384, e.Dimensions())
}

func TestEmbedReturnsCopies(t *testing.T) {
	ctx := context.Background()
	e, err := cache.New(mock.New(), cache.Config{})
	require.NoError(t, err)
	defer e.Close()

	v, err := e.Embed(ctx, "ramen")
	require.NoError(t, err)
	e.Wait()

	cached, err := e.Embed(ctx, "ramen")
	require.NoError(t, err)
	cached[0] = 42

	again, err := e.Embed(ctx, "ramen")
	require.NoError(t, err)
	assert.Equal(t, v[0], again[0])
}

func TestEmbedDoesNotCacheFailures(t *testing.T) {
	ctx := context.Background()
	inner := &counting{Embedder: mock.New(), err: errors.New("down")}
	e, err := cache.New(inner, cache.Config{})
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Embed(ctx, "x")
	require.Error(t, err)
	e.Wait()
	_, err = e.Embed(ctx, "x")
	require.Error(t, err)
	assert.Equal(t, 2, inner.calls)
}
