package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/logging"
	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/embedder/mock"
	"github.com/becomeliminal/nim-memory/memory/store/chromem"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock { return &fakeClock{now: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptJudge replays replies in order, repeating the last one.
type scriptJudge struct {
	mu      sync.Mutex
	replies []string
	err     error
	prompts []memory.Prompt

	// gate, when set, blocks every call until it is closed or the call's
	// context is done.
	gate chan struct{}
}

func (j *scriptJudge) Propose(ctx context.Context, p memory.Prompt) (string, error) {
	j.mu.Lock()
	j.prompts = append(j.prompts, p)
	n := len(j.prompts)
	gate := j.gate
	j.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if j.err != nil {
		return "", j.err
	}
	if len(j.replies) == 0 {
		return "[SKIP]", nil
	}
	return j.replies[min(n, len(j.replies))-1], nil
}

func (j *scriptJudge) calls() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.prompts)
}

func (j *scriptJudge) prompt(i int) memory.Prompt {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.prompts[i]
}

// flakyEmbedder fails the first n calls.
type flakyEmbedder struct {
	memory.Embedder
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.fails
	f.mu.Unlock()
	if fail {
		return nil, errors.New("embedding backend unavailable")
	}
	return f.Embedder.Embed(ctx, text)
}

func testConfig() *memory.Config {
	cfg := memory.DefaultConfig()
	cfg.Retry.Backoff = time.Millisecond
	return cfg
}

func newEmbedder() *mock.Embedder { return mock.NewWithDimensions(1024) }

func newStore(t *testing.T, e memory.Embedder) memory.Store {
	t.Helper()
	s, err := chromem.New(e, chromem.Config{}, chromem.WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seed stores a record with the given fields and returns it.
func seed(t *testing.T, s memory.Store, content string, tier memory.Tier, importance float64, at time.Time) *memory.Record {
	t.Helper()
	rec := memory.NewRecord(content, tier, importance, "conversation", at)
	require.NoError(t, s.Put(context.Background(), rec))
	got, err := s.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	return got
}

func mustGet(t *testing.T, s memory.Store, id string) *memory.Record {
	t.Helper()
	rec, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func size(t *testing.T, s memory.Store) int {
	t.Helper()
	n, err := s.Len(context.Background())
	require.NoError(t, err)
	return n
}

func quiet(clock *fakeClock) []memory.Option {
	return []memory.Option{memory.WithLogger(logging.Discard()), memory.WithClock(clock.Now)}
}

type judgeFunc func(ctx context.Context, p memory.Prompt) (string, error)

func (f judgeFunc) Propose(ctx context.Context, p memory.Prompt) (string, error) { return f(ctx, p) }
