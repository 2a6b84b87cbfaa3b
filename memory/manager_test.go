package memory_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/embedder/mock"
)

func newManager(t *testing.T, s memory.Store, e memory.Embedder, j memory.Judge, cfg *memory.Config) *memory.Manager {
	t.Helper()
	m := memory.NewManager(s, e, j, cfg, quiet(newClock())...)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestInjectContext(t *testing.T) {
	ctx := context.Background()
	e := newEmbedder()
	s := newStore(t, e)
	name := seed(t, s, "主人叫小明", memory.TierCore, 0.9, epoch)
	ramen := seed(t, s, "主人喜欢拉面", memory.TierSemantic, 0.6, epoch)
	rain := seed(t, s, "今天下雨了", memory.TierEpisodic, 0.5, epoch)

	ramen.Relate("about", name.ID, true)
	ramen.Relate("shop", "一兰", false)
	ramen.Relate("flavour", "豚骨", false)
	require.NoError(t, s.Put(ctx, ramen))

	m := newManager(t, s, e, nil, testConfig())
	got := m.InjectContext(ctx, "主人喜欢什么")
	assert.Equal(t, strings.Join([]string{
		"[core]",
		"- 主人叫小明",
		"",
		"[semantic]",
		"- 主人喜欢拉面",
		"  - about: 主人叫小明",
		"  - shop: 一兰",
		"",
		"[episodic]",
		"- 今天下雨了",
		"",
	}, "\n"), got)

	assert.Equal(t, 1, mustGet(t, s, ramen.ID).AccessCount)
	assert.Equal(t, 1, mustGet(t, s, rain.ID).AccessCount)
	assert.Zero(t, mustGet(t, s, name.ID).AccessCount)
}

func TestContextIDsAndCaps(t *testing.T) {
	ctx := context.Background()
	e := newEmbedder()
	s := newStore(t, e)
	low := seed(t, s, "主人的生日在五月", memory.TierCore, 0.8, epoch)
	high := seed(t, s, "主人叫小明", memory.TierCore, 1.0, epoch)
	for i := range 4 {
		seed(t, s, fmt.Sprintf("主人喜欢第%d种水果", i), memory.TierSemantic, 0.5, epoch)
	}

	cfg := testConfig()
	cfg.Retrieval.InjectCount = 2
	m := newManager(t, s, e, nil, cfg)

	inj, err := m.Context(ctx, "水果", nil)
	require.NoError(t, err)
	require.Len(t, inj.IDs, 4, "every core record plus the capped semantic tier")
	assert.Equal(t, []string{high.ID, low.ID}, inj.IDs[:2])
	assert.Equal(t, 2, strings.Count(inj.Text, "水果"))
	assert.True(t, strings.HasPrefix(inj.Text, "[core]\n- 主人叫小明\n- 主人的生日在五月\n"))
}

func TestInjectContextEmpty(t *testing.T) {
	ctx := context.Background()
	e := newEmbedder()

	m := newManager(t, newStore(t, e), e, nil, testConfig())
	assert.Empty(t, m.InjectContext(ctx, "你好"))

	s := newStore(t, e)
	seed(t, s, "主人叫小明", memory.TierCore, 0.9, epoch)
	broken := newManager(t, s, &mock.Failing{Err: errors.New("down"), Dims: e.Dimensions()}, nil, testConfig())
	assert.Empty(t, broken.InjectContext(ctx, "你好"), "retrieval failures inject nothing")

	_, err := broken.Context(ctx, "你好", nil)
	assert.ErrorIs(t, err, memory.ErrEmbedding)
}

func TestRecordTurnInOrder(t *testing.T) {
	ctx := context.Background()
	e := newEmbedder()
	s := newStore(t, e)

	var running, overlap atomic.Int32
	var seen []string
	j := judgeFunc(func(_ context.Context, p memory.Prompt) (string, error) {
		if running.Add(1) > 1 {
			overlap.Add(1)
		}
		defer running.Add(-1)
		time.Sleep(20 * time.Millisecond)
		for _, line := range strings.Split(p.User, "\n") {
			if u, ok := strings.CutPrefix(line, "User: "); ok {
				seen = append(seen, u)
				return fmt.Sprintf("[ADD:episodic]%s[/ADD]", u), nil
			}
		}
		return "[SKIP]", nil
	})
	m := newManager(t, s, e, j, testConfig())

	turns := []string{"早上跑了五公里", "中午吃了咖喱饭", "晚上看了电影"}
	start := time.Now()
	for _, u := range turns {
		m.RecordTurn(core.Turn{SessionID: "s1", User: u, Assistant: "好的"})
	}
	assert.Less(t, time.Since(start), 20*time.Millisecond, "RecordTurn does not wait for consolidation")

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(waitCtx))

	assert.Equal(t, turns, seen)
	assert.Zero(t, overlap.Load(), "batches of a session never overlap")
	assert.Equal(t, 3, size(t, s))
}

func TestRecordTurnDropsOldest(t *testing.T) {
	ctx := context.Background()
	e := newEmbedder()
	s := newStore(t, e)
	j := &scriptJudge{gate: make(chan struct{})}

	cfg := testConfig()
	cfg.Consolidation.QueueSize = 2
	m := newManager(t, s, e, j, cfg)

	m.RecordTurn(core.Turn{User: "turn 1"})
	require.Eventually(t, func() bool { return j.calls() == 1 }, time.Second, time.Millisecond)
	for _, u := range []string{"turn 2", "turn 3", "turn 4"} {
		m.RecordTurn(core.Turn{User: u})
	}
	close(j.gate)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(waitCtx))

	var users []string
	for i := range j.calls() {
		for _, line := range strings.Split(j.prompt(i).User, "\n") {
			if u, ok := strings.CutPrefix(line, "User: "); ok {
				users = append(users, u)
			}
		}
	}
	assert.Equal(t, []string{"turn 1", "turn 3", "turn 4"}, users)
}

func TestEndSession(t *testing.T) {
	ctx := context.Background()
	e := newEmbedder()
	s := newStore(t, e)
	j := &scriptJudge{gate: make(chan struct{}), replies: []string{"[ADD]主人喜欢游泳[/ADD]"}}
	m := newManager(t, s, e, j, testConfig())

	m.RecordTurn(core.Turn{SessionID: "s1", User: "我喜欢游泳"})
	require.Eventually(t, func() bool { return j.calls() == 1 }, time.Second, time.Millisecond)
	m.RecordTurn(core.Turn{SessionID: "s1", User: "我也喜欢跑步"})

	m.EndSession("s1")
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(waitCtx))

	assert.Equal(t, 1, j.calls(), "pending turns are discarded")
	assert.Zero(t, size(t, s), "the running batch is cancelled")

	// The session can start over.
	close(j.gate)
	m.RecordTurn(core.Turn{SessionID: "s1", User: "我喜欢游泳"})
	require.NoError(t, m.Wait(waitCtx))
	assert.Equal(t, 1, size(t, s))

	m.EndSession("never-started")
}

func TestRecordTurnDisabled(t *testing.T) {
	ctx := context.Background()
	e := newEmbedder()
	s := newStore(t, e)

	m := newManager(t, s, e, nil, testConfig())
	m.RecordTurn(core.Turn{User: "你好"})
	require.NoError(t, m.Wait(ctx))

	j := &scriptJudge{}
	cfg := testConfig()
	cfg.Consolidation.Enabled = false
	off := newManager(t, s, e, j, cfg)
	off.RecordTurn(core.Turn{User: "你好"})
	require.NoError(t, off.Wait(ctx))
	assert.Zero(t, j.calls())
}

func TestManagerClose(t *testing.T) {
	ctx := context.Background()
	e := newEmbedder()
	s := newStore(t, e)
	j := &scriptJudge{gate: make(chan struct{})}
	m := memory.NewManager(s, e, j, testConfig(), quiet(newClock())...)
	m.Start(ctx)

	m.RecordTurn(core.Turn{User: "turn 1"})
	require.Eventually(t, func() bool { return j.calls() == 1 }, time.Second, time.Millisecond)
	m.RecordTurn(core.Turn{User: "turn 2"})

	require.NoError(t, m.Close())
	assert.Equal(t, 1, j.calls())

	m.RecordTurn(core.Turn{User: "turn 3"})
	assert.NoError(t, m.Wait(ctx))
	assert.Equal(t, 1, j.calls(), "closed managers drop turns")
	assert.NoError(t, m.Close())

	// The store stays usable.
	_, err := s.Len(ctx)
	assert.NoError(t, err)
}

func TestForgetAndRunDecay(t *testing.T) {
	ctx := context.Background()
	e := newEmbedder()
	s := newStore(t, e)
	name := seed(t, s, "主人叫小明", memory.TierCore, 0.9, epoch)
	faded := seed(t, s, "很久以前吃过的面包", memory.TierEpisodic, 0.05, epoch.Add(-10*day))

	m := newManager(t, s, e, nil, testConfig())
	report, err := m.RunDecay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evicted)
	_, err = s.Get(ctx, faded.ID)
	assert.ErrorIs(t, err, memory.ErrNotFound)

	require.NoError(t, m.Forget(ctx, name.ID), "forget removes core records too")
	assert.Zero(t, size(t, s))
}

func TestContextCoreDoesNotCrowdOutTiers(t *testing.T) {
	ctx := context.Background()
	e := newEmbedder()
	s := newStore(t, e)
	for range 4 {
		seed(t, s, "主人喜欢什么", memory.TierCore, 0.9, epoch)
	}
	seed(t, s, "主人喜欢拉面", memory.TierSemantic, 0.6, epoch)
	seed(t, s, "主人喜欢寿司", memory.TierSemantic, 0.6, epoch)
	seed(t, s, "主人喜欢下雨天", memory.TierEpisodic, 0.5, epoch)
	seed(t, s, "今天下雨了", memory.TierEpisodic, 0.5, epoch)

	cfg := testConfig()
	cfg.Retrieval.InjectCount = 2
	m := newManager(t, s, e, nil, cfg)

	inj, err := m.Context(ctx, "主人喜欢什么", nil)
	require.NoError(t, err)
	assert.Len(t, inj.IDs, 8)
	assert.Contains(t, inj.Text, "拉面")
	assert.Contains(t, inj.Text, "寿司")
	assert.Contains(t, inj.Text, "今天下雨了")
}

func TestManagerReviewsWithJudge(t *testing.T) {
	ctx := context.Background()
	e := newEmbedder()
	s := newStore(t, e)
	faded := seed(t, s, "主人以前用过的手机型号", memory.TierSemantic, 0.09, epoch.Add(-9*day))

	j := &scriptJudge{replies: []string{"[DELETE]"}}
	report, err := newManager(t, s, e, j, testConfig()).RunDecay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, j.calls())
	assert.Equal(t, 1, report.Review.Deleted)
	_, err = s.Get(ctx, faded.ID)
	assert.ErrorIs(t, err, memory.ErrNotFound)

	cfg := testConfig()
	cfg.Review.Enabled = false
	seed(t, s, "主人以前的邮箱", memory.TierSemantic, 0.09, epoch.Add(-9*day))
	report, err = newManager(t, s, e, j, cfg).RunDecay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, j.calls(), "review disabled")
	assert.Equal(t, 1, report.Evicted)
}
