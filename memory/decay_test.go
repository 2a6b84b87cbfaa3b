package memory_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/memory"
)

const day = 24 * time.Hour

func TestDecayCoreUntouched(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s := newStore(t, newEmbedder())
	rec := seed(t, s, "主人叫小明", memory.TierCore, 0.9, epoch)

	d := memory.NewDecayer(s, testConfig(), quiet(clock)...)
	for _, elapsed := range []time.Duration{day, 30 * day, 1000 * day} {
		clock.Add(elapsed)
		report, err := d.RunCycle(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.Evicted)

		got := mustGet(t, s, rec.ID)
		assert.Equal(t, 0.9, got.Importance)
		assert.True(t, got.DecayedAt.IsZero())
	}
}

func TestDecayEpisodicPastGrace(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s := newStore(t, newEmbedder())
	lastWeek := epoch.Add(-9 * day)
	kept := seed(t, s, "上周去了海边", memory.TierEpisodic, 0.3, lastWeek)
	faded := seed(t, s, "上周吃了面包", memory.TierEpisodic, 0.05, lastWeek)
	fresh := seed(t, s, "今天下雨了", memory.TierEpisodic, 0.3, epoch.Add(-day))

	report, err := memory.NewDecayer(s, testConfig(), quiet(clock)...).RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 1, report.Decayed)
	assert.Equal(t, 1, report.Evicted)

	got := mustGet(t, s, kept.ID)
	assert.Less(t, got.Importance, 0.3)
	assert.InDelta(t, 0.3*0.9*0.9, got.Importance, 1e-9)
	assert.Equal(t, kept.Content, got.Content)
	assert.Equal(t, kept.Embedding, got.Embedding)

	_, err = s.Get(ctx, faded.ID)
	assert.ErrorIs(t, err, memory.ErrNotFound)

	assert.Equal(t, 0.3, mustGet(t, s, fresh.ID).Importance, "inside the grace period")
}

func TestDecayComposes(t *testing.T) {
	ctx := context.Background()
	start := epoch.Add(-20 * day)

	run := func(steps ...time.Duration) float64 {
		clock := &fakeClock{now: start}
		s := newStore(t, newEmbedder())
		rec := seed(t, s, "主人喜欢寿司", memory.TierSemantic, 0.8, start)
		d := memory.NewDecayer(s, testConfig(), quiet(clock)...)
		last := 0.8
		for _, step := range steps {
			clock.Add(step)
			_, err := d.RunCycle(ctx)
			require.NoError(t, err)
			got := mustGet(t, s, rec.ID).Importance
			assert.LessOrEqual(t, got, last, "importance never rises")
			last = got
		}
		return last
	}

	once := run(20 * day)
	many := run(8*day, 3*day, time.Hour, 5*day, 4*day-time.Hour)
	assert.InDelta(t, once, many, 1e-9)
	assert.InDelta(t, 0.8*math.Pow(0.95, 13), once, 1e-9)
}

func TestDecayLinear(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s := newStore(t, newEmbedder())
	rec := seed(t, s, "主人喜欢寿司", memory.TierSemantic, 0.6, epoch.Add(-11*day))

	cfg := testConfig()
	cfg.Decay.Shape = memory.DecayLinear
	_, err := memory.NewDecayer(s, cfg, quiet(clock)...).RunCycle(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, mustGet(t, s, rec.ID).Importance, 1e-9)
}

func TestDecayMaxIdle(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s := newStore(t, newEmbedder())

	cfg := testConfig()
	cfg.Decay.GraceDays = 60
	old := seed(t, s, "很久以前的事", memory.TierEpisodic, 0.9, epoch.Add(-31*day))
	semantic := seed(t, s, "主人喜欢寿司", memory.TierSemantic, 0.9, epoch.Add(-31*day))

	report, err := memory.NewDecayer(s, cfg, quiet(clock)...).RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evicted)

	_, err = s.Get(ctx, old.ID)
	assert.ErrorIs(t, err, memory.ErrNotFound)
	assert.Equal(t, 0.9, mustGet(t, s, semantic.ID).Importance)
}

func TestDecayCustomTier(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s := newStore(t, newEmbedder())

	cfg := testConfig()
	cfg.Tiers["pinned"] = memory.TierPolicy{Decays: false, Initial: 0.5}
	pinned := seed(t, s, "永远记住这个", "pinned", 0.2, epoch.Add(-100*day))
	other := seed(t, s, "项目进度", "project", 0.5, epoch.Add(-9*day))

	_, err := memory.NewDecayer(s, cfg, quiet(clock)...).RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.2, mustGet(t, s, pinned.ID).Importance)
	assert.InDelta(t, 0.5*0.95*0.95, mustGet(t, s, other.ID).Importance, 1e-9, "unknown tiers decay like semantic")
}

func TestDecaySchedulerYieldsToWriters(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s := newStore(t, newEmbedder())
	rec := seed(t, s, "上周去了海边", memory.TierEpisodic, 0.5, epoch.Add(-9*day))

	cfg := testConfig()
	cfg.Decay.Interval = 5 * time.Millisecond
	d := memory.NewDecayer(s, cfg, quiet(clock)...)

	release := make(chan struct{})
	held := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.Update(ctx, func(memory.Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	d.Start(ctx)
	defer d.Stop()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0.5, mustGet(t, s, rec.ID).Importance, "cycles skip while the store is busy")

	close(release)
	require.NoError(t, <-done)
	require.Eventually(t, func() bool {
		return mustGet(t, s, rec.ID).Importance < 0.5
	}, time.Second, 5*time.Millisecond)
}

func TestDecayerStopIdempotent(t *testing.T) {
	d := memory.NewDecayer(newStore(t, newEmbedder()), testConfig(), quiet(newClock())...)
	d.Stop()
	d.Start(context.Background())
	d.Start(context.Background())
	d.Stop()
	d.Stop()
}

func TestDecayKeepsFadedRecordInsideGrace(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, newEmbedder())
	rec := seed(t, s, "今天吃了面包", memory.TierEpisodic, 0.05, epoch)

	report, err := memory.NewDecayer(s, testConfig(), quiet(newClock())...).RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Evicted)
	assert.Equal(t, 0.05, mustGet(t, s, rec.ID).Importance)
}

// reviewingDecayer returns a decayer that asks j before evicting.
func reviewingDecayer(s memory.Store, j memory.Judge, cfg *memory.Config, clock *fakeClock) *memory.Decayer {
	r := memory.NewReviewer(s, newEmbedder(), j, cfg, quiet(clock)...)
	return memory.NewDecayer(s, cfg, append(quiet(clock), memory.WithReviewer(r))...)
}

func TestDecayReviewDeletes(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s := newStore(t, newEmbedder())
	rec := seed(t, s, "主人以前用过的手机型号", memory.TierSemantic, 0.09, epoch.Add(-9*day))

	j := &scriptJudge{replies: []string{"Outdated. [DELETE]"}}
	report, err := reviewingDecayer(s, j, testConfig(), clock).RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, j.calls())
	assert.Equal(t, 1, report.Evicted)
	assert.Equal(t, memory.ReviewReport{Reviewed: 1, Deleted: 1}, report.Review)

	_, err = s.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestDecayReviewSpares(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s := newStore(t, newEmbedder())
	rec := seed(t, s, "主人的结婚纪念日是六月", memory.TierSemantic, 0.09, epoch.Add(-9*day))

	cfg := testConfig()
	j := &scriptJudge{replies: []string{"Worth keeping. [KEEP]"}}
	report, err := reviewingDecayer(s, j, cfg, clock).RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Evicted)
	assert.Equal(t, memory.ReviewReport{Reviewed: 1, Kept: 1}, report.Review)

	got := mustGet(t, s, rec.ID)
	assert.Equal(t, cfg.Review.ResetImportance, got.Importance)
	assert.Equal(t, epoch, got.LastAccessedAt.UTC())
	assert.Equal(t, epoch.Add(cfg.Review.SpareFor), got.SparedUntil.UTC())
	assert.Equal(t, rec.Content, got.Content)
}

func TestDecayReviewSkipsSparedAndEpisodic(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s := newStore(t, newEmbedder())

	spared := memory.NewRecord("主人的旧地址", memory.TierSemantic, 0.05, "conversation", epoch.Add(-9*day))
	spared.SparedUntil = epoch.Add(time.Hour)
	require.NoError(t, s.Put(ctx, spared))
	episode := seed(t, s, "上周吃了面包", memory.TierEpisodic, 0.05, epoch.Add(-9*day))

	j := &scriptJudge{replies: []string{"[KEEP]"}}
	d := reviewingDecayer(s, j, testConfig(), clock)
	report, err := d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, j.calls(), "episodes are evicted without review")
	assert.Equal(t, 1, report.Evicted)
	_, err = s.Get(ctx, episode.ID)
	assert.ErrorIs(t, err, memory.ErrNotFound)
	mustGet(t, s, spared.ID)

	clock.Add(2 * time.Hour)
	report, err = d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, j.calls(), "reviewed once the spare ran out")
	assert.Equal(t, 1, report.Review.Kept)
}

func TestDecayReviewFailureKeepsRecord(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s := newStore(t, newEmbedder())
	rec := seed(t, s, "主人以前用过的手机型号", memory.TierSemantic, 0.09, epoch.Add(-9*day))

	j := &scriptJudge{err: errors.New("overloaded")}
	report, err := reviewingDecayer(s, j, testConfig(), clock).RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Evicted)
	assert.Equal(t, memory.ReviewReport{Reviewed: 1, Failed: 1}, report.Review)

	got := mustGet(t, s, rec.ID)
	assert.Less(t, got.Importance, 0.1, "decayed but not evicted")
	assert.True(t, got.SparedUntil.IsZero())
}

func TestDecayReviewCap(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s := newStore(t, newEmbedder())
	for i := range 3 {
		seed(t, s, fmt.Sprintf("很久以前的偏好 %d", i), memory.TierSemantic, 0.09, epoch.Add(-9*day))
	}

	cfg := testConfig()
	cfg.Review.MaxPerCycle = 2
	j := &scriptJudge{replies: []string{"[DELETE]"}}
	d := reviewingDecayer(s, j, cfg, clock)

	report, err := d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Review.Reviewed)
	assert.Equal(t, 1, size(t, s), "the rest waits for the next cycle")

	report, err = d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Review.Reviewed)
	assert.Zero(t, size(t, s))
}
